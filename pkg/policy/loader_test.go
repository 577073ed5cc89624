package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	rego := "# Peers need a location\n# before deployment\n" + locationPolicy
	writeFile(t, filepath.Join(dir, "location.rego"), rego)
	writeFile(t, filepath.Join(dir, "custom.json"), `{"name":"custom","rego":"package custom","severity":"warning"}`)
	writeFile(t, filepath.Join(dir, "set.bundle.json"), `{"name":"set","version":"1","policies":[{"name":"a","rego":"package a","enabled":true},{"name":"b","rego":"package b"}]}`)

	tests := []struct {
		file         string
		wantNames    []string
		wantSeverity Severity
		wantEnabled  bool
	}{
		{"location.rego", []string{"location"}, SeverityError, true},
		{"custom.json", []string{"custom"}, SeverityWarning, true},
		{"set.bundle.json", []string{"a", "b"}, SeverityError, true},
	}

	loader := NewLoader(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			policies, err := loader.loadFromFile(context.Background(), path)
			if err != nil {
				t.Fatalf("Failed to load: %v", err)
			}
			if len(policies) != len(tt.wantNames) {
				t.Fatalf("Expected %d policies, got %d", len(tt.wantNames), len(policies))
			}
			for i, p := range policies {
				if p.Name != tt.wantNames[i] {
					t.Errorf("Expected name %s, got %s", tt.wantNames[i], p.Name)
				}
				if p.Severity != tt.wantSeverity {
					t.Errorf("Expected severity %s, got %s", tt.wantSeverity, p.Severity)
				}
				if p.Source != path {
					t.Errorf("Expected source %s, got %s", path, p.Source)
				}
			}
			if tt.wantEnabled && !policies[0].Enabled {
				t.Error("Policy should be enabled")
			}
		})
	}

	policies, _ := loader.loadFromFile(context.Background(), filepath.Join(dir, "location.rego"))
	if got := policies[0].Description; got != "Peers need a location before deployment" {
		t.Errorf("Unexpected description %q", got)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "policy.txt"), "not a policy")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")
	writeFile(t, filepath.Join(dir, "anonymous.json"), `{"rego":"package x"}`)

	loader := NewLoader(zerolog.Nop())
	for _, name := range []string{"policy.txt", "broken.json", "anonymous.json", "missing.rego"} {
		if _, err := loader.loadFromFile(context.Background(), filepath.Join(dir, name)); err == nil {
			t.Errorf("Expected error loading %s", name)
		}
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), "package a")
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), "package b")
	writeFile(t, filepath.Join(dir, "nested", "notes.md"), "ignored")
	writeFile(t, filepath.Join(dir, "nested", "broken.json"), "{")
	single := filepath.Join(t.TempDir(), "c.rego")
	writeFile(t, single, "package c")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 3 {
		t.Fatalf("Expected 3 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestClearCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.rego")
	writeFile(t, path, "package a")

	loader := NewLoader(zerolog.Nop())
	if _, err := loader.loadFromFile(context.Background(), path); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	writeFile(t, path, "package changed")

	policies, _ := loader.loadFromFile(context.Background(), path)
	if policies[0].Rego != "package a" {
		t.Error("Expected cached content")
	}

	loader.ClearCache()
	policies, _ = loader.loadFromFile(context.Background(), path)
	if policies[0].Rego != "package changed" {
		t.Error("Expected fresh content after clearing the cache")
	}
}
