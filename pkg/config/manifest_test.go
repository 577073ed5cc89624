package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/fleet/pkg/types"
)

const demoManifest = `
peers: {
	carl: {
		id:       "c3a1a6a0-3f0e-4d5b-9d1c-1e0c2b9a7f01"
		location: "Ulm"
		network: {
			interfaces: [{id: "1f0f3b8e-6a43-4a54-8b43-1b1e5c8a0d01", name: "eth0"}]
			bridge_name: "br-opendut"
		}
		topology: devices: [{
			id:        "d1d1d1d1-0000-4000-8000-000000000001"
			name:      "ecu-a"
			interface: "1f0f3b8e-6a43-4a54-8b43-1b1e5c8a0d01"
		}]
		executors: [{
			id: "e1e1e1e1-0000-4000-8000-000000000001"
			kind: {type: "container", container: {image: "testenv:latest", envs: [{name: "A", value: "1"}]}}
		}]
	}
	anna: {
		id: "a2a2a2a2-0000-4000-8000-000000000002"
		network: interfaces: [{
			id:   "2f0f3b8e-6a43-4a54-8b43-1b1e5c8a0d02"
			name: "can0"
			configuration: {type: "can", can: {bitrate: 500000, sample_point: 0.7}}
		}]
		topology: devices: [{
			id:        "d2d2d2d2-0000-4000-8000-000000000002"
			name:      "ecu-b"
			interface: "2f0f3b8e-6a43-4a54-8b43-1b1e5c8a0d02"
		}]
	}
}

clusters: demo: {
	id:      "b0b0b0b0-0000-4000-8000-0000000000b0"
	leader:  peers.carl.id
	devices: [peers.carl.topology.devices[0].id, peers.anna.topology.devices[0].id]
}

deployments: [{id: clusters.demo.id}]
`

func TestManifestParser_ParseInline(t *testing.T) {
	parser := NewManifestParser()

	manifest, err := parser.ParseInline(context.Background(), demoManifest)
	if err != nil {
		t.Fatalf("ParseInline() error = %v", err)
	}
	if err := manifest.Err(); err != nil {
		t.Fatalf("unexpected validation errors: %v", err)
	}

	if len(manifest.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(manifest.Peers))
	}
	if manifest.Peers[0].Name != "anna" || manifest.Peers[1].Name != "carl" {
		t.Errorf("expected peers named after their keys in order, got %s, %s",
			manifest.Peers[0].Name, manifest.Peers[1].Name)
	}

	carl := manifest.Peers[1]
	if carl.Location != "Ulm" {
		t.Errorf("expected location Ulm, got %q", carl.Location)
	}
	if carl.Network.BridgeName == nil || *carl.Network.BridgeName != "br-opendut" {
		t.Errorf("expected bridge br-opendut, got %v", carl.Network.BridgeName)
	}
	if got := carl.Network.Interfaces[0].Configuration.Type; got != types.NetworkInterfaceEthernet {
		t.Errorf("expected default ethernet configuration, got %s", got)
	}
	container := carl.Executors[0].Kind.Container
	if container == nil || container.Engine != types.EngineDocker {
		t.Errorf("expected docker as default engine, got %+v", container)
	}

	anna := manifest.Peers[0]
	if can := anna.Network.Interfaces[0].Configuration.CAN; can == nil || can.Bitrate != 500000 {
		t.Errorf("expected CAN configuration, got %+v", can)
	}
	if len(anna.Executors) != 0 {
		t.Errorf("expected no executors, got %d", len(anna.Executors))
	}

	if len(manifest.Clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(manifest.Clusters))
	}
	cluster := manifest.Clusters[0]
	if cluster.Name != "demo" || cluster.Leader != carl.ID || len(cluster.Devices) != 2 {
		t.Errorf("unexpected cluster %+v", cluster)
	}

	if len(manifest.Deployments) != 1 || manifest.Deployments[0].ID != cluster.ID {
		t.Errorf("unexpected deployments %+v", manifest.Deployments)
	}
}

func TestManifestParser_Errors(t *testing.T) {
	parser := NewManifestParser()

	tests := []struct {
		name     string
		content  string
		contains string
	}{
		{
			name:     "syntax error",
			content:  "peers: { carl: { id: }",
			contains: "",
		},
		{
			name:     "unknown top-level field",
			content:  `resources: {}`,
			contains: "resources",
		},
		{
			name: "invalid uuid",
			content: `peers: carl: {
	id: "carl"
}`,
			contains: "",
		},
		{
			name: "device on unknown interface",
			content: `peers: carl: {
	id: "c3a1a6a0-3f0e-4d5b-9d1c-1e0c2b9a7f01"
	topology: devices: [{
		id:        "d1d1d1d1-0000-4000-8000-000000000001"
		name:      "ecu"
		interface: "1f0f3b8e-6a43-4a54-8b43-1b1e5c8a0d01"
	}]
}`,
			contains: "unknown network interface",
		},
		{
			name: "cluster with one device",
			content: `clusters: demo: {
	id:      "b0b0b0b0-0000-4000-8000-0000000000b0"
	leader:  "c3a1a6a0-3f0e-4d5b-9d1c-1e0c2b9a7f01"
	devices: ["d1d1d1d1-0000-4000-8000-000000000001"]
}`,
			contains: "requires at least",
		},
		{
			name: "duplicate deployment",
			content: `deployments: [
	{id: "b0b0b0b0-0000-4000-8000-0000000000b0"},
	{id: "b0b0b0b0-0000-4000-8000-0000000000b0"},
]`,
			contains: "deployed twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manifest, err := parser.ParseInline(context.Background(), tt.content)
			if err != nil {
				t.Fatalf("ParseInline() error = %v", err)
			}
			if len(manifest.Errors) == 0 {
				t.Fatal("expected validation errors")
			}
			if !strings.Contains(manifest.Err().Error(), tt.contains) {
				t.Errorf("expected error containing %q, got %v", tt.contains, manifest.Err())
			}
		})
	}
}

func TestManifestParser_ParseFiles(t *testing.T) {
	dir := t.TempDir()
	peers := filepath.Join(dir, "peers.cue")
	clusters := filepath.Join(dir, "clusters.cue")

	if err := os.WriteFile(peers, []byte(`peers: carl: id: "c3a1a6a0-3f0e-4d5b-9d1c-1e0c2b9a7f01"`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(clusters, []byte(`deployments: [{id: "b0b0b0b0-0000-4000-8000-0000000000b0"}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	manifest, err := NewManifestParser().Parse(context.Background(), []string{peers, clusters})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := manifest.Err(); err != nil {
		t.Fatalf("unexpected validation errors: %v", err)
	}
	if len(manifest.SourceFiles) != 2 {
		t.Errorf("expected 2 source files, got %v", manifest.SourceFiles)
	}
	if len(manifest.Peers) != 1 || len(manifest.Deployments) != 1 {
		t.Errorf("expected merged manifest, got %d peers and %d deployments",
			len(manifest.Peers), len(manifest.Deployments))
	}
}

func TestManifestParser_ParseMissingSource(t *testing.T) {
	parser := NewManifestParser()

	if _, err := parser.Parse(context.Background(), nil); err == nil {
		t.Error("expected error without sources")
	}
	if _, err := parser.Parse(context.Background(), []string{filepath.Join(t.TempDir(), "missing.cue")}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidationErrorString(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{ValidationError{File: "a.cue", Line: 3, Column: 7, Message: "bad"}, "a.cue:3:7: bad"},
		{ValidationError{Path: "peers.carl", Message: "bad"}, "peers.carl: bad"},
		{ValidationError{Message: "bad"}, "bad"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
