package types

import (
	"errors"
	"strings"
	"testing"
)

func TestNewClusterName(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "valid name", value: "cluster-1", wantErr: false},
		{name: "underscores inside", value: "my_cluster", wantErr: false},
		{name: "minimum length", value: "abcd", wantErr: false},
		{name: "maximum length", value: strings.Repeat("a", NameMaxLength), wantErr: false},
		{name: "too short", value: "abc", wantErr: true},
		{name: "too long", value: strings.Repeat("a", NameMaxLength+1), wantErr: true},
		{name: "leading hyphen", value: "-cluster", wantErr: true},
		{name: "trailing underscore", value: "cluster_", wantErr: true},
		{name: "whitespace", value: "my cluster", wantErr: true},
		{name: "non ascii", value: "clüster", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClusterName(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClusterName(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if err != nil {
				var illegal *IllegalNameError
				if !errors.As(err, &illegal) {
					t.Errorf("expected *IllegalNameError, got %T", err)
				}
			}
		})
	}
}

func TestNetworkInterfaceNameValidate(t *testing.T) {
	tests := []struct {
		value   string
		wantErr bool
	}{
		{value: "eth0", wantErr: false},
		{value: "br-opendut", wantErr: false},
		{value: "", wantErr: true},
		{value: "a-very-long-interface", wantErr: true},
		{value: "eth/0", wantErr: true},
	}

	for _, tt := range tests {
		err := NetworkInterfaceName(tt.value).Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
		}
	}
}

func TestParsePeerID(t *testing.T) {
	id := RandomPeerID()

	parsed, err := ParsePeerID(id.String())
	if err != nil {
		t.Fatalf("failed to parse peer id: %v", err)
	}
	if parsed != id {
		t.Errorf("expected %s, got %s", id, parsed)
	}

	if _, err := ParsePeerID("not-a-uuid"); err == nil {
		t.Error("expected error for malformed peer id")
	}
}
