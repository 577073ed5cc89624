package protocol

import (
	"encoding/json"
	"errors"
	"net/netip"
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/fleet/pkg/configuration"
	"github.com/openfroyo/fleet/pkg/types"
)

func sampleConfiguration() configuration.PeerConfiguration {
	var cfg configuration.PeerConfiguration

	eth := configuration.DeviceInterface{Descriptor: types.NetworkInterfaceDescriptor{
		ID:            types.RandomNetworkInterfaceID(),
		Name:          "eth0",
		Configuration: types.EthernetConfiguration(),
	}}
	can := configuration.DeviceInterface{Descriptor: types.NetworkInterfaceDescriptor{
		ID:   types.RandomNetworkInterfaceID(),
		Name: "can0",
		Configuration: types.NetworkInterfaceConfiguration{
			Type: types.NetworkInterfaceCAN,
			CAN:  &types.CANConfiguration{Bitrate: 500000, SamplePoint: 0.875},
		},
	}}
	bridge := configuration.EthernetBridge{Name: "br-opendut"}
	executor := configuration.Executor{Descriptor: types.ExecutorDescriptor{
		ID: types.RandomExecutorID(),
		Kind: types.ExecutorKind{
			Type: types.ExecutorContainer,
			Container: &types.ContainerSpec{
				Engine: types.EnginePodman,
				Image:  "docker.io/library/busybox",
				Envs:   []types.EnvironmentVariable{{Name: "A", Value: "1"}},
				Args:   []string{"sleep", "60"},
			},
		},
	}}

	cfg.Set(bridge, configuration.Present)
	cfg.Set(eth, configuration.Present, bridge.ParameterID())
	cfg.Set(can, configuration.Absent)
	cfg.Set(executor, configuration.Present)
	return cfg
}

func TestConfigurationWireRoundTrip(t *testing.T) {
	cfg := sampleConfiguration()

	data, err := json.Marshal(ConfigurationToWire(cfg))
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var wire WirePeerConfiguration
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	got, err := ConfigurationFromWire(&wire)
	if err != nil {
		t.Fatalf("ConfigurationFromWire() error = %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, cfg)
	}
}

func TestOldConfigurationWireRoundTrip(t *testing.T) {
	leader := types.RandomPeerID()
	old := configuration.OldPeerConfiguration{ClusterAssignment: &types.ClusterAssignment{
		ID:     types.RandomClusterID(),
		Leader: leader,
		Assignments: []types.PeerClusterAssignment{
			{PeerID: leader, VPNAddress: netip.MustParseAddr("10.0.0.1"), CANServerPort: 10000},
		},
	}}

	got, err := OldConfigurationFromWire(OldConfigurationToWire(old))
	if err != nil {
		t.Fatalf("OldConfigurationFromWire() error = %v", err)
	}
	if !reflect.DeepEqual(got, old) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, old)
	}

	empty, err := OldConfigurationFromWire(OldConfigurationToWire(configuration.OldPeerConfiguration{}))
	if err != nil || empty.ClusterAssignment != nil {
		t.Errorf("expected empty legacy configuration, got %+v err=%v", empty, err)
	}
}

func TestConfigurationFromWireErrors(t *testing.T) {
	bridge := configuration.EthernetBridge{Name: "br0"}

	tests := []struct {
		name    string
		param   WireParameter
		wantErr string
	}{
		{
			name:    "missing id",
			param:   WireParameter{Target: "present", EthernetBridge: &WireEthernetBridge{Name: "br0"}},
			wantErr: "Field 'id' not set",
		},
		{
			name:    "missing value",
			param:   WireParameter{ID: bridge.ParameterID().String(), Target: "present"},
			wantErr: "Field 'value' not set",
		},
		{
			name:    "unknown target",
			param:   WireParameter{ID: bridge.ParameterID().String(), Target: "maybe", EthernetBridge: &WireEthernetBridge{Name: "br0"}},
			wantErr: "unknown target",
		},
		{
			name:    "identity mismatch",
			param:   WireParameter{ID: bridge.ParameterID().String(), Target: "present", EthernetBridge: &WireEthernetBridge{Name: "br1"}},
			wantErr: "does not match",
		},
		{
			name: "two values",
			param: WireParameter{
				ID:             bridge.ParameterID().String(),
				Target:         "present",
				EthernetBridge: &WireEthernetBridge{Name: "br0"},
				Executor:       &WireExecutor{ID: types.RandomExecutorID().String(), Kind: "executable"},
			},
			wantErr: "carries 2 values",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConfigurationFromWire(&WirePeerConfiguration{Parameters: []WireParameter{tt.param}})
			var conversionErr *ConversionError
			if !errors.As(err, &conversionErr) {
				t.Fatalf("expected ConversionError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
			if !strings.HasPrefix(err.Error(), "Could not convert from") {
				t.Errorf("unexpected error format: %v", err)
			}
		})
	}
}

func TestDecodeApplyRequiresBothHalves(t *testing.T) {
	apply := EncodeApply(configuration.OldPeerConfiguration{}, sampleConfiguration())
	if _, _, err := DecodeApply(apply); err != nil {
		t.Fatalf("DecodeApply() error = %v", err)
	}

	apply.Configuration = nil
	if _, _, err := DecodeApply(apply); err == nil {
		t.Error("expected error for missing configuration")
	}
}

func TestApplyMessageRoundTrip(t *testing.T) {
	cfg := sampleConfiguration()
	msg, err := NewApplyPeerConfiguration(EncodeApply(configuration.OldPeerConfiguration{}, cfg))
	if err != nil {
		t.Fatalf("NewApplyPeerConfiguration() error = %v", err)
	}

	data, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	var apply ApplyPeerConfiguration
	if err := decoded.ParseData(&apply); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	_, got, err := DecodeApply(&apply)
	if err != nil {
		t.Fatalf("DecodeApply() error = %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("configuration mismatch after transport")
	}
}
