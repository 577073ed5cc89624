package configuration

import (
	"fmt"

	"github.com/openfroyo/fleet/pkg/types"
)

// Resource kinds of the configuration aggregates. Both share the peer's identifier.
const (
	KindPeerConfiguration    = "peer_configuration"
	KindOldPeerConfiguration = "old_peer_configuration"
)

// PeerConfiguration is the complete desired configuration of one peer.
type PeerConfiguration struct {
	DeviceInterfaces []Parameter[DeviceInterface] `json:"device_interfaces" cbor:"device_interfaces"`
	EthernetBridges  []Parameter[EthernetBridge]  `json:"ethernet_bridges" cbor:"ethernet_bridges"`
	Executors        []Parameter[Executor]        `json:"executors" cbor:"executors"`
}

func (PeerConfiguration) ResourceKind() string { return KindPeerConfiguration }

// Set upserts a parameter for value. An existing parameter with the same identity
// is removed first and the new one is appended.
func (c *PeerConfiguration) Set(value ParameterValue, target ParameterTarget, dependencies ...ParameterID) {
	switch v := value.(type) {
	case DeviceInterface:
		c.DeviceInterfaces = upsert(c.DeviceInterfaces, NewParameter(v, target, dependencies...))
	case EthernetBridge:
		c.EthernetBridges = upsert(c.EthernetBridges, NewParameter(v, target, dependencies...))
	case Executor:
		c.Executors = upsert(c.Executors, NewParameter(v, target, dependencies...))
	case *DeviceInterface:
		c.Set(*v, target, dependencies...)
	case *EthernetBridge:
		c.Set(*v, target, dependencies...)
	case *Executor:
		c.Set(*v, target, dependencies...)
	default:
		panic(fmt.Sprintf("unknown parameter value %T", value))
	}
}

// SetAll applies target to every parameter of kind.
func (c *PeerConfiguration) SetAll(kind ParameterKind, target ParameterTarget) {
	switch kind {
	case KindDeviceInterface:
		for i := range c.DeviceInterfaces {
			c.DeviceInterfaces[i].Target = target
		}
	case KindEthernetBridge:
		for i := range c.EthernetBridges {
			c.EthernetBridges[i].Target = target
		}
	case KindExecutor:
		for i := range c.Executors {
			c.Executors[i].Target = target
		}
	}
}

// ParameterInfo is the kind-tagged view of a parameter without its value.
type ParameterInfo struct {
	Kind         ParameterKind
	ID           ParameterID
	Target       ParameterTarget
	Dependencies []ParameterID
}

// Parameters returns the index of all parameters, grouped by kind in declaration order.
func (c PeerConfiguration) Parameters() []ParameterInfo {
	out := make([]ParameterInfo, 0, len(c.DeviceInterfaces)+len(c.EthernetBridges)+len(c.Executors))
	for _, p := range c.DeviceInterfaces {
		out = append(out, ParameterInfo{Kind: KindDeviceInterface, ID: p.ID, Target: p.Target, Dependencies: p.Dependencies})
	}
	for _, p := range c.EthernetBridges {
		out = append(out, ParameterInfo{Kind: KindEthernetBridge, ID: p.ID, Target: p.Target, Dependencies: p.Dependencies})
	}
	for _, p := range c.Executors {
		out = append(out, ParameterInfo{Kind: KindExecutor, ID: p.ID, Target: p.Target, Dependencies: p.Dependencies})
	}
	return out
}

// PresentBridge returns the first bridge whose target is Present.
func (c PeerConfiguration) PresentBridge() (EthernetBridge, bool) {
	for _, p := range c.EthernetBridges {
		if p.Target == Present {
			return p.Value, true
		}
	}
	return EthernetBridge{}, false
}

// Clone returns a deep copy of the parameter lists.
func (c PeerConfiguration) Clone() PeerConfiguration {
	return PeerConfiguration{
		DeviceInterfaces: append([]Parameter[DeviceInterface](nil), c.DeviceInterfaces...),
		EthernetBridges:  append([]Parameter[EthernetBridge](nil), c.EthernetBridges...),
		Executors:        append([]Parameter[Executor](nil), c.Executors...),
	}
}

// OldPeerConfiguration is the legacy configuration aggregate. It only carries the
// cluster assignment; new fields belong to PeerConfiguration.
type OldPeerConfiguration struct {
	ClusterAssignment *types.ClusterAssignment `json:"cluster_assignment,omitempty" cbor:"cluster_assignment,omitempty"`
}

func (OldPeerConfiguration) ResourceKind() string { return KindOldPeerConfiguration }
