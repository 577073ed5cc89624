// Package configuration holds the declarative peer configuration: identity-addressed
// parameters with a Present/Absent target, grouped per parameter kind.
package configuration

import (
	"github.com/google/uuid"

	"github.com/openfroyo/fleet/pkg/types"
)

// ParameterKind is the closed set of parameter variants.
type ParameterKind string

const (
	KindDeviceInterface ParameterKind = "device_interface"
	KindEthernetBridge  ParameterKind = "ethernet_bridge"
	KindExecutor        ParameterKind = "executor"
)

// ParameterTarget is the desired existence of a parameter on the peer.
type ParameterTarget string

const (
	Present ParameterTarget = "present"
	Absent  ParameterTarget = "absent"
)

// Valid reports whether t is one of the known targets.
func (t ParameterTarget) Valid() bool { return t == Present || t == Absent }

// ParameterID identifies a parameter. It is derived from the distinguishing fields
// of the wrapped value, never from the whole value.
type ParameterID uuid.UUID

var parameterNamespace = uuid.MustParse("0e9b1d6c-3c55-4d9e-9a63-52f0c0b5f5a1")

func deriveParameterID(kind ParameterKind, key string) ParameterID {
	return ParameterID(uuid.NewSHA1(parameterNamespace, []byte(string(kind)+"/"+key)))
}

func (id ParameterID) String() string                { return uuid.UUID(id).String() }
func (id ParameterID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id *ParameterID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

// ParameterValue is implemented by exactly the variants of this package.
type ParameterValue interface {
	Kind() ParameterKind
	ParameterID() ParameterID
	parameterValue()
}

// DeviceInterface declares a network interface of the peer that joins the cluster bridge.
type DeviceInterface struct {
	Descriptor types.NetworkInterfaceDescriptor `json:"descriptor" cbor:"descriptor"`
}

func (DeviceInterface) Kind() ParameterKind { return KindDeviceInterface }
func (v DeviceInterface) ParameterID() ParameterID {
	return deriveParameterID(KindDeviceInterface, v.Descriptor.ID.String())
}
func (DeviceInterface) parameterValue() {}

// EthernetBridge declares the bridge the peer's device interfaces are joined to.
type EthernetBridge struct {
	Name types.NetworkInterfaceName `json:"name" cbor:"name"`
}

func (EthernetBridge) Kind() ParameterKind { return KindEthernetBridge }
func (v EthernetBridge) ParameterID() ParameterID {
	return deriveParameterID(KindEthernetBridge, v.Name.String())
}
func (EthernetBridge) parameterValue() {}

// Executor declares a workload to run on the peer.
type Executor struct {
	Descriptor types.ExecutorDescriptor `json:"descriptor" cbor:"descriptor"`
}

func (Executor) Kind() ParameterKind { return KindExecutor }
func (v Executor) ParameterID() ParameterID {
	return deriveParameterID(KindExecutor, v.Descriptor.ID.String())
}
func (Executor) parameterValue() {}

// Parameter wraps a value with its identity, target and dependencies.
type Parameter[V ParameterValue] struct {
	ID           ParameterID     `json:"id" cbor:"id"`
	Dependencies []ParameterID   `json:"dependencies,omitempty" cbor:"dependencies,omitempty"`
	Target       ParameterTarget `json:"target" cbor:"target"`
	Value        V               `json:"value" cbor:"value"`
}

// NewParameter builds a parameter whose identity is derived from value.
func NewParameter[V ParameterValue](value V, target ParameterTarget, dependencies ...ParameterID) Parameter[V] {
	return Parameter[V]{
		ID:           value.ParameterID(),
		Dependencies: dependencies,
		Target:       target,
		Value:        value,
	}
}

// upsert removes any parameter with the same identity and appends p.
func upsert[V ParameterValue](parameters []Parameter[V], p Parameter[V]) []Parameter[V] {
	out := parameters[:0:0]
	for _, existing := range parameters {
		if existing.ID != p.ID {
			out = append(out, existing)
		}
	}
	return append(out, p)
}
