// Package types defines the domain entities shared by the control plane and the agent:
// peers, their devices and executors, and cluster configurations, deployments and assignments.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// PeerID identifies a peer.
type PeerID uuid.UUID

// ClusterID identifies a cluster. Configuration, deployment and assignment of one
// cluster share the same identifier.
type ClusterID uuid.UUID

// DeviceID identifies a device of a peer's topology.
type DeviceID uuid.UUID

// NetworkInterfaceID identifies a network interface descriptor of a peer.
type NetworkInterfaceID uuid.UUID

// ExecutorID identifies an executor running on a peer.
type ExecutorID uuid.UUID

// RandomPeerID returns a new random peer identifier.
func RandomPeerID() PeerID { return PeerID(uuid.New()) }

// RandomClusterID returns a new random cluster identifier.
func RandomClusterID() ClusterID { return ClusterID(uuid.New()) }

// RandomDeviceID returns a new random device identifier.
func RandomDeviceID() DeviceID { return DeviceID(uuid.New()) }

// RandomNetworkInterfaceID returns a new random network interface identifier.
func RandomNetworkInterfaceID() NetworkInterfaceID { return NetworkInterfaceID(uuid.New()) }

// RandomExecutorID returns a new random executor identifier.
func RandomExecutorID() ExecutorID { return ExecutorID(uuid.New()) }

// ParsePeerID parses the textual form of a peer identifier.
func ParsePeerID(s string) (PeerID, error) {
	id, err := parseUUID("PeerId", s)
	return PeerID(id), err
}

// ParseClusterID parses the textual form of a cluster identifier.
func ParseClusterID(s string) (ClusterID, error) {
	id, err := parseUUID("ClusterId", s)
	return ClusterID(id), err
}

// ParseDeviceID parses the textual form of a device identifier.
func ParseDeviceID(s string) (DeviceID, error) {
	id, err := parseUUID("DeviceId", s)
	return DeviceID(id), err
}

// ParseNetworkInterfaceID parses the textual form of a network interface identifier.
func ParseNetworkInterfaceID(s string) (NetworkInterfaceID, error) {
	id, err := parseUUID("NetworkInterfaceId", s)
	return NetworkInterfaceID(id), err
}

// ParseExecutorID parses the textual form of an executor identifier.
func ParseExecutorID(s string) (ExecutorID, error) {
	id, err := parseUUID("ExecutorId", s)
	return ExecutorID(id), err
}

func parseUUID(kind, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s '%s': %w", kind, s, err)
	}
	return id, nil
}

func (id PeerID) UUID() uuid.UUID               { return uuid.UUID(id) }
func (id PeerID) String() string                { return uuid.UUID(id).String() }
func (id PeerID) IsNil() bool                   { return uuid.UUID(id) == uuid.Nil }
func (id PeerID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id *PeerID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

func (id ClusterID) UUID() uuid.UUID               { return uuid.UUID(id) }
func (id ClusterID) String() string                { return uuid.UUID(id).String() }
func (id ClusterID) IsNil() bool                   { return uuid.UUID(id) == uuid.Nil }
func (id ClusterID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id *ClusterID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

func (id DeviceID) UUID() uuid.UUID               { return uuid.UUID(id) }
func (id DeviceID) String() string                { return uuid.UUID(id).String() }
func (id DeviceID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id *DeviceID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

func (id NetworkInterfaceID) UUID() uuid.UUID               { return uuid.UUID(id) }
func (id NetworkInterfaceID) String() string                { return uuid.UUID(id).String() }
func (id NetworkInterfaceID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id *NetworkInterfaceID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }

func (id ExecutorID) UUID() uuid.UUID               { return uuid.UUID(id) }
func (id ExecutorID) String() string                { return uuid.UUID(id).String() }
func (id ExecutorID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id *ExecutorID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
