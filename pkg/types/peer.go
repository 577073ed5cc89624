package types

import (
	"fmt"
	"net/netip"
)

// Resource kinds of the peer entities.
const (
	KindPeerDescriptor = "peer_descriptor"
)

// NetworkInterfaceConfigurationType distinguishes ethernet from CAN interfaces.
type NetworkInterfaceConfigurationType string

const (
	NetworkInterfaceEthernet NetworkInterfaceConfigurationType = "ethernet"
	NetworkInterfaceCAN      NetworkInterfaceConfigurationType = "can"
)

// CANConfiguration holds the bus timing of a CAN interface.
type CANConfiguration struct {
	Bitrate         uint32  `json:"bitrate" cbor:"bitrate"`
	SamplePoint     float32 `json:"sample_point" cbor:"sample_point"`
	FD              bool    `json:"fd" cbor:"fd"`
	DataBitrate     uint32  `json:"data_bitrate" cbor:"data_bitrate"`
	DataSamplePoint float32 `json:"data_sample_point" cbor:"data_sample_point"`
}

// NetworkInterfaceConfiguration is either ethernet or CAN. CAN is set only for CAN interfaces.
type NetworkInterfaceConfiguration struct {
	Type NetworkInterfaceConfigurationType `json:"type" cbor:"type"`
	CAN  *CANConfiguration                 `json:"can,omitempty" cbor:"can,omitempty"`
}

// EthernetConfiguration returns the configuration of an ethernet interface.
func EthernetConfiguration() NetworkInterfaceConfiguration {
	return NetworkInterfaceConfiguration{Type: NetworkInterfaceEthernet}
}

// NetworkInterfaceDescriptor describes one interface of a peer.
type NetworkInterfaceDescriptor struct {
	ID            NetworkInterfaceID            `json:"id" cbor:"id"`
	Name          NetworkInterfaceName          `json:"name" cbor:"name"`
	Configuration NetworkInterfaceConfiguration `json:"configuration" cbor:"configuration"`
}

// Validate checks the interface name and configuration.
func (d NetworkInterfaceDescriptor) Validate() error {
	if err := d.Name.Validate(); err != nil {
		return err
	}
	switch d.Configuration.Type {
	case NetworkInterfaceEthernet:
		return nil
	case NetworkInterfaceCAN:
		if d.Configuration.CAN == nil {
			return fmt.Errorf("CAN interface '%s' has no CAN configuration", d.Name)
		}
		return nil
	default:
		return fmt.Errorf("network interface '%s' has unknown configuration type '%s'", d.Name, d.Configuration.Type)
	}
}

// DeviceDescriptor describes a device attached to a peer through one of its interfaces.
type DeviceDescriptor struct {
	ID          DeviceID           `json:"id" cbor:"id"`
	Name        string             `json:"name" cbor:"name"`
	Description string             `json:"description,omitempty" cbor:"description,omitempty"`
	Interface   NetworkInterfaceID `json:"interface" cbor:"interface"`
}

// Topology lists the devices of a peer.
type Topology struct {
	Devices []DeviceDescriptor `json:"devices" cbor:"devices"`
}

// PeerNetworkDescriptor holds the interfaces of a peer and an optional bridge name override.
type PeerNetworkDescriptor struct {
	Interfaces []NetworkInterfaceDescriptor `json:"interfaces" cbor:"interfaces"`
	BridgeName *NetworkInterfaceName        `json:"bridge_name,omitempty" cbor:"bridge_name,omitempty"`
}

// PeerDescriptor is the operator-provided description of a peer.
type PeerDescriptor struct {
	ID        PeerID                `json:"id" cbor:"id"`
	Name      PeerName              `json:"name" cbor:"name"`
	Location  string                `json:"location,omitempty" cbor:"location,omitempty"`
	Network   PeerNetworkDescriptor `json:"network" cbor:"network"`
	Topology  Topology              `json:"topology" cbor:"topology"`
	Executors []ExecutorDescriptor  `json:"executors" cbor:"executors"`
}

func (PeerDescriptor) ResourceKind() string { return KindPeerDescriptor }

// ResourceRelations exposes the devices of the peer for reverse lookups.
func (p PeerDescriptor) ResourceRelations() map[string][]string {
	devices := make([]string, 0, len(p.Topology.Devices))
	for _, device := range p.Topology.Devices {
		devices = append(devices, device.ID.String())
	}
	return map[string][]string{RelationDevice: devices}
}

// Validate checks the descriptor for internal consistency.
func (p PeerDescriptor) Validate() error {
	if p.ID.IsNil() {
		return fmt.Errorf("peer descriptor has no id")
	}
	if err := p.Name.Validate(); err != nil {
		return err
	}

	interfaces := make(map[NetworkInterfaceID]struct{}, len(p.Network.Interfaces))
	names := make(map[NetworkInterfaceName]struct{}, len(p.Network.Interfaces))
	for _, iface := range p.Network.Interfaces {
		if err := iface.Validate(); err != nil {
			return err
		}
		if _, exists := names[iface.Name]; exists {
			return fmt.Errorf("peer <%s> declares network interface '%s' twice", p.ID, iface.Name)
		}
		names[iface.Name] = struct{}{}
		interfaces[iface.ID] = struct{}{}
	}

	if p.Network.BridgeName != nil {
		if err := p.Network.BridgeName.Validate(); err != nil {
			return err
		}
	}

	for _, device := range p.Topology.Devices {
		if _, ok := interfaces[device.Interface]; !ok {
			return fmt.Errorf("device <%s> of peer <%s> references unknown network interface <%s>",
				device.ID, p.ID, device.Interface)
		}
	}

	for _, executor := range p.Executors {
		if err := executor.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// FindInterface returns the interface descriptor with the given id.
func (p PeerDescriptor) FindInterface(id NetworkInterfaceID) (NetworkInterfaceDescriptor, bool) {
	for _, iface := range p.Network.Interfaces {
		if iface.ID == id {
			return iface, true
		}
	}
	return NetworkInterfaceDescriptor{}, false
}

// FindDevice returns the device descriptor with the given id.
func (p PeerDescriptor) FindDevice(id DeviceID) (DeviceDescriptor, bool) {
	for _, device := range p.Topology.Devices {
		if device.ID == id {
			return device, true
		}
	}
	return DeviceDescriptor{}, false
}

// PeerConnectionState tells whether a peer currently holds an open stream.
type PeerConnectionState string

const (
	PeerOffline PeerConnectionState = "offline"
	PeerOnline  PeerConnectionState = "online"
)

// PeerState combines connectivity with cluster membership.
type PeerState struct {
	Connection PeerConnectionState `json:"connection"`
	RemoteHost *netip.Addr         `json:"remote_host,omitempty"`
	Member     *ClusterID          `json:"member,omitempty"`
}

// IsOnline reports whether the peer is connected.
func (s PeerState) IsOnline() bool { return s.Connection == PeerOnline }

// IsAvailable reports whether the peer is connected and not blocked by a cluster.
func (s PeerState) IsAvailable() bool { return s.IsOnline() && s.Member == nil }
