package types

import (
	"testing"
)

func TestClusterConfigurationValidate(t *testing.T) {
	deviceA := RandomDeviceID()
	deviceB := RandomDeviceID()

	valid := ClusterConfiguration{
		ID:      RandomClusterID(),
		Name:    "cluster",
		Leader:  RandomPeerID(),
		Devices: []DeviceID{deviceA, deviceB},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid configuration, got: %v", err)
	}

	single := valid
	single.Devices = []DeviceID{deviceA, deviceA}
	if err := single.Validate(); err == nil {
		t.Error("expected error for a cluster with a single distinct device")
	}

	noLeader := valid
	noLeader.Leader = PeerID{}
	if err := noLeader.Validate(); err == nil {
		t.Error("expected error for a cluster without leader")
	}
}

func TestSortedDevicesIsStable(t *testing.T) {
	a, b, c := RandomDeviceID(), RandomDeviceID(), RandomDeviceID()

	first := SortedDevices([]DeviceID{c, a, b, a})
	second := SortedDevices([]DeviceID{b, c, a})

	if len(first) != 3 {
		t.Fatalf("expected duplicates to be removed, got %d devices", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("expected identical ordering, got %v and %v", first, second)
		}
	}
}

func TestPeerDescriptorValidate(t *testing.T) {
	ifaceID := RandomNetworkInterfaceID()
	peer := PeerDescriptor{
		ID:   RandomPeerID(),
		Name: "peer-one",
		Network: PeerNetworkDescriptor{
			Interfaces: []NetworkInterfaceDescriptor{
				{ID: ifaceID, Name: "eth0", Configuration: EthernetConfiguration()},
			},
		},
		Topology: Topology{
			Devices: []DeviceDescriptor{{ID: RandomDeviceID(), Name: "ecu", Interface: ifaceID}},
		},
	}

	if err := peer.Validate(); err != nil {
		t.Fatalf("expected valid descriptor, got: %v", err)
	}

	peer.Topology.Devices[0].Interface = RandomNetworkInterfaceID()
	if err := peer.Validate(); err == nil {
		t.Error("expected error for a device on an unknown interface")
	}
}
