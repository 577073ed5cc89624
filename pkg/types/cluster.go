package types

import (
	"bytes"
	"fmt"
	"net/netip"
	"sort"
)

// Resource kinds of the cluster entities.
const (
	KindClusterConfiguration = "cluster_configuration"
	KindClusterDeployment    = "cluster_deployment"

	// RelationDevice names the relation from an entity to the devices it references.
	RelationDevice = "device"
)

// MinimumClusterDevices is the smallest device set a cluster can be deployed with.
const MinimumClusterDevices = 2

// ClusterConfiguration declares a named cluster, its leader and its device set.
type ClusterConfiguration struct {
	ID      ClusterID   `json:"id" cbor:"id"`
	Name    ClusterName `json:"name" cbor:"name"`
	Leader  PeerID      `json:"leader" cbor:"leader"`
	Devices []DeviceID  `json:"devices" cbor:"devices"`
}

func (ClusterConfiguration) ResourceKind() string { return KindClusterConfiguration }

// ResourceRelations exposes the device set for reverse lookups.
func (c ClusterConfiguration) ResourceRelations() map[string][]string {
	devices := make([]string, 0, len(c.Devices))
	for _, device := range c.Devices {
		devices = append(devices, device.String())
	}
	return map[string][]string{RelationDevice: devices}
}

// Normalize sorts the device set and removes duplicates.
func (c *ClusterConfiguration) Normalize() {
	c.Devices = SortedDevices(c.Devices)
}

// HasDevice reports whether the configuration contains the device.
func (c ClusterConfiguration) HasDevice(id DeviceID) bool {
	for _, device := range c.Devices {
		if device == id {
			return true
		}
	}
	return false
}

// Validate checks the name, leader and device count.
func (c ClusterConfiguration) Validate() error {
	if c.ID.IsNil() {
		return fmt.Errorf("cluster configuration has no id")
	}
	if err := c.Name.Validate(); err != nil {
		return err
	}
	if c.Leader.IsNil() {
		return fmt.Errorf("cluster <%s> has no leader", c.ID)
	}
	if len(SortedDevices(c.Devices)) < MinimumClusterDevices {
		return fmt.Errorf("cluster <%s> requires at least %d devices, got %d",
			c.ID, MinimumClusterDevices, len(c.Devices))
	}
	return nil
}

// SortedDevices returns a sorted copy of ids without duplicates.
func SortedDevices(ids []DeviceID) []DeviceID {
	seen := make(map[DeviceID]struct{}, len(ids))
	out := make([]DeviceID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// ClusterDeployment is the operator's request to realize a cluster configuration.
type ClusterDeployment struct {
	ID ClusterID `json:"id" cbor:"id"`
}

func (ClusterDeployment) ResourceKind() string { return KindClusterDeployment }

// PeerClusterAssignment binds one peer into a scheduled cluster.
type PeerClusterAssignment struct {
	PeerID        PeerID     `json:"peer_id" cbor:"peer_id"`
	VPNAddress    netip.Addr `json:"vpn_address" cbor:"vpn_address"`
	CANServerPort uint16     `json:"can_server_port" cbor:"can_server_port"`
}

// ClusterAssignment is the computed network and role binding of a scheduled cluster.
type ClusterAssignment struct {
	ID          ClusterID               `json:"id" cbor:"id"`
	Leader      PeerID                  `json:"leader" cbor:"leader"`
	Assignments []PeerClusterAssignment `json:"assignments" cbor:"assignments"`
}

// Find returns the assignment of the given peer.
func (a ClusterAssignment) Find(peerID PeerID) (PeerClusterAssignment, bool) {
	for _, assignment := range a.Assignments {
		if assignment.PeerID == peerID {
			return assignment, true
		}
	}
	return PeerClusterAssignment{}, false
}

// LeaderAssignment returns the assignment of the leader.
func (a ClusterAssignment) LeaderAssignment() (PeerClusterAssignment, bool) {
	return a.Find(a.Leader)
}

// ClusterState is the lifecycle state of a cluster.
type ClusterState string

const (
	ClusterUndeployed ClusterState = "undeployed"
	ClusterDeploying  ClusterState = "deploying"
	ClusterDeployed   ClusterState = "deployed"
)
