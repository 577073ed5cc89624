package fleet

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"sort"

	"github.com/openfroyo/fleet/pkg/stores"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/types"
)

// Rollout results recorded in metrics.
const (
	rolloutAssigned = "assigned"
	rolloutPending  = "pending"
	rolloutFailed   = "failed"
)

type member struct {
	descriptor types.PeerDescriptor
	interfaces []types.NetworkInterfaceDescriptor
}

type members []member

func (ms members) descriptors() []types.PeerDescriptor {
	out := make([]types.PeerDescriptor, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.descriptor)
	}
	return out
}

// resolveMembers maps the devices of a cluster to the peers owning them,
// together with the interfaces those devices are attached to. Devices no peer
// declares are skipped. Members are sorted by peer id.
func resolveMembers(tx stores.Tx, cluster types.ClusterConfiguration) (members, error) {
	byPeer := make(map[types.PeerID]*member)

	for _, deviceID := range cluster.Devices {
		owners, err := stores.Referencing[types.PeerDescriptor](tx, types.RelationDevice, deviceID)
		if err != nil {
			return nil, err
		}

		for _, owner := range owners {
			peerID := types.PeerID(owner)
			entry, ok := byPeer[peerID]
			if !ok {
				descriptor, found, err := stores.Get[types.PeerDescriptor](tx, peerID)
				if err != nil {
					return nil, err
				}
				if !found {
					continue
				}
				entry = &member{descriptor: descriptor}
				byPeer[peerID] = entry
			}

			device, ok := entry.descriptor.FindDevice(deviceID)
			if !ok {
				continue
			}
			iface, ok := entry.descriptor.FindInterface(device.Interface)
			if !ok {
				continue
			}
			if !containsInterface(entry.interfaces, iface.ID) {
				entry.interfaces = append(entry.interfaces, iface)
			}
		}
	}

	out := make(members, 0, len(byPeer))
	for _, entry := range byPeer {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].descriptor.ID, out[j].descriptor.ID
		return bytes.Compare(a[:], b[:]) < 0
	})
	return out, nil
}

func containsInterface(interfaces []types.NetworkInterfaceDescriptor, id types.NetworkInterfaceID) bool {
	for _, iface := range interfaces {
		if iface.ID == id {
			return true
		}
	}
	return false
}

func (m *Manager) isRolling(clusterID types.ClusterID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rolling[clusterID]
	return ok
}

func (m *Manager) beginRollout(clusterID types.ClusterID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rolling[clusterID]; ok {
		return false
	}
	m.rolling[clusterID] = struct{}{}
	return true
}

func (m *Manager) endRollout(clusterID types.ClusterID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rolling, clusterID)
}

// Deploy rolls a deployed cluster out to its members. If any member is
// offline the rollout stays pending and nothing is assigned. Otherwise every
// member is assigned the cluster, peers ordered by id: the VPN address is the
// host the peer connected from and the CAN server port counts up from the
// configured base.
func (m *Manager) Deploy(ctx context.Context, clusterID types.ClusterID) (err error) {
	const op = "deploy"

	if !m.beginRollout(clusterID) {
		m.logger.WithClusterID(clusterID).Debug("Rollout already in progress")
		return nil
	}
	defer m.endRollout(clusterID)

	ic := m.telemetry.StartOperation(ctx, "fleet."+op, telemetry.AttrClusterID.String(clusterID.String()))
	defer func() { ic.End(err) }()

	var (
		cluster types.ClusterConfiguration
		ms      members
	)
	err = m.store.View(ic.Ctx, func(tx stores.Tx) error {
		var found bool
		var err error
		cluster, found, err = stores.Get[types.ClusterConfiguration](tx, clusterID)
		if err != nil {
			return err
		}
		if !found {
			return clusterConfigurationNotFound(op, clusterID)
		}
		_, found, err = stores.Get[types.ClusterDeployment](tx, clusterID)
		if err != nil {
			return err
		}
		if !found {
			return clusterDeploymentNotFound(op, clusterID)
		}
		ms, err = resolveMembers(tx, cluster)
		return err
	})
	if err != nil {
		return clusterPersistence(op, clusterID, err)
	}

	logger := m.logger.WithClusterID(clusterID)

	var offline []string
	for _, member := range ms {
		if !m.messenger.IsConnected(member.descriptor.ID) {
			offline = append(offline, member.descriptor.ID.String())
		}
	}
	if len(ms) == 0 || len(offline) > 0 {
		logger.Infof("Rollout of cluster '%s' waits for %d offline peers", cluster.Name, len(offline))
		m.telemetry.Metrics.RecordRollout(rolloutPending)
		_ = m.telemetry.Events.PublishRolloutPending(clusterID.String(), offline)
		return nil
	}

	assignment := types.ClusterAssignment{ID: clusterID, Leader: cluster.Leader}
	for i, member := range ms {
		addr, ok := m.messenger.RemoteAddr(member.descriptor.ID)
		if !ok {
			addr = netip.IPv4Unspecified()
		}
		assignment.Assignments = append(assignment.Assignments, types.PeerClusterAssignment{
			PeerID:        member.descriptor.ID,
			VPNAddress:    addr,
			CANServerPort: m.options.CANServerPortBase + uint16(i),
		})
	}

	var errs []error
	for _, member := range ms {
		err := m.AssignCluster(ic.Ctx, AssignClusterParams{
			PeerID:           member.descriptor.ID,
			Assignment:       assignment,
			DeviceInterfaces: member.interfaces,
			Options:          AssignClusterOptions{BridgeNameDefault: m.options.BridgeNameDefault},
		})
		if err != nil {
			logger.WithPeerID(member.descriptor.ID).WithError(err).Warn("Assigning cluster to peer failed")
			errs = append(errs, err)
		}
	}

	if err = errors.Join(errs...); err != nil {
		m.telemetry.Metrics.RecordRollout(rolloutFailed)
		return err
	}

	m.telemetry.Metrics.RecordRollout(rolloutAssigned)
	_ = m.telemetry.Events.PublishClusterDeployed(clusterID.String(), len(ms))
	logger.Infof("Rolled out cluster '%s' to %d peers", cluster.Name, len(ms))
	return nil
}

// ResumePendingRollouts retries every deployment whose rollout has not completed.
func (m *Manager) ResumePendingRollouts(ctx context.Context) error {
	var pending []types.ClusterID
	err := m.store.View(ctx, func(tx stores.Tx) error {
		deployments, err := stores.List[types.ClusterDeployment](tx)
		if err != nil {
			return err
		}
		for _, deployment := range deployments {
			if m.isRolling(deployment.ID) {
				continue
			}
			complete, err := rolledOut(tx, deployment.ID)
			if err != nil {
				return err
			}
			if !complete {
				pending = append(pending, deployment.ID)
			}
		}
		return nil
	})
	if err != nil {
		return persistence("resume_pending_rollouts", err)
	}

	var errs []error
	for _, clusterID := range pending {
		if err := m.Deploy(ctx, clusterID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WatchPeerConnections resumes pending rollouts whenever a peer connects,
// until ctx is done.
func (m *Manager) WatchPeerConnections(ctx context.Context) {
	m.telemetry.Events.Subscribe(func(event telemetry.Event) {
		if ctx.Err() != nil {
			return
		}
		if err := m.ResumePendingRollouts(ctx); err != nil {
			m.logger.WithField("peer_id", event.PeerID).WithError(err).Warn("Resuming pending rollouts failed")
		}
	}, telemetry.FilterByType(telemetry.EventTypePeerConnected))
}
