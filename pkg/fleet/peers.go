package fleet

import (
	"context"
	"fmt"

	"github.com/openfroyo/fleet/pkg/configuration"
	"github.com/openfroyo/fleet/pkg/stores"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/types"
)

// StorePeerDescriptor creates or replaces a peer descriptor. The executors of
// the peer's configuration follow the descriptor: new ones become Present,
// removed ones Absent. A connected peer receives the updated configuration.
func (m *Manager) StorePeerDescriptor(ctx context.Context, descriptor types.PeerDescriptor) (err error) {
	const op = "store_peer_descriptor"

	ic := m.telemetry.StartOperation(ctx, "fleet."+op, telemetry.AttrPeerID.String(descriptor.ID.String()))
	defer func() { ic.End(err) }()

	if err = descriptor.Validate(); err != nil {
		return invalid(op, CodeInvalidPeerDescriptor, err)
	}

	var (
		old configuration.OldPeerConfiguration
		cfg configuration.PeerConfiguration
	)
	err = m.store.Update(ic.Ctx, func(tx stores.Tx) error {
		if err := stores.Insert(tx, descriptor.ID, descriptor); err != nil {
			return err
		}

		var err error
		if old, _, err = stores.Get[configuration.OldPeerConfiguration](tx, descriptor.ID); err != nil {
			return err
		}
		if cfg, _, err = stores.Get[configuration.PeerConfiguration](tx, descriptor.ID); err != nil {
			return err
		}

		present := make(map[configuration.ParameterID]struct{}, len(descriptor.Executors))
		for _, executor := range descriptor.Executors {
			value := configuration.Executor{Descriptor: executor}
			present[value.ParameterID()] = struct{}{}
			cfg.Set(value, configuration.Present)
		}
		for _, parameter := range cfg.Executors {
			if _, ok := present[parameter.ID]; !ok && parameter.Target == configuration.Present {
				cfg.Set(parameter.Value, configuration.Absent)
			}
		}

		return stores.Insert(tx, descriptor.ID, cfg)
	})
	if err != nil {
		return peerPersistence(op, descriptor.ID, err)
	}

	m.logger.WithPeerID(descriptor.ID).Infof("Stored peer descriptor '%s'", descriptor.Name)

	if m.messenger.IsConnected(descriptor.ID) {
		return m.pushConfiguration(ic.Ctx, op, descriptor.ID, old, cfg)
	}
	return nil
}

// DeletePeerDescriptor removes a peer and both of its configurations and
// closes its session. It fails if a device of the peer belongs to a deployed cluster.
func (m *Manager) DeletePeerDescriptor(ctx context.Context, peerID types.PeerID) (descriptor types.PeerDescriptor, err error) {
	const op = "delete_peer_descriptor"

	ic := m.telemetry.StartOperation(ctx, "fleet."+op, telemetry.AttrPeerID.String(peerID.String()))
	defer func() { ic.End(err) }()

	err = m.store.Update(ic.Ctx, func(tx stores.Tx) error {
		var found bool
		var err error
		descriptor, found, err = stores.Get[types.PeerDescriptor](tx, peerID)
		if err != nil {
			return err
		}
		if !found {
			return peerNotFound(op, peerID)
		}

		for _, device := range descriptor.Topology.Devices {
			clusters, err := stores.Referencing[types.ClusterConfiguration](tx, types.RelationDevice, device.ID)
			if err != nil {
				return err
			}
			for _, id := range clusters {
				clusterID := types.ClusterID(id)
				_, deployed, err := stores.Get[types.ClusterDeployment](tx, clusterID)
				if err != nil {
					return err
				}
				if deployed {
					return &Error{
						Kind:         KindIllegalState,
						Code:         CodeIllegalPeerState,
						Message:      fmt.Sprintf("peer <%s> cannot be deleted while device <%s> is deployed in a cluster", peerID, device.ID),
						Operation:    op,
						PeerID:       &peerID,
						ClusterID:    &clusterID,
						InvalidPeers: []types.PeerID{peerID},
					}
				}
			}
		}

		if _, _, err := stores.Remove[types.PeerDescriptor](tx, peerID); err != nil {
			return err
		}
		if _, _, err := stores.Remove[configuration.PeerConfiguration](tx, peerID); err != nil {
			return err
		}
		_, _, err = stores.Remove[configuration.OldPeerConfiguration](tx, peerID)
		return err
	})
	if err != nil {
		return types.PeerDescriptor{}, peerPersistence(op, peerID, err)
	}

	if m.messenger.IsConnected(peerID) {
		m.messenger.Disconnect(peerID, "peer_deleted")
	}

	m.logger.WithPeerID(peerID).Infof("Deleted peer descriptor '%s'", descriptor.Name)
	return descriptor, nil
}

// GetPeerDescriptor returns a peer descriptor.
func (m *Manager) GetPeerDescriptor(ctx context.Context, peerID types.PeerID) (types.PeerDescriptor, error) {
	const op = "get_peer_descriptor"

	var descriptor types.PeerDescriptor
	err := m.store.View(ctx, func(tx stores.Tx) error {
		var found bool
		var err error
		descriptor, found, err = stores.Get[types.PeerDescriptor](tx, peerID)
		if err != nil {
			return err
		}
		if !found {
			return peerNotFound(op, peerID)
		}
		return nil
	})
	if err != nil {
		return types.PeerDescriptor{}, peerPersistence(op, peerID, err)
	}
	return descriptor, nil
}

// ListPeerDescriptors returns all peer descriptors.
func (m *Manager) ListPeerDescriptors(ctx context.Context) ([]types.PeerDescriptor, error) {
	descriptors, err := stores.Read(ctx, m.store, stores.List[types.PeerDescriptor])
	if err != nil {
		return nil, persistence("list_peer_descriptors", err)
	}
	return descriptors, nil
}

// PeerState returns connectivity and cluster membership of a peer.
func (m *Manager) PeerState(ctx context.Context, peerID types.PeerID) (types.PeerState, error) {
	const op = "get_peer_state"

	var state types.PeerState
	err := m.store.View(ctx, func(tx stores.Tx) error {
		_, found, err := stores.Get[types.PeerDescriptor](tx, peerID)
		if err != nil {
			return err
		}
		if !found {
			return peerNotFound(op, peerID)
		}
		state, err = m.peerState(tx, peerID)
		return err
	})
	if err != nil {
		return types.PeerState{}, peerPersistence(op, peerID, err)
	}
	return state, nil
}

// ListPeerStates returns the state of every known peer.
func (m *Manager) ListPeerStates(ctx context.Context) (map[types.PeerID]types.PeerState, error) {
	states := make(map[types.PeerID]types.PeerState)
	err := m.store.View(ctx, func(tx stores.Tx) error {
		descriptors, err := stores.List[types.PeerDescriptor](tx)
		if err != nil {
			return err
		}
		for _, descriptor := range descriptors {
			state, err := m.peerState(tx, descriptor.ID)
			if err != nil {
				return err
			}
			states[descriptor.ID] = state
		}
		return nil
	})
	if err != nil {
		return nil, persistence("list_peer_states", err)
	}
	return states, nil
}

func (m *Manager) peerState(tx stores.Tx, peerID types.PeerID) (types.PeerState, error) {
	state := types.PeerState{Connection: types.PeerOffline}
	if m.messenger.IsConnected(peerID) {
		state.Connection = types.PeerOnline
		if addr, ok := m.messenger.RemoteAddr(peerID); ok {
			state.RemoteHost = &addr
		}
	}

	member, err := memberOf(tx, peerID)
	if err != nil {
		return state, err
	}
	state.Member = member
	return state, nil
}

// memberOf returns the deployed cluster the peer is assigned to, if any.
func memberOf(tx stores.Tx, peerID types.PeerID) (*types.ClusterID, error) {
	old, found, err := stores.Get[configuration.OldPeerConfiguration](tx, peerID)
	if err != nil || !found || old.ClusterAssignment == nil {
		return nil, err
	}

	clusterID := old.ClusterAssignment.ID
	_, deployed, err := stores.Get[types.ClusterDeployment](tx, clusterID)
	if err != nil || !deployed {
		return nil, err
	}
	return &clusterID, nil
}
