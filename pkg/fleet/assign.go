package fleet

import (
	"context"

	"github.com/openfroyo/fleet/pkg/configuration"
	"github.com/openfroyo/fleet/pkg/stores"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/types"
)

// AssignClusterOptions tunes a single assignment.
type AssignClusterOptions struct {
	BridgeNameDefault types.NetworkInterfaceName
}

// AssignClusterParams are the inputs of AssignCluster.
type AssignClusterParams struct {
	PeerID           types.PeerID
	Assignment       types.ClusterAssignment
	DeviceInterfaces []types.NetworkInterfaceDescriptor
	Options          AssignClusterOptions
}

// AssignCluster binds a peer into a scheduled cluster. The legacy assignment
// and the updated peer configuration are written in one transaction; both are
// then pushed to the peer.
func (m *Manager) AssignCluster(ctx context.Context, params AssignClusterParams) (err error) {
	const op = "assign_cluster"

	ic := m.telemetry.StartOperation(ctx, "fleet."+op,
		telemetry.AttrPeerID.String(params.PeerID.String()),
		telemetry.AttrClusterID.String(params.Assignment.ID.String()))
	defer func() { ic.End(err) }()

	bridgeDefault := params.Options.BridgeNameDefault
	if bridgeDefault == "" {
		bridgeDefault = m.options.BridgeNameDefault
	}

	m.logger.WithPeerID(params.PeerID).WithClusterID(params.Assignment.ID).Debug("Assigning cluster to peer")

	var (
		old configuration.OldPeerConfiguration
		cfg configuration.PeerConfiguration
	)
	err = m.store.Update(ic.Ctx, func(tx stores.Tx) error {
		assignment := params.Assignment
		old = configuration.OldPeerConfiguration{ClusterAssignment: &assignment}
		if err := stores.Insert(tx, params.PeerID, old); err != nil {
			return err
		}

		descriptor, found, err := stores.Get[types.PeerDescriptor](tx, params.PeerID)
		if err != nil {
			return err
		}
		if !found {
			return peerNotFound(op, params.PeerID)
		}

		cfg, _, err = stores.Get[configuration.PeerConfiguration](tx, params.PeerID)
		if err != nil {
			return err
		}

		for _, iface := range params.DeviceInterfaces {
			cfg.Set(configuration.DeviceInterface{Descriptor: iface}, configuration.Present)
		}

		bridge := bridgeDefault
		if descriptor.Network.BridgeName != nil {
			bridge = *descriptor.Network.BridgeName
		}
		// A peer runs a single bridge; a renamed one replaces its predecessor.
		cfg.SetAll(configuration.KindEthernetBridge, configuration.Absent)
		cfg.Set(configuration.EthernetBridge{Name: bridge}, configuration.Present)

		for _, executor := range descriptor.Executors {
			cfg.Set(configuration.Executor{Descriptor: executor}, configuration.Present)
		}

		return stores.Insert(tx, params.PeerID, cfg)
	})
	if err != nil {
		return peerPersistence(op, params.PeerID, err)
	}

	if err = m.pushConfiguration(ic.Ctx, op, params.PeerID, old, cfg); err != nil {
		return err
	}

	m.logger.WithPeerID(params.PeerID).WithClusterID(params.Assignment.ID).Info("Assigned cluster to peer")
	return nil
}
