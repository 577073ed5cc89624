package fleet

import (
	"context"
	"fmt"

	"github.com/openfroyo/fleet/pkg/configuration"
	"github.com/openfroyo/fleet/pkg/stores"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/types"
)

// CreateClusterConfiguration creates or replaces a cluster configuration as a whole.
func (m *Manager) CreateClusterConfiguration(ctx context.Context, cluster types.ClusterConfiguration) (err error) {
	const op = "create_cluster_configuration"

	ic := m.telemetry.StartOperation(ctx, "fleet."+op, telemetry.AttrClusterID.String(cluster.ID.String()))
	defer func() { ic.End(err) }()

	if err = cluster.Validate(); err != nil {
		return invalid(op, CodeInvalidClusterConfiguration, err)
	}
	cluster.Normalize()

	err = m.store.Update(ic.Ctx, func(tx stores.Tx) error {
		return stores.Insert(tx, cluster.ID, cluster)
	})
	if err != nil {
		return clusterPersistence(op, cluster.ID, err)
	}

	m.logger.WithClusterID(cluster.ID).Infof("Created cluster configuration '%s'", cluster.Name)
	return nil
}

// DeleteClusterConfiguration removes a cluster configuration. It fails while
// a deployment references the configuration.
func (m *Manager) DeleteClusterConfiguration(ctx context.Context, clusterID types.ClusterID) (cluster types.ClusterConfiguration, err error) {
	const op = "delete_cluster_configuration"

	ic := m.telemetry.StartOperation(ctx, "fleet."+op, telemetry.AttrClusterID.String(clusterID.String()))
	defer func() { ic.End(err) }()

	err = m.store.Update(ic.Ctx, func(tx stores.Tx) error {
		var found bool
		var err error
		cluster, found, err = stores.Get[types.ClusterConfiguration](tx, clusterID)
		if err != nil {
			return err
		}
		if !found {
			return clusterConfigurationNotFound(op, clusterID)
		}

		_, deployed, err := stores.Get[types.ClusterDeployment](tx, clusterID)
		if err != nil {
			return err
		}
		if deployed {
			return &Error{
				Kind:      KindIllegalState,
				Code:      CodeClusterDeploymentExists,
				Message:   fmt.Sprintf("cluster configuration '%s' <%s> is still referenced by a deployment", cluster.Name, clusterID),
				Operation: op,
				ClusterID: &clusterID,
			}
		}

		if state := m.clusterState(tx, clusterID, false); state != types.ClusterUndeployed {
			return illegalClusterState(op, clusterID, state, types.ClusterUndeployed)
		}

		_, _, err = stores.Remove[types.ClusterConfiguration](tx, clusterID)
		return err
	})
	if err != nil {
		return types.ClusterConfiguration{}, clusterPersistence(op, clusterID, err)
	}

	m.logger.WithClusterID(clusterID).Infof("Deleted cluster configuration '%s'", cluster.Name)
	return cluster, nil
}

// GetClusterConfiguration returns a cluster configuration.
func (m *Manager) GetClusterConfiguration(ctx context.Context, clusterID types.ClusterID) (types.ClusterConfiguration, error) {
	const op = "get_cluster_configuration"

	var cluster types.ClusterConfiguration
	err := m.store.View(ctx, func(tx stores.Tx) error {
		var found bool
		var err error
		cluster, found, err = stores.Get[types.ClusterConfiguration](tx, clusterID)
		if err != nil {
			return err
		}
		if !found {
			return clusterConfigurationNotFound(op, clusterID)
		}
		return nil
	})
	if err != nil {
		return types.ClusterConfiguration{}, clusterPersistence(op, clusterID, err)
	}
	return cluster, nil
}

// ListClusterConfigurations returns all cluster configurations.
func (m *Manager) ListClusterConfigurations(ctx context.Context) ([]types.ClusterConfiguration, error) {
	clusters, err := stores.Read(ctx, m.store, stores.List[types.ClusterConfiguration])
	if err != nil {
		return nil, persistence("list_cluster_configurations", err)
	}
	return clusters, nil
}

// StoreClusterDeployment requests the deployment of an existing cluster
// configuration and starts its rollout. A rollout waiting for offline peers
// is not an error; it resumes when they connect.
func (m *Manager) StoreClusterDeployment(ctx context.Context, deployment types.ClusterDeployment) (err error) {
	const op = "store_cluster_deployment"
	clusterID := deployment.ID

	ic := m.telemetry.StartOperation(ctx, "fleet."+op, telemetry.AttrClusterID.String(clusterID.String()))
	defer func() { ic.End(err) }()

	var (
		cluster types.ClusterConfiguration
		peers   []types.PeerDescriptor
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
		members, err := resolveMembers(tx, cluster)
		if err != nil {
			return err
		}
		peers = members.descriptors()
		return nil
	})
	if err != nil {
		return clusterPersistence(op, clusterID, err)
	}

	if m.admission != nil {
		violations, err := m.admission.Admit(ic.Ctx, cluster, peers)
		if err != nil {
			return clusterPersistence(op, clusterID, fmt.Errorf("failed to evaluate admission policies: %w", err))
		}
		if len(violations) > 0 {
			_ = m.telemetry.Events.PublishPolicyViolation(clusterID.String(), "deployment_admission", violations[0])
			return &Error{
				Kind:       KindIllegalState,
				Code:       CodeDeploymentDenied,
				Message:    fmt.Sprintf("deployment of cluster '%s' <%s> was denied", cluster.Name, clusterID),
				Operation:  op,
				ClusterID:  &clusterID,
				Violations: violations,
			}
		}
	}

	err = m.store.Update(ic.Ctx, func(tx stores.Tx) error {
		var invalidPeers []types.PeerID
		for _, peer := range peers {
			member, err := memberOf(tx, peer.ID)
			if err != nil {
				return err
			}
			if member != nil && *member != clusterID {
				invalidPeers = append(invalidPeers, peer.ID)
			}
		}
		if len(invalidPeers) > 0 {
			return &Error{
				Kind:         KindIllegalState,
				Code:         CodeIllegalPeerState,
				Message:      fmt.Sprintf("deployment of cluster '%s' <%s> failed, because peers are already in use", cluster.Name, clusterID),
				Operation:    op,
				ClusterID:    &clusterID,
				InvalidPeers: invalidPeers,
			}
		}
		return stores.Insert(tx, clusterID, deployment)
	})
	if err != nil {
		return clusterPersistence(op, clusterID, err)
	}

	m.logger.WithClusterID(clusterID).Infof("Stored deployment of cluster '%s'", cluster.Name)

	return m.Deploy(ic.Ctx, clusterID)
}

// DeleteClusterDeployment removes a deployment and withdraws the cluster from
// its member peers: the legacy assignment is cleared and the device
// interfaces and bridge are set Absent. Connected members receive the update.
func (m *Manager) DeleteClusterDeployment(ctx context.Context, clusterID types.ClusterID) (deployment types.ClusterDeployment, err error) {
	const op = "delete_cluster_deployment"

	ic := m.telemetry.StartOperation(ctx, "fleet."+op, telemetry.AttrClusterID.String(clusterID.String()))
	defer func() { ic.End(err) }()

	if m.isRolling(clusterID) {
		return types.ClusterDeployment{}, illegalClusterState(op, clusterID, types.ClusterDeploying, types.ClusterDeployed)
	}

	type update struct {
		peerID types.PeerID
		old    configuration.OldPeerConfiguration
		cfg    configuration.PeerConfiguration
	}
	var updates []update

	err = m.store.Update(ic.Ctx, func(tx stores.Tx) error {
		var found bool
		var err error
		deployment, found, err = stores.Remove[types.ClusterDeployment](tx, clusterID)
		if err != nil {
			return err
		}
		if !found {
			return clusterDeploymentNotFound(op, clusterID)
		}

		olds, err := stores.List[configuration.OldPeerConfiguration](tx)
		if err != nil {
			return err
		}
		peerIDs, err := assignedPeers(tx, clusterID, olds)
		if err != nil {
			return err
		}

		for _, peerID := range peerIDs {
			old := configuration.OldPeerConfiguration{}
			if err := stores.Insert(tx, peerID, old); err != nil {
				return err
			}

			cfg, _, err := stores.Get[configuration.PeerConfiguration](tx, peerID)
			if err != nil {
				return err
			}
			cfg.SetAll(configuration.KindDeviceInterface, configuration.Absent)
			cfg.SetAll(configuration.KindEthernetBridge, configuration.Absent)
			if err := stores.Insert(tx, peerID, cfg); err != nil {
				return err
			}

			updates = append(updates, update{peerID: peerID, old: old, cfg: cfg})
		}
		return nil
	})
	if err != nil {
		return types.ClusterDeployment{}, clusterPersistence(op, clusterID, err)
	}

	_ = m.telemetry.Events.PublishClusterUndeployed(clusterID.String())
	m.logger.WithClusterID(clusterID).Infof("Deleted cluster deployment, withdrawing %d peers", len(updates))

	var pushErr error
	for _, u := range updates {
		if !m.messenger.IsConnected(u.peerID) {
			continue
		}
		if err := m.pushConfiguration(ic.Ctx, op, u.peerID, u.old, u.cfg); err != nil && pushErr == nil {
			pushErr = err
		}
	}
	return deployment, pushErr
}

// GetClusterDeployment returns a cluster deployment.
func (m *Manager) GetClusterDeployment(ctx context.Context, clusterID types.ClusterID) (types.ClusterDeployment, error) {
	const op = "get_cluster_deployment"

	var deployment types.ClusterDeployment
	err := m.store.View(ctx, func(tx stores.Tx) error {
		var found bool
		var err error
		deployment, found, err = stores.Get[types.ClusterDeployment](tx, clusterID)
		if err != nil {
			return err
		}
		if !found {
			return clusterDeploymentNotFound(op, clusterID)
		}
		return nil
	})
	if err != nil {
		return types.ClusterDeployment{}, clusterPersistence(op, clusterID, err)
	}
	return deployment, nil
}

// ListClusterDeployments returns all cluster deployments.
func (m *Manager) ListClusterDeployments(ctx context.Context) ([]types.ClusterDeployment, error) {
	deployments, err := stores.Read(ctx, m.store, stores.List[types.ClusterDeployment])
	if err != nil {
		return nil, persistence("list_cluster_deployments", err)
	}
	return deployments, nil
}

// ClusterState returns the lifecycle state of a cluster. A cluster without
// deployment is undeployed; it is deploying while its rollout runs or waits
// for offline peers, and deployed once every member holds the assignment.
func (m *Manager) ClusterState(ctx context.Context, clusterID types.ClusterID) (types.ClusterState, error) {
	const op = "get_cluster_state"

	var state types.ClusterState
	err := m.store.View(ctx, func(tx stores.Tx) error {
		_, found, err := stores.Get[types.ClusterConfiguration](tx, clusterID)
		if err != nil {
			return err
		}
		if !found {
			return clusterConfigurationNotFound(op, clusterID)
		}
		state = m.clusterState(tx, clusterID, true)
		return nil
	})
	if err != nil {
		return "", clusterPersistence(op, clusterID, err)
	}
	return state, nil
}

// clusterState derives the state inside tx. Read failures count as not deployed
// unless strict is set, in which case they count as deploying.
func (m *Manager) clusterState(tx stores.Tx, clusterID types.ClusterID, strict bool) types.ClusterState {
	if m.isRolling(clusterID) {
		return types.ClusterDeploying
	}

	_, deployed, err := stores.Get[types.ClusterDeployment](tx, clusterID)
	if err != nil || !deployed {
		return types.ClusterUndeployed
	}

	complete, err := rolledOut(tx, clusterID)
	if err != nil {
		if strict {
			return types.ClusterDeploying
		}
		return types.ClusterUndeployed
	}
	if !complete {
		return types.ClusterDeploying
	}
	return types.ClusterDeployed
}

// rolledOut reports whether every member of the cluster holds its assignment.
func rolledOut(tx stores.Tx, clusterID types.ClusterID) (bool, error) {
	cluster, found, err := stores.Get[types.ClusterConfiguration](tx, clusterID)
	if err != nil || !found {
		return false, err
	}
	members, err := resolveMembers(tx, cluster)
	if err != nil {
		return false, err
	}
	if len(members) == 0 {
		return false, nil
	}
	for _, member := range members {
		old, _, err := stores.Get[configuration.OldPeerConfiguration](tx, member.descriptor.ID)
		if err != nil {
			return false, err
		}
		if old.ClusterAssignment == nil || old.ClusterAssignment.ID != clusterID {
			return false, nil
		}
	}
	return true, nil
}

// assignedPeers returns the peers whose legacy assignment names the cluster.
func assignedPeers(tx stores.Tx, clusterID types.ClusterID, olds []configuration.OldPeerConfiguration) ([]types.PeerID, error) {
	var peerIDs []types.PeerID
	seen := make(map[types.PeerID]struct{})
	for _, old := range olds {
		if old.ClusterAssignment == nil || old.ClusterAssignment.ID != clusterID {
			continue
		}
		for _, assignment := range old.ClusterAssignment.Assignments {
			if _, ok := seen[assignment.PeerID]; ok {
				continue
			}
			seen[assignment.PeerID] = struct{}{}

			current, found, err := stores.Get[configuration.OldPeerConfiguration](tx, assignment.PeerID)
			if err != nil {
				return nil, err
			}
			if found && current.ClusterAssignment != nil && current.ClusterAssignment.ID == clusterID {
				peerIDs = append(peerIDs, assignment.PeerID)
			}
		}
	}
	return peerIDs, nil
}
