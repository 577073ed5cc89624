package fleet

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fleet/pkg/configuration"
	"github.com/openfroyo/fleet/pkg/protocol"
	"github.com/openfroyo/fleet/pkg/stores"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/types"
)

var errNotConnected = errors.New("peer is not connected")

type fakeMessenger struct {
	mu           sync.Mutex
	connected    map[types.PeerID]netip.Addr
	sent         map[types.PeerID][]protocol.Message
	disconnected []types.PeerID
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		connected: make(map[types.PeerID]netip.Addr),
		sent:      make(map[types.PeerID][]protocol.Message),
	}
}

func (f *fakeMessenger) connect(peerID types.PeerID, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[peerID] = netip.MustParseAddr(addr)
}

func (f *fakeMessenger) SendToPeer(_ context.Context, peerID types.PeerID, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.connected[peerID]; !ok {
		return errNotConnected
	}
	f.sent[peerID] = append(f.sent[peerID], msg)
	return nil
}

func (f *fakeMessenger) IsConnected(peerID types.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.connected[peerID]
	return ok
}

func (f *fakeMessenger) RemoteAddr(peerID types.PeerID) (netip.Addr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.connected[peerID]
	return addr, ok
}

func (f *fakeMessenger) Disconnect(peerID types.PeerID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, peerID)
	f.disconnected = append(f.disconnected, peerID)
}

func (f *fakeMessenger) messages(peerID types.PeerID) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.sent[peerID]...)
}

func decodeApply(t *testing.T, msg protocol.Message) (configuration.OldPeerConfiguration, configuration.PeerConfiguration) {
	t.Helper()
	require.Equal(t, protocol.MessageTypeApplyPeerConfiguration, msg.Type)
	var apply protocol.ApplyPeerConfiguration
	require.NoError(t, msg.ParseData(&apply))
	old, cfg, err := protocol.DecodeApply(&apply)
	require.NoError(t, err)
	return old, cfg
}

type denyAll struct{ violations []string }

func (d denyAll) Admit(context.Context, types.ClusterConfiguration, []types.PeerDescriptor) ([]string, error) {
	return d.violations, nil
}

type testEnv struct {
	manager   *Manager
	messenger *fakeMessenger
	store     stores.Store
}

func setupManager(t *testing.T, admission Admission) *testEnv {
	t.Helper()

	store, err := stores.NewBadgerStore(stores.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	messenger := newFakeMessenger()
	manager, err := NewManager(Config{
		Store:     store,
		Messenger: messenger,
		Admission: admission,
		Telemetry: telemetry.NewNop(),
		Options:   DefaultOptions(),
	})
	require.NoError(t, err)

	return &testEnv{manager: manager, messenger: messenger, store: store}
}

func peerFixture(name string) types.PeerDescriptor {
	iface := types.NetworkInterfaceDescriptor{
		ID:            types.RandomNetworkInterfaceID(),
		Name:          "eth0",
		Configuration: types.EthernetConfiguration(),
	}
	return types.PeerDescriptor{
		ID:   types.RandomPeerID(),
		Name: types.PeerName(name),
		Network: types.PeerNetworkDescriptor{
			Interfaces: []types.NetworkInterfaceDescriptor{iface},
		},
		Topology: types.Topology{
			Devices: []types.DeviceDescriptor{{ID: types.RandomDeviceID(), Name: name + "-ecu", Interface: iface.ID}},
		},
		Executors: []types.ExecutorDescriptor{{ID: types.RandomExecutorID(), Kind: types.ExecutorKind{Type: types.ExecutorExecutable}}},
	}
}

func clusterFixture(leader types.PeerDescriptor, peers ...types.PeerDescriptor) types.ClusterConfiguration {
	cluster := types.ClusterConfiguration{
		ID:     types.RandomClusterID(),
		Name:   "test-cluster",
		Leader: leader.ID,
	}
	for _, peer := range append([]types.PeerDescriptor{leader}, peers...) {
		for _, device := range peer.Topology.Devices {
			cluster.Devices = append(cluster.Devices, device.ID)
		}
	}
	return cluster
}

func TestAssignClusterUsesDefaultBridge(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	peer := peerFixture("peer-p")
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, peer))
	env.messenger.connect(peer.ID, "10.0.0.1")

	previousOld, previous, err := env.manager.LoadPeerConfiguration(ctx, peer.ID)
	require.NoError(t, err)
	assert.Nil(t, previousOld.ClusterAssignment)
	require.Len(t, previous.Executors, 1)

	assignment := types.ClusterAssignment{
		ID:     types.RandomClusterID(),
		Leader: peer.ID,
		Assignments: []types.PeerClusterAssignment{
			{PeerID: peer.ID, VPNAddress: netip.MustParseAddr("10.0.0.1"), CANServerPort: 10000},
		},
	}
	err = env.manager.AssignCluster(ctx, AssignClusterParams{
		PeerID:           peer.ID,
		Assignment:       assignment,
		DeviceInterfaces: peer.Network.Interfaces,
		Options:          AssignClusterOptions{BridgeNameDefault: "br-opendut"},
	})
	require.NoError(t, err)

	old, cfg, err := env.manager.LoadPeerConfiguration(ctx, peer.ID)
	require.NoError(t, err)
	require.NotNil(t, old.ClusterAssignment)
	assert.Equal(t, assignment.ID, old.ClusterAssignment.ID)

	require.Len(t, cfg.EthernetBridges, 1)
	assert.Equal(t, types.NetworkInterfaceName("br-opendut"), cfg.EthernetBridges[0].Value.Name)
	assert.Equal(t, configuration.Present, cfg.EthernetBridges[0].Target)
	require.Len(t, cfg.DeviceInterfaces, 1)
	assert.Equal(t, configuration.Present, cfg.DeviceInterfaces[0].Target)
	require.Len(t, cfg.Executors, 1)

	messages := env.messenger.messages(peer.ID)
	require.Len(t, messages, 1)
	pushedOld, pushed := decodeApply(t, messages[0])
	assert.Equal(t, old.ClusterAssignment.ID, pushedOld.ClusterAssignment.ID)
	assert.Equal(t, cfg.Parameters(), pushed.Parameters())
}

func TestAssignClusterPrefersConfiguredBridge(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	peer := peerFixture("peer-p")
	bridge := types.NetworkInterfaceName("br-custom")
	peer.Network.BridgeName = &bridge
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, peer))
	env.messenger.connect(peer.ID, "10.0.0.1")

	for i := 0; i < 2; i++ {
		require.NoError(t, env.manager.AssignCluster(ctx, AssignClusterParams{
			PeerID:     peer.ID,
			Assignment: types.ClusterAssignment{ID: types.RandomClusterID(), Leader: peer.ID},
		}))
	}

	_, cfg, err := env.manager.LoadPeerConfiguration(ctx, peer.ID)
	require.NoError(t, err)
	require.Len(t, cfg.EthernetBridges, 1)
	assert.Equal(t, bridge, cfg.EthernetBridges[0].Value.Name)
	assert.Len(t, env.messenger.messages(peer.ID), 2)
}

func TestAssignClusterRetiresRenamedBridge(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	peer := peerFixture("peer-p")
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, peer))

	for _, bridge := range []types.NetworkInterfaceName{"br-a", "br-b"} {
		require.NoError(t, env.manager.AssignCluster(ctx, AssignClusterParams{
			PeerID:     peer.ID,
			Assignment: types.ClusterAssignment{ID: types.RandomClusterID(), Leader: peer.ID},
			Options:    AssignClusterOptions{BridgeNameDefault: bridge},
		}))
	}

	_, cfg, err := env.manager.LoadPeerConfiguration(ctx, peer.ID)
	require.NoError(t, err)

	targets := make(map[types.NetworkInterfaceName]configuration.ParameterTarget)
	for _, p := range cfg.EthernetBridges {
		targets[p.Value.Name] = p.Target
	}
	assert.Equal(t, map[types.NetworkInterfaceName]configuration.ParameterTarget{
		"br-a": configuration.Absent,
		"br-b": configuration.Present,
	}, targets)

	present, ok := cfg.PresentBridge()
	require.True(t, ok)
	assert.Equal(t, types.NetworkInterfaceName("br-b"), present.Name)
}

func TestAssignClusterIsAtomic(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	peerID := types.RandomPeerID()
	env.messenger.connect(peerID, "10.0.0.1")

	err := env.manager.AssignCluster(ctx, AssignClusterParams{
		PeerID:           peerID,
		Assignment:       types.ClusterAssignment{ID: types.RandomClusterID(), Leader: peerID},
		DeviceInterfaces: peerFixture("peer-p").Network.Interfaces,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPeerNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	err = env.store.View(ctx, func(tx stores.Tx) error {
		_, found, err := stores.Get[configuration.OldPeerConfiguration](tx, peerID)
		require.NoError(t, err)
		assert.False(t, found, "legacy assignment must not be visible")

		_, found, err = stores.Get[configuration.PeerConfiguration](tx, peerID)
		require.NoError(t, err)
		assert.False(t, found, "peer configuration must not be visible")
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, env.messenger.messages(peerID))
}

func TestAssignClusterKeepsCommitWhenPeerOffline(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	peer := peerFixture("peer-p")
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, peer))

	err := env.manager.AssignCluster(ctx, AssignClusterParams{
		PeerID:     peer.ID,
		Assignment: types.ClusterAssignment{ID: types.RandomClusterID(), Leader: peer.ID},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendingToPeerFailed)
	assert.ErrorIs(t, err, errNotConnected)

	_, cfg, err := env.manager.LoadPeerConfiguration(ctx, peer.ID)
	require.NoError(t, err)
	assert.Len(t, cfg.EthernetBridges, 1)
}

func TestClusterConfigurationWholeValueReplacement(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	a, b, c := peerFixture("peer-a"), peerFixture("peer-b"), peerFixture("peer-c")
	cluster := clusterFixture(a, b, c)
	require.NoError(t, env.manager.CreateClusterConfiguration(ctx, cluster))

	reduced := cluster
	reduced.Devices = []types.DeviceID{a.Topology.Devices[0].ID, b.Topology.Devices[0].ID}
	require.NoError(t, env.manager.CreateClusterConfiguration(ctx, reduced))

	stored, err := env.manager.GetClusterConfiguration(ctx, cluster.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, reduced.Devices, stored.Devices)
}

func TestCreateClusterConfigurationRejectsInvalid(t *testing.T) {
	env := setupManager(t, nil)

	a := peerFixture("peer-a")
	cluster := clusterFixture(a)

	err := env.manager.CreateClusterConfiguration(context.Background(), cluster)
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestDeleteClusterConfigurationGuardsDeployment(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	a, b := peerFixture("peer-a"), peerFixture("peer-b")
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, a))
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, b))
	cluster := clusterFixture(a, b)
	require.NoError(t, env.manager.CreateClusterConfiguration(ctx, cluster))
	require.NoError(t, env.manager.StoreClusterDeployment(ctx, types.ClusterDeployment{ID: cluster.ID}))

	_, err := env.manager.DeleteClusterConfiguration(ctx, cluster.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClusterDeploymentExists)

	_, err = env.manager.GetClusterConfiguration(ctx, cluster.ID)
	assert.NoError(t, err)
	_, err = env.manager.GetClusterDeployment(ctx, cluster.ID)
	assert.NoError(t, err)
}

func TestDeleteClusterConfigurationNotFound(t *testing.T) {
	env := setupManager(t, nil)

	_, err := env.manager.DeleteClusterConfiguration(context.Background(), types.RandomClusterID())
	assert.ErrorIs(t, err, ErrClusterConfigurationNotFound)
}

func TestStoreClusterDeploymentRollsOut(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	a, b := peerFixture("peer-a"), peerFixture("peer-b")
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, a))
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, b))
	env.messenger.connect(a.ID, "192.168.1.10")
	env.messenger.connect(b.ID, "192.168.1.11")

	cluster := clusterFixture(a, b)
	require.NoError(t, env.manager.CreateClusterConfiguration(ctx, cluster))

	state, err := env.manager.ClusterState(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterUndeployed, state)

	require.NoError(t, env.manager.StoreClusterDeployment(ctx, types.ClusterDeployment{ID: cluster.ID}))

	state, err = env.manager.ClusterState(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterDeployed, state)

	for _, peer := range []types.PeerDescriptor{a, b} {
		messages := env.messenger.messages(peer.ID)
		require.Len(t, messages, 1)
		old, cfg := decodeApply(t, messages[0])
		require.NotNil(t, old.ClusterAssignment)
		assert.Equal(t, cluster.ID, old.ClusterAssignment.ID)
		assert.Equal(t, a.ID, old.ClusterAssignment.Leader)
		require.Len(t, old.ClusterAssignment.Assignments, 2)
		assert.Len(t, cfg.DeviceInterfaces, 1)
		assert.Len(t, cfg.EthernetBridges, 1)

		ports := []uint16{old.ClusterAssignment.Assignments[0].CANServerPort, old.ClusterAssignment.Assignments[1].CANServerPort}
		assert.Equal(t, []uint16{10000, 10001}, ports)

		self, ok := old.ClusterAssignment.Find(peer.ID)
		require.True(t, ok)
		addr, _ := env.messenger.RemoteAddr(peer.ID)
		assert.Equal(t, addr, self.VPNAddress)

		peerState, err := env.manager.PeerState(ctx, peer.ID)
		require.NoError(t, err)
		assert.True(t, peerState.IsOnline())
		require.NotNil(t, peerState.Member)
		assert.Equal(t, cluster.ID, *peerState.Member)
	}
}

func TestRolloutWaitsForOfflinePeers(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	a, b := peerFixture("peer-a"), peerFixture("peer-b")
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, a))
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, b))
	env.messenger.connect(a.ID, "192.168.1.10")

	cluster := clusterFixture(a, b)
	require.NoError(t, env.manager.CreateClusterConfiguration(ctx, cluster))
	require.NoError(t, env.manager.StoreClusterDeployment(ctx, types.ClusterDeployment{ID: cluster.ID}))

	state, err := env.manager.ClusterState(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterDeploying, state)
	assert.Empty(t, env.messenger.messages(a.ID))

	env.messenger.connect(b.ID, "192.168.1.11")
	require.NoError(t, env.manager.ResumePendingRollouts(ctx))

	state, err = env.manager.ClusterState(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterDeployed, state)
	assert.Len(t, env.messenger.messages(a.ID), 1)
	assert.Len(t, env.messenger.messages(b.ID), 1)
}

func TestDeleteClusterDeploymentWithdrawsPeers(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	a, b := peerFixture("peer-a"), peerFixture("peer-b")
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, a))
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, b))
	env.messenger.connect(a.ID, "192.168.1.10")
	env.messenger.connect(b.ID, "192.168.1.11")

	cluster := clusterFixture(a, b)
	require.NoError(t, env.manager.CreateClusterConfiguration(ctx, cluster))
	require.NoError(t, env.manager.StoreClusterDeployment(ctx, types.ClusterDeployment{ID: cluster.ID}))

	_, err := env.manager.DeleteClusterDeployment(ctx, cluster.ID)
	require.NoError(t, err)

	state, err := env.manager.ClusterState(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterUndeployed, state)

	for _, peer := range []types.PeerDescriptor{a, b} {
		messages := env.messenger.messages(peer.ID)
		require.Len(t, messages, 2)
		old, cfg := decodeApply(t, messages[1])
		assert.Nil(t, old.ClusterAssignment)
		for _, parameter := range cfg.DeviceInterfaces {
			assert.Equal(t, configuration.Absent, parameter.Target)
		}
		for _, parameter := range cfg.EthernetBridges {
			assert.Equal(t, configuration.Absent, parameter.Target)
		}
		for _, parameter := range cfg.Executors {
			assert.Equal(t, configuration.Present, parameter.Target)
		}
	}

	_, err = env.manager.DeleteClusterConfiguration(ctx, cluster.ID)
	require.NoError(t, err)

	_, err = env.manager.DeleteClusterDeployment(ctx, cluster.ID)
	assert.ErrorIs(t, err, ErrClusterDeploymentNotFound)
}

func TestStoreClusterDeploymentRejectsPeersInUse(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	a, b, c := peerFixture("peer-a"), peerFixture("peer-b"), peerFixture("peer-c")
	for _, peer := range []types.PeerDescriptor{a, b, c} {
		require.NoError(t, env.manager.StorePeerDescriptor(ctx, peer))
	}
	env.messenger.connect(a.ID, "192.168.1.10")
	env.messenger.connect(b.ID, "192.168.1.11")

	first := clusterFixture(a, b)
	require.NoError(t, env.manager.CreateClusterConfiguration(ctx, first))
	require.NoError(t, env.manager.StoreClusterDeployment(ctx, types.ClusterDeployment{ID: first.ID}))

	second := clusterFixture(c, b)
	second.Name = "other-cluster"
	require.NoError(t, env.manager.CreateClusterConfiguration(ctx, second))

	err := env.manager.StoreClusterDeployment(ctx, types.ClusterDeployment{ID: second.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalPeerState)

	var fleetErr *Error
	require.ErrorAs(t, err, &fleetErr)
	assert.Equal(t, []types.PeerID{b.ID}, fleetErr.InvalidPeers)

	_, err = env.manager.GetClusterDeployment(ctx, second.ID)
	assert.ErrorIs(t, err, ErrClusterDeploymentNotFound)
}

func TestStoreClusterDeploymentDeniedByAdmission(t *testing.T) {
	env := setupManager(t, denyAll{violations: []string{"leader must own a device"}})
	ctx := context.Background()

	a, b := peerFixture("peer-a"), peerFixture("peer-b")
	cluster := clusterFixture(a, b)
	require.NoError(t, env.manager.CreateClusterConfiguration(ctx, cluster))

	err := env.manager.StoreClusterDeployment(ctx, types.ClusterDeployment{ID: cluster.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeploymentDenied)
	assert.Contains(t, err.Error(), "leader must own a device")
}

func TestDeletePeerDescriptor(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	a, b := peerFixture("peer-a"), peerFixture("peer-b")
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, a))
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, b))
	env.messenger.connect(a.ID, "192.168.1.10")
	env.messenger.connect(b.ID, "192.168.1.11")

	cluster := clusterFixture(a, b)
	require.NoError(t, env.manager.CreateClusterConfiguration(ctx, cluster))
	require.NoError(t, env.manager.StoreClusterDeployment(ctx, types.ClusterDeployment{ID: cluster.ID}))

	_, err := env.manager.DeletePeerDescriptor(ctx, a.ID)
	assert.ErrorIs(t, err, ErrIllegalPeerState)

	_, err = env.manager.DeleteClusterDeployment(ctx, cluster.ID)
	require.NoError(t, err)

	deleted, err := env.manager.DeletePeerDescriptor(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, deleted.ID)
	assert.Contains(t, env.messenger.disconnected, a.ID)

	_, err = env.manager.GetPeerDescriptor(ctx, a.ID)
	assert.ErrorIs(t, err, ErrPeerNotFound)

	_, err = env.manager.DeletePeerDescriptor(ctx, a.ID)
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestStorePeerDescriptorRefreshesExecutors(t *testing.T) {
	env := setupManager(t, nil)
	ctx := context.Background()

	peer := peerFixture("peer-a")
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, peer))
	env.messenger.connect(peer.ID, "192.168.1.10")

	removed := peer.Executors[0]
	peer.Executors = []types.ExecutorDescriptor{{ID: types.RandomExecutorID(), Kind: types.ExecutorKind{Type: types.ExecutorExecutable}}}
	require.NoError(t, env.manager.StorePeerDescriptor(ctx, peer))

	_, cfg, err := env.manager.LoadPeerConfiguration(ctx, peer.ID)
	require.NoError(t, err)
	require.Len(t, cfg.Executors, 2)
	for _, parameter := range cfg.Executors {
		if parameter.Value.Descriptor.ID == removed.ID {
			assert.Equal(t, configuration.Absent, parameter.Target)
		} else {
			assert.Equal(t, configuration.Present, parameter.Target)
		}
	}
	assert.Len(t, env.messenger.messages(peer.ID), 1)

	states, err := env.manager.ListPeerStates(ctx)
	require.NoError(t, err)
	require.Contains(t, states, peer.ID)
	assert.Nil(t, states[peer.ID].Member)
}

func TestStorePeerDescriptorRejectsInvalid(t *testing.T) {
	env := setupManager(t, nil)

	peer := peerFixture("x")
	err := env.manager.StorePeerDescriptor(context.Background(), peer)
	require.Error(t, err)
	assert.Equal(t, KindInvalid, KindOf(err))
}

func TestErrorFormatting(t *testing.T) {
	clusterID := types.RandomClusterID()
	err := illegalClusterState("delete_cluster_deployment", clusterID, types.ClusterDeploying, types.ClusterDeployed)

	assert.Contains(t, err.Error(), "[illegal_state]")
	assert.Contains(t, err.Error(), "state=deploying, required=deployed")
	assert.Equal(t, "illegal_state", err.ErrorKind())
	assert.Equal(t, CodeIllegalClusterState, err.ErrorCode())
	assert.True(t, errors.Is(err, ErrIllegalClusterState))
	assert.False(t, errors.Is(err, ErrIllegalPeerState))

	wrapped := persistence("op", errors.New("disk full"))
	assert.ErrorIs(t, wrapped, ErrPersistence)
	assert.Contains(t, wrapped.Error(), "disk full")
}
