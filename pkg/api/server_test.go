package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fleet/pkg/broker"
	"github.com/openfroyo/fleet/pkg/fleet"
	"github.com/openfroyo/fleet/pkg/stores"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/transport"
	"github.com/openfroyo/fleet/pkg/types"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testEnv struct {
	client *Client
	broker *broker.Broker
	srv    *httptest.Server
	auth   *transport.Authenticator
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	tel := telemetry.NewNop()

	store, err := stores.Open(ctx, stores.Config{Backend: stores.BackendMemory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b := broker.New(fleet.ConfigurationLoader{Store: store}, broker.DefaultOptions(), tel)
	manager, err := fleet.NewManager(fleet.Config{Store: store, Messenger: b, Telemetry: tel})
	require.NoError(t, err)

	auth, err := transport.NewAuthenticator("secret", "fleet")
	require.NoError(t, err)

	server, err := NewServer(Config{
		Fleet:     manager,
		Stream:    transport.NewHandler(b, nil, tel),
		Auth:      auth,
		TokenTTL:  time.Minute,
		Telemetry: tel,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		_ = b.Shutdown(context.Background())
		srv.Close()
	})

	return &testEnv{client: NewClient(srv.URL, nil), broker: b, srv: srv, auth: auth}
}

func peerWithDevice(name string) types.PeerDescriptor {
	iface := types.NetworkInterfaceDescriptor{
		ID:            types.RandomNetworkInterfaceID(),
		Name:          "eth0",
		Configuration: types.EthernetConfiguration(),
	}
	return types.PeerDescriptor{
		ID:      types.RandomPeerID(),
		Name:    types.PeerName(name),
		Network: types.PeerNetworkDescriptor{Interfaces: []types.NetworkInterfaceDescriptor{iface}},
		Topology: types.Topology{Devices: []types.DeviceDescriptor{{
			ID:        types.RandomDeviceID(),
			Name:      name + "-ecu",
			Interface: iface.ID,
		}}},
		Executors: []types.ExecutorDescriptor{},
	}
}

func TestPeerLifecycle(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	carl := peerWithDevice("carl")
	require.NoError(t, env.client.StorePeer(ctx, carl))

	peers, err := env.client.ListPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, carl.ID, peers[0].ID)

	got, err := env.client.GetPeer(ctx, carl.ID)
	require.NoError(t, err)
	assert.Equal(t, carl.Name, got.Name)

	states, err := env.client.PeerStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.PeerOffline, states[carl.ID].Connection)

	deleted, err := env.client.DeletePeer(ctx, carl.ID)
	require.NoError(t, err)
	assert.Equal(t, carl.ID, deleted.ID)

	_, err = env.client.GetPeer(ctx, carl.ID)
	assert.ErrorIs(t, err, fleet.ErrPeerNotFound)
}

func TestInvalidPeerIsBadRequest(t *testing.T) {
	env := setup(t)

	peer := peerWithDevice("carl")
	peer.Name = "-carl"
	err := env.client.StorePeer(context.Background(), peer)
	require.Error(t, err)
	assert.Equal(t, fleet.KindInvalid, fleet.KindOf(err))
}

func TestErrorStatusCodes(t *testing.T) {
	env := setup(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"malformed id", http.MethodGet, "/peers/carl", "", http.StatusBadRequest},
		{"unknown peer", http.MethodGet, "/peers/" + types.RandomPeerID().String(), "", http.StatusNotFound},
		{"unknown cluster", http.MethodGet, "/cluster-states/" + types.RandomClusterID().String(), "", http.StatusNotFound},
		{"malformed body", http.MethodPut, "/peers/" + types.RandomPeerID().String(), "{", http.StatusBadRequest},
		{"mismatching id", http.MethodPut, "/peers/" + types.RandomPeerID().String(),
			`{"id":"` + types.RandomPeerID().String() + `","name":"carl"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, env.srv.URL+BasePath+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestClusterLifecycle(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	carl, anna := peerWithDevice("carl"), peerWithDevice("anna")
	require.NoError(t, env.client.StorePeer(ctx, carl))
	require.NoError(t, env.client.StorePeer(ctx, anna))

	cluster := types.ClusterConfiguration{
		ID:      types.RandomClusterID(),
		Name:    "demo",
		Leader:  carl.ID,
		Devices: []types.DeviceID{carl.Topology.Devices[0].ID, anna.Topology.Devices[0].ID},
	}
	require.NoError(t, env.client.StoreClusterConfiguration(ctx, cluster))

	states, err := env.client.ClusterStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, types.ClusterUndeployed, states[0].State)

	require.NoError(t, env.client.StoreClusterDeployment(ctx, cluster.ID))

	deployments, err := env.client.ListClusterDeployments(ctx)
	require.NoError(t, err)
	assert.Len(t, deployments, 1)

	states, err = env.client.ClusterStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterDeploying, states[0].State, "offline members keep the rollout pending")

	_, err = env.client.DeletePeer(ctx, carl.ID)
	assert.ErrorIs(t, err, fleet.ErrIllegalPeerState)

	_, err = env.client.DeleteClusterConfiguration(ctx, cluster.ID)
	assert.Equal(t, fleet.KindIllegalState, fleet.KindOf(err))

	_, err = env.client.DeleteClusterDeployment(ctx, cluster.ID)
	require.NoError(t, err)
	_, err = env.client.DeleteClusterConfiguration(ctx, cluster.ID)
	require.NoError(t, err)

	clusters, err := env.client.ListClusterConfigurations(ctx)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestIssueTokenAndStream(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	carl := peerWithDevice("carl")
	_, err := env.client.IssueToken(ctx, carl.ID)
	assert.ErrorIs(t, err, fleet.ErrPeerNotFound)

	require.NoError(t, env.client.StorePeer(ctx, carl))
	token, err := env.client.IssueToken(ctx, carl.ID)
	require.NoError(t, err)

	subject, err := env.auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, carl.ID, subject)

	stream, err := transport.Dial(ctx, transport.DialOptions{URL: env.srv.URL, PeerID: carl.ID})
	require.NoError(t, err)
	defer stream.Close()
	_, err = stream.Recv()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		states, err := env.client.PeerStates(ctx)
		return err == nil && states[carl.ID].IsOnline()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fleet.ErrPeerNotFound, http.StatusNotFound},
		{fleet.ErrIllegalClusterState, http.StatusConflict},
		{fleet.ErrPersistence, http.StatusInternalServerError},
		{fleet.ErrSendingToPeerFailed, http.StatusBadGateway},
		{&fleet.Error{Kind: fleet.KindInvalid}, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), tt.err.Error())
	}
}

func TestHealth(t *testing.T) {
	env := setup(t)
	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
