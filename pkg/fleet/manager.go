// Package fleet implements the reconcilers of the control plane. They turn
// peer descriptors, cluster configurations and deployments held in the
// resource store into peer configurations and push them to connected peers.
//
// Every operation reads and writes inside one store transaction. Pushes to
// peers happen after the commit; a failed push is reported to the caller but
// never rolls back the store, since the broker replays the full configuration
// when the peer reconnects.
package fleet

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/openfroyo/fleet/pkg/configuration"
	"github.com/openfroyo/fleet/pkg/protocol"
	"github.com/openfroyo/fleet/pkg/stores"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/types"
)

// DefaultBridgeName is used for peers without a configured bridge name.
const DefaultBridgeName types.NetworkInterfaceName = "br-opendut"

// DefaultCANServerPortBase is the CAN server port of the first peer of a cluster.
const DefaultCANServerPortBase uint16 = 10000

// Messenger delivers messages to connected peers.
type Messenger interface {
	// SendToPeer enqueues msg on the peer's stream. It fails if the peer has no open session.
	SendToPeer(ctx context.Context, peerID types.PeerID, msg protocol.Message) error

	// IsConnected reports whether the peer has an open session.
	IsConnected(peerID types.PeerID) bool

	// RemoteAddr returns the address the peer connected from.
	RemoteAddr(peerID types.PeerID) (netip.Addr, bool)

	// Disconnect ends the peer's session.
	Disconnect(peerID types.PeerID, reason string)
}

// Admission decides whether a cluster may be deployed. It returns the list of
// violated rules; an empty list admits the deployment.
type Admission interface {
	Admit(ctx context.Context, cluster types.ClusterConfiguration, peers []types.PeerDescriptor) ([]string, error)
}

// Options tunes the reconcilers.
type Options struct {
	// BridgeNameDefault is the bridge used when a peer descriptor names none.
	BridgeNameDefault types.NetworkInterfaceName

	// CANServerPortBase is the CAN server port of the first peer of a cluster.
	CANServerPortBase uint16
}

// DefaultOptions returns the default reconciler options.
func DefaultOptions() Options {
	return Options{
		BridgeNameDefault: DefaultBridgeName,
		CANServerPortBase: DefaultCANServerPortBase,
	}
}

// Config wires a Manager.
type Config struct {
	Store     stores.Store
	Messenger Messenger
	Admission Admission
	Telemetry *telemetry.Telemetry
	Options   Options
}

// Manager runs the reconciler operations.
type Manager struct {
	store     stores.Store
	messenger Messenger
	admission Admission
	telemetry *telemetry.Telemetry
	logger    *telemetry.Logger
	options   Options

	mu      sync.Mutex
	rolling map[types.ClusterID]struct{}
}

// NewManager creates a manager. Store and Messenger are required.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("fleet manager requires a store")
	}
	if cfg.Messenger == nil {
		return nil, errors.New("fleet manager requires a messenger")
	}

	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}

	options := cfg.Options
	if options.BridgeNameDefault == "" {
		options.BridgeNameDefault = DefaultBridgeName
	}
	if err := options.BridgeNameDefault.Validate(); err != nil {
		return nil, err
	}
	if options.CANServerPortBase == 0 {
		options.CANServerPortBase = DefaultCANServerPortBase
	}

	return &Manager{
		store:     cfg.Store,
		messenger: cfg.Messenger,
		admission: cfg.Admission,
		telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("fleet"),
		options:   options,
		rolling:   make(map[types.ClusterID]struct{}),
	}, nil
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.options }

// pushConfiguration sends both configurations of a peer downstream.
func (m *Manager) pushConfiguration(ctx context.Context, op string, peerID types.PeerID, old configuration.OldPeerConfiguration, cfg configuration.PeerConfiguration) error {
	msg, err := protocol.NewApplyPeerConfiguration(protocol.EncodeApply(old, cfg))
	if err != nil {
		return sendingToPeerFailed(op, peerID, err)
	}
	protocol.InjectTrace(ctx, &msg)

	if err := m.messenger.SendToPeer(ctx, peerID, msg); err != nil {
		return sendingToPeerFailed(op, peerID, err)
	}

	_ = m.telemetry.Events.PublishConfigurationPushed(peerID.String(), len(cfg.Parameters()))
	return nil
}

// LoadPeerConfiguration returns both configurations of a peer, defaulting
// missing ones to empty values.
func (m *Manager) LoadPeerConfiguration(ctx context.Context, peerID types.PeerID) (configuration.OldPeerConfiguration, configuration.PeerConfiguration, error) {
	return LoadPeerConfiguration(ctx, m.store, peerID)
}

// LoadPeerConfiguration reads both configurations of a peer from store.
func LoadPeerConfiguration(ctx context.Context, store stores.Store, peerID types.PeerID) (configuration.OldPeerConfiguration, configuration.PeerConfiguration, error) {
	var (
		old configuration.OldPeerConfiguration
		cfg configuration.PeerConfiguration
	)
	err := store.View(ctx, func(tx stores.Tx) error {
		var err error
		if old, _, err = stores.Get[configuration.OldPeerConfiguration](tx, peerID); err != nil {
			return err
		}
		cfg, _, err = stores.Get[configuration.PeerConfiguration](tx, peerID)
		return err
	})
	if err != nil {
		return old, cfg, peerPersistence("load_peer_configuration", peerID, err)
	}
	return old, cfg, nil
}

// ConfigurationLoader adapts a store to the broker's replay source.
type ConfigurationLoader struct {
	Store stores.Store
}

// LoadPeerConfiguration implements the broker's configuration source.
func (l ConfigurationLoader) LoadPeerConfiguration(ctx context.Context, peerID types.PeerID) (configuration.OldPeerConfiguration, configuration.PeerConfiguration, error) {
	return LoadPeerConfiguration(ctx, l.Store, peerID)
}
