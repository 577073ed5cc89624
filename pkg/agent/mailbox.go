package agent

import (
	"context"
	"sync"

	"github.com/openfroyo/fleet/pkg/configuration"
	"github.com/openfroyo/fleet/pkg/devices"
	"github.com/openfroyo/fleet/pkg/types"
)

// DeviceManagement controls whether the apply pipeline touches network interfaces.
type DeviceManagement struct {
	Enabled bool
	Manager devices.Manager
}

// ApplyPeerConfigurationParams is one unit of work for the apply pipeline.
type ApplyPeerConfigurationParams struct {
	SelfID           types.PeerID
	OldConfiguration configuration.OldPeerConfiguration
	Configuration    configuration.PeerConfiguration
	DeviceManagement DeviceManagement
	Executors        *ExecutorManager
	Metrics          *MetricsManager
}

// Mailbox hands configurations from the stream loop to the apply pipeline.
// It holds at most one pending item; a newer configuration replaces an
// unconsumed older one since every push is a complete snapshot.
type Mailbox struct {
	mu      sync.Mutex
	pending *ApplyPeerConfigurationParams
	notify  chan struct{}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Put stores params, replacing any pending item. It never blocks.
func (m *Mailbox) Put(params ApplyPeerConfigurationParams) (replaced bool) {
	m.mu.Lock()
	replaced = m.pending != nil
	m.pending = &params
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return replaced
}

// Receive waits for the next pending item.
func (m *Mailbox) Receive(ctx context.Context) (ApplyPeerConfigurationParams, error) {
	for {
		m.mu.Lock()
		if m.pending != nil {
			params := *m.pending
			m.pending = nil
			m.mu.Unlock()
			return params, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return ApplyPeerConfigurationParams{}, ctx.Err()
		}
	}
}
