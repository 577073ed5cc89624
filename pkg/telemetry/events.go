package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a fleet occurrence other components react to, e.g. a peer
// connecting while a rollout waits for it.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	PeerID    string                 `json:"peer_id,omitempty"`
	ClusterID string                 `json:"cluster_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypePeerConnected       = "peer.connected"
	EventTypePeerDisconnected    = "peer.disconnected"
	EventTypeConfigurationPushed = "peer.configuration_pushed"
	EventTypeClusterDeployed     = "cluster.deployed"
	EventTypeClusterUndeployed   = "cluster.undeployed"
	EventTypeRolloutPending      = "cluster.rollout_pending"
	EventTypePolicyViolation     = "policy.violation"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// EventSubscriber is called on its own goroutine for every delivered event.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants an event.
type EventFilter func(event Event) bool

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	accepted := make(map[string]struct{}, len(types))
	for _, t := range types {
		accepted[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := accepted[event.Type]
		return ok
	}
}

// FilterByClusterID accepts events of one cluster.
func FilterByClusterID(clusterID string) EventFilter {
	return func(event Event) bool { return event.ClusterID == clusterID }
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers. In async mode events are
// buffered and delivered in batches; a full buffer drops the event.
type EventPublisher struct {
	config EventsConfig
	buffer chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu            sync.RWMutex
	subscriptions []subscription
}

// NewEventPublisher creates a publisher. A disabled publisher drops everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg, done: make(chan struct{})}
	if !cfg.Enabled {
		return ep, nil
	}
	if ep.config.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 100
	}
	if ep.config.FlushInterval <= 0 {
		ep.config.FlushInterval = 100 * time.Millisecond
	}
	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.run()
	}
	return ep, nil
}

// Subscribe registers fn for events accepted by filter. A nil filter accepts all.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscriptions = append(ep.subscriptions, subscription{fn: fn, filter: filter})
}

// Publish stamps the event with an id and a timestamp and hands it to the subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !ep.config.EnableAsync {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.done:
		return errPublisherStopped
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) PublishPeerConnected(peerID, remoteHost string) error {
	return ep.Publish(Event{
		Type:    EventTypePeerConnected,
		Source:  "broker",
		PeerID:  peerID,
		Message: fmt.Sprintf("Peer %s connected from %s", peerID, remoteHost),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"remote_host": remoteHost},
	})
}

func (ep *EventPublisher) PublishPeerDisconnected(peerID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePeerDisconnected,
		Source:  "broker",
		PeerID:  peerID,
		Message: fmt.Sprintf("Peer %s disconnected: %s", peerID, reason),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"reason": reason},
	})
}

func (ep *EventPublisher) PublishConfigurationPushed(peerID string, parameters int) error {
	return ep.Publish(Event{
		Type:    EventTypeConfigurationPushed,
		Source:  "fleet",
		PeerID:  peerID,
		Message: fmt.Sprintf("Configuration with %d parameters pushed to peer %s", parameters, peerID),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"parameters": parameters},
	})
}

func (ep *EventPublisher) PublishClusterDeployed(clusterID string, members int) error {
	return ep.Publish(Event{
		Type:      EventTypeClusterDeployed,
		Source:    "fleet",
		ClusterID: clusterID,
		Message:   fmt.Sprintf("Cluster %s deployed to %d peers", clusterID, members),
		Level:     EventLevelInfo,
		Data:      map[string]interface{}{"members": members},
	})
}

// PublishRolloutPending reports a rollout waiting for offline members.
func (ep *EventPublisher) PublishRolloutPending(clusterID string, offline []string) error {
	return ep.Publish(Event{
		Type:      EventTypeRolloutPending,
		Source:    "fleet",
		ClusterID: clusterID,
		Message:   fmt.Sprintf("Rollout of cluster %s waits for %d offline peers", clusterID, len(offline)),
		Level:     EventLevelWarning,
		Data:      map[string]interface{}{"offline_peers": offline},
	})
}

func (ep *EventPublisher) PublishClusterUndeployed(clusterID string) error {
	return ep.Publish(Event{
		Type:      EventTypeClusterUndeployed,
		Source:    "fleet",
		ClusterID: clusterID,
		Message:   fmt.Sprintf("Cluster %s undeployed", clusterID),
		Level:     EventLevelInfo,
	})
}

func (ep *EventPublisher) PublishPolicyViolation(clusterID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypePolicyViolation,
		Source:    "policy",
		ClusterID: clusterID,
		Message:   fmt.Sprintf("Policy %s denied cluster %s: %s", policyName, clusterID, reason),
		Level:     EventLevelError,
		Data:      map[string]interface{}{"policy": policyName, "reason": reason},
	})
}

// run batches buffered events until Shutdown, then drains the buffer.
func (ep *EventPublisher) run() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliver(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.done:
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subscriptions {
		if s.filter == nil || s.filter(event) {
			go s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until the buffered ones are delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}
	ep.once.Do(func() { close(ep.done) })

	drained := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}
