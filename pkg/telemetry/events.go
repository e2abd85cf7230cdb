package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a change notification or episode lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// EpisodeID is the commit episode the event belongs to, if any.
	EpisodeID string `json:"episode_id,omitempty"`

	// KeyType and Key address the managed object a change event is about.
	KeyType string `json:"key_type,omitempty"`
	Key     string `json:"key,omitempty"`

	// Datastore is the datastore the change was committed to.
	Datastore string `json:"datastore,omitempty"`

	// Controller is the controller involved, if any.
	Controller string `json:"controller,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data. Change events carry
	// the committed envelope under "envelope".
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeConfigCreated    = "config.created"
	EventTypeConfigUpdated    = "config.updated"
	EventTypeConfigDeleted    = "config.deleted"
	EventTypeEpisodeStarted   = "episode.started"
	EventTypeEpisodeCompleted = "episode.completed"
	EventTypeEpisodeFailed    = "episode.failed"
	EventTypeError            = "error"
)

// ConfigEventType returns the change event type of a write operation.
func ConfigEventType(operation string) string {
	switch operation {
	case "create":
		return EventTypeConfigCreated
	case "delete":
		return EventTypeConfigDeleted
	default:
		return EventTypeConfigUpdated
	}
}

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers. In async mode events are
// queued on a buffered channel and delivered in order by one goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher from the events configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish enqueues an event without blocking. A full buffer drops the event
// and returns an error.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	event = ep.prepare(event)

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case ep.buffer <- event:
		return nil
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// Notify enqueues an event and waits for buffer space until ctx is done or
// the configured publish timeout elapses. The commit pipeline uses it for
// change notifications, which must not be dropped.
func (ep *EventPublisher) Notify(ctx context.Context, event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	event = ep.prepare(event)

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	if ep.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.config.PublishTimeout)
		defer cancel()
	}

	select {
	case ep.buffer <- event:
		return nil
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	case <-ctx.Done():
		return fmt.Errorf("failed to enqueue %s event for %s: %w", event.Type, event.Key, ctx.Err())
	}
}

func (ep *EventPublisher) prepare(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}
	return event
}

// PublishEpisodeStarted publishes an episode started event.
func (ep *EventPublisher) PublishEpisodeStarted(episodeID, kind, keyType, scope string) error {
	return ep.Publish(Event{
		Type:      EventTypeEpisodeStarted,
		Source:    "commit",
		EpisodeID: episodeID,
		KeyType:   keyType,
		Message:   fmt.Sprintf("%s episode %s started for %s (%s)", kind, episodeID, keyType, scope),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"kind":  kind,
			"scope": scope,
		},
	})
}

// PublishEpisodeCompleted publishes an episode completed event.
func (ep *EventPublisher) PublishEpisodeCompleted(episodeID, keyType string, rows int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeEpisodeCompleted,
		Source:    "commit",
		EpisodeID: episodeID,
		KeyType:   keyType,
		Message:   fmt.Sprintf("Episode %s committed %d rows of %s", episodeID, rows, keyType),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"rows":     rows,
			"duration": duration.Seconds(),
		},
	})
}

// PublishEpisodeFailed publishes an episode failed event.
func (ep *EventPublisher) PublishEpisodeFailed(episodeID, keyType, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeEpisodeFailed,
		Source:    "commit",
		EpisodeID: episodeID,
		KeyType:   keyType,
		Message:   fmt.Sprintf("Episode %s failed for %s: %s", episodeID, keyType, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)

		case <-ep.ctx.Done():
			// drain what was enqueued before shutdown
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent calls every matching subscriber in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering every queued event.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
