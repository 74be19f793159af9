package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowctl/pkg/engine"
)

// EventSubscriber is a function that handles run events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher fans run events out to subscribers. It implements
// engine.EventSink. Subscribers are called in publish order, either inline or
// from a single background goroutine when async delivery is enabled.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	dropped     atomic.Int64
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	if !cfg.Enabled {
		return ep
	}

	if cfg.EnableAsync {
		if cfg.MaxBatchSize <= 0 {
			ep.config.MaxBatchSize = 1
		}
		ep.buffer = make(chan engine.Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep
}

// Publish implements engine.EventSink. In async mode a full buffer drops the
// event and counts it in Dropped.
func (ep *EventPublisher) Publish(ctx context.Context, event engine.Event) {
	if !ep.config.Enabled {
		return
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return
		}
	}
	ep.mu.RUnlock()

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return
	}

	select {
	case <-ep.ctx.Done():
		ep.dropped.Add(1)
	case ep.buffer <- event:
	default:
		ep.dropped.Add(1)
		zerolog.Ctx(ctx).Warn().Str("run_id", event.RunID).Int64("seq", event.Seq).Msg("Event buffer full, event dropped")
	}
}

// Dropped returns the number of events lost to a full buffer or a stopped publisher.
func (ep *EventPublisher) Dropped() int64 {
	return ep.dropped.Load()
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches until shutdown, then
// drains whatever is left.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]engine.Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Take whatever is already queued, up to a batch.
		drain:
			for len(batch) < ep.config.MaxBatchSize {
				select {
				case next := <-ep.buffer:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher and waits for buffered events to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
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

// LogSubscriber writes events to logger: retries at warn, failures at error,
// everything else at debug.
func LogSubscriber(logger *Logger) EventSubscriber {
	return func(event engine.Event) {
		zl := logger.Zerolog()
		var e *zerolog.Event
		switch {
		case event.Type == engine.EventNodeRetry:
			e = zl.Warn()
		case event.To == engine.NodeStateFailed:
			e = zl.Error()
		case event.Type == engine.EventRunStarted || event.Type == engine.EventRunCompleted:
			e = zl.Info()
		default:
			e = zl.Debug()
		}
		e = e.Str("run_id", event.RunID).Int64("seq", event.Seq).Str("event", string(event.Type))
		if event.Node != "" {
			e = e.Str("node", event.Node)
		}
		if event.To != "" {
			e = e.Str("from", string(event.From)).Str("to", string(event.To))
		}
		if event.Attempt > 0 {
			e = e.Int("attempt", event.Attempt)
		}
		if event.Error != "" {
			e = e.Str("error", event.Error)
		}
		e.Msg(event.Message)
	}
}

// Common event filters.

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByTask creates a filter that only allows events for nodes of one task.
func FilterByTask(task string) EventFilter {
	return func(event engine.Event) bool {
		return event.Task == task
	}
}

// FilterByState creates a filter for transitions into one of the given states.
func FilterByState(states ...engine.NodeState) EventFilter {
	stateSet := make(map[engine.NodeState]bool, len(states))
	for _, s := range states {
		stateSet[s] = true
	}

	return func(event engine.Event) bool {
		return stateSet[event.To]
	}
}
