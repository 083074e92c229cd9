// Package events provides the in-process publish/subscribe bus that decouples
// alert lifecycle transitions from their consumers (notification, live-update
// sinks). Delivery is asynchronous and best-effort: a handler failure is
// logged, never propagated to the publisher, and never blocks other handlers.
package events

import (
	"log"
	"sync"
	"time"
)

// EventType identifies an alert lifecycle transition
type EventType string

const (
	AlertCreated      EventType = "ALERT_CREATED"
	AlertUpdated      EventType = "ALERT_UPDATED"
	AlertAcknowledged EventType = "ALERT_ACKNOWLEDGED"
	AlertResolved     EventType = "ALERT_RESOLVED"
	AlertSuppressed   EventType = "ALERT_SUPPRESSED"
)

// AlertEvent is the serialized snapshot of an alert's public fields carried
// on every lifecycle event.
type AlertEvent struct {
	AlertID         uint      `json:"alert_id"`
	AlertUUID       string    `json:"alert_uuid"`
	Title           string    `json:"title"`
	Severity        string    `json:"severity"`
	Category        string    `json:"category"`
	DeviceIP        string    `json:"device_ip"`
	DeviceName      string    `json:"device_name"`
	Status          string    `json:"status"`
	SourceStatus    string    `json:"source_status"`
	SourceSystem    string    `json:"source_system"`
	Message         string    `json:"message"`
	OccurrenceCount int       `json:"occurrence_count"`
	FirstOccurredAt time.Time `json:"first_occurred_at"`
	CorrelatedToID  *uint     `json:"correlated_to_id,omitempty"`
	CorrelationRule string    `json:"correlation_rule,omitempty"`
}

// Event is the unit of delivery on the bus
type Event struct {
	Type        EventType   `json:"type"`
	Source      string      `json:"source"`
	Payload     interface{} `json:"payload"`
	PublishedAt time.Time   `json:"published_at"`
}

// Handler processes one event. Handlers must tolerate concurrent invocation;
// events for the same alert arrive in publish order because dispatch routes
// them to the same worker lane.
type Handler func(Event)

type subscriber struct {
	id      int
	handler Handler
}

type task struct {
	handler Handler
	event   Event
}

// Bus fans events out to subscribers through a bounded worker pool, so
// Publish never spawns unbounded goroutines under load. Each worker owns one
// lane (queue); events for the same alert always hash to the same lane, so a
// sink sees one alert's lifecycle in publish order even with many workers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscriber
	nextID      int
	closed      bool

	lanes []chan task
	wg    sync.WaitGroup
}

// NewBus creates a bus with the given worker count and per-lane queue
// capacity and starts its dispatch workers.
func NewBus(workers, queueSize int) *Bus {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	b := &Bus{
		subscribers: make(map[EventType][]subscriber),
		lanes:       make([]chan task, workers),
	}
	for i := range b.lanes {
		b.lanes[i] = make(chan task, queueSize)
		b.wg.Add(1)
		go b.worker(b.lanes[i])
	}
	return b
}

func (b *Bus) worker(lane chan task) {
	defer b.wg.Done()
	for t := range lane {
		invoke(t.handler, t.event)
	}
}

// laneFor picks the dispatch lane for a payload. Alert snapshots hash on the
// alert id, which pins every event of one alert to one worker; anything else
// goes to lane 0.
func (b *Bus) laneFor(payload interface{}) int {
	if len(b.lanes) == 1 {
		return 0
	}
	if snapshot, ok := payload.(AlertEvent); ok {
		return int(snapshot.AlertID) % len(b.lanes)
	}
	return 0
}

// invoke runs a handler, isolating panics so one subscriber cannot take down
// the dispatch worker or affect other handlers.
func invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Event handler panicked on %s: %v", e.Type, r)
		}
	}()
	h(e)
}

// Subscribe registers a handler for an event type and returns a subscription
// id usable with Unsubscribe.
func (b *Bus) Subscribe(eventType EventType, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber{
		id:      b.nextID,
		handler: handler,
	})
	return b.nextID
}

// Unsubscribe removes a previously registered handler
func (b *Bus) Unsubscribe(eventType EventType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// snapshot copies the subscriber list so dispatch never holds the lock while
// handlers run.
func (b *Bus) snapshot(eventType EventType) []subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subscribers[eventType]
	out := make([]subscriber, len(subs))
	copy(out, subs)
	return out
}

// Publish enqueues the event for asynchronous delivery to all subscribers of
// its type. Enqueueing blocks only when the bounded lane is full, which
// gives back-pressure rather than unbounded buffering. Publishing on a closed
// bus drops the event with a log line.
func (b *Bus) Publish(eventType EventType, payload interface{}, source string) {
	event := Event{
		Type:        eventType,
		Source:      source,
		Payload:     payload,
		PublishedAt: time.Now(),
	}

	// The read lock is held across the enqueue so Close cannot close the
	// lanes mid-send; workers keep draining, so a full lane still makes
	// progress.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		log.Printf("Event bus closed, dropping %s from %s", eventType, source)
		return
	}
	lane := b.lanes[b.laneFor(payload)]
	for _, s := range b.subscribers[eventType] {
		lane <- task{handler: s.handler, event: event}
	}
}

// PublishSync delivers the event to all subscribers inline and returns only
// after every handler has run. Used by startup/shutdown sequencing; the hot
// ingestion path always uses Publish.
func (b *Bus) PublishSync(eventType EventType, payload interface{}, source string) {
	event := Event{
		Type:        eventType,
		Source:      source,
		Payload:     payload,
		PublishedAt: time.Now(),
	}
	for _, s := range b.snapshot(eventType) {
		invoke(s.handler, event)
	}
}

// Close stops accepting events and waits for queued deliveries to drain
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	for _, lane := range b.lanes {
		close(lane)
	}
	b.wg.Wait()
}
