package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventTaskEnqueued    EventType = "task.enqueued"
	EventTaskDispatched  EventType = "task.dispatched"
	EventTaskCommitted   EventType = "task.committed"
	EventTaskFailed      EventType = "task.failed"
	EventResultProduced  EventType = "result.produced"
	EventJudgeApproved   EventType = "judge.approved"
	EventJudgeRejected   EventType = "judge.rejected"
	EventJudgeEscalated  EventType = "judge.escalated"
	EventOCCConflict     EventType = "judge.occ_conflict"
	EventBudgetRefused   EventType = "budget.refused"
	EventHITLQueued      EventType = "hitl.queued"
	EventHITLDecided     EventType = "hitl.decided"
	EventPerceptionMatch EventType = "perception.match"
)

// Event is one observability record. Events are advisory: the decision log
// in the Store is the durable record, the broker only fans out to
// in-process subscribers (metrics, tests, the fleet summary).
type Event struct {
	ID        string
	Type      EventType
	TenantID  string
	TaskID    string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Emit is shorthand for Publish with the common fields.
func (b *Broker) Emit(t EventType, tenantID, taskID, msg string) {
	b.Publish(&Event{Type: t, TenantID: tenantID, TaskID: taskID, Message: msg})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
