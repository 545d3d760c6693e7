// Package events distributes execution events to in-process
// subscribers. The server uses it to feed live event streams without
// polling storage.
package events

import (
	"sync"

	"github.com/fluxhq/flux/pkg/types"
)

// Notification pairs an event with the execution it belongs to.
type Notification struct {
	ExecutionID string
	Event       *types.Event
}

// Subscriber is a channel that receives notifications.
type Subscriber chan *Notification

// Broker manages subscriptions and distribution. Subscriptions are
// scoped to one execution or to all executions.
type Broker struct {
	mu          sync.RWMutex
	all         map[Subscriber]bool
	byExecution map[string]map[Subscriber]bool
	eventCh     chan *Notification
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		all:         make(map[Subscriber]bool),
		byExecution: make(map[string]map[Subscriber]bool),
		eventCh:     make(chan *Notification, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe receives every published notification.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.all[sub] = true
	return sub
}

// SubscribeExecution receives notifications for one execution only.
func (b *Broker) SubscribeExecution(executionID string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	if b.byExecution[executionID] == nil {
		b.byExecution[executionID] = make(map[Subscriber]bool)
	}
	b.byExecution[executionID][sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.all[sub]; ok {
		delete(b.all, sub)
		close(sub)
		return
	}
	for execID, subs := range b.byExecution {
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.byExecution, execID)
			}
			close(sub)
			return
		}
	}
}

// Publish delivers an event to subscribers of the execution and to
// firehose subscribers. Slow subscribers are skipped, not blocked on.
func (b *Broker) Publish(executionID string, event *types.Event) {
	n := &Notification{ExecutionID: executionID, Event: event}
	select {
	case b.eventCh <- n:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case n := <-b.eventCh:
			b.broadcast(n)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(n *Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.all {
		select {
		case sub <- n:
		default:
		}
	}
	for sub := range b.byExecution[n.ExecutionID] {
		select {
		case sub <- n:
		default:
		}
	}
}

// SubscriberCount reports active subscriptions across all scopes.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.all)
	for _, subs := range b.byExecution {
		n += len(subs)
	}
	return n
}
