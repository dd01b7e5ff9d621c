package syncengine

import "sync"

type Topic string

const (
	TopicConnected        Topic = "connected"
	TopicDisconnected     Topic = "disconnected"
	TopicStatusChange     Topic = "status-change"
	TopicSyncStarted      Topic = "sync-started"
	TopicSyncProgress     Topic = "sync-progress"
	TopicSyncCompleted    Topic = "sync-completed"
	TopicSyncFailed       Topic = "sync-failed"
	TopicConflictDetected Topic = "conflict-detected"
	TopicPendingChanges   Topic = "pending-changes"
	TopicEntityApplied    Topic = "entity-applied"
)

type Handler func(payload any)

type subscriber struct {
	id      int
	handler Handler
}

// StatusPublisher is the pub-sub surface every component reports through.
// Delivery is synchronous with the emitter and follows registration order.
type StatusPublisher struct {
	mu     sync.Mutex
	nextID int
	subs   map[Topic][]subscriber
}

func NewStatusPublisher() *StatusPublisher {
	return &StatusPublisher{subs: map[Topic][]subscriber{}}
}

// Subscribe registers a handler for a topic and returns its unsubscribe
// function. Unsubscribing more than once is a no-op.
func (p *StatusPublisher) Subscribe(topic Topic, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subs[topic] = append(p.subs[topic], subscriber{id: id, handler: handler})
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		current := p.subs[topic]
		for i, sub := range current {
			if sub.id == id {
				p.subs[topic] = append(current[:i:i], current[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the payload to all current subscribers of the topic. Handlers
// run outside the registry lock so they may subscribe or unsubscribe freely.
func (p *StatusPublisher) Emit(topic Topic, payload any) {
	p.mu.Lock()
	current := append([]subscriber(nil), p.subs[topic]...)
	p.mu.Unlock()
	for _, sub := range current {
		sub.handler(payload)
	}
}
