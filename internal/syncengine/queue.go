package syncengine

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/markstash/markstash/internal/syncstore"
)

// EventQueue is the ordered durable log of local mutations awaiting upload.
// Every mutating call persists the full queue before returning; a failed save
// rolls the in-memory state back so the caller never believes a lost mutation
// was queued.
type EventQueue struct {
	store syncstore.Store
	mu    sync.Mutex
	items []SyncEvent
}

type queueState struct {
	Events []SyncEvent `json:"events"`
}

func NewEventQueue(store syncstore.Store) (*EventQueue, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	q := &EventQueue{store: store, items: []SyncEvent{}}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *EventQueue) Enqueue(event SyncEvent) error {
	if err := event.validate(); err != nil {
		return err
	}
	if event.ID == "" {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, event)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return err
	}
	return nil
}

// PeekBatch returns up to n oldest events without removing them.
func (q *EventQueue) PeekBatch(n int) []SyncEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	return append([]SyncEvent(nil), q.items[:n]...)
}

// Snapshot returns all currently queued events in enqueue order.
func (q *EventQueue) Snapshot() []SyncEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SyncEvent(nil), q.items...)
}

// Acknowledge removes exactly the given ids. Ids that are not queued are
// ignored, so acknowledging twice is safe.
func (q *EventQueue) Acknowledge(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	acked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0:0]
	for _, event := range q.items {
		if _, ok := acked[event.ID]; ok {
			continue
		}
		kept = append(kept, event)
	}
	if len(kept) == len(q.items) {
		return nil
	}
	previous := q.items
	q.items = kept
	if err := q.saveLocked(); err != nil {
		q.items = previous
		return err
	}
	return nil
}

// RemoveEntity drops every pending event for the entity without uploading it.
// Used when a conflict is resolved in favor of the remote payload.
func (q *EventQueue) RemoveEntity(entityType EntityType, entityID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0:0]
	for _, event := range q.items {
		if event.EntityType == entityType && event.EntityID == entityID {
			continue
		}
		kept = append(kept, event)
	}
	if len(kept) == len(q.items) {
		return nil
	}
	previous := q.items
	q.items = kept
	if err := q.saveLocked(); err != nil {
		q.items = previous
		return err
	}
	return nil
}

func (q *EventQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// HasEntity reports whether any unacknowledged event targets the entity.
func (q *EventQueue) HasEntity(entityType EntityType, entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, event := range q.items {
		if event.EntityType == entityType && event.EntityID == entityID {
			return true
		}
	}
	return false
}

// PendingPayload returns the payload of the newest pending event for the
// entity, if any.
func (q *EventQueue) PendingPayload(entityType EntityType, entityID string) (json.RawMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.items) - 1; i >= 0; i-- {
		event := q.items[i]
		if event.EntityType == entityType && event.EntityID == entityID {
			return append(json.RawMessage(nil), event.Payload...), true
		}
	}
	return nil, false
}

func (q *EventQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := q.store.Get(keyQueue)
	if err != nil {
		if errors.Is(err, syncstore.ErrNotFound) {
			return nil
		}
		return err
	}
	var snapshot queueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Events == nil {
		snapshot.Events = []SyncEvent{}
	}
	q.items = snapshot.Events
	return nil
}

func (q *EventQueue) saveLocked() error {
	snapshot := queueState{Events: append([]SyncEvent(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return q.store.Set(keyQueue, data)
}
