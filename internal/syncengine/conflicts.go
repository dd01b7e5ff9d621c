package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/markstash/markstash/internal/syncstore"
)

// ConflictLog is the durable list of unresolved conflicts.
type ConflictLog struct {
	store syncstore.Store
	mu    sync.Mutex
	items []Conflict
}

type conflictState struct {
	Conflicts []Conflict `json:"conflicts"`
}

func NewConflictLog(store syncstore.Store) (*ConflictLog, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	l := &ConflictLog{store: store, items: []Conflict{}}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Add records a conflict and returns the stored record. An existing conflict
// for the same entity is replaced in place: the newer remote payload
// supersedes the older comparison, but the original id is kept so an id
// already handed to a caller stays resolvable across re-detections.
func (l *ConflictLog) Add(conflict Conflict) (Conflict, error) {
	if conflict.ID == "" || conflict.EntityID == "" {
		return Conflict{}, ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	previous := append([]Conflict(nil), l.items...)
	kept := l.items[:0:0]
	for _, existing := range l.items {
		if existing.EntityType == conflict.EntityType && existing.EntityID == conflict.EntityID {
			conflict.ID = existing.ID
			continue
		}
		kept = append(kept, existing)
	}
	l.items = append(kept, conflict)
	if err := l.saveLocked(); err != nil {
		l.items = previous
		return Conflict{}, err
	}
	return conflict, nil
}

func (l *ConflictLog) Get(id string) (Conflict, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conflict := range l.items {
		if conflict.ID == id {
			return conflict, true
		}
	}
	return Conflict{}, false
}

// Remove deletes a conflict by id. Removing an unknown id is a no-op.
func (l *ConflictLog) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.items[:0:0]
	for _, conflict := range l.items {
		if conflict.ID == id {
			continue
		}
		kept = append(kept, conflict)
	}
	if len(kept) == len(l.items) {
		return nil
	}
	previous := l.items
	l.items = kept
	if err := l.saveLocked(); err != nil {
		l.items = previous
		return err
	}
	return nil
}

func (l *ConflictLog) List() []Conflict {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Conflict(nil), l.items...)
}

func (l *ConflictLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *ConflictLog) load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := l.store.Get(keyConflicts)
	if err != nil {
		if errors.Is(err, syncstore.ErrNotFound) {
			return nil
		}
		return err
	}
	var snapshot conflictState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Conflicts == nil {
		snapshot.Conflicts = []Conflict{}
	}
	l.items = snapshot.Conflicts
	return nil
}

func (l *ConflictLog) saveLocked() error {
	snapshot := conflictState{Conflicts: append([]Conflict(nil), l.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return l.store.Set(keyConflicts, data)
}

// ConflictDetector classifies incoming remote events. A remote event conflicts
// iff the queue holds any unacknowledged local event for the same entity; the
// check is deliberately entity-granular so an in-flight local edit is never
// silently discarded because a different field changed remotely.
type ConflictDetector struct {
	queue *EventQueue
}

func NewConflictDetector(queue *EventQueue) *ConflictDetector {
	return &ConflictDetector{queue: queue}
}

// Classify reports whether the remote event collides with a pending local
// mutation.
func (d *ConflictDetector) Classify(remote SyncEvent) bool {
	return d.queue.HasEntity(remote.EntityType, remote.EntityID)
}

// Describe builds the conflict record for a remote event that classified as
// conflicting, pairing it with the freshest local payload available.
func (d *ConflictDetector) Describe(remote SyncEvent, applier EntityApplier, clock Clock) Conflict {
	localPayload, ok := d.queue.PendingPayload(remote.EntityType, remote.EntityID)
	if !ok || len(localPayload) == 0 {
		if stored, err := applier.Get(remote.EntityType, remote.EntityID); err == nil {
			localPayload = stored
		}
	}
	return Conflict{
		ID:            uuid.NewString(),
		EntityType:    remote.EntityType,
		EntityID:      remote.EntityID,
		LocalPayload:  localPayload,
		RemotePayload: append(json.RawMessage(nil), remote.Payload...),
		RemoteEvent:   remote,
		DetectedAt:    clock.Now(),
	}
}

// Resolver settles conflicts: it applies the winning payload locally, adjusts
// the queue so the remote authority converges, and removes the record.
// Resolution is terminal; resolving an already-removed conflict is a no-op.
type Resolver struct {
	queue     *EventQueue
	log       *ConflictLog
	applier   EntityApplier
	publisher *StatusPublisher
	clock     Clock
	deviceID  string
	userID    string
	logger    Logger
}

func NewResolver(queue *EventQueue, log *ConflictLog, applier EntityApplier, publisher *StatusPublisher, clock Clock, deviceID, userID string, logger Logger) *Resolver {
	return &Resolver{
		queue:     queue,
		log:       log,
		applier:   applier,
		publisher: publisher,
		clock:     clockOrSystem(clock),
		deviceID:  deviceID,
		userID:    userID,
		logger:    loggerOrNop(logger),
	}
}

// Resolve applies the chosen outcome. For merge resolutions a nil mergedPayload
// means "compute the shallow auto-merge" (remote fields win, local-only fields
// survive).
func (r *Resolver) Resolve(ctx context.Context, conflictID string, resolution Resolution, mergedPayload json.RawMessage) error {
	conflict, ok := r.log.Get(conflictID)
	if !ok {
		return nil
	}

	var finalPayload json.RawMessage
	requeue := false
	switch resolution {
	case ResolutionKeepLocal:
		finalPayload = conflict.LocalPayload
		requeue = true
	case ResolutionKeepRemote:
		finalPayload = conflict.RemotePayload
	case ResolutionMerge:
		if mergedPayload != nil {
			finalPayload = mergedPayload
		} else {
			finalPayload = mergePayloads(conflict.LocalPayload, conflict.RemotePayload)
		}
		requeue = true
	default:
		return fmt.Errorf("%w: resolution %q", ErrInvalidInput, resolution)
	}

	apply := SyncEvent{
		ID:         uuid.NewString(),
		Kind:       EventUpdate,
		EntityType: conflict.EntityType,
		EntityID:   conflict.EntityID,
		Payload:    finalPayload,
		Timestamp:  r.clock.Now(),
		UserID:     r.userID,
		DeviceID:   r.deviceID,
	}
	if err := r.applier.Apply(ctx, apply); err != nil {
		return fmt.Errorf("apply resolution for %s/%s: %w", conflict.EntityType, conflict.EntityID, err)
	}

	if requeue {
		queued := apply
		queued.ID = uuid.NewString()
		if err := r.queue.Enqueue(queued); err != nil {
			return err
		}
		r.publisher.Emit(TopicPendingChanges, r.queue.Size())
	} else {
		if err := r.queue.RemoveEntity(conflict.EntityType, conflict.EntityID); err != nil {
			return err
		}
		r.publisher.Emit(TopicPendingChanges, r.queue.Size())
	}
	return r.log.Remove(conflict.ID)
}

// AutoResolve settles a conflict under the configured policy. It reports
// whether the conflict was resolved; under ask_user it publishes the conflict
// and leaves it pending.
func (r *Resolver) AutoResolve(ctx context.Context, conflict Conflict, policy Policy) (bool, error) {
	switch policy {
	case PolicyKeepLocal:
		return true, r.Resolve(ctx, conflict.ID, ResolutionKeepLocal, nil)
	case PolicyKeepRemote:
		return true, r.Resolve(ctx, conflict.ID, ResolutionKeepRemote, nil)
	case PolicyAutoMerge:
		return true, r.Resolve(ctx, conflict.ID, ResolutionMerge, nil)
	default:
		r.publisher.Emit(TopicConflictDetected, conflict)
		return false, nil
	}
}

// mergePayloads is a shallow field merge: remote values win on overlap,
// local-only fields are preserved. Non-object payloads fall back to remote.
func mergePayloads(local, remote json.RawMessage) json.RawMessage {
	var localFields map[string]json.RawMessage
	if err := json.Unmarshal(local, &localFields); err != nil || localFields == nil {
		return append(json.RawMessage(nil), remote...)
	}
	var remoteFields map[string]json.RawMessage
	if err := json.Unmarshal(remote, &remoteFields); err != nil || remoteFields == nil {
		return append(json.RawMessage(nil), remote...)
	}
	for field, value := range remoteFields {
		localFields[field] = value
	}
	merged, err := json.Marshal(localFields)
	if err != nil {
		return append(json.RawMessage(nil), remote...)
	}
	return merged
}
