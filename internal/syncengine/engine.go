package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markstash/markstash/internal/syncstore"
)

// Options carries the engine's injected collaborators. Store and Remote are
// required; a nil Dialer disables the real-time channel, a nil Applier stores
// entity payloads in the persistent store.
type Options struct {
	Store       syncstore.Store
	Remote      RemoteClient
	Dialer      ChannelDialer
	Credentials CredentialSource
	Applier     EntityApplier
	Logger      Logger
	Clock       Clock
	UserID      string
}

// Engine is the sync engine facade the rest of the application talks to.
type Engine struct {
	store     syncstore.Store
	remote    RemoteClient
	applier   EntityApplier
	logger    Logger
	clock     Clock
	queue     *EventQueue
	conflicts *ConflictLog
	detector  *ConflictDetector
	resolver  *Resolver
	config    *configStore
	cursor    *cursorStore
	publisher *StatusPublisher
	scheduler *Scheduler
	channel   *Channel
	deviceID  string
	userID    string

	mu       sync.Mutex
	online   bool
	syncing  bool
	progress int
	lastSync *time.Time
	cancel   context.CancelFunc
	started  bool

	wg sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("%w: remote client is required", ErrInvalidInput)
	}
	logger := loggerOrNop(opts.Logger)
	clock := clockOrSystem(opts.Clock)

	queue, err := NewEventQueue(opts.Store)
	if err != nil {
		return nil, err
	}
	conflicts, err := NewConflictLog(opts.Store)
	if err != nil {
		return nil, err
	}
	config, err := newConfigStore(opts.Store)
	if err != nil {
		return nil, err
	}
	cursor, err := newCursorStore(opts.Store)
	if err != nil {
		return nil, err
	}
	deviceID, err := loadOrCreateDeviceID(opts.Store)
	if err != nil {
		return nil, err
	}
	applier := opts.Applier
	if applier == nil {
		applier = NewStoreApplier(opts.Store)
	}

	publisher := NewStatusPublisher()
	e := &Engine{
		store:     opts.Store,
		remote:    opts.Remote,
		applier:   applier,
		logger:    logger,
		clock:     clock,
		queue:     queue,
		conflicts: conflicts,
		detector:  NewConflictDetector(queue),
		config:    config,
		cursor:    cursor,
		publisher: publisher,
		deviceID:  deviceID,
		userID:    opts.UserID,
		online:    true,
	}
	e.resolver = NewResolver(queue, conflicts, applier, publisher, clock, deviceID, opts.UserID, logger)
	e.scheduler = NewScheduler(e.runCycle, clock, logger)
	e.loadLastSync()

	publisher.Subscribe(TopicSyncProgress, func(payload any) {
		if percent, ok := payload.(int); ok {
			e.mu.Lock()
			e.progress = percent
			e.mu.Unlock()
		}
	})

	if opts.Dialer != nil {
		credentials := opts.Credentials
		if credentials == nil {
			return nil, fmt.Errorf("%w: credentials are required with a channel dialer", ErrInvalidInput)
		}
		channel, err := NewChannel(opts.Dialer, credentials, ChannelCallbacks{
			OnConnected: func() {
				publisher.Emit(TopicConnected, nil)
			},
			OnDisconnected: func(err error) {
				publisher.Emit(TopicDisconnected, err)
			},
			OnEntityUpdated:    e.applyRemoteEvent,
			OnSyncRequired:     func() { e.scheduler.Trigger("sync_required") },
			OnConflictDetected: e.registerConflict,
		}, logger)
		if err != nil {
			return nil, err
		}
		e.channel = channel
	}
	return e, nil
}

// Start launches the scheduler timer and, when configured, the real-time
// channel. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine already started", ErrInvalidInput)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true
	online := e.online
	e.mu.Unlock()

	cfg := e.config.Get()
	e.scheduler.Start(runCtx)
	e.scheduler.Configure(cfg.AutoSync, time.Duration(cfg.IntervalSeconds)*time.Second)
	e.scheduler.SetOnline(online)

	if e.channel != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.channel.Run(runCtx)
		}()
	}
	return nil
}

// Shutdown stops the timer and channel and waits for the in-flight work to
// wind down. Queue, conflicts, config, and cursor are already durable; there
// is nothing else to flush.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.scheduler.Wait()
	e.wg.Wait()
}

// EnqueueMutation records a local mutation. The event is durable by the time
// the call returns; if persistence fails the mutation was NOT queued and the
// error says so.
func (e *Engine) EnqueueMutation(entityType EntityType, entityID string, kind EventKind, payload json.RawMessage) (SyncEvent, error) {
	event := SyncEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  e.clock.Now(),
		UserID:     e.userID,
		DeviceID:   e.deviceID,
	}
	if err := e.queue.Enqueue(event); err != nil {
		return SyncEvent{}, err
	}
	e.publisher.Emit(TopicPendingChanges, e.queue.Size())
	return event, nil
}

// ForceSync runs a sync cycle now, or coalesces into the cycle already in
// flight. It fails fast while offline.
func (e *Engine) ForceSync(ctx context.Context) error {
	e.mu.Lock()
	online := e.online
	e.mu.Unlock()
	if !online {
		return ErrOffline
	}
	return e.scheduler.RunNow(ctx)
}

func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SyncStatus{
		Online:        e.online,
		LastSyncAt:    e.lastSync,
		PendingCount:  e.queue.Size(),
		Syncing:       e.syncing,
		Progress:      e.progress,
		ConflictCount: e.conflicts.Count(),
	}
}

func (e *Engine) Config() SyncConfig {
	return e.config.Get()
}

// UpdateConfig applies a partial configuration update, persists it, and
// restarts the periodic timer under the new settings.
func (e *Engine) UpdateConfig(update ConfigUpdate) (SyncConfig, error) {
	cfg, err := e.config.Update(update)
	if err != nil {
		return cfg, err
	}
	e.scheduler.Configure(cfg.AutoSync, time.Duration(cfg.IntervalSeconds)*time.Second)
	return cfg, nil
}

// ResolveConflict settles a pending conflict with the caller's decision.
// Resolving an id that no longer exists is a no-op.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution Resolution, mergedPayload json.RawMessage) error {
	return e.resolver.Resolve(ctx, conflictID, resolution, mergedPayload)
}

func (e *Engine) Conflicts() []Conflict {
	return e.conflicts.List()
}

func (e *Engine) Subscribe(topic Topic, handler Handler) func() {
	return e.publisher.Subscribe(topic, handler)
}

// SetOnline records a connectivity transition. Coming online triggers a sync
// cycle; going offline lets any in-flight cycle fail on its next network step
// without touching queue or cursor state.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()
	if !changed {
		return
	}
	e.publisher.Emit(TopicStatusChange, online)
	e.scheduler.SetOnline(online)
}

func (e *Engine) DeviceID() string {
	return e.deviceID
}

// runCycle is one upload -> download -> resolve pass.
func (e *Engine) runCycle(ctx context.Context) error {
	e.mu.Lock()
	e.syncing = true
	e.progress = 0
	e.mu.Unlock()
	e.publisher.Emit(TopicSyncStarted, nil)

	err := e.runCycleSteps(ctx)

	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()

	if err != nil {
		e.publisher.Emit(TopicSyncFailed, err)
		return err
	}

	completedAt := e.clock.Now()
	e.setLastSync(completedAt)
	e.publisher.Emit(TopicSyncProgress, 100)
	e.publisher.Emit(TopicSyncCompleted, completedAt)
	return nil
}

// retryConfigurable is implemented by remote clients whose retry budget can
// follow SyncConfig.RetryAttempts.
type retryConfigurable interface {
	SetRetryAttempts(attempts int)
}

func (e *Engine) runCycleSteps(ctx context.Context) error {
	cfg := e.config.Get()
	if remote, ok := e.remote.(retryConfigurable); ok {
		remote.SetRetryAttempts(cfg.RetryAttempts)
	}
	upload := &uploadPipeline{
		queue:     e.queue,
		client:    e.remote,
		conflicts: e.conflicts,
		publisher: e.publisher,
		logger:    e.logger,
	}
	if err := upload.run(ctx, cfg.BatchSize); err != nil {
		return err
	}
	download := &downloadPipeline{
		client:    e.remote,
		detector:  e.detector,
		conflicts: e.conflicts,
		applier:   e.applier,
		cursor:    e.cursor,
		publisher: e.publisher,
		clock:     e.clock,
		logger:    e.logger,
	}
	if err := download.run(ctx, cfg.BatchSize); err != nil {
		return err
	}
	return e.resolvePending(ctx, cfg.ConflictPolicy)
}

func (e *Engine) resolvePending(ctx context.Context, policy Policy) error {
	for _, conflict := range e.conflicts.List() {
		if _, err := e.resolver.AutoResolve(ctx, conflict, policy); err != nil {
			e.logger.Printf("failed to resolve conflict %s (%s/%s): %v",
				conflict.ID, conflict.EntityType, conflict.EntityID, err)
		}
	}
	return nil
}

// applyRemoteEvent handles an out-of-band entity_updated push: conflicting
// updates become pending conflicts, everything else applies directly.
func (e *Engine) applyRemoteEvent(event SyncEvent) {
	if e.detector.Classify(event) {
		conflict := e.detector.Describe(event, e.applier, e.clock)
		e.registerConflict(conflict)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.applier.Apply(ctx, event); err != nil {
		e.logger.Printf("failed to apply pushed event %s: %v", event.ID, err)
		return
	}
	e.publisher.Emit(TopicEntityApplied, event)
}

func (e *Engine) registerConflict(conflict Conflict) {
	stored, err := e.conflicts.Add(conflict)
	if err != nil {
		e.logger.Printf("failed to record conflict for %s/%s: %v",
			conflict.EntityType, conflict.EntityID, err)
		return
	}
	e.publisher.Emit(TopicConflictDetected, stored)
}

func (e *Engine) loadLastSync() {
	data, err := e.store.Get(keyLastSync)
	if err != nil {
		if !errors.Is(err, syncstore.ErrNotFound) {
			e.logger.Printf("failed to load last sync timestamp: %v", err)
		}
		return
	}
	var ts time.Time
	if err := json.Unmarshal(data, &ts); err != nil {
		e.logger.Printf("failed to parse last sync timestamp: %v", err)
		return
	}
	e.mu.Lock()
	e.lastSync = &ts
	e.mu.Unlock()
}

func (e *Engine) setLastSync(ts time.Time) {
	data, err := json.Marshal(ts)
	if err == nil {
		if err := e.store.Set(keyLastSync, data); err != nil {
			e.logger.Printf("failed to persist last sync timestamp: %v", err)
		}
	}
	e.mu.Lock()
	e.lastSync = &ts
	e.mu.Unlock()
}
