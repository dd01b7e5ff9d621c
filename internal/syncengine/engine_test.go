package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/markstash/markstash/internal/syncstore"
)

func newTestEngine(t *testing.T, store syncstore.Store, remote RemoteClient) *Engine {
	t.Helper()
	if store == nil {
		store = syncstore.NewMemoryStore()
	}
	if remote == nil {
		remote = &fakeRemote{}
	}
	engine, err := New(Options{
		Store:  store,
		Remote: remote,
		Clock:  newFakeClock(),
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return engine
}

func TestNewRequiresStoreAndRemote(t *testing.T) {
	if _, err := New(Options{Remote: &fakeRemote{}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without store, got %v", err)
	}
	if _, err := New(Options{Store: syncstore.NewMemoryStore()}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without remote, got %v", err)
	}
}

func TestEnqueueMutationIsDurableAndStampsIdentity(t *testing.T) {
	store := syncstore.NewMemoryStore()
	engine := newTestEngine(t, store, nil)

	event, err := engine.EnqueueMutation(EntityBookmark, "bm-1", EventCreate, json.RawMessage(`{"title":"hello"}`))
	if err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}
	if event.ID == "" || event.DeviceID != engine.DeviceID() || event.UserID != "user-1" {
		t.Fatalf("event not stamped: %+v", event)
	}

	// A second engine over the same store must see the queued mutation.
	reopened := newTestEngine(t, store, nil)
	if reopened.Status().PendingCount != 1 {
		t.Fatalf("mutation did not survive reopen, pending = %d", reopened.Status().PendingCount)
	}
	if reopened.DeviceID() != engine.DeviceID() {
		t.Fatal("device id must be stable across restarts")
	}
}

func TestEnqueueMutationFailureIsReported(t *testing.T) {
	store := &flakyStore{Store: syncstore.NewMemoryStore()}
	engine := newTestEngine(t, store, nil)

	store.setFailSet(true)
	if _, err := engine.EnqueueMutation(EntityBookmark, "bm-1", EventCreate, json.RawMessage(`{}`)); !errors.Is(err, errInjected) {
		t.Fatalf("expected save failure surfaced, got %v", err)
	}
	if engine.Status().PendingCount != 0 {
		t.Fatal("failed mutation must not appear queued")
	}
}

func TestForceSyncRoundTrip(t *testing.T) {
	store := syncstore.NewMemoryStore()
	remote := &fakeRemote{
		pages: []DownloadPage{{Events: []SyncEvent{
			testEvent("r1", EntityCollection, "col-1", `{"name":"inbox"}`),
		}}},
	}
	engine := newTestEngine(t, store, remote)
	recorder := recordTopics(engine.publisher, TopicSyncStarted, TopicSyncCompleted, TopicEntityApplied)

	if _, err := engine.EnqueueMutation(EntityBookmark, "bm-1", EventCreate, json.RawMessage(`{"title":"a"}`)); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}
	if err := engine.ForceSync(context.Background()); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}

	status := engine.Status()
	if status.PendingCount != 0 {
		t.Fatalf("uploaded events must leave the queue, pending = %d", status.PendingCount)
	}
	if status.LastSyncAt == nil {
		t.Fatal("successful cycle must record last sync time")
	}
	if status.Progress != 100 {
		t.Fatalf("completed cycle must report 100%%, got %d", status.Progress)
	}
	if len(remote.uploadBatches()) != 1 {
		t.Fatalf("expected one upload batch, got %d", len(remote.uploadBatches()))
	}
	if stored, err := NewStoreApplier(store).Get(EntityCollection, "col-1"); err != nil || string(stored) != `{"name":"inbox"}` {
		t.Fatalf("downloaded entity not applied: %s err=%v", stored, err)
	}
	if len(recorder.get(TopicSyncStarted)) != 1 || len(recorder.get(TopicSyncCompleted)) != 1 {
		t.Fatal("cycle lifecycle events missing")
	}
	if len(recorder.get(TopicEntityApplied)) != 1 {
		t.Fatal("applied entity event missing")
	}
}

func TestForceSyncFailsFastWhileOffline(t *testing.T) {
	engine := newTestEngine(t, nil, nil)
	engine.SetOnline(false)
	if err := engine.ForceSync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestForceSyncSurfacesUploadFailure(t *testing.T) {
	remote := &fakeRemote{uploadErr: errors.New("boom")}
	engine := newTestEngine(t, nil, remote)
	recorder := recordTopics(engine.publisher, TopicSyncFailed)

	if _, err := engine.EnqueueMutation(EntityBookmark, "bm-1", EventCreate, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}
	if err := engine.ForceSync(context.Background()); err == nil {
		t.Fatal("expected cycle failure")
	}
	status := engine.Status()
	if status.PendingCount != 1 {
		t.Fatal("failed upload must keep the event queued")
	}
	if status.LastSyncAt != nil {
		t.Fatal("failed cycle must not record a sync time")
	}
	if len(recorder.get(TopicSyncFailed)) != 1 {
		t.Fatal("failure must be published")
	}
}

func TestCycleAutoResolvesUnderPolicy(t *testing.T) {
	remote := &fakeRemote{
		// The server refuses the local edit and reports the same entity in
		// the change feed, so the download phase detects the conflict.
		holdEntity: "bm-1",
		pages: []DownloadPage{{Events: []SyncEvent{
			testEvent("r1", EntityBookmark, "bm-1", `{"a":2,"b":3}`),
		}}},
	}
	store := syncstore.NewMemoryStore()
	engine := newTestEngine(t, store, remote)

	policy := PolicyAutoMerge
	if _, err := engine.UpdateConfig(ConfigUpdate{ConflictPolicy: &policy}); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if _, err := engine.EnqueueMutation(EntityBookmark, "bm-1", EventUpdate, json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}

	if err := engine.ForceSync(context.Background()); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if got := len(engine.Conflicts()); got != 0 {
		t.Fatalf("auto_merge must clear conflicts, %d remain", got)
	}
	stored, err := NewStoreApplier(store).Get(EntityBookmark, "bm-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var merged map[string]int
	if err := json.Unmarshal(stored, &merged); err != nil {
		t.Fatalf("merged payload invalid: %v", err)
	}
	if merged["a"] != 2 || merged["b"] != 3 {
		t.Fatalf("expected remote-wins merge, got %v", merged)
	}
	if engine.Status().PendingCount == 0 {
		t.Fatal("merge outcome must be queued for the next upload")
	}
}

func TestAskUserLeavesConflictForManualResolution(t *testing.T) {
	remote := &fakeRemote{
		holdEntity: "bm-1",
		pages: []DownloadPage{{Events: []SyncEvent{
			testEvent("r1", EntityBookmark, "bm-1", `{"title":"theirs"}`),
		}}},
	}
	store := syncstore.NewMemoryStore()
	engine := newTestEngine(t, store, remote)
	recorder := recordTopics(engine.publisher, TopicConflictDetected)

	if _, err := engine.EnqueueMutation(EntityBookmark, "bm-1", EventUpdate, json.RawMessage(`{"title":"mine"}`)); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}
	if err := engine.ForceSync(context.Background()); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}

	conflicts := engine.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("expected one pending conflict, got %d", len(conflicts))
	}
	if len(recorder.get(TopicConflictDetected)) == 0 {
		t.Fatal("pending conflict must be published")
	}

	if err := engine.ResolveConflict(context.Background(), conflicts[0].ID, ResolutionKeepRemote, nil); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if len(engine.Conflicts()) != 0 {
		t.Fatal("manual resolution must clear the conflict")
	}
	stored, err := NewStoreApplier(store).Get(EntityBookmark, "bm-1")
	if err != nil || string(stored) != `{"title":"theirs"}` {
		t.Fatalf("keep_remote outcome missing: %s err=%v", stored, err)
	}
}

func TestSetOnlinePublishesTransitionsOnly(t *testing.T) {
	engine := newTestEngine(t, nil, nil)
	recorder := recordTopics(engine.publisher, TopicStatusChange)

	engine.SetOnline(false)
	engine.SetOnline(false)
	engine.SetOnline(true)

	changes := recorder.get(TopicStatusChange)
	if len(changes) != 2 {
		t.Fatalf("expected 2 transitions, got %v", changes)
	}
	if changes[0] != false || changes[1] != true {
		t.Fatalf("unexpected transition payloads: %v", changes)
	}
}

type retryRecordingRemote struct {
	fakeRemote
	attempts atomic.Int32
}

func (r *retryRecordingRemote) SetRetryAttempts(attempts int) {
	r.attempts.Store(int32(attempts))
}

func TestCycleAppliesConfiguredRetryAttempts(t *testing.T) {
	remote := &retryRecordingRemote{}
	engine := newTestEngine(t, nil, remote)

	retries := 7
	if _, err := engine.UpdateConfig(ConfigUpdate{RetryAttempts: &retries}); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if err := engine.ForceSync(context.Background()); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if got := remote.attempts.Load(); got != 7 {
		t.Fatalf("retry budget not applied to the remote client, got %d", got)
	}
}

func TestUpdateConfigPersistsAcrossEngines(t *testing.T) {
	store := syncstore.NewMemoryStore()
	engine := newTestEngine(t, store, nil)

	batch := 10
	autoSync := false
	if _, err := engine.UpdateConfig(ConfigUpdate{BatchSize: &batch, AutoSync: &autoSync}); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}

	reopened := newTestEngine(t, store, nil)
	cfg := reopened.Config()
	if cfg.BatchSize != 10 || cfg.AutoSync {
		t.Fatalf("configuration did not persist: %+v", cfg)
	}
}

func TestStartAndShutdown(t *testing.T) {
	engine := newTestEngine(t, nil, nil)
	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := engine.Start(ctx); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("second Start must fail, got %v", err)
	}
	engine.Shutdown()
}
