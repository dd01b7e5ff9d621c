// Package syncengine implements the offline-first synchronization engine for
// the markstash client: a durable queue of local mutations, batched upload and
// download pipelines against the remote authority, entity-granularity conflict
// detection with configurable resolution policies, and a persistent
// real-time channel with automatic reconnection.
package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrOffline      = errors.New("cannot sync while offline")
	ErrNotFound     = errors.New("not found")
)

type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

type EntityType string

const (
	EntityBookmark   EntityType = "bookmark"
	EntityCollection EntityType = "collection"
	EntityUser       EntityType = "user"
)

// SyncEvent is a recorded intent to create, update, or delete an entity. Local
// mutations produce one and it stays queued until the remote authority
// acknowledges it; remote changes arrive as the same shape.
type SyncEvent struct {
	ID         string          `json:"id"`
	Kind       EventKind       `json:"kind"`
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	UserID     string          `json:"userId,omitempty"`
	DeviceID   string          `json:"deviceId,omitempty"`
}

func (e SyncEvent) validate() error {
	switch e.Kind {
	case EventCreate, EventUpdate, EventDelete:
	default:
		return fmt.Errorf("%w: event kind %q", ErrInvalidInput, e.Kind)
	}
	switch e.EntityType {
	case EntityBookmark, EntityCollection, EntityUser:
	default:
		return fmt.Errorf("%w: entity type %q", ErrInvalidInput, e.EntityType)
	}
	if e.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	return nil
}

// Conflict records an ambiguity between a pending local event and an incoming
// remote change on the same entity. It stays pending until resolved.
type Conflict struct {
	ID            string          `json:"id"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      string          `json:"entityId"`
	LocalPayload  json.RawMessage `json:"localPayload,omitempty"`
	RemotePayload json.RawMessage `json:"remotePayload,omitempty"`
	RemoteEvent   SyncEvent       `json:"remoteEvent"`
	DetectedAt    time.Time       `json:"detectedAt"`
}

type Policy string

const (
	PolicyAskUser    Policy = "ask_user"
	PolicyKeepLocal  Policy = "keep_local"
	PolicyKeepRemote Policy = "keep_remote"
	PolicyAutoMerge  Policy = "auto_merge"
)

type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
	ResolutionMerge      Resolution = "merge"
)

type SyncConfig struct {
	AutoSync        bool   `json:"autoSync"`
	IntervalSeconds int    `json:"intervalSeconds"`
	RetryAttempts   int    `json:"retryAttempts"`
	BatchSize       int    `json:"batchSize"`
	ConflictPolicy  Policy `json:"conflictPolicy"`
}

func DefaultConfig() SyncConfig {
	return SyncConfig{
		AutoSync:        true,
		IntervalSeconds: 30,
		RetryAttempts:   3,
		BatchSize:       50,
		ConflictPolicy:  PolicyAskUser,
	}
}

// ConfigUpdate carries a partial configuration change; nil fields keep their
// current value.
type ConfigUpdate struct {
	AutoSync        *bool
	IntervalSeconds *int
	RetryAttempts   *int
	BatchSize       *int
	ConflictPolicy  *Policy
}

// SyncStatus is a derived snapshot of the engine state; it is never persisted.
type SyncStatus struct {
	Online        bool       `json:"online"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
	PendingCount  int        `json:"pendingCount"`
	Syncing       bool       `json:"syncing"`
	Progress      int        `json:"progress"`
	ConflictCount int        `json:"conflictCount"`
}

// Cursor marks the last fully-consumed position in the remote change feed. It
// only ever advances after a page applied cleanly.
type Cursor struct {
	Token string    `json:"token,omitempty"`
	Since time.Time `json:"since"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

func loggerOrNop(logger Logger) Logger {
	if logger == nil {
		return nopLogger{}
	}
	return logger
}

const (
	keyConfig    = "sync/config"
	keyQueue     = "sync/event-queue"
	keyConflicts = "sync/conflicts"
	keyCursor    = "sync/cursor"
	keyDeviceID  = "sync/device-id"
	keyLastSync  = "sync/last-sync"
)
