package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/markstash/markstash/internal/syncstore"
)

type configStore struct {
	store syncstore.Store
	mu    sync.Mutex
	cfg   SyncConfig
}

func newConfigStore(store syncstore.Store) (*configStore, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	c := &configStore{store: store, cfg: DefaultConfig()}
	data, err := store.Get(keyConfig)
	if err != nil {
		if !errors.Is(err, syncstore.ErrNotFound) {
			return nil, err
		}
		return c, nil
	}
	var saved SyncConfig
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, err
	}
	c.cfg = normalizeConfig(saved)
	return c, nil
}

func (c *configStore) Get() SyncConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Update applies a partial change and persists the result before it becomes
// visible. A failed save leaves the previous configuration in effect.
func (c *configStore) Update(update ConfigUpdate) (SyncConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.cfg
	if update.AutoSync != nil {
		next.AutoSync = *update.AutoSync
	}
	if update.IntervalSeconds != nil {
		next.IntervalSeconds = *update.IntervalSeconds
	}
	if update.RetryAttempts != nil {
		next.RetryAttempts = *update.RetryAttempts
	}
	if update.BatchSize != nil {
		next.BatchSize = *update.BatchSize
	}
	if update.ConflictPolicy != nil {
		switch *update.ConflictPolicy {
		case PolicyAskUser, PolicyKeepLocal, PolicyKeepRemote, PolicyAutoMerge:
		default:
			return c.cfg, fmt.Errorf("%w: conflict policy %q", ErrInvalidInput, *update.ConflictPolicy)
		}
		next.ConflictPolicy = *update.ConflictPolicy
	}
	next = normalizeConfig(next)
	data, err := json.Marshal(next)
	if err != nil {
		return c.cfg, err
	}
	if err := c.store.Set(keyConfig, data); err != nil {
		return c.cfg, err
	}
	c.cfg = next
	return next, nil
}

func normalizeConfig(cfg SyncConfig) SyncConfig {
	defaults := DefaultConfig()
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = defaults.IntervalSeconds
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = defaults.RetryAttempts
	}
	switch cfg.ConflictPolicy {
	case PolicyAskUser, PolicyKeepLocal, PolicyKeepRemote, PolicyAutoMerge:
	default:
		cfg.ConflictPolicy = defaults.ConflictPolicy
	}
	return cfg
}
