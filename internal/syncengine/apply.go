package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/markstash/markstash/internal/syncstore"
)

// EntityApplier applies remote changes to local data and reads local payloads
// back for conflict descriptions. Applying the same event twice must leave the
// same state as applying it once.
type EntityApplier interface {
	Apply(ctx context.Context, event SyncEvent) error
	Get(entityType EntityType, entityID string) ([]byte, error)
}

// StoreApplier keeps entity payloads in the persistent store under
// entity/<type>/<id>.
type StoreApplier struct {
	store syncstore.Store
}

func NewStoreApplier(store syncstore.Store) *StoreApplier {
	return &StoreApplier{store: store}
}

func (a *StoreApplier) Apply(ctx context.Context, event SyncEvent) error {
	if err := event.validate(); err != nil {
		return err
	}
	key := entityKey(event.EntityType, event.EntityID)
	if event.Kind == EventDelete {
		return a.store.Delete(key)
	}
	return a.store.Set(key, event.Payload)
}

func (a *StoreApplier) Get(entityType EntityType, entityID string) ([]byte, error) {
	value, err := a.store.Get(entityKey(entityType, entityID))
	if errors.Is(err, syncstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func entityKey(entityType EntityType, entityID string) string {
	return fmt.Sprintf("entity/%s/%s", entityType, entityID)
}
