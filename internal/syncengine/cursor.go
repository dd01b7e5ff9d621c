package syncengine

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/markstash/markstash/internal/syncstore"
)

// cursorStore keeps the download cursor. Set persists before the new position
// becomes visible, so a crash never leaves the cursor ahead of applied state.
type cursorStore struct {
	store syncstore.Store
	mu    sync.Mutex
	cur   Cursor
}

func newCursorStore(store syncstore.Store) (*cursorStore, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	c := &cursorStore{store: store}
	data, err := store.Get(keyCursor)
	if err != nil {
		if !errors.Is(err, syncstore.ErrNotFound) {
			return nil, err
		}
		return c, nil
	}
	var saved Cursor
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, err
	}
	c.cur = saved
	return c, nil
}

func (c *cursorStore) Get() Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *cursorStore) Set(cur Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	if err := c.store.Set(keyCursor, data); err != nil {
		return err
	}
	c.cur = cur
	return nil
}
