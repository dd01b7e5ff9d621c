package syncengine

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/markstash/markstash/internal/syncstore"
)

// loadOrCreateDeviceID returns the stable per-installation identifier,
// generating and persisting one on first use.
func loadOrCreateDeviceID(store syncstore.Store) (string, error) {
	data, err := store.Get(keyDeviceID)
	if err == nil {
		var id string
		if err := json.Unmarshal(data, &id); err == nil && id != "" {
			return id, nil
		}
	} else if !errors.Is(err, syncstore.ErrNotFound) {
		return "", err
	}

	id := "device-" + uuid.NewString()
	data, err = json.Marshal(id)
	if err != nil {
		return "", err
	}
	if err := store.Set(keyDeviceID, data); err != nil {
		return "", err
	}
	return id, nil
}
