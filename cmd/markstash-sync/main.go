package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/markstash/markstash/internal/inbox"
	"github.com/markstash/markstash/internal/syncengine"
	"github.com/markstash/markstash/internal/syncstore"
)

func main() {
	apiURL := envOrDefault("MARKSTASH_API_URL", "http://127.0.0.1:8080")
	token := os.Getenv("MARKSTASH_TOKEN")
	if token == "" {
		log.Fatal("MARKSTASH_TOKEN is required")
	}

	store, err := syncstore.Open(envOrDefault("MARKSTASH_STATE_DSN", "file://"+defaultStatePath()))
	if err != nil {
		log.Fatalf("failed to open state store: %v", err)
	}
	defer store.Close()

	credentials := syncengine.StaticCredential(token)
	opts := syncengine.Options{
		Store:       store,
		Remote:      syncengine.NewHTTPClient(apiURL, credentials, nil),
		Credentials: credentials,
		Logger:      log.Default(),
		UserID:      os.Getenv("MARKSTASH_USER_ID"),
	}
	if boolEnv("MARKSTASH_REALTIME", true) {
		opts.Dialer = syncengine.NewWebsocketDialer(apiURL)
	}

	engine, err := syncengine.New(opts)
	if err != nil {
		log.Fatalf("failed to build sync engine: %v", err)
	}

	engine.Subscribe(syncengine.TopicSyncCompleted, func(payload any) {
		log.Printf("sync completed at %v", payload)
	})
	engine.Subscribe(syncengine.TopicSyncFailed, func(payload any) {
		log.Printf("sync failed: %v", payload)
	})
	engine.Subscribe(syncengine.TopicConflictDetected, func(payload any) {
		conflict, ok := payload.(syncengine.Conflict)
		if !ok {
			return
		}
		log.Printf("conflict on %s/%s needs resolution (%s)",
			conflict.EntityType, conflict.EntityID, conflict.ID)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if boolEnv("MARKSTASH_SYNC_ONCE", false) {
		if err := engine.ForceSync(ctx); err != nil {
			log.Fatalf("sync failed: %v", err)
		}
		status := engine.Status()
		log.Printf("sync finished: %d pending, %d conflicts", status.PendingCount, status.ConflictCount)
		return
	}

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("failed to start sync engine: %v", err)
	}
	log.Printf("markstash-sync running against %s (device %s)", apiURL, engine.DeviceID())

	if inboxDir := os.Getenv("MARKSTASH_INBOX_DIR"); inboxDir != "" {
		watcher, err := inbox.New(inboxDir, engine, inbox.Config{
			DebounceInterval: durationEnv("MARKSTASH_INBOX_DEBOUNCE", 0),
			Logger:           log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to start inbox watcher: %v", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Printf("inbox watcher stopped: %v", err)
			}
		}()
		log.Printf("watching %s for mutations", inboxDir)
	}

	<-ctx.Done()
	log.Print("shutting down")
	engine.Shutdown()
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "markstash-state.json"
	}
	return home + "/.markstash/state.json"
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
