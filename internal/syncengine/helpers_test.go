package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markstash/markstash/internal/syncstore"
)

// fakeClock hands out a fixed time and controllable tickers.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	t := &fakeTicker{ch: make(chan time.Time, 1)}
	c.mu.Lock()
	c.tickers = append(c.tickers, t)
	c.mu.Unlock()
	return t
}

// Tick fires the most recently created ticker.
func (c *fakeClock) Tick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		return false
	}
	t := c.tickers[len(c.tickers)-1]
	select {
	case t.ch <- c.now:
		return true
	default:
		return false
	}
}

func (c *fakeClock) waitForTicker(count int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.tickers)
		c.mu.Unlock()
		if n >= count {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) Chan() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()                  {}

// flakyStore wraps a store and fails writes on demand.
type flakyStore struct {
	syncstore.Store
	mu      sync.Mutex
	failSet bool
}

var errInjected = errors.New("injected failure")

func (s *flakyStore) Set(key string, value []byte) error {
	s.mu.Lock()
	fail := s.failSet
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.Store.Set(key, value)
}

func (s *flakyStore) setFailSet(fail bool) {
	s.mu.Lock()
	s.failSet = fail
	s.mu.Unlock()
}

// fakeRemote is a scripted RemoteClient. Upload acknowledges everything
// except events targeting holdEntity; Download serves queued pages.
type fakeRemote struct {
	mu              sync.Mutex
	uploads         [][]SyncEvent
	uploadErr       error
	uploadConflicts []Conflict
	holdEntity      string
	pages           []DownloadPage
	downloadErr     error
	downloadReqs    []DownloadRequest
}

func (r *fakeRemote) UploadEvents(_ context.Context, events []SyncEvent) (UploadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := append([]SyncEvent(nil), events...)
	r.uploads = append(r.uploads, batch)
	if r.uploadErr != nil {
		return UploadResult{}, r.uploadErr
	}
	ids := make([]string, 0, len(events))
	for _, event := range events {
		if r.holdEntity != "" && event.EntityID == r.holdEntity {
			continue
		}
		ids = append(ids, event.ID)
	}
	conflicts := r.uploadConflicts
	r.uploadConflicts = nil
	return UploadResult{ProcessedIDs: ids, Conflicts: conflicts}, nil
}

func (r *fakeRemote) DownloadEvents(_ context.Context, req DownloadRequest) (DownloadPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloadReqs = append(r.downloadReqs, req)
	if r.downloadErr != nil {
		return DownloadPage{}, r.downloadErr
	}
	if len(r.pages) == 0 {
		return DownloadPage{}, nil
	}
	page := r.pages[0]
	r.pages = r.pages[1:]
	return page, nil
}

func (r *fakeRemote) uploadBatches() [][]SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]SyncEvent(nil), r.uploads...)
}

func (r *fakeRemote) downloadRequests() []DownloadRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DownloadRequest(nil), r.downloadReqs...)
}

func testEvent(id string, entityType EntityType, entityID string, payload string) SyncEvent {
	return SyncEvent{
		ID:         id,
		Kind:       EventUpdate,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    []byte(payload),
		Timestamp:  time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
}

// topicRecorder captures emitted payloads per topic.
type topicRecorder struct {
	mu       sync.Mutex
	payloads map[Topic][]any
}

func recordTopics(p *StatusPublisher, topics ...Topic) *topicRecorder {
	r := &topicRecorder{payloads: map[Topic][]any{}}
	for _, topic := range topics {
		topic := topic
		p.Subscribe(topic, func(payload any) {
			r.mu.Lock()
			r.payloads[topic] = append(r.payloads[topic], payload)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *topicRecorder) get(topic Topic) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.payloads[topic]...)
}
