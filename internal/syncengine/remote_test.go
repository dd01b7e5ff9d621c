package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testHTTPClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewHTTPClient(server.URL, StaticCredential("secret-token"), server.Client())
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func TestUploadEventsWireFormat(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody struct {
		Events []SyncEvent `json:"events"`
	}
	client := testHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sync/upload" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("bad body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(UploadResult{ProcessedIDs: []string{"e1"}})
	}))

	result, err := client.UploadEvents(context.Background(), []SyncEvent{
		testEvent("e1", EntityBookmark, "bm-1", `{"title":"x"}`),
	})
	if err != nil {
		t.Fatalf("UploadEvents failed: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("missing bearer auth, got %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content type %q", gotContentType)
	}
	if len(gotBody.Events) != 1 || gotBody.Events[0].ID != "e1" {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
	if len(result.ProcessedIDs) != 1 || result.ProcessedIDs[0] != "e1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDownloadEventsQueryParams(t *testing.T) {
	var gotQuery string
	client := testHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(DownloadPage{HasMore: false})
	}))

	since := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if _, err := client.DownloadEvents(context.Background(), DownloadRequest{Since: since, Limit: 25}); err != nil {
		t.Fatalf("DownloadEvents failed: %v", err)
	}
	if gotQuery != "limit=25&since=2026-03-01T10%3A00%3A00Z" {
		t.Fatalf("unexpected since query: %s", gotQuery)
	}

	if _, err := client.DownloadEvents(context.Background(), DownloadRequest{Cursor: "abc", Limit: 25}); err != nil {
		t.Fatalf("DownloadEvents failed: %v", err)
	}
	if gotQuery != "cursor=abc&limit=25" {
		t.Fatalf("cursor must replace since, got %s", gotQuery)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := testHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(DownloadPage{})
	}))

	if _, err := client.DownloadEvents(context.Background(), DownloadRequest{}); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClientHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var firstAt, secondAt time.Time
	client := testHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch calls.Add(1) {
		case 1:
			firstAt = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			secondAt = time.Now()
			_ = json.NewEncoder(w).Encode(DownloadPage{})
		}
	}))
	// Keep the test fast: the header asks for 1s but maxDelay caps it.
	client.maxDelay = 50 * time.Millisecond

	if _, err := client.DownloadEvents(context.Background(), DownloadRequest{}); err != nil {
		t.Fatalf("DownloadEvents failed: %v", err)
	}
	mu.Lock()
	waited := secondAt.Sub(firstAt)
	mu.Unlock()
	if waited < 40*time.Millisecond {
		t.Fatalf("retry did not wait, gap = %v", waited)
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	client := testHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.DownloadEvents(context.Background(), DownloadRequest{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected HTTPError 500, got %v", err)
	}
	if calls.Load() != int32(client.maxRetries)+1 {
		t.Fatalf("expected %d attempts, got %d", client.maxRetries+1, calls.Load())
	}
}

func TestClientRetryBudgetIsConfigurable(t *testing.T) {
	var calls atomic.Int32
	client := testHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	client.SetRetryAttempts(0)
	if _, err := client.DownloadEvents(context.Background(), DownloadRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("zero retries must mean a single attempt, got %d", calls.Load())
	}

	client.SetRetryAttempts(-1)
	if client.retryBudget() != 0 {
		t.Fatalf("negative attempts must be ignored, budget = %d", client.retryBudget())
	}

	calls.Store(0)
	client.SetRetryAttempts(1)
	if _, err := client.DownloadEvents(context.Background(), DownloadRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d attempts", calls.Load())
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := testHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"VALIDATION_ERROR","message":"bad event"}`))
	}))

	_, err := client.UploadEvents(context.Background(), nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != "VALIDATION_ERROR" || httpErr.Message != "bad event" {
		t.Fatalf("error payload not parsed: %+v", httpErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestClientRequiresCredential(t *testing.T) {
	client := NewHTTPClient("http://localhost:1", StaticCredential("  "), nil)
	if _, err := client.DownloadEvents(context.Background(), DownloadRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without credential, got %v", err)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if got := parseRetryAfter("7"); got != 7*time.Second {
		t.Fatalf("parseRetryAfter(7) = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("empty header must be 0, got %v", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("garbage header must be 0, got %v", got)
	}
}
