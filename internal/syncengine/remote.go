package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CredentialSource supplies the current bearer credential. The second return
// is false when no credential exists (logged out).
type CredentialSource interface {
	Token() (string, bool)
}

// StaticCredential is a CredentialSource for a fixed token.
type StaticCredential string

func (c StaticCredential) Token() (string, bool) {
	token := strings.TrimSpace(string(c))
	return token, token != ""
}

type UploadResult struct {
	ProcessedIDs []string   `json:"processedIds"`
	Conflicts    []Conflict `json:"conflicts"`
}

type DownloadRequest struct {
	Since  time.Time
	Cursor string
	Limit  int
}

type DownloadPage struct {
	Events     []SyncEvent `json:"events"`
	HasMore    bool        `json:"hasMore"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// RemoteClient is the engine's view of the remote authority's sync endpoints.
type RemoteClient interface {
	UploadEvents(ctx context.Context, events []SyncEvent) (UploadResult, error)
	DownloadEvents(ctx context.Context, req DownloadRequest) (DownloadPage, error)
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type HTTPClient struct {
	baseURL     string
	credentials CredentialSource
	httpClient  *http.Client
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu         sync.Mutex
	maxRetries int
}

func NewHTTPClient(baseURL string, credentials CredentialSource, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:     baseURL,
		credentials: credentials,
		httpClient:  httpClient,
		maxRetries:  3,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    2 * time.Second,
	}
}

// SetRetryAttempts adjusts how many times a failed request is retried.
// Negative values are ignored.
func (c *HTTPClient) SetRetryAttempts(attempts int) {
	if attempts < 0 {
		return
	}
	c.mu.Lock()
	c.maxRetries = attempts
	c.mu.Unlock()
}

func (c *HTTPClient) retryBudget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxRetries
}

func (c *HTTPClient) UploadEvents(ctx context.Context, events []SyncEvent) (UploadResult, error) {
	body := map[string]any{"events": events}
	var out UploadResult
	err := c.doJSON(ctx, http.MethodPost, "/sync/upload", body, &out)
	return out, err
}

func (c *HTTPClient) DownloadEvents(ctx context.Context, req DownloadRequest) (DownloadPage, error) {
	q := url.Values{}
	if strings.TrimSpace(req.Cursor) != "" {
		q.Set("cursor", strings.TrimSpace(req.Cursor))
	} else {
		q.Set("since", req.Since.UTC().Format(time.RFC3339Nano))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	var out DownloadPage
	err := c.doJSON(ctx, http.MethodGet, "/sync/download?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	token, ok := c.credentials.Token()
	if !ok {
		return fmt.Errorf("%w: no credential available", ErrInvalidInput)
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	maxRetries := c.retryBudget()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
