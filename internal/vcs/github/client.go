package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultMaxArchiveBytes = 256 << 20

// APIError captures non-2xx responses from GitHub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error: status=%d message=%s", e.StatusCode, e.Message)
}

// ErrArchiveTooLarge is returned when a log archive exceeds MaxArchiveBytes.
var ErrArchiveTooLarge = errors.New("log archive exceeds size limit")

// Client downloads workflow run artifacts from GitHub.
type Client struct {
	HTTPClient      *http.Client
	UserAgent       string
	MaxArchiveBytes int64
}

// NewClient constructs a GitHub client whose requests time out after timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		HTTPClient:      &http.Client{Timeout: timeout},
		UserAgent:       "delta-triage",
		MaxArchiveBytes: defaultMaxArchiveBytes,
	}
}

// DownloadRunLogs fetches the zip archive behind a run's logs_url. GitHub answers
// with a redirect to short-lived storage; net/http drops the Authorization header
// when the redirect leaves the API host.
func (c *Client) DownloadRunLogs(ctx context.Context, logsURL, token string) ([]byte, error) {
	if c == nil {
		return nil, errors.New("github client is nil")
	}
	if logsURL == "" {
		return nil, errors.New("logs url missing")
	}
	if token == "" {
		return nil, errors.New("github token missing")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.UserAgent)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(msg)}
	}

	limit := c.MaxArchiveBytes
	if limit <= 0 {
		limit = defaultMaxArchiveBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrArchiveTooLarge
	}
	return data, nil
}
