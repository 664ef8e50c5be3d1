package eventlogger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const (
	defaultPushInterval   = time.Second
	defaultPushBatchLines = 2000
	defaultCloseRetries   = 5
	defaultRetryBackoff   = 500 * time.Millisecond
)

// HTTPBackend pushes the lines of a FileBackend to a remote endpoint.
// Each request carries the lines from start_from onwards as text/plain.
// It does not own the FileBackend; the Logger opens and closes both.
type HTTPBackend struct {
	file   *FileBackend
	url    string
	token  string
	client *http.Client

	interval     time.Duration
	batchLines   int
	closeRetries int
	retryBackoff time.Duration

	mu        sync.Mutex
	startFrom int

	stopCh chan struct{}
	doneCh chan struct{}
}

// HTTPBackendOption configures an HTTPBackend.
type HTTPBackendOption func(*HTTPBackend)

func WithHTTPClient(c *http.Client) HTTPBackendOption {
	return func(h *HTTPBackend) { h.client = c }
}

func WithPushInterval(d time.Duration) HTTPBackendOption {
	return func(h *HTTPBackend) { h.interval = d }
}

func WithCloseRetries(n int, backoff time.Duration) HTTPBackendOption {
	return func(h *HTTPBackend) {
		h.closeRetries = n
		h.retryBackoff = backoff
	}
}

func NewHTTPBackend(file *FileBackend, rawURL, token string, opts ...HTTPBackendOption) (*HTTPBackend, error) {
	if rawURL == "" {
		return nil, ErrMissingURL
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("eventlogger: invalid push url: %w", err)
	}

	h := &HTTPBackend{
		file:         file,
		url:          rawURL,
		token:        token,
		client:       &http.Client{Timeout: 10 * time.Second},
		interval:     defaultPushInterval,
		batchLines:   defaultPushBatchLines,
		closeRetries: defaultCloseRetries,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

func (h *HTTPBackend) Open() error {
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})

	go h.pushLoop()

	return nil
}

// Write is a no-op; lines are picked up from the file by the push loop.
func (h *HTTPBackend) Write(event any) error {
	return nil
}

// Close stops the push loop and pushes whatever is left, retrying with a
// growing backoff.
func (h *HTTPBackend) Close() error {
	if h.stopCh == nil {
		return nil
	}

	close(h.stopCh)
	<-h.doneCh

	var err error
	backoff := h.retryBackoff
	for attempt := 0; attempt <= h.closeRetries; attempt++ {
		if err = h.pushAll(context.Background()); err == nil {
			return nil
		}

		slog.Warn("final log push failed", "attempt", attempt+1, "error", err)
		if attempt < h.closeRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	return err
}

func (h *HTTPBackend) pushLoop() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if err := h.pushAll(context.Background()); err != nil {
				slog.Debug("log push failed, will retry", "error", err)
			}
		}
	}
}

// pushAll pushes batches until the remote side has every complete line.
func (h *HTTPBackend) pushAll(ctx context.Context) error {
	for {
		pushed, err := h.push(ctx)
		if err != nil {
			return err
		}
		if pushed == 0 {
			return nil
		}
	}
}

func (h *HTTPBackend) push(ctx context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf bytes.Buffer
	next, err := h.file.Stream(h.startFrom, h.batchLines, &buf)
	if err != nil {
		return 0, err
	}
	if next == h.startFrom {
		return 0, nil
	}

	u, err := url.Parse(h.url)
	if err != nil {
		return 0, err
	}
	q := u.Query()
	q.Set("start_from", strconv.Itoa(h.startFrom))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "text/plain")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to push logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &PushError{StartFrom: h.startFrom, StatusCode: resp.StatusCode}
	}

	pushed := next - h.startFrom
	h.startFrom = next

	return pushed, nil
}
