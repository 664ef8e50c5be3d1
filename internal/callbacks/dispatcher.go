// Package callbacks notifies external listeners when a job finishes and when
// its environment has been torn down.
package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-runner/internal/metrics"
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// Callback names, also used as metric labels.
const (
	NameFinished         = "finished"
	NameTeardownFinished = "teardown_finished"
)

const (
	DefaultRetries = 3
	DefaultBackoff = 500 * time.Millisecond
	defaultTimeout = 10 * time.Second
)

// StatusError is returned when the listener answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback %s returned status %d", e.URL, e.StatusCode)
}

// Retryable reports whether the request may succeed when sent again.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500
}

type Config struct {
	Client  *http.Client
	Retries int           // extra attempts after the first one
	Backoff time.Duration // first wait, doubled after every attempt
	Metrics *metrics.Collector
}

// Dispatcher delivers the two callbacks of one job, each at most once.
type Dispatcher struct {
	urls    types.Callbacks
	client  *http.Client
	retries int
	backoff time.Duration
	metrics *metrics.Collector

	finishedOnce sync.Once
	teardownOnce sync.Once
}

func New(urls types.Callbacks, cfg Config) *Dispatcher {
	d := &Dispatcher{
		urls:    urls,
		client:  cfg.Client,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		metrics: cfg.Metrics,
	}

	if d.client == nil {
		d.client = &http.Client{Timeout: defaultTimeout}
	}
	if d.retries < 0 {
		d.retries = 0
	}
	if d.backoff <= 0 {
		d.backoff = DefaultBackoff
	}

	return d
}

// JobFinished posts {"result": ...} to the finished callback. Calls after the
// first are ignored.
func (d *Dispatcher) JobFinished(ctx context.Context, result types.JobResult) error {
	var err error
	d.finishedOnce.Do(func() {
		err = d.send(ctx, NameFinished, d.urls.Finished, map[string]string{"result": string(result)})
	})
	return err
}

// TeardownFinished posts {} to the teardown_finished callback. Calls after
// the first are ignored.
func (d *Dispatcher) TeardownFinished(ctx context.Context) error {
	var err error
	d.teardownOnce.Do(func() {
		err = d.send(ctx, NameTeardownFinished, d.urls.TeardownFinished, struct{}{})
	})
	return err
}

func (d *Dispatcher) send(ctx context.Context, name, url string, payload any) error {
	if url == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s callback: %w", name, err)
	}

	backoff := d.backoff
	for attempt := 0; ; attempt++ {
		err = d.post(ctx, url, body)
		if err == nil {
			slog.Info("callback delivered", "callback", name, "attempts", attempt+1)
			d.metrics.RecordCallback(name, true)
			return nil
		}

		var statusErr *StatusError
		retryable := !errors.As(err, &statusErr) || statusErr.Retryable()
		if !retryable || attempt >= d.retries || ctx.Err() != nil {
			break
		}

		slog.Warn("callback failed, retrying", "callback", name, "attempt", attempt+1, "error", err)

		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	slog.Error("callback failed", "callback", name, "url", url, "error", err)
	d.metrics.RecordCallback(name, false)

	return err
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	return nil
}
