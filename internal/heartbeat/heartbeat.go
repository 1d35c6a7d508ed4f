// Package heartbeat pings a monitoring URL so that an external watchdog
// notices when the agent stops running.
package heartbeat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	retries        = 2
	requestTimeout = 30 * time.Second
)

// Reporter sends heartbeats to a single URL.
type Reporter struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
	// backoff is the base of the 5^n delay between attempts.
	backoff time.Duration
}

// New creates a Reporter that pings url once per interval.
func New(url string, interval time.Duration, logger *slog.Logger) *Reporter {
	return &Reporter{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger,
		backoff:  time.Second,
	}
}

// Run sends one heartbeat immediately and then one per interval until ctx
// is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	r.logger.Info("sending heartbeats", "url", r.url, "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Send(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("failed to send heartbeat", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Send performs one heartbeat, retrying transport errors, 408 and 5xx
// responses.
func (r *Reporter) Send(ctx context.Context) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := r.backoff
			for range attempt {
				delay *= 5
			}
			r.logger.Debug("retrying heartbeat", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		var retry bool
		retry, err = r.send(ctx)
		if !retry {
			return err
		}
	}
	return err
}

func (r *Reporter) send(ctx context.Context) (retry bool, err error) {
	r.logger.Debug("sending heartbeat")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("heartbeat: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout:
		return true, fmt.Errorf("heartbeat: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("heartbeat: status %d", resp.StatusCode)
	}
	return false, nil
}
