package metabase

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

// DefaultReadyInterval is the fixed delay between health probes
const DefaultReadyInterval = 2 * time.Second

// Healthy runs a single health probe. It returns nil iff GET /api/health
// answered 200 within the probe timeout.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("health"), nil)
	if err != nil {
		return fmt.Errorf("could not build health request: %w", err)
	}

	resp, err := c.probe.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// drain so the connection can be reused for the next probe
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %v", resp.StatusCode)
	}

	return nil
}

// WaitUntilReady probes the health endpoint until it succeeds, waiting
// interval after every failed probe.
// There is no retry limit; the only way out other than success is
// cancellation of ctx, in which case ctx.Err() is returned.
func (c *Client) WaitUntilReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReadyInterval
	}

	log.WithContext(ctx).WithField("url", c.BaseURL()).Info("Waiting for Metabase API to be responsive")

	// The first probe runs straight away. After a failed probe the full
	// interval is waited again, however long the probe itself took.
	b := backoff.NewConstantBackOff(interval)
	wait := time.NewTimer(0)
	defer wait.Stop()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait.C:
		}

		attempt++

		err := c.Healthy(ctx)
		if err == nil {
			log.WithContext(ctx).WithField("attempts", attempt).Info("Metabase API is up")
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		next := b.NextBackOff()
		log.WithContext(ctx).WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"retryIn": next.String(),
		}).Info("Metabase not ready yet")

		wait.Reset(next)
	}
}
