// Package probe implements the bounded-retry HTTP readiness check that
// gates whether a container is considered usable after (re)start.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober issues short-timeout GETs against a health endpoint until one
// answers 2xx or the attempt budget runs out. The same prober serves both
// the agent and qdrant containers; only the URL and budget differ.
type Prober struct {
	client *http.Client
	// onAttempt, when set, observes every attempt issued. Used for metrics.
	onAttempt func()
}

// Option configures a Prober.
type Option func(*Prober)

// WithAttemptObserver registers a callback invoked once per probe attempt.
func WithAttemptObserver(fn func()) Option {
	return func(p *Prober) { p.onAttempt = fn }
}

// New creates a Prober whose individual requests time out after
// requestTimeout.
func New(requestTimeout time.Duration, opts ...Option) *Prober {
	p := &Prober{
		client: &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitReady polls url until it returns a 2xx status. Transport errors and
// non-2xx responses count identically as failed attempts. Between
// attempts it sleeps interval, honoring ctx cancellation. After
// maxAttempts failures it returns an error naming the endpoint.
func (p *Prober) WaitReady(ctx context.Context, url string, maxAttempts int, interval time.Duration) error {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if p.onAttempt != nil {
			p.onAttempt()
		}
		if p.check(ctx, url) {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("health check at %s failed after %d attempts", url, maxAttempts)
}

func (p *Prober) check(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
