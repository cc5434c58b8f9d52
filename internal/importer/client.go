package importer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/ratelimit"
)

const requestTimeout = 30 * time.Second

// guardedClient wraps platform API calls with a per-host rate limiter
// and a circuit breaker. Both platforms are public APIs that throttle
// aggressively; the breaker keeps a flapping upstream from burning the
// whole import session.
type guardedClient struct {
	http    *http.Client
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
}

func newGuardedClient(name string, rps float64, burst int) *guardedClient {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	}
	return &guardedClient{
		http:    &http.Client{Timeout: requestTimeout},
		limiter: ratelimit.NewLimiter(rps, burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// get performs a guarded GET and returns the body. Platform HTTP errors
// are mapped onto the error taxonomy; the caller never sees raw status
// codes.
func (c *guardedClient) get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx, hostOf(url)); err != nil {
		return nil, models.Tagged(models.TagTimeout, err)
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, models.Tagged(models.TagNetwork, err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, models.Tagged(models.TagNetwork, fmt.Errorf("request to %s failed: %w", url, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, models.Taggedf(models.TagNotFound, "resource not found: %s", url)
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, models.Taggedf(models.TagRateLimit, "platform throttled request to %s", url)
		case resp.StatusCode >= 400:
			return nil, models.Taggedf(models.TagNetwork, "unexpected status %d from %s", resp.StatusCode, url)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, models.Tagged(models.TagNetwork, fmt.Errorf("failed to read response from %s: %w", url, err))
		}
		return data, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, models.Tagged(models.TagNetwork, err)
		}
		return nil, err
	}
	return body.([]byte), nil
}

func hostOf(rawURL string) string {
	if u, err := neturl.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return rawURL
}
