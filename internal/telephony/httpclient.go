package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProviderError is returned by provider API calls. Network failures, 429s and 5xx
// responses are retryable; everything else is not.
type ProviderError struct {
	Provider   Provider
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("telephony: %s api status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("telephony: %s api: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// HTTPClient performs JSON requests against provider APIs with a per-call timeout
// and a token-bucket limiter per provider.
type HTTPClient struct {
	Doer        *http.Client
	CallTimeout time.Duration
	RatePerSec  float64
	Burst       int

	mu       sync.Mutex
	limiters map[Provider]*rate.Limiter
}

func NewHTTPClient(callTimeout time.Duration, ratePerSec float64, burst int) *HTTPClient {
	if callTimeout <= 0 {
		callTimeout = 20 * time.Second
	}
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		Doer:        &http.Client{},
		CallTimeout: callTimeout,
		RatePerSec:  ratePerSec,
		Burst:       burst,
		limiters:    map[Provider]*rate.Limiter{},
	}
}

func (c *HTTPClient) limiter(p Provider) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limiters == nil {
		c.limiters = map[Provider]*rate.Limiter{}
	}
	l, ok := c.limiters[p]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.RatePerSec), c.Burst)
		c.limiters[p] = l
	}
	return l
}

// Do sends req and decodes a 2xx JSON response into out.
func (c *HTTPClient) Do(ctx context.Context, p Provider, req *http.Request, out any) error {
	if err := c.limiter(p).Wait(ctx); err != nil {
		return &ProviderError{Provider: p, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	defer cancel()

	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	resp, err := c.Doer.Do(req)
	if err != nil {
		return &ProviderError{Provider: p, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &ProviderError{Provider: p, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(body)
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return &ProviderError{Provider: p, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ProviderError{Provider: p, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func requireCred(p Provider, creds Credentials, keys ...string) error {
	for _, k := range keys {
		if creds[k] == "" {
			return &ProviderError{Provider: p, StatusCode: http.StatusUnauthorized, Err: fmt.Errorf("missing credential %q", k)}
		}
	}
	return nil
}
