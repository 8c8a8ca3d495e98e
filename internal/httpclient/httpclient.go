// Package httpclient builds the outbound HTTP clients used to talk to the
// orchestration API. Clients honor the standard proxy environment and can be
// wrapped with a circuit breaker so a dead server fails fast instead of
// timing out on every call.
package httpclient

import (
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"foreman/internal/errors"
	"foreman/internal/logging"
)

// New returns an http.Client for outbound requests. The transport is a
// clone of the default one, so HTTP(S)_PROXY and NO_PROXY apply.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: baseTransport(),
	}
}

// NewWithBreaker returns a client whose transport is guarded by a circuit
// breaker with the operational defaults. name scopes the breaker.
func NewWithBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	client := New(timeout)
	client.Transport = newBreakerTransport(client.Transport, name,
		errors.DefaultCircuitBreakerConfig(), logger)
	return client
}

// BreakerTransport wraps base with circuit protection. Transport errors and
// 5xx responses count as failures; 4xx responses, including 429, are the
// server answering and leave the breaker alone.
func BreakerTransport(base http.RoundTripper, name string, config errors.CircuitBreakerConfig) http.RoundTripper {
	return newBreakerTransport(base, name, config, nil)
}

func newBreakerTransport(base http.RoundTripper, name string, config errors.CircuitBreakerConfig, logger logging.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if name == "" {
		name = "http-client"
	}
	return &breakerTransport{
		base:    base,
		breaker: errors.NewCircuitBreaker(name, config),
		logger:  logging.OrNop(logger),
	}
}

func baseTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	return base.Clone()
}

type breakerTransport struct {
	base    http.RoundTripper
	breaker *errors.CircuitBreaker
	logger  logging.Logger
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.breaker.Allow(); err != nil {
		t.logger.Debug("request to %s rejected, circuit open", req.URL.Host)
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		// The breaker's classifier ignores context cancellations, so a
		// caller giving up mid-flight does not count against the server.
		t.breaker.Mark(err)
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		t.logger.Debug("upstream %s answered %d", req.URL.Host, resp.StatusCode)
		t.breaker.Mark(fmt.Errorf("upstream status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

// BodyTooLarge reports that a response body exceeded the read limit.
type BodyTooLarge struct {
	Limit int64
}

func (e BodyTooLarge) Error() string {
	return fmt.Sprintf("response body exceeded %d bytes", e.Limit)
}

// IsBodyTooLarge reports whether err carries a BodyTooLarge anywhere in its
// chain.
func IsBodyTooLarge(err error) bool {
	var tooLarge BodyTooLarge
	return stderrors.As(err, &tooLarge)
}

// ReadBody reads r to completion, failing once more than limit bytes have
// arrived. limit <= 0 reads unbounded.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, BodyTooLarge{Limit: limit}
	}
	return data, nil
}
