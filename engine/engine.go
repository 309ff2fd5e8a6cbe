// Package engine executes registered entrypoints deterministically. Programs
// run against a recording call boundary: non-deterministic operations are
// performed once and recorded, then replayed positionally when an invocation
// is rebuilt after suspension, a crash, or a retry. The lifecycle controller
// owns invocation status, claims executions with fencing tokens, orchestrates
// retries and compensation, and bridges suspended invocations to the event
// broker.
package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/deepnoodle-ai/cascade"
)

// SystemClock implements cascade.Clock with real time.
type SystemClock struct{}

func NewSystemClock() *SystemClock { return &SystemClock{} }

func (c *SystemClock) Now() time.Time { return time.Now() }

func (c *SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CryptoRandom implements cascade.RandomSource with crypto/rand, so recorded
// values are unpredictable across invocations.
type CryptoRandom struct{}

func NewCryptoRandom() *CryptoRandom { return &CryptoRandom{} }

func (r *CryptoRandom) Float64() (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("failed to read random bytes: %w", err)
	}
	// 53 bits of mantissa, uniform in [0, 1)
	v := binary.BigEndian.Uint64(buf[:]) >> 11
	return float64(v) / (1 << 53), nil
}

func (r *CryptoRandom) Int63n(n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("random bound must be positive, got %d", n)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, fmt.Errorf("failed to generate random int: %w", err)
	}
	return v.Int64(), nil
}

// HTTPCaller implements cascade.OutboundCaller over an http.Client.
type HTTPCaller struct {
	client *http.Client
}

// NewHTTPCaller creates a caller. A nil client gets a 30 second timeout
// default.
func NewHTTPCaller(client *http.Client) *HTTPCaller {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPCaller{client: client}
}

func (c *HTTPCaller) Call(ctx context.Context, req *cascade.OutboundRequest) (*cascade.OutboundResponse, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("invalid outbound request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("outbound call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &cascade.OutboundResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       respBody,
	}, nil
}
