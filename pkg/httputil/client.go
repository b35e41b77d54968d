// Package httputil provides the shared HTTP plumbing for the gateway's
// three external backends (compression, judge, generation): pooled
// transport, per-backend timeout tiers, and bounded response reads.
package httputil

import (
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// MaxResponseSize caps response body reads from external backends.
// A compromised or misconfigured backend must not be able to OOM the
// gateway with an oversized reply.
const MaxResponseSize = 10 * 1024 * 1024 // 10MB

// Shared transport with connection pooling. Safe for concurrent use; all
// three backend clients reuse the same TCP pool.
var sharedTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	ForceAttemptHTTP2:     true,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// Tier selects the timeout budget for an external call. Each backend has
// one tier; a timed-out call fails that stage exactly once (no retries) and
// the stage's fail-open/fail-closed policy takes over.
type Tier int

const (
	// TierCompression: compression backend calls (10s baseline).
	TierCompression Tier = iota
	// TierJudge: LLM-as-judge classification calls (15s).
	TierJudge
	// TierGeneration: upstream LLM generation, the slowest leg (60s).
	TierGeneration
)

var tierTimeouts = map[Tier]time.Duration{
	TierCompression: 10 * time.Second,
	TierJudge:       15 * time.Second,
	TierGeneration:  60 * time.Second,
}

var (
	clients    map[Tier]*http.Client
	clientOnce sync.Once
)

func initClients() {
	clients = make(map[Tier]*http.Client, len(tierTimeouts))
	for tier, timeout := range tierTimeouts {
		clients[tier] = &http.Client{Timeout: timeout, Transport: sharedTransport}
	}
}

// Client returns the shared HTTP client for the given tier. These clients
// share one connection pool; never construct per-request http.Clients.
func Client(tier Tier) *http.Client {
	clientOnce.Do(initClients)
	if c, ok := clients[tier]; ok {
		return c
	}
	return clients[TierJudge]
}

// ClientWithTimeout returns a client on the shared pool with a custom
// timeout, for backends whose budget is configured rather than fixed.
func ClientWithTimeout(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = tierTimeouts[TierJudge]
	}
	return &http.Client{Timeout: timeout, Transport: sharedTransport}
}

// Timeout reports the budget for a tier.
func Timeout(tier Tier) time.Duration {
	return tierTimeouts[tier]
}

// ReadResponseBody reads an HTTP response body with a size limit.
func ReadResponseBody(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(r, maxSize))
}

// ReadErrorBody reads a response body for error reporting with a tight
// limit - backend error payloads are small.
func ReadErrorBody(r io.Reader) ([]byte, error) {
	const maxErrorSize = 1 * 1024 * 1024 // 1MB
	return io.ReadAll(io.LimitReader(r, maxErrorSize))
}

// DrainAndClose drains and closes a response body so the connection
// returns to the pool.
func DrainAndClose(body io.ReadCloser) {
	if body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
		_ = body.Close()
	}
}
