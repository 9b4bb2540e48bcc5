package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/iron-fish/oreowallet-mono/pkg/utils"
)

// Opts configures the node client.
type Opts struct {
	// Endpoints are tried in order; bare host:port values get an http:// scheme.
	Endpoints []string
	Timeout   time.Duration
	// RPS and Burst pace requests across all endpoints.
	RPS   int
	Burst int
	// An endpoint is skipped for BreakerCooldown after BreakerFailures consecutive failures.
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

func (o *Opts) withDefaults() {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}
}

// StatusError is a non-2xx answer from the node.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// gateway posts JSON to the first healthy node endpoint.
type gateway struct {
	endpoints []*endpoint
	client    *http.Client
	limiter   *bucket
	threshold int
	cooldown  time.Duration
}

func newGateway(o Opts) *gateway {
	o.withDefaults()

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	urls := make([]string, 0, len(o.Endpoints))
	for _, ep := range o.Endpoints {
		urls = append(urls, normalizeEndpoint(ep))
	}
	g := &gateway{
		client:    client,
		limiter:   newBucket(o.RPS, o.Burst),
		threshold: o.BreakerFailures,
		cooldown:  o.BreakerCooldown,
	}
	for _, u := range utils.Dedup(urls) {
		g.endpoints = append(g.endpoints, &endpoint{url: u})
	}
	return g
}

// normalizeEndpoint accepts bare host:port values such as 127.0.0.1:9092.
func normalizeEndpoint(ep string) string {
	ep = strings.TrimSpace(ep)
	if !strings.HasPrefix(ep, "http://") && !strings.HasPrefix(ep, "https://") {
		ep = "http://" + ep
	}
	return ep
}

// endpoint carries the breaker state of one node URL.
type endpoint struct {
	url string

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

func (e *endpoint) available(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openUntil.IsZero() {
		return true
	}
	if now.Before(e.openUntil) {
		return false
	}
	// half-open: one more failure opens it again
	e.openUntil = time.Time{}
	e.failures = 0
	return true
}

func (e *endpoint) fail(now time.Time, threshold int, cooldown time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures++
	if e.failures >= threshold {
		e.openUntil = now.Add(cooldown)
	}
}

func (e *endpoint) succeed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = 0
}

// bucket is a token bucket shared by every endpoint.
type bucket struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	perSec float64
	last   time.Time
}

func newBucket(rps, burst int) *bucket {
	return &bucket{tokens: float64(burst), burst: float64(burst), perSec: float64(rps), last: time.Now()}
}

// reserve takes a token if one is available, else returns how long to wait for the next.
func (b *bucket) reserve(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = min(b.burst, b.tokens+now.Sub(b.last).Seconds()*b.perSec)
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	return time.Duration((1 - b.tokens) / b.perSec * float64(time.Second))
}

func (b *bucket) wait(ctx context.Context) error {
	for {
		d := b.reserve(time.Now())
		if d == 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// post sends payload to path and decodes the answer into out. Each endpoint
// is tried at most once; transport errors, 5xx and undecodable bodies move on
// to the next one and count against its breaker. A 4xx answer is returned as
// *StatusError without failover.
func (g *gateway) post(ctx context.Context, path string, payload any, out any) error {
	if len(g.endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	lastErr := fmt.Errorf("all endpoints unavailable")
	for _, ep := range g.endpoints {
		if !ep.available(time.Now()) {
			continue
		}
		if err := g.limiter.wait(ctx); err != nil {
			return err
		}

		failover, err := g.send(ctx, ep.url+path, body, out)
		switch {
		case err == nil:
			ep.succeed()
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case !failover:
			return err
		}
		lastErr = fmt.Errorf("%s: %w", ep.url, err)
		ep.fail(time.Now(), g.threshold, g.cooldown)
	}
	return lastErr
}

func (g *gateway) send(ctx context.Context, url string, body []byte, out any) (failover bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return true, err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	switch {
	case resp.StatusCode >= 500:
		return true, &StatusError{Code: resp.StatusCode}
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return true, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}
