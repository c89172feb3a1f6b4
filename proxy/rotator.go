// Package proxy rotates optional egress proxies for LLM calls.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Status is the result of the last health check of a proxy.
type Status string

const (
	Untested Status = ""
	Live     Status = "LIVE"
	Dead     Status = "DEAD"
)

// DefaultTestURL is fetched through each proxy by Test.
const DefaultTestURL = "https://www.google.com"

// Check is the last health check result of one proxy.
type Check struct {
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Rotator hands out proxies round-robin, preferring ones that passed the last test.
type Rotator struct {
	mu      sync.Mutex
	proxies []string
	checks  map[string]Check
	cursor  int

	testURL string
	timeout time.Duration
	log     *zap.Logger
}

// NewRotator builds a rotator over proxies in "host:port" or
// "host:port:user:pass" form. An empty list disables proxying.
func NewRotator(proxies []string, logger *zap.Logger) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Rotator{
		checks:  map[string]Check{},
		testURL: DefaultTestURL,
		timeout: 5 * time.Second,
		log:     logger.Named("proxy"),
	}
	r.SetProxies(proxies)
	return r
}

// WithTestTarget overrides the URL and timeout used by Test.
func (r *Rotator) WithTestTarget(target string, timeout time.Duration) *Rotator {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.testURL = target
	if timeout > 0 {
		r.timeout = timeout
	}
	return r
}

// SetProxies replaces the proxy list, keeping checks for retained entries.
func (r *Rotator) SetProxies(proxies []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]bool{}
	list := make([]string, 0, len(proxies))
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		list = append(list, p)
	}
	for p := range r.checks {
		if !seen[p] {
			delete(r.checks, p)
		}
	}
	r.proxies = list
	if r.cursor >= len(list) {
		r.cursor = 0
	}
}

// Len is the number of configured proxies.
func (r *Rotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

// Next returns the next proxy, or "" when none are configured. LIVE and
// untested proxies are preferred; when every proxy failed its test the
// rotation continues over all of them anyway.
func (r *Rotator) Next() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.proxies)
	if n == 0 {
		return ""
	}
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		p := r.proxies[idx]
		if r.checks[p].Status != Dead {
			r.cursor = (idx + 1) % n
			return p
		}
	}
	p := r.proxies[r.cursor]
	r.cursor = (r.cursor + 1) % n
	return p
}

// Test fetches the test URL through every proxy in parallel and records
// latency or the error. It returns the number of LIVE proxies.
func (r *Rotator) Test(ctx context.Context) int {
	r.mu.Lock()
	proxies := append([]string(nil), r.proxies...)
	target, timeout := r.testURL, r.timeout
	r.mu.Unlock()

	if len(proxies) == 0 {
		return 0
	}

	results := make([]Check, len(proxies))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range proxies {
		i, p := i, p
		g.Go(func() error {
			results[i] = probe(gctx, p, target, timeout)
			return nil
		})
	}
	_ = g.Wait()

	live := 0
	r.mu.Lock()
	for i, p := range proxies {
		r.checks[p] = results[i]
		if results[i].Status == Live {
			live++
		}
	}
	r.mu.Unlock()

	r.log.Info("🌐 proxy check complete", zap.Int("live", live), zap.Int("total", len(proxies)))
	return live
}

// Statuses returns the last check of every proxy.
func (r *Rotator) Statuses() map[string]Check {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Check, len(r.proxies))
	for _, p := range r.proxies {
		out[p] = r.checks[p]
	}
	return out
}

func probe(ctx context.Context, p, target string, timeout time.Duration) Check {
	client, err := HTTPClient(p, timeout)
	if err != nil {
		return Check{Status: Dead, Error: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Check{Status: Dead, Error: err.Error()}
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Check{Status: Dead, Error: err.Error()}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Check{Status: Dead, Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return Check{Status: Live, Latency: time.Since(start)}
}

// FormatURL turns "host:port:user:pass" into an http proxy URL. Entries that
// already carry a scheme are returned unchanged.
func FormatURL(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || strings.Contains(p, "://") {
		return p
	}
	parts := strings.Split(p, ":")
	if len(parts) == 4 && parts[2] != "" && parts[3] != "" {
		u := url.URL{
			Scheme: "http",
			User:   url.UserPassword(parts[2], parts[3]),
			Host:   parts[0] + ":" + parts[1],
		}
		return u.String()
	}
	return "http://" + p
}

// HTTPClient returns a client routed through p. An empty p gives a direct client.
func HTTPClient(p string, timeout time.Duration) (*http.Client, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	return &http.Client{Timeout: timeout, Transport: Transport(nil, p)}, nil
}

// Transport clones base (or the default transport) and routes it through p.
func Transport(base *http.Transport, p string) *http.Transport {
	if base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}
	t := base.Clone()
	if p == "" {
		return t
	}
	if u, err := url.Parse(FormatURL(p)); err == nil {
		t.Proxy = http.ProxyURL(u)
	}
	return t
}

func validate(p string) error {
	if p == "" {
		return nil
	}
	u, err := url.Parse(FormatURL(p))
	if err != nil {
		return fmt.Errorf("parse proxy %q: %w", Host(p), err)
	}
	if u.Host == "" {
		return fmt.Errorf("proxy %q has no host", Host(p))
	}
	return nil
}

// Host is the host part of a proxy entry, safe to log.
func Host(p string) string {
	if u, err := url.Parse(FormatURL(p)); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return strings.SplitN(p, ":", 2)[0]
}
