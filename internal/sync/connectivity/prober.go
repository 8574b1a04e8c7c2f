package connectivity

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sbarhandoff/backend/internal/logging"
)

const (
	DefaultProbeInterval = 10 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
)

// ProberConfig configures a Prober.
type ProberConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	// Failures is how many consecutive failed probes mark the monitor
	// offline. A single success marks it online.
	Failures int
	Client   *http.Client
}

// Prober polls a health endpoint and feeds the result into a Monitor.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client
	failures int

	mu          sync.Mutex
	consecutive int
	manual      *bool
}

// NewProber creates a Prober for monitor.
func NewProber(monitor *Monitor, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.Failures <= 0 {
		cfg.Failures = 1
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Prober{
		monitor:  monitor,
		url:      cfg.URL,
		interval: cfg.Interval,
		client:   client,
		failures: cfg.Failures,
	}
}

// Override pins the monitor to the given state, ignoring probe results until
// ClearOverride is called.
func (p *Prober) Override(online bool) {
	p.mu.Lock()
	p.manual = &online
	p.monitor.SetOnline(online)
	p.mu.Unlock()

	logging.Info("Connectivity override set", map[string]interface{}{"online": online})
}

// ClearOverride returns control of the monitor to the probe loop.
func (p *Prober) ClearOverride() {
	p.mu.Lock()
	p.manual = nil
	p.mu.Unlock()
}

// Overridden reports whether a manual override is active.
func (p *Prober) Overridden() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manual != nil
}

// Probe performs one health check and updates the monitor. It returns the
// probe result, which may differ from the monitor state while overridden or
// below the failure threshold.
func (p *Prober) Probe(ctx context.Context) bool {
	ok := p.check(ctx)

	// monitor updates and overrides are serialized by mu
	p.mu.Lock()
	defer p.mu.Unlock()

	if ok {
		p.consecutive = 0
	} else {
		p.consecutive++
	}
	if p.manual != nil {
		return ok
	}
	if ok {
		p.monitor.SetOnline(true)
	} else if p.consecutive >= p.failures {
		p.monitor.SetOnline(false)
	}
	return ok
}

func (p *Prober) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		logging.Warn("Invalid health URL", map[string]interface{}{"url": p.url, "error": err.Error()})
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		logging.Debug("Health probe failed", map[string]interface{}{"url": p.url, "error": err.Error()})
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
