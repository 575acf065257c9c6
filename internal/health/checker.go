package health

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status represents the health of one dependency
type Status struct {
	Name    string
	Healthy bool
	Latency time.Duration
	Error   string
}

// Probe is one named dependency check. Check must honor its context.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Checker runs dependency probes and keeps the latest results
type Checker struct {
	mu       sync.RWMutex
	statuses []Status

	probes   []Probe
	timeout  time.Duration
	interval time.Duration
}

// NewChecker creates a checker over the given probes
func NewChecker(probes ...Probe) *Checker {
	return &Checker{
		probes:   probes,
		timeout:  5 * time.Second,
		interval: 10 * time.Second,
	}
}

// Start begins periodic health checks. The first pass runs before Start
// returns so callers immediately have results.
func (c *Checker) Start(ctx context.Context) {
	c.Check(ctx)

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Check(ctx)
			}
		}
	}()
}

// Check runs every probe once, concurrently, each under its own timeout.
func (c *Checker) Check(ctx context.Context) []Status {
	statuses := make([]Status, len(c.probes))

	var wg sync.WaitGroup
	for i, p := range c.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			statuses[i] = c.run(ctx, p)
		}(i, p)
	}
	wg.Wait()

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
	return statuses
}

func (c *Checker) run(ctx context.Context, p Probe) Status {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.Check(pctx)

	status := Status{
		Name:    p.Name,
		Latency: time.Since(start),
		Healthy: err == nil,
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// GetStatuses returns the most recent probe results
func (c *Checker) GetStatuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, len(c.statuses))
	copy(out, c.statuses)
	return out
}

// Healthy reports whether every probe passed its last check. A checker that
// has never run reports unhealthy.
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.statuses) == 0 {
		return false
	}
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// Preflight runs one check pass and logs each probe's outcome. Returns true
// when everything passed.
func (c *Checker) Preflight(ctx context.Context) bool {
	ok := true
	for _, s := range c.Check(ctx) {
		evt := log.Info()
		if !s.Healthy {
			ok = false
			evt = log.Warn().Str("error", s.Error)
		}
		evt.Str("component", s.Name).Dur("latency", s.Latency).Msg("dependency probe")
	}
	return ok
}

// EndpointProbe checks that an HTTP or websocket endpoint accepts
// connections. Any HTTP response counts as reachable.
func EndpointProbe(name, url string) Probe {
	if strings.HasPrefix(url, "wss://") {
		url = "https://" + strings.TrimPrefix(url, "wss://")
	} else if strings.HasPrefix(url, "ws://") {
		url = "http://" + strings.TrimPrefix(url, "ws://")
	}

	client := &http.Client{}
	return Probe{
		Name: name,
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			return nil
		},
	}
}
