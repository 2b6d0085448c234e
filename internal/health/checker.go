package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger is implemented by storage backends that can verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult holds one component's check outcome.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is a named system dependency with its latest check result.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"`
	CheckResult
}

// Report is the aggregate health of the service.
type Report struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components,omitempty"`
}

// Checker pings registered stores and endpoints and aggregates a Report.
// Store failures make the service unhealthy; endpoint failures only degrade
// it because credit operations keep working without upstream providers.
type Checker struct {
	mu        sync.RWMutex
	stores    map[string]Pinger
	endpoints map[string]string
	last      []Component

	storeTimeout    time.Duration
	httpTimeout     time.Duration
	maxStoreLatency time.Duration
}

// Config holds checker tunables. Zero values get defaults.
type Config struct {
	StoreTimeout    time.Duration
	HTTPTimeout     time.Duration
	MaxStoreLatency time.Duration
}

// New creates a Checker with no registered components.
func New(cfg Config) *Checker {
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxStoreLatency == 0 {
		cfg.MaxStoreLatency = 100 * time.Millisecond
	}
	return &Checker{
		stores:          make(map[string]Pinger),
		endpoints:       make(map[string]string),
		storeTimeout:    cfg.StoreTimeout,
		httpTimeout:     cfg.HTTPTimeout,
		maxStoreLatency: cfg.MaxStoreLatency,
	}
}

// RegisterStore adds a storage backend to the check set.
func (c *Checker) RegisterStore(name string, p Pinger) {
	if p == nil {
		return
	}
	c.mu.Lock()
	c.stores[name] = p
	c.mu.Unlock()
}

// RegisterEndpoint adds an upstream HTTP endpoint to the check set.
func (c *Checker) RegisterEndpoint(name, baseURL string) {
	if baseURL == "" {
		return
	}
	c.mu.Lock()
	c.endpoints[name] = baseURL
	c.mu.Unlock()
}

// Check runs all registered checks concurrently and returns the report.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	stores := make(map[string]Pinger, len(c.stores))
	for name, p := range c.stores {
		stores[name] = p
	}
	endpoints := make(map[string]string, len(c.endpoints))
	for name, url := range c.endpoints {
		endpoints[name] = url
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan Component, len(stores)+len(endpoints))

	for name, p := range stores {
		wg.Add(1)
		go func(name string, p Pinger) {
			defer wg.Done()
			results <- c.checkStore(ctx, name, p)
		}(name, p)
	}
	for name, url := range endpoints {
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			results <- c.checkEndpoint(ctx, name, url)
		}(name, url)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, len(stores)+len(endpoints))
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.last = components
	c.mu.Unlock()

	return c.aggregate(components)
}

// LastReport returns the report from the most recent Check call.
func (c *Checker) LastReport() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.last) == 0 {
		return Report{Status: StatusHealthy, Timestamp: time.Now()}
	}
	return c.aggregate(c.last)
}

func (c *Checker) checkStore(ctx context.Context, name string, p Pinger) Component {
	comp := Component{
		Name:        name,
		Type:        "store",
		CheckResult: CheckResult{Timestamp: time.Now()},
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(pingCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "store unreachable"
		return comp
	}
	if comp.Latency > c.maxStoreLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("high latency: %v", comp.Latency)
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = "connected"
	return comp
}

func (c *Checker) checkEndpoint(ctx context.Context, name, baseURL string) Component {
	comp := Component{
		Name:        name,
		Type:        "http",
		CheckResult: CheckResult{Timestamp: time.Now()},
	}

	client := &http.Client{Timeout: c.httpTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		return comp
	}

	start := time.Now()
	resp, err := client.Do(req)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "endpoint unreachable"
		return comp
	}
	defer resp.Body.Close()

	// Any response counts as reachable, including 4xx and 5xx.
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("reachable (HTTP %d)", resp.StatusCode)
	return comp
}

func (c *Checker) aggregate(components []Component) Report {
	overall := StatusHealthy
	storeDown := false
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Type == "store" {
				storeDown = true
			}
			overall = StatusDegraded
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	if storeDown {
		overall = StatusUnhealthy
	}
	return Report{Status: overall, Timestamp: time.Now(), Components: components}
}
