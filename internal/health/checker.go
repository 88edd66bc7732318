package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component types. Storage failures make the service unhealthy; anything else
// only degrades it.
const (
	TypeStorage = "storage"
	TypeCache   = "cache"
	TypeHTTP    = "http"
)

// Pinger is anything that can report reachability. Both stores and the Redis
// rate limit backend satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Target is one dependency to check.
type Target struct {
	Name   string
	Type   string
	Pinger Pinger
}

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Component is the last known state of a Target.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"`
	CheckResult
}

// HealthStatus represents the overall health of the service.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Version    string      `json:"version,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Config holds health checker configuration.
type Config struct {
	Targets []Target
	// UpstreamURL, when set, is checked with a GET; any HTTP response counts as reachable.
	UpstreamURL string
	Version     string

	PingTimeout time.Duration
	HTTPTimeout time.Duration
	// MaxLatency marks a reachable component degraded when exceeded.
	MaxLatency time.Duration
}

// Checker performs health checks on service dependencies.
type Checker struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxLatency == 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	return &Checker{cfg: cfg, httpClient: &http.Client{Timeout: cfg.HTTPTimeout}}
}

// Check runs every check concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	components := make([]Component, len(c.cfg.Targets), len(c.cfg.Targets)+1)
	var wg sync.WaitGroup
	for i, target := range c.cfg.Targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			components[i] = c.ping(ctx, target)
		}()
	}
	if c.cfg.UpstreamURL != "" {
		components = append(components, Component{})
		idx := len(components) - 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			components[idx] = c.checkURL(ctx, "upstream", c.cfg.UpstreamURL)
		}()
	}
	wg.Wait()
	return c.overall(components)
}

func (c *Checker) ping(ctx context.Context, target Target) Component {
	comp := Component{Name: target.Name, Type: target.Type, CheckResult: CheckResult{Timestamp: time.Now()}}
	pctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()

	start := time.Now()
	err := target.Pinger.Ping(pctx)
	latency := time.Since(start)
	comp.LatencyMS = latency.Milliseconds()

	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case latency > c.cfg.MaxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

func (c *Checker) checkURL(ctx context.Context, name, url string) Component {
	comp := Component{Name: name, Type: TypeHTTP, CheckResult: CheckResult{Timestamp: time.Now()}}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		return comp
	}
	resp, err := c.httpClient.Do(req)
	comp.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	defer resp.Body.Close()
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

func (c *Checker) overall(components []Component) HealthStatus {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Type == TypeStorage {
				status = StatusUnhealthy
			} else if status == StatusHealthy {
				status = StatusDegraded
			}
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	if components == nil {
		components = []Component{}
	}
	return HealthStatus{
		Status:     status,
		Version:    c.cfg.Version,
		Timestamp:  time.Now(),
		Components: components,
	}
}
