// Package health runs liveness and readiness checks for forge serve.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 5 * time.Second

// Result is the outcome of one check.
type Result struct {
	Status  Status        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

// CheckFunc checks one dependency. A non-nil error with StatusOK is
// treated as StatusDown.
type CheckFunc func(ctx context.Context) (Status, error)

// Checker manages health checks for the workspace dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	last    map[string]Result
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		last:    make(map[string]Result),
		timeout: DefaultCheckTimeout,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check, replacing any existing one.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Names lists registered checks in sorted order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunAll executes all checks concurrently and caches the results.
func (c *Checker) RunAll(ctx context.Context) map[string]Result {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Result, len(checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := c.run(ctx, fn)
			if r.Status != StatusOK {
				c.logger.Warn().Str("check", name).Str("status", string(r.Status)).Str("error", r.Error).Msg("health check not ok")
			}
			mu.Lock()
			results[name] = r
			mu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.last = results
	c.mu.Unlock()
	return results
}

func (c *Checker) run(ctx context.Context, fn CheckFunc) Result {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	status, err := fn(checkCtx)
	r := Result{Status: status, Latency: time.Since(started)}
	if err != nil {
		r.Error = err.Error()
		if status == StatusOK || status == "" {
			r.Status = StatusDown
		}
	}
	return r
}

// Last returns the results of the most recent RunAll.
func (c *Checker) Last() map[string]Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Result, len(c.last))
	for k, v := range c.last {
		out[k] = v
	}
	return out
}

// IsReady returns true if no check is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	return ready(c.RunAll(ctx))
}

func ready(results map[string]Result) bool {
	for _, r := range results {
		if r.Status == StatusDown {
			return false
		}
	}
	return true
}

// LivenessHandler serves /healthz.
func LivenessHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// ReadinessHandler serves /readyz: 200 when every check is ok or
// degraded, 503 otherwise.
func (c *Checker) ReadinessHandler(ctx *fiber.Ctx) error {
	results := c.RunAll(ctx.UserContext())
	if ready(results) {
		return ctx.JSON(fiber.Map{"status": "ready", "checks": results})
	}
	return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not_ready", "checks": results})
}

// PingCheck adapts a ping function.
func PingCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) (Status, error) {
		if err := ping(ctx); err != nil {
			return StatusDown, err
		}
		return StatusOK, nil
	}
}

// WritableDirCheck reports down when dir cannot be written and degraded
// when its filesystem has less than minFree bytes available.
func WritableDirCheck(dir string, minFree uint64) CheckFunc {
	return func(ctx context.Context) (Status, error) {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return StatusDown, fmt.Errorf("write probe in %s: %w", dir, err)
		}
		name := f.Name()
		f.Close()
		os.Remove(name)

		var st unix.Statfs_t
		if err := unix.Statfs(filepath.Clean(dir), &st); err != nil {
			return StatusDegraded, fmt.Errorf("statfs %s: %w", dir, err)
		}
		if free := st.Bavail * uint64(st.Bsize); minFree > 0 && free < minFree {
			return StatusDegraded, fmt.Errorf("%d bytes free in %s, want %d", free, dir, minFree)
		}
		return StatusOK, nil
	}
}
