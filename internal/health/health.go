// Package health runs named dependency checks for the readiness endpoints.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the result of one check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Checker probes a dependency.
type Checker func(ctx context.Context) error

// Registry holds named checkers.
type Registry struct {
	mu       sync.RWMutex
	names    []string
	checkers map[string]Checker
	timeout  time.Duration
}

// NewRegistry returns an empty registry. Each check gets at most timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{checkers: make(map[string]Checker), timeout: timeout}
}

// Register adds or replaces a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checkers[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checkers[name] = check
}

// CheckAll runs every checker concurrently and reports overall health.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := make([]Checker, len(names))
	for i, n := range names {
		checks[i] = r.checkers[n]
	}
	r.mu.RUnlock()

	statuses := make([]Status, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			start := time.Now()
			err := checks[i](cctx)
			statuses[i] = Status{Name: names[i], Healthy: err == nil, Latency: time.Since(start).Round(time.Microsecond).String()}
			if err != nil {
				statuses[i].Detail = err.Error()
			}
		}(i)
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

// Database pings the SQL pool.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

// Redis pings the realtime broker connection.
func Redis(client redis.UniversalClient) Checker {
	return func(ctx context.Context) error { return client.Ping(ctx).Err() }
}
