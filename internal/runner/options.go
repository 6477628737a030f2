package runner

import (
	"log/slog"
	"time"

	"github.com/avi3tal/campaigngraph/internal/events"
	"github.com/avi3tal/campaigngraph/internal/retry"
	"github.com/avi3tal/campaigngraph/pkg/types"
)

const (
	DefaultParallelism  = 4
	DefaultStoreTimeout = 5 * time.Second
	DefaultPersistRetry = time.Second
)

// Option configures a Coordinator
type Option func(*Coordinator)

// WithParallelism sets the default bound on concurrently RUNNING nodes
func WithParallelism(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.defaultParallelism = n
		}
	}
}

// WithTaskTimeout bounds every attempt; zero disables the timeout
func WithTaskTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.taskTimeout = d
		}
	}
}

// WithRetryPolicy replaces the default backoff policy
func WithRetryPolicy(p *retry.Policy) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithEvents sets where graph events are published
func WithEvents(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.events = p
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source used for node timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStoreTimeout bounds every persistence call made by the coordinator
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.storeTimeout = d
		}
	}
}

// WithPersistRetry sets how long a failed store write waits before it is
// retried when nothing else triggers a scheduling pass
func WithPersistRetry(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.persistRetry = d
		}
	}
}

// withRunRecord seeds a loaded coordinator with the campaign's last run
func withRunRecord(rec types.RunRecord) Option {
	return func(c *Coordinator) {
		c.record = &rec
	}
}
