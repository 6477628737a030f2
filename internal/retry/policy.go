// Package retry decides whether a failed attempt is retried and how long the
// node waits before it becomes ready again.
package retry

import (
	"math"
	"slices"
	"time"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

const (
	DefaultInitialDelay      = time.Second
	DefaultMaxDelay          = time.Minute
	DefaultBackoffMultiplier = 2.0
)

// Policy defines exponential backoff between attempts of a node
type Policy struct {
	// InitialDelay is the wait before the first retry
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps the wait between retries
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// BackoffMultiplier grows the delay for every retry already taken
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// RetryableKinds restricts retries to these error kinds. Empty means every
	// kind except cancelled is retried.
	RetryableKinds []types.ErrorKind `json:"retryable_kinds,omitempty" yaml:"retryable_kinds,omitempty"`
}

// Decision is the outcome of consulting the policy for a failed attempt.
type Decision struct {
	Retry   bool          `json:"retry"`
	Delay   time.Duration `json:"-"`
	DelayMs int64         `json:"delay_ms"`
}

// NewPolicy creates a default retry policy
func NewPolicy() *Policy {
	return &Policy{
		InitialDelay:      DefaultInitialDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// WithInitialDelay sets the delay before the first retry
func (p *Policy) WithInitialDelay(delay time.Duration) *Policy {
	p.InitialDelay = delay
	return p
}

// WithMaxDelay sets the maximum delay between retries
func (p *Policy) WithMaxDelay(delay time.Duration) *Policy {
	p.MaxDelay = delay
	return p
}

// WithBackoffMultiplier sets the backoff multiplier
func (p *Policy) WithBackoffMultiplier(multiplier float64) *Policy {
	p.BackoffMultiplier = multiplier
	return p
}

// WithRetryableKinds limits retries to the given error kinds
func (p *Policy) WithRetryableKinds(kinds ...types.ErrorKind) *Policy {
	p.RetryableKinds = kinds
	return p
}

// Decide inspects a node whose attempt just failed with the given kind. The
// node's RetryCount must not yet include this failure.
//
// A node retries while RetryCount < MaxRetries; MaxRetries 0 makes the first
// failure terminal.
func (p *Policy) Decide(node types.GraphNode, kind types.ErrorKind) Decision {
	if node.RetryCount >= node.MaxRetries || !p.ShouldRetry(kind) {
		return Decision{}
	}
	delay := p.Backoff(node.RetryCount)
	return Decision{
		Retry:   true,
		Delay:   delay,
		DelayMs: delay.Milliseconds(),
	}
}

// ShouldRetry reports whether failures of kind are retryable at all
func (p *Policy) ShouldRetry(kind types.ErrorKind) bool {
	if kind == types.ErrorKindCancelled {
		return false
	}
	if len(p.RetryableKinds) == 0 {
		return true
	}
	return slices.Contains(p.RetryableKinds, kind)
}

// Backoff returns min(MaxDelay, InitialDelay * BackoffMultiplier^retryCount).
func (p *Policy) Backoff(retryCount int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(retryCount))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 0)) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Validate reports a policy that could never produce sane delays
func (p *Policy) Validate() error {
	switch {
	case p.InitialDelay < 0:
		return ErrNegativeDelay
	case p.MaxDelay < 0:
		return ErrNegativeDelay
	case p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay:
		return ErrDelayBounds
	case p.BackoffMultiplier < 1:
		return ErrMultiplier
	}
	return nil
}
