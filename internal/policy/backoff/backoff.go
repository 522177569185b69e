// Package backoff resolves provider errors into a single retry decision.
//
// Every provider call in a worker goes through Policy.Do, so the rules for
// rate limits, transient failures and terminal source errors live in one
// place instead of at each call site.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/feedindex-crawler/internal/clock/system"
	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

// Class is the error class a provider error falls into.
type Class int

// Error classes, ordered from harmless to fatal.
const (
	ClassNone Class = iota
	ClassRateLimited
	ClassTransient
	ClassTerminal
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	case ClassTerminal:
		return "terminal"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps err onto the closed error taxonomy. Unknown errors are
// treated as transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, crawler.ErrStoreUnavailable):
		return ClassFatal
	case errors.Is(err, crawler.ErrSourceUnavailable), errors.Is(err, crawler.ErrNotFound):
		return ClassTerminal
	}
	if _, ok := crawler.AsRateLimited(err); ok {
		return ClassRateLimited
	}
	return ClassTransient
}

// Action tells the caller what to do next.
type Action int

// Possible actions.
const (
	// ActionRetry means sleep Decision.Wait and call again from the same position.
	ActionRetry Action = iota + 1
	// ActionAbort ends the current crawl iteration; the source stays eligible.
	ActionAbort
	// ActionTerminal marks the source inactive.
	ActionTerminal
	// ActionFatal fails the in-flight operation and surfaces the error.
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionAbort:
		return "abort"
	case ActionTerminal:
		return "terminal"
	case ActionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Action Action
	Wait   time.Duration
	Class  Class
}

// Config configures a Policy.
type Config struct {
	// MaxRateLimitWaits caps consecutive rate-limit waits for one call.
	MaxRateLimitWaits int `mapstructure:"max_rate_limit_waits"`
	// TransientRetries is how many times a transient failure is retried.
	TransientRetries int `mapstructure:"transient_retries"`
	// TransientDelay is the fixed sleep between transient retries.
	TransientDelay time.Duration `mapstructure:"transient_delay"`
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxRateLimitWaits: 5,
		TransientRetries:  3,
		TransientDelay:    2 * time.Second,
	}
}

// SleepFunc sleeps for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy decides and executes retries around provider calls.
type Policy struct {
	cfg   Config
	sleep SleepFunc
}

// Option customizes a Policy.
type Option func(*Policy)

// WithSleeper replaces the sleep function; tests use it to observe waits.
func WithSleeper(fn SleepFunc) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// New builds a Policy. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Policy {
	def := DefaultConfig()
	if cfg.MaxRateLimitWaits <= 0 {
		cfg.MaxRateLimitWaits = def.MaxRateLimitWaits
	}
	if cfg.TransientRetries < 0 {
		cfg.TransientRetries = 0
	}
	if cfg.TransientDelay <= 0 {
		cfg.TransientDelay = def.TransientDelay
	}
	p := &Policy{cfg: cfg, sleep: Sleep}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide maps err to an action. attempt is the 1-based count of failures of
// err's class so far in the current call, whatever failed in between.
func (p *Policy) Decide(err error, attempt int) Decision {
	class := Classify(err)
	switch class {
	case ClassNone:
		return Decision{Class: class}
	case ClassRateLimited:
		rl, _ := crawler.AsRateLimited(err)
		if attempt > p.cfg.MaxRateLimitWaits {
			return Decision{Action: ActionAbort, Class: class}
		}
		return Decision{Action: ActionRetry, Wait: rl.RetryAfter, Class: class}
	case ClassTransient:
		if attempt > p.cfg.TransientRetries {
			return Decision{Action: ActionAbort, Class: class}
		}
		return Decision{Action: ActionRetry, Wait: p.cfg.TransientDelay, Class: class}
	case ClassTerminal:
		return Decision{Action: ActionTerminal, Class: class}
	default:
		return Decision{Action: ActionFatal, Class: class}
	}
}

// Outcome reports how Do finished.
type Outcome struct {
	Action Action
	Err    error
	// RateLimitWaits and TransientRetries count the sleeps taken.
	RateLimitWaits   int
	TransientRetries int
	// BudgetExceeded is set when the next wait would have overrun the budget
	// given to DoWithin.
	BudgetExceeded bool
}

// Do calls fn until it succeeds or Decide stops retrying. onWait, when set, is
// called before each sleep. A canceled ctx interrupts a sleep and ends with
// ActionAbort.
func (p *Policy) Do(ctx context.Context, fn func() error, onWait func(Decision)) Outcome {
	return p.DoWithin(ctx, 0, fn, onWait)
}

// DoWithin is Do with the total time spent sleeping capped at budget. A wait
// that would overrun it is not taken: the call ends with ActionAbort and
// BudgetExceeded set. A budget <= 0 means no cap.
//
// Rate-limit waits and transient retries are counted separately over the
// whole call, so errors alternating between the two classes still run out.
func (p *Policy) DoWithin(ctx context.Context, budget time.Duration, fn func() error, onWait func(Decision)) Outcome {
	var out Outcome
	var waited time.Duration
	for {
		err := fn()
		if err == nil {
			return out
		}
		class := Classify(err)
		attempt := 1
		switch class {
		case ClassRateLimited:
			attempt += out.RateLimitWaits
		case ClassTransient:
			attempt += out.TransientRetries
		}
		dec := p.Decide(err, attempt)
		if dec.Action != ActionRetry {
			out.Action = dec.Action
			out.Err = err
			return out
		}
		if budget > 0 && waited+dec.Wait > budget {
			out.Action = ActionAbort
			out.Err = fmt.Errorf("wait %s overruns budget: %w", dec.Wait, err)
			out.BudgetExceeded = true
			return out
		}
		if onWait != nil {
			onWait(dec)
		}
		if class == ClassRateLimited {
			out.RateLimitWaits++
		} else {
			out.TransientRetries++
		}
		waited += dec.Wait
		if serr := p.sleep(ctx, dec.Wait); serr != nil {
			out.Action = ActionAbort
			out.Err = fmt.Errorf("backoff interrupted: %w", serr)
			return out
		}
	}
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	return system.Clock{}.Sleep(ctx, d)
}
