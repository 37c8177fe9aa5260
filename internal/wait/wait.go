// Package wait polls page conditions until they hold or a deadline passes.
//
// Remote pages render asynchronously and reflow while they are being driven,
// so a single lookup is unreliable. Every element access in the bot goes
// through Until, which treats probe errors as "not yet" and only reports a
// failure once the timeout is spent.
package wait

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout     = 20 * time.Second
	DefaultInterval    = 500 * time.Millisecond
	DefaultHookTimeout = 10 * time.Second
)

var ErrTimeoutExceeded = errors.New("timeout exceeded")

// TimeoutError is returned once a condition did not hold within the timeout.
type TimeoutError struct {
	Phase    string
	Timeout  time.Duration
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: %s after %v (%d attempts)", e.Phase, ErrTimeoutExceeded, e.Timeout, e.Attempts)
	}
	return fmt.Sprintf("%s: %s after %v (%d attempts): %v", e.Phase, ErrTimeoutExceeded, e.Timeout, e.Attempts, e.Last)
}

func (e *TimeoutError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrTimeoutExceeded}
	}
	return []error{ErrTimeoutExceeded, e.Last}
}

// PermanentError is returned when a condition reports Failed.
type PermanentError struct {
	Phase  string
	Reason error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Reason }

// Hook receives a diagnostics call on every failed attempt. Retry captures
// run on their own goroutine, so Capture must be safe for concurrent use.
type Hook interface {
	Capture(ctx context.Context, workflow, phase string)
}

// NopHook ignores every capture.
type NopHook struct{}

func (NopHook) Capture(context.Context, string, string) {}

// Condition is probed once per attempt.
type Condition[T any] func(ctx context.Context) Outcome[T]

// Engine holds the polling parameters shared by one workflow.
type Engine struct {
	timeout     time.Duration
	interval    time.Duration
	hookTimeout time.Duration
	workflow    string
	hook        Hook
	logger      zerolog.Logger
	captures    sync.WaitGroup
}

type Option func(*Engine)

func WithHook(h Hook) Option {
	return func(e *Engine) {
		if h != nil {
			e.hook = h
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHookTimeout bounds each background retry capture.
func WithHookTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.hookTimeout = d
		}
	}
}

// WithWorkflow names the workflow passed to the hook.
func WithWorkflow(name string) Option {
	return func(e *Engine) { e.workflow = name }
}

func New(timeout, interval time.Duration, opts ...Option) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	e := &Engine{
		timeout:     timeout,
		interval:    interval,
		hookTimeout: DefaultHookTimeout,
		hook:        NopHook{},
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Timeout() time.Duration  { return e.timeout }
func (e *Engine) Interval() time.Duration { return e.interval }
func (e *Engine) Workflow() string        { return e.workflow }

// Capture forwards a fixed-point snapshot request to the engine's hook.
func (e *Engine) Capture(ctx context.Context, phase string) {
	e.hook.Capture(ctx, e.workflow, phase)
}

// captureAsync hands a retry capture to the hook without blocking the poll
// loop. The capture outlives ctx cancellation but not hookTimeout.
func (e *Engine) captureAsync(ctx context.Context, phase string) {
	e.captures.Add(1)
	go func() {
		defer e.captures.Done()
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.hookTimeout)
		defer cancel()
		e.hook.Capture(hctx, e.workflow, phase)
	}()
}

// Settle blocks until every background capture has returned. Call it before
// releasing the session the hook reads from.
func (e *Engine) Settle() {
	e.captures.Wait()
}

// Until probes cond immediately and then once per interval. It returns the
// value of the first Ready outcome. When the timeout has elapsed it returns a
// *TimeoutError, never earlier; a Failed outcome aborts with a
// *PermanentError. A cancelled ctx also ends the wait.
//
// Each probe gets a ctx that expires one interval after the deadline, so a
// probe that blocks cannot push the timeout further than that.
func Until[T any](ctx context.Context, e *Engine, phase string, cond Condition[T]) (T, error) {
	var zero T
	start := time.Now()
	deadline := start.Add(e.timeout)
	pctx, cancel := context.WithDeadline(ctx, deadline.Add(e.interval))
	defer cancel()

	var last error
	for attempt := 1; ; attempt++ {
		out := cond(pctx)
		switch out.State() {
		case IsReady:
			if attempt > 1 {
				e.logger.Debug().Str("phase", phase).Int("attempt", attempt).Dur("waited", time.Since(start)).Msg("condition met")
			}
			return out.Value(), nil
		case IsFailed:
			e.logger.Warn().Err(out.Reason()).Str("phase", phase).Int("attempt", attempt).Msg("condition failed permanently")
			return zero, &PermanentError{Phase: phase, Reason: out.Reason()}
		}

		last = out.Reason()
		e.logger.Debug().Str("phase", phase).Int("attempt", attempt).AnErr("reason", last).Msg("not ready")
		e.captureAsync(ctx, phase+"_retry")

		now := time.Now()
		if !now.Before(deadline) {
			e.logger.Warn().Str("phase", phase).Int("attempts", attempt).Dur("timeout", e.timeout).AnErr("last", last).Msg("wait timed out")
			return zero, &TimeoutError{Phase: phase, Timeout: e.timeout, Attempts: attempt, Last: last}
		}
		delay := e.interval
		if rest := deadline.Sub(now); rest < delay {
			delay = rest
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s: %w", phase, ctx.Err())
		case <-timer.C:
		}
	}
}

// Attempt adapts a probe that signals "not yet" through an error. Any error
// becomes NotYetReady.
func Attempt[T any](probe func(ctx context.Context) (T, error)) Condition[T] {
	return func(ctx context.Context) Outcome[T] {
		v, err := probe(ctx)
		if err != nil {
			return NotYetReady[T](err)
		}
		return Ready(v)
	}
}

// Run is Until for conditions that produce no value.
func Run(ctx context.Context, e *Engine, phase string, cond Condition[struct{}]) error {
	_, err := Until(ctx, e, phase, cond)
	return err
}
