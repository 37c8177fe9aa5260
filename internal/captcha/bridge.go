// Package captcha solves the reCAPTCHA widget of a form page through an
// external solving service and writes the token back into the page.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/residence-form-bot/internal/browser"
	"github.com/polzovatel/residence-form-bot/internal/fields"
	"github.com/polzovatel/residence-form-bot/internal/wait"
)

var (
	ErrSolverRequestFailed = errors.New("solver request failed")
	ErrSolverUnsolved      = errors.New("captcha timed out or unsolved")
)

// RequestError is a rejected task creation.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSolverRequestFailed, e.Message)
}

func (e *RequestError) Unwrap() error { return ErrSolverRequestFailed }

// Challenge is what the solving service needs to produce a token.
type Challenge struct {
	PageURL string
	SiteKey string
}

// Solution is the opaque token proving the challenge was solved. It is only
// good for a single injection into the page it was requested for.
type Solution string

type TaskID int64

// Solver is an external solving service.
type Solver interface {
	CreateTask(ctx context.Context, ch Challenge) (TaskID, error)
	WaitForResult(ctx context.Context, id TaskID) (Solution, error)
}

type balancer interface {
	Balance(ctx context.Context) (float64, error)
}

// State of one Solve call.
type State int

const (
	Idle State = iota
	ChallengeExtracted
	TaskCreated
	Polling
	Solved
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ChallengeExtracted:
		return "challenge_extracted"
	case TaskCreated:
		return "task_created"
	case Polling:
		return "polling"
	case Solved:
		return "solved"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	WidgetLocator   = fields.Class("g-recaptcha")
	ResponseLocator = fields.ID("g-recaptcha-response")
)

const siteKeyAttr = "data-sitekey"

// Bridge carries one challenge from the page to the solver and the token
// back. It never retries a failed solve.
type Bridge struct {
	solver  Solver
	engine  *wait.Engine
	logger  zerolog.Logger
	observe func(State)
	pause   func(ctx context.Context, d time.Duration) error
	jitter  func() time.Duration
}

type BridgeOption func(*Bridge)

// WithObserver is called on every state transition.
func WithObserver(fn func(State)) BridgeOption {
	return func(b *Bridge) { b.observe = fn }
}

// WithPause replaces the sleep used for the human-like pauses.
func WithPause(fn func(ctx context.Context, d time.Duration) error) BridgeOption {
	return func(b *Bridge) { b.pause = fn }
}

func WithLogger(l zerolog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = l }
}

func NewBridge(solver Solver, engine *wait.Engine, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		solver:  solver,
		engine:  engine,
		logger:  zerolog.Nop(),
		observe: func(State) {},
		pause:   sleep,
		jitter:  humanDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Solve extracts the challenge from s, has it solved and injects the token.
// The pauses between steps give the page time to register the token before
// anything is submitted.
func (b *Bridge) Solve(ctx context.Context, s browser.Session) (Solution, error) {
	state := Idle
	move := func(next State) {
		b.logger.Debug().Str("from", state.String()).Str("to", next.String()).Msg("captcha state")
		state = next
		b.observe(next)
	}
	fail := func(err error) (Solution, error) {
		move(Failed)
		return "", err
	}

	if err := b.pause(ctx, b.jitter()); err != nil {
		return fail(err)
	}
	siteKey, err := wait.Until(ctx, b.engine, "captcha_sitekey", wait.AttributeOf(s, WidgetLocator.Selector(), siteKeyAttr))
	if err != nil {
		return fail(fmt.Errorf("read site key: %w", err))
	}
	pageURL, err := wait.Until(ctx, b.engine, "captcha_url", wait.CurrentURL(s))
	if err != nil {
		return fail(fmt.Errorf("read page url: %w", err))
	}
	ch := Challenge{PageURL: pageURL, SiteKey: siteKey}
	move(ChallengeExtracted)

	if bal, ok := b.solver.(balancer); ok {
		if v, err := bal.Balance(ctx); err == nil {
			b.logger.Debug().Float64("balance", v).Msg("solver balance")
		}
	}

	id, err := b.solver.CreateTask(ctx, ch)
	if err != nil {
		if !errors.Is(err, ErrSolverRequestFailed) {
			err = &RequestError{Message: err.Error()}
		}
		b.logger.Error().Err(err).Str("url", ch.PageURL).Msg("captcha task not created")
		return fail(err)
	}
	move(TaskCreated)

	move(Polling)
	token, err := b.solver.WaitForResult(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrSolverUnsolved) {
			err = fmt.Errorf("%w: %w", ErrSolverUnsolved, err)
		}
		b.logger.Error().Err(err).Int64("task", int64(id)).Msg("captcha not solved")
		return fail(err)
	}
	move(Solved)

	filler := fields.New(b.engine, s, b.logger)
	if _, err := filler.Locate(ctx, ResponseLocator); err != nil {
		return fail(err)
	}
	if err := b.pause(ctx, b.jitter()); err != nil {
		return fail(err)
	}
	if err := filler.Inject(ctx, ResponseLocator, string(token)); err != nil {
		return fail(err)
	}
	if err := b.pause(ctx, b.jitter()); err != nil {
		return fail(err)
	}
	b.logger.Info().Msg("captcha token injected")
	return token, nil
}

// humanDelay returns a pause in [1s, 2s).
func humanDelay() time.Duration {
	return time.Second + time.Duration(rand.Int63n(int64(time.Second)))
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
