// Package runner fills the form for a batch of applicants, each on its own
// browser session.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/polzovatel/residence-form-bot/internal/browser"
	"github.com/polzovatel/residence-form-bot/internal/captcha"
	"github.com/polzovatel/residence-form-bot/internal/config"
	"github.com/polzovatel/residence-form-bot/internal/section"
	"github.com/polzovatel/residence-form-bot/internal/snapshot"
	"github.com/polzovatel/residence-form-bot/internal/wait"
)

const closeTimeout = 10 * time.Second

// SessionFactory hands out a fresh session per workflow.
type SessionFactory interface {
	NewSession(ctx context.Context) (browser.Session, error)
}

type Settings struct {
	FormURL        string
	ElementTimeout time.Duration
	PollInterval   time.Duration
	RefreshPeriod  time.Duration
	SnapshotDir    string
	Screenshots    bool
	Parallel       int
}

func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		FormURL:        cfg.FormURL,
		ElementTimeout: cfg.ElementTimeout(),
		PollInterval:   cfg.PollInterval(),
		RefreshPeriod:  cfg.RefreshPeriod(),
		SnapshotDir:    cfg.SnapshotDir,
		Screenshots:    cfg.SnapshotScreenshots,
		Parallel:       1,
	}
}

// Result is the outcome of one applicant's workflow.
type Result struct {
	Applicant section.Applicant
	Workflow  string
	Handled   bool
	Err       error
	Duration  time.Duration
}

type Runner struct {
	settings   Settings
	sessions   SessionFactory
	solver     captcha.Solver
	sink       snapshot.Sink
	bridgeOpts []captcha.BridgeOption
	logger     zerolog.Logger
}

type Option func(*Runner)

// WithSolver enables CAPTCHA solving before each submission.
func WithSolver(s captcha.Solver, opts ...captcha.BridgeOption) Option {
	return func(r *Runner) {
		r.solver = s
		r.bridgeOpts = opts
	}
}

func WithSink(s snapshot.Sink) Option {
	return func(r *Runner) { r.sink = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func New(settings Settings, sessions SessionFactory, opts ...Option) *Runner {
	if settings.Parallel < 1 {
		settings.Parallel = 1
	}
	r := &Runner{settings: settings, sessions: sessions, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run fills the form once for every applicant, at most Parallel at a time.
// Results keep the order of applicants; the error combines every failure.
func (r *Runner) Run(ctx context.Context, applicants []section.Applicant) ([]Result, error) {
	results := make([]Result, len(applicants))
	sem := make(chan struct{}, r.settings.Parallel)
	var wg sync.WaitGroup

	for i, a := range applicants {
		wf := fmt.Sprintf("%s_%02d", section.DefaultName, i+1)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = Result{Applicant: a, Workflow: wf, Err: ctx.Err()}
			continue
		}
		wg.Add(1)
		go func(i int, a section.Applicant, wf string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.runOne(ctx, wf, a)
		}(i, a, wf)
	}
	wg.Wait()

	var err error
	for _, res := range results {
		if res.Err != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", res.Workflow, res.Err))
		}
	}
	return results, err
}

// Watch repeats Run for the applicants that failed, waiting RefreshPeriod
// between rounds, until none is left or ctx is done. Applicants with an
// invalid service type are not retried.
func (r *Runner) Watch(ctx context.Context, applicants []section.Applicant) ([]Result, error) {
	pending := applicants
	var done []Result
	for round := 1; ; round++ {
		results, err := r.Run(ctx, pending)
		var retry []section.Applicant
		for _, res := range results {
			if res.Err != nil && !errors.Is(res.Err, section.ErrInvalidServiceType) && ctx.Err() == nil {
				retry = append(retry, res.Applicant)
				continue
			}
			done = append(done, res)
		}
		if len(retry) == 0 || r.settings.RefreshPeriod <= 0 {
			if len(retry) > 0 {
				done = append(done, failedOnly(results)...)
			}
			return done, err
		}
		r.logger.Warn().Int("round", round).Int("failed", len(retry)).Dur("refresh", r.settings.RefreshPeriod).Msg("retrying failed applicants")

		t := time.NewTimer(r.settings.RefreshPeriod)
		select {
		case <-ctx.Done():
			t.Stop()
			return append(done, failedOnly(results)...), multierr.Append(err, ctx.Err())
		case <-t.C:
		}
		pending = retry
	}
}

func failedOnly(results []Result) []Result {
	var out []Result
	for _, res := range results {
		if res.Err != nil && !errors.Is(res.Err, section.ErrInvalidServiceType) {
			out = append(out, res)
		}
	}
	return out
}

func (r *Runner) runOne(ctx context.Context, wf string, a section.Applicant) Result {
	start := time.Now()
	logger := r.logger.With().Str("workflow", wf).Logger()
	res := Result{Applicant: a, Workflow: wf}

	s, err := r.sessions.NewSession(ctx)
	if err != nil {
		res.Err = fmt.Errorf("new session: %w", err)
		res.Duration = time.Since(start)
		return res
	}

	recOpts := []snapshot.Option{snapshot.WithLogger(logger)}
	if r.sink != nil {
		recOpts = append(recOpts, snapshot.WithSink(r.sink))
	}
	if r.settings.Screenshots {
		recOpts = append(recOpts, snapshot.WithScreenshots())
	}
	engine := wait.New(r.settings.ElementTimeout, r.settings.PollInterval,
		wait.WithHook(snapshot.NewRecorder(s, r.settings.SnapshotDir, recOpts...)),
		wait.WithWorkflow(wf),
		wait.WithLogger(logger),
	)
	defer closeGracefully(ctx, engine, s, logger)

	if r.settings.FormURL != "" {
		if err := s.Navigate(ctx, r.settings.FormURL); err != nil {
			res.Err = fmt.Errorf("open form: %w", err)
			res.Duration = time.Since(start)
			return res
		}
	}

	opts := section.Options{Engine: engine, Logger: logger}
	if r.solver != nil {
		bridgeOpts := append([]captcha.BridgeOption{captcha.WithLogger(logger)}, r.bridgeOpts...)
		opts.Captcha = captcha.NewBridge(r.solver, engine, bridgeOpts...)
	}
	res.Handled, res.Err = section.New(a, opts).FillAndSend(ctx, s)
	res.Duration = time.Since(start)

	ev := logger.Info()
	if res.Err != nil {
		ev = logger.Error().Err(res.Err)
	}
	ev.Bool("handled", res.Handled).Dur("took", res.Duration).Msg("workflow finished")
	return res
}

// closeGracefully releases s, retrying through the engine. It runs even
// when ctx is already cancelled. Pending snapshots finish on the open page.
func closeGracefully(ctx context.Context, engine *wait.Engine, s browser.Session, logger zerolog.Logger) {
	engine.Settle()
	defer engine.Settle()
	cctx, cancel := snapshot.WithDeadline(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	err := wait.Run(cctx, engine, "close", wait.Attempt(func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.Close(ctx)
	}))
	if err != nil {
		logger.Warn().Err(err).Msg("session not closed")
	}
}
