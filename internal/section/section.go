// Package section drives the personal-details step of the application
// form: common fields, the branch chosen by the service type, an optional
// CAPTCHA and submission.
package section

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/polzovatel/residence-form-bot/internal/browser"
	"github.com/polzovatel/residence-form-bot/internal/captcha"
	"github.com/polzovatel/residence-form-bot/internal/fields"
	"github.com/polzovatel/residence-form-bot/internal/wait"
)

const DefaultName = "Section4VisaForm"

var ErrInvalidServiceType = errors.New("invalid service type")

// CaptchaSolver solves the page's challenge before submission.
type CaptchaSolver interface {
	Solve(ctx context.Context, s browser.Session) (captcha.Solution, error)
}

type Options struct {
	Engine *wait.Engine
	// Captcha is optional; when nil the section is submitted without one.
	Captcha CaptchaSolver
	Logger  zerolog.Logger
	Layout  *Layout
	Name    string
}

// Controller fills and submits the section for one applicant.
type Controller struct {
	applicant Applicant
	engine    *wait.Engine
	captcha   CaptchaSolver
	layout    Layout
	name      string
	logger    zerolog.Logger
}

func New(a Applicant, opts Options) *Controller {
	c := &Controller{
		applicant: a,
		engine:    opts.Engine,
		captcha:   opts.Captcha,
		layout:    DefaultLayout(),
		name:      opts.Name,
		logger:    opts.Logger,
	}
	if c.engine == nil {
		c.engine = wait.New(wait.DefaultTimeout, wait.DefaultInterval)
	}
	if opts.Layout != nil {
		c.layout = *opts.Layout
	}
	if c.name == "" {
		c.name = DefaultName
	}
	return c
}

// run is the state of one FillAndSend call. It holds the session only for
// the duration of that call.
type run struct {
	*Controller
	filler  *fields.Filler
	session browser.Session
	handled bool
}

// FillAndSend fills the section on s and submits it. The returned flag is
// true only when an option was actually selected; text-only branches leave
// it false.
func (c *Controller) FillAndSend(ctx context.Context, s browser.Session) (bool, error) {
	r := &run{Controller: c, session: s, filler: fields.New(c.engine, s, c.logger)}

	c.engine.Capture(ctx, "")
	if err := r.fill(ctx); err != nil {
		return false, err
	}
	c.engine.Capture(ctx, "after_filling")

	if c.captcha != nil {
		if _, err := c.captcha.Solve(ctx, s); err != nil {
			return r.handled, fmt.Errorf("%s: captcha: %w", c.name, err)
		}
	}
	if err := r.submit(ctx); err != nil {
		return r.handled, err
	}
	c.engine.Capture(ctx, "after_send")
	return r.handled, nil
}

// Plan lists the steps for the applicant's service type.
func (c *Controller) Plan() ([]fields.Step, error) {
	a, l := c.applicant, c.layout
	steps := []fields.Step{
		{Locator: l.FirstName, Action: fields.EnterText, Value: a.FirstName},
		{Locator: l.LastName, Action: fields.EnterText, Value: a.LastName},
		{Locator: l.Birthdate, Action: fields.EnterText, Value: a.Birthdate},
		{Locator: l.Email, Action: fields.EnterText, Value: a.Email},
	}
	switch a.ServiceType {
	case ServiceExtend:
		return append(steps, fields.Step{Locator: l.PermitIDExtension, Action: fields.EnterText, Value: a.PermitID}), nil
	case ServiceApply:
		choice := "0"
		if a.PermitPresent {
			choice = "1"
		}
		steps = append(steps, fields.Step{Locator: l.PermitPresent, Action: fields.SelectByValue, Value: choice})
		if a.PermitPresent {
			steps = append(steps, fields.Step{Locator: l.PermitID, Action: fields.EnterText, Value: a.PermitID})
		}
		return steps, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidServiceType, a.ServiceType)
	}
}

func (r *run) fill(ctx context.Context) error {
	steps, err := r.Plan()
	if err != nil {
		r.logger.Error().Err(err).Msg("cannot fill section")
		return fmt.Errorf("%s: %w", r.name, err)
	}
	r.logger.Info().Str("service_type", r.applicant.ServiceType).Str("plan", fields.Describe(steps)).Msg("filling section")
	for _, st := range steps {
		res, err := r.filler.Apply(ctx, st)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", r.name, st.Locator.Value, err)
		}
		if st.Action == fields.SelectByValue && res == fields.Selected {
			r.handled = true
		}
	}
	return nil
}

func (r *run) submit(ctx context.Context) error {
	if err := r.filler.Click(ctx, r.layout.Submit); err != nil {
		return fmt.Errorf("%s: submit: %w", r.name, err)
	}
	r.logger.Info().Msg("section submitted")
	return nil
}
