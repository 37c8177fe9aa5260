// Package fields implements per-field operations on a form page. Each
// operation waits for its element through the wait engine and then acts,
// so callers can treat "locate, wait, act" as one step.
package fields

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/polzovatel/residence-form-bot/internal/browser"
	"github.com/polzovatel/residence-form-bot/internal/wait"
)

var (
	ErrElementNotFound     = errors.New("element not found")
	ErrScriptWriteRejected = errors.New("script write rejected")
)

// Action is what a Step does with its element.
type Action int

const (
	EnterText Action = iota
	SelectByValue
	Click
	// ScriptWrite sets the element's value from a script. It bypasses input
	// simulation and is meant for fields the user cannot interact with.
	ScriptWrite
)

func (a Action) String() string {
	switch a {
	case SelectByValue:
		return "select_by_value"
	case Click:
		return "click"
	case ScriptWrite:
		return "script_write"
	default:
		return "enter_text"
	}
}

// Step pairs a locator with the action to perform on it.
type Step struct {
	Locator Locator
	Action  Action
	Value   string
}

// SelectResult tells whether SelectByValue touched the page.
type SelectResult int

const (
	Selected SelectResult = iota
	SkippedMissingElement
)

func (r SelectResult) String() string {
	if r == SkippedMissingElement {
		return "skipped_missing_element"
	}
	return "selected"
}

// Filler performs field operations against one session.
type Filler struct {
	engine  *wait.Engine
	session browser.Session
	logger  zerolog.Logger
}

func New(engine *wait.Engine, session browser.Session, logger zerolog.Logger) *Filler {
	return &Filler{engine: engine, session: session, logger: logger}
}

// Locate waits until loc is present in the DOM.
func (f *Filler) Locate(ctx context.Context, loc Locator) (*browser.Element, error) {
	el, err := wait.Until(ctx, f.engine, loc.Value, wait.Present(f.session, loc.Selector()))
	if err != nil {
		return nil, notFound(loc, err)
	}
	return el, nil
}

// EnterText types value into loc as-is, without validation.
func (f *Filler) EnterText(ctx context.Context, loc Locator, value string) error {
	el, err := f.Locate(ctx, loc)
	if err != nil {
		return err
	}
	if err := f.session.Type(ctx, el.Selector, value); err != nil {
		return fmt.Errorf("enter text into %s: %w", loc, err)
	}
	f.logger.Debug().Str("field", loc.Value).Msg("text entered")
	return nil
}

// SelectByValue picks the option whose value equals value. A nil element is
// not an error: the selection is skipped and SkippedMissingElement returned.
func (f *Filler) SelectByValue(ctx context.Context, el *browser.Element, description, value string) (SelectResult, error) {
	if el == nil {
		f.logger.Warn().Str("field", description).Msg("element is missing, select skipped")
		return SkippedMissingElement, nil
	}
	ready, err := wait.Until(ctx, f.engine, description, wait.Clickable(f.session, el.Selector))
	if err != nil {
		return Selected, fmt.Errorf("%w: %s: %w", ErrElementNotFound, description, err)
	}
	picked, err := f.session.SelectByValue(ctx, ready.Selector, value)
	if err != nil {
		return Selected, fmt.Errorf("select %q in %s: %w", value, description, err)
	}
	f.logger.Info().Str("field", description).Strs("selected", picked).Msg("option selected")
	return Selected, nil
}

// Click waits for loc to exist and clicks it.
func (f *Filler) Click(ctx context.Context, loc Locator) error {
	el, err := f.Locate(ctx, loc)
	if err != nil {
		return err
	}
	if err := f.session.Click(ctx, el.Selector); err != nil {
		return fmt.Errorf("click %s: %w", loc, err)
	}
	return nil
}

const scriptWrite = `([sel, value]) => {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.innerHTML = value;
	if ("value" in el) el.value = value;
	return true;
}`

// Inject writes value into loc through a script once loc exists.
func (f *Filler) Inject(ctx context.Context, loc Locator, value string) error {
	el, err := f.Locate(ctx, loc)
	if err != nil {
		return err
	}
	res, err := f.session.Evaluate(ctx, scriptWrite, []any{el.Selector, value})
	if err != nil {
		return fmt.Errorf("script write into %s: %w", loc, err)
	}
	if ok, _ := res.(bool); !ok {
		return fmt.Errorf("%w: %s", ErrScriptWriteRejected, loc)
	}
	return nil
}

// Apply runs one step. The SelectResult is meaningful only for
// SelectByValue steps.
func (f *Filler) Apply(ctx context.Context, step Step) (SelectResult, error) {
	switch step.Action {
	case EnterText:
		return Selected, f.EnterText(ctx, step.Locator, step.Value)
	case Click:
		return Selected, f.Click(ctx, step.Locator)
	case ScriptWrite:
		return Selected, f.Inject(ctx, step.Locator, step.Value)
	case SelectByValue:
		el, err := f.Locate(ctx, step.Locator)
		if err != nil {
			return Selected, err
		}
		return f.SelectByValue(ctx, el, step.Locator.Value, step.Value)
	default:
		return Selected, fmt.Errorf("unknown action %d", step.Action)
	}
}

func notFound(loc Locator, err error) error {
	if errors.Is(err, wait.ErrTimeoutExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrElementNotFound, loc, err)
	}
	return fmt.Errorf("locate %s: %w", loc, err)
}

// Describe renders steps for logs.
func Describe(steps []Step) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		parts = append(parts, s.Action.String()+"("+s.Locator.String()+")")
	}
	return strings.Join(parts, ", ")
}
