// Package browsertest provides an in-memory browser.Session for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/polzovatel/residence-form-bot/internal/browser"
)

var (
	ErrNoElement   = errors.New("browsertest: no such element")
	ErrStale       = errors.New("browsertest: stale element reference")
	ErrNoSuchValue = errors.New("browsertest: no option with value")
)

// Element describes one node of the fake page.
type Element struct {
	// AppearAfter hides the element from the first N lookups.
	AppearAfter int

	// FailFirst makes the first N lookups return ErrStale.
	FailFirst int

	Hidden   bool
	Disabled bool
	Attrs    map[string]string
	Options  []string

	// RejectScript makes script writes report failure.
	RejectScript bool

	Value    string
	Scripted string
	Selected string

	lookups int
}

// settled reports whether the element is reachable for actions.
func (el *Element) settled() bool {
	gate := el.AppearAfter
	if el.FailFirst > gate {
		gate = el.FailFirst
	}
	return gate == 0 || el.lookups > gate
}

// Call is one recorded interaction.
type Call struct {
	Op       string
	Selector string
	Value    string
}

// Session is a scripted page. Elements are keyed by selector.
type Session struct {
	mu       sync.Mutex
	url      string
	title    string
	elements map[string]*Element
	calls    []Call
	closed   atomic.Bool
}

var _ browser.Session = (*Session)(nil)

func New(url string) *Session {
	return &Session{url: url, title: "Fake", elements: map[string]*Element{}}
}

// Add registers an element and returns it for further tweaking.
func (s *Session) Add(selector string, el *Element) *Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el == nil {
		el = &Element{}
	}
	s.elements[selector] = el
	return el
}

func (s *Session) Element(selector string) *Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elements[selector]
}

// Calls returns the mutating calls in order: type, click, select, script, navigate.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Session) Closed() bool { return s.closed.Load() }

func (s *Session) record(op, selector, value string) {
	s.calls = append(s.calls, Call{Op: op, Selector: selector, Value: value})
}

// lookup counts one probe of selector. Caller holds mu.
func (s *Session) lookup(selector string) (*Element, error) {
	el, ok := s.elements[selector]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	el.lookups++
	if el.lookups <= el.FailFirst {
		return nil, fmt.Errorf("%w: %s", ErrStale, selector)
	}
	if el.lookups <= el.AppearAfter {
		return nil, fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	return el, nil
}

// present resolves an element without counting a probe. Caller holds mu.
func (s *Session) present(selector string) (*Element, error) {
	el, ok := s.elements[selector]
	if !ok || !el.settled() {
		return nil, fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	return el, nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
	s.record("navigate", "", url)
	return nil
}

func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Session) Title(ctx context.Context) (string, error) {
	return s.title, ctx.Err()
}

func (s *Session) Count(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(selector); err != nil {
		if errors.Is(err, ErrNoElement) {
			return 0, nil
		}
		return 0, err
	}
	return 1, nil
}

func (s *Session) IsVisible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, err := s.lookup(selector)
	if err != nil {
		if errors.Is(err, ErrNoElement) {
			return false, nil
		}
		return false, err
	}
	return !el.Hidden, nil
}

func (s *Session) IsEnabled(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, err := s.present(selector)
	if err != nil {
		return false, err
	}
	return !el.Disabled, nil
}

func (s *Session) Attribute(ctx context.Context, selector, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, err := s.lookup(selector)
	if err != nil {
		return "", err
	}
	return el.Attrs[name], nil
}

func (s *Session) Type(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, err := s.present(selector)
	if err != nil {
		return err
	}
	el.Value += text
	s.record("type", selector, text)
	return nil
}

func (s *Session) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.present(selector); err != nil {
		return err
	}
	s.record("click", selector, "")
	return nil
}

func (s *Session) SelectByValue(ctx context.Context, selector, value string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, err := s.present(selector)
	if err != nil {
		return nil, err
	}
	if len(el.Options) > 0 {
		found := false
		for _, o := range el.Options {
			if o == value {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrNoSuchValue, value)
		}
	}
	el.Selected = value
	s.record("select", selector, value)
	return []string{value}, nil
}

// Evaluate understands the script-write call made by fields.Inject: arg is
// a []any{selector, value}. Other scripts are treated as reads and return nil.
func (s *Session) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := arg.([]any)
	if !ok || len(pair) != 2 {
		return nil, nil
	}
	selector, _ := pair[0].(string)
	value, _ := pair[1].(string)
	el, err := s.present(selector)
	if err != nil {
		return false, nil
	}
	if el.RejectScript {
		return false, nil
	}
	el.Scripted = value
	s.record("script", selector, value)
	return true, nil
}

func (s *Session) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "<html><body>fake</body></html>", nil
}

// pngHeader is written as the screenshot body.
var pngHeader = []byte("\x89PNG\r\n\x1a\n")

func (s *Session) Screenshot(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.WriteFile(path, pngHeader, 0o600)
}

func (s *Session) Close(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}

// Hook counts diagnostics captures and records their phases.
type Hook struct {
	mu     sync.Mutex
	Phases []string
}

func (h *Hook) Capture(_ context.Context, workflow, phase string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Phases = append(h.Phases, workflow+":"+phase)
}

func (h *Hook) Snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.Phases...)
}
