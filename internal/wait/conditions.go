package wait

import (
	"context"
	"errors"
	"fmt"

	"github.com/polzovatel/residence-form-bot/internal/browser"
)

var (
	errAbsent     = errors.New("element not present")
	errNotVisible = errors.New("element not visible")
	errDisabled   = errors.New("element not enabled")
	errEmpty      = errors.New("empty value")
)

// Present holds once at least one element matches selector.
func Present(s browser.Session, selector string) Condition[*browser.Element] {
	return func(ctx context.Context) Outcome[*browser.Element] {
		n, err := s.Count(ctx, selector)
		if err != nil {
			return NotYetReady[*browser.Element](err)
		}
		if n == 0 {
			return NotYetReady[*browser.Element](fmt.Errorf("%s: %w", selector, errAbsent))
		}
		return Ready(&browser.Element{Selector: selector})
	}
}

// Clickable holds once the first match is visible and enabled.
func Clickable(s browser.Session, selector string) Condition[*browser.Element] {
	return func(ctx context.Context) Outcome[*browser.Element] {
		visible, err := s.IsVisible(ctx, selector)
		if err != nil {
			return NotYetReady[*browser.Element](err)
		}
		if !visible {
			return NotYetReady[*browser.Element](fmt.Errorf("%s: %w", selector, errNotVisible))
		}
		enabled, err := s.IsEnabled(ctx, selector)
		if err != nil {
			return NotYetReady[*browser.Element](err)
		}
		if !enabled {
			return NotYetReady[*browser.Element](fmt.Errorf("%s: %w", selector, errDisabled))
		}
		return Ready(&browser.Element{Selector: selector})
	}
}

// AttributeOf holds once the attribute is readable and non-empty.
func AttributeOf(s browser.Session, selector, name string) Condition[string] {
	return Attempt(func(ctx context.Context) (string, error) {
		v, err := s.Attribute(ctx, selector, name)
		if err != nil {
			return "", err
		}
		if v == "" {
			return "", fmt.Errorf("%s[%s]: %w", selector, name, errEmpty)
		}
		return v, nil
	})
}

// CurrentURL holds once the page reports a non-blank URL.
func CurrentURL(s browser.Session) Condition[string] {
	return Attempt(func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		u := s.URL()
		if u == "" || u == "about:blank" {
			return "", fmt.Errorf("url: %w", errEmpty)
		}
		return u, nil
	})
}
