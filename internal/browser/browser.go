package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

const (
	defaultNavTimeout    = 30 * time.Second
	defaultActionTime    = 10 * time.Second
	defaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.3"
	defaultConnectTries  = 20
	connectRetryInterval = time.Second
)

// Session is the live handle to one browser page. A session belongs to a
// single workflow at a time and must not be shared.
type Session interface {
	Navigate(ctx context.Context, url string) error
	URL() string
	Title(ctx context.Context) (string, error)
	Count(ctx context.Context, selector string) (int, error)
	IsVisible(ctx context.Context, selector string) (bool, error)
	IsEnabled(ctx context.Context, selector string) (bool, error)
	Attribute(ctx context.Context, selector, name string) (string, error)
	Type(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	SelectByValue(ctx context.Context, selector, value string) ([]string, error)
	Evaluate(ctx context.Context, script string, arg any) (any, error)
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, path string) error
	Close(ctx context.Context) error
}

// Element is a located DOM node, addressed by the selector that found it.
type Element struct {
	Selector string
}

// Options controls how the launcher obtains a browser.
type Options struct {
	// WSEndpoint connects to a remote browser instead of launching one.
	WSEndpoint      string
	Headless        bool
	ConnectAttempts int
	UserAgent       string
	ActionTimeout   time.Duration
}

// Launcher owns playwright lifecycle.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    Options
	logger  zerolog.Logger
}

func NewLauncher(ctx context.Context, opts Options, logger zerolog.Logger) (*Launcher, error) {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = defaultConnectTries
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTime
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	var browser playwright.Browser
	for attempt := 1; attempt <= opts.ConnectAttempts; attempt++ {
		logger.Info().Str("endpoint", opts.WSEndpoint).Int("try", attempt).Msg("initializing browser")
		browser, err = open(pw, opts)
		if err == nil {
			break
		}
		logger.Error().Err(err).Int("try", attempt).Msg("failed to initialize browser")
		select {
		case <-ctx.Done():
			_ = pw.Stop()
			return nil, ctx.Err()
		case <-time.After(connectRetryInterval):
		}
	}
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("open browser after %d tries: %w", opts.ConnectAttempts, err)
	}
	logger.Info().Msg("browser is initialized")
	return &Launcher{pw: pw, browser: browser, opts: opts, logger: logger}, nil
}

func open(pw *playwright.Playwright, opts Options) (playwright.Browser, error) {
	if strings.TrimSpace(opts.WSEndpoint) != "" {
		return pw.Chromium.Connect(opts.WSEndpoint)
	}
	return pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-blink-features=AutomationControlled",
			"--disable-infobars",
			"--start-maximized",
			"--disable-extensions",
		},
	})
}

// NewSession opens a fresh context and page. The caller owns the returned
// session and must close it.
func (l *Launcher) NewSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bctx, err := l.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(l.opts.UserAgent),
		Viewport:          &playwright.Size{Width: 1920, Height: 1080},
		IgnoreHttpsErrors: playwright.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	// unexpected alerts are accepted, the page keeps going
	page.OnDialog(func(d playwright.Dialog) { _ = d.Accept() })
	return &pageSession{context: bctx, page: page, actionTimeout: l.opts.ActionTimeout}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type pageSession struct {
	context       playwright.BrowserContext
	page          playwright.Page
	actionTimeout time.Duration
}

func (s *pageSession) timeout(ctx context.Context) *float64 {
	return playwright.Float(float64(actionBudget(ctx, s.actionTimeout).Milliseconds()))
}

// actionBudget is the smaller of limit and the time left before ctx's
// deadline, but never below a millisecond since playwright reads 0 as
// "no timeout".
func actionBudget(ctx context.Context, limit time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if rest := time.Until(dl); rest < limit {
			limit = rest
		}
	}
	if limit < time.Millisecond {
		limit = time.Millisecond
	}
	return limit
}

func (s *pageSession) first(selector string) playwright.Locator {
	return s.page.Locator(selector).First()
}

func (s *pageSession) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(actionBudget(ctx, defaultNavTimeout).Milliseconds())),
	})
	return wrap(err)
}

func (s *pageSession) URL() string {
	return s.page.URL()
}

func (s *pageSession) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	title, err := s.page.Title()
	return title, wrap(err)
}

func (s *pageSession) Count(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.page.Locator(selector).Count()
	return n, wrap(err)
}

func (s *pageSession) IsVisible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.first(selector).IsVisible()
	return ok, wrap(err)
}

func (s *pageSession) IsEnabled(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.first(selector).IsEnabled(playwright.LocatorIsEnabledOptions{Timeout: s.timeout(ctx)})
	return ok, wrap(err)
}

func (s *pageSession) Attribute(ctx context.Context, selector, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	val, err := s.first(selector).GetAttribute(name, playwright.LocatorGetAttributeOptions{Timeout: s.timeout(ctx)})
	return val, wrap(err)
}

// Type simulates key presses, appending to whatever the field holds.
func (s *pageSession) Type(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(s.first(selector).PressSequentially(text, playwright.LocatorPressSequentiallyOptions{Timeout: s.timeout(ctx)}))
}

func (s *pageSession) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(s.first(selector).Click(playwright.LocatorClickOptions{Timeout: s.timeout(ctx)}))
}

func (s *pageSession) SelectByValue(ctx context.Context, selector, value string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	selected, err := s.first(selector).SelectOption(
		playwright.SelectOptionValues{Values: &[]string{value}},
		playwright.LocatorSelectOptionOptions{Timeout: s.timeout(ctx)},
	)
	return selected, wrap(err)
}

func (s *pageSession) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, err := s.page.Evaluate(script, arg)
	return val, wrap(err)
}

func (s *pageSession) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := s.page.Content()
	return html, wrap(err)
}

func (s *pageSession) Screenshot(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	})
	return wrap(err)
}

func (s *pageSession) Close(context.Context) error {
	if s.page != nil {
		_ = s.page.Close()
	}
	if s.context != nil {
		return wrap(s.context.Close())
	}
	return nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}
