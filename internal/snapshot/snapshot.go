package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/polzovatel/residence-form-bot/internal/browser"
)

const visibleLimit = 1200

// Summary is a compact view of current page.
type Summary struct {
	URL     string
	Title   string
	Visible string
}

func (s Summary) String() string {
	return fmt.Sprintf("URL: %s\nTITLE: %s\nTEXT: %s\n", s.URL, s.Title, s.Visible)
}

// Collect reads URL, title and the start of the visible text.
func Collect(ctx context.Context, s browser.Session) (Summary, error) {
	title, err := s.Title(ctx)
	if err != nil {
		return Summary{URL: s.URL()}, err
	}
	text, _ := s.Evaluate(ctx, `() => document.body ? document.body.innerText : ""`, nil)
	visible, _ := text.(string)
	visible = truncate(visible, visibleLimit)
	return Summary{URL: s.URL(), Title: title, Visible: strings.TrimSpace(visible)}, nil
}

// Sink receives every written snapshot file.
type Sink interface {
	Store(ctx context.Context, workflow, path string) error
}

// Recorder saves the page HTML at diagnostic points. It is bound to one
// session and satisfies wait.Hook.
type Recorder struct {
	session    browser.Session
	dir        string
	screenshot bool
	sink       Sink
	logger     zerolog.Logger
	now        func() time.Time
}

type Option func(*Recorder)

func WithSink(s Sink) Option {
	return func(r *Recorder) { r.sink = s }
}

// WithScreenshots also stores a full-page PNG next to each HTML file.
func WithScreenshots() Option {
	return func(r *Recorder) { r.screenshot = true }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

func NewRecorder(s browser.Session, dir string, opts ...Option) *Recorder {
	r := &Recorder{session: s, dir: dir, logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Capture writes <dir>/<unix-nanos>_<workflow>_<phase>.html. Failures are
// logged and swallowed.
func (r *Recorder) Capture(ctx context.Context, workflow, phase string) {
	path, err := r.save(ctx, workflow, phase)
	if err != nil {
		r.logger.Warn().Err(err).Str("workflow", workflow).Str("phase", phase).Msg("snapshot not saved")
		return
	}
	if sum, err := Collect(ctx, r.session); err == nil {
		r.logger.Debug().Str("workflow", workflow).Str("phase", phase).Str("url", sum.URL).Str("title", sum.Title).Str("path", path).Msg("snapshot")
	}
	if r.sink != nil {
		if err := r.sink.Store(ctx, workflow, path); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("snapshot upload failed")
		}
	}
}

func (r *Recorder) save(ctx context.Context, workflow, phase string) (string, error) {
	html, err := r.session.Content(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	base := fmt.Sprintf("%d_%s", r.now().UnixNano(), sanitize(workflow))
	if phase != "" {
		base += "_" + sanitize(phase)
	}
	path := filepath.Join(r.dir, base+".html")
	if err := os.WriteFile(path, []byte(html), 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if r.screenshot {
		if err := r.session.Screenshot(ctx, filepath.Join(r.dir, base+".png")); err != nil {
			r.logger.Debug().Err(err).Msg("screenshot failed")
		}
	}
	return path, nil
}

// truncate keeps the first n characters of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func sanitize(s string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(s, "-"), "-")
}

// WithDeadline shortens context to avoid long snapshot waits.
func WithDeadline(ctx context.Context, dur time.Duration) (context.Context, context.CancelFunc) {
	if dur <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dur)
}
