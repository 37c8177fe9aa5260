package wait

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/residence-form-bot/internal/browser/browsertest"
)

func TestUntil_ReadyImmediately(t *testing.T) {
	e := New(time.Second, 50*time.Millisecond)
	calls := 0
	v, err := Until(context.Background(), e, "now", func(context.Context) Outcome[int] {
		calls++
		return Ready(42)
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestUntil_ReadyWithinOneInterval(t *testing.T) {
	const interval = 40 * time.Millisecond
	e := New(2*time.Second, interval)
	readyAt := 150 * time.Millisecond
	start := time.Now()

	v, err := Until(context.Background(), e, "later", func(context.Context) Outcome[string] {
		if time.Since(start) >= readyAt {
			return Ready("ok")
		}
		return NotYetReady[string](errors.New("not yet"))
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.GreaterOrEqual(t, elapsed, readyAt)
	// generous slack for scheduler jitter on busy CI machines
	assert.Less(t, elapsed, readyAt+interval+60*time.Millisecond)
}

func TestUntil_NeverFasterThanInterval(t *testing.T) {
	const interval = 30 * time.Millisecond
	e := New(200*time.Millisecond, interval)
	var stamps []time.Time

	_, err := Until(context.Background(), e, "cadence", func(context.Context) Outcome[struct{}] {
		stamps = append(stamps, time.Now())
		return NotYetReady[struct{}](errors.New("nope"))
	})
	require.Error(t, err)
	require.Greater(t, len(stamps), 2)

	// the last gap may be clamped to the deadline
	for i := 1; i < len(stamps)-1; i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), interval, "attempt %d came too early", i+1)
	}
	assert.LessOrEqual(t, len(stamps), int(200*time.Millisecond/interval)+2)
}

func TestUntil_TimeoutNotBeforeDeadline(t *testing.T) {
	const (
		timeout  = 120 * time.Millisecond
		interval = 25 * time.Millisecond
	)
	e := New(timeout, interval)
	start := time.Now()
	last := errors.New("still loading")

	_, err := Until(context.Background(), e, "never", func(context.Context) Outcome[int] {
		return NotYetReady[int](last)
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeoutExceeded))
	assert.True(t, errors.Is(err, last), "timeout should carry the last failure reason")
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+interval+60*time.Millisecond)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "never", te.Phase)
	assert.Greater(t, te.Attempts, 1)
}

func TestUntil_ProbeErrorsDoNotEscape(t *testing.T) {
	e := New(time.Second, 5*time.Millisecond)
	n := 0
	v, err := Until(context.Background(), e, "flaky", Attempt(func(context.Context) (int, error) {
		n++
		if n < 4 {
			return 0, errors.New("stale element reference")
		}
		return n, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestUntil_FailedAbortsAtOnce(t *testing.T) {
	e := New(time.Second, 5*time.Millisecond)
	boom := errors.New("detached frame")
	n := 0
	_, err := Until(context.Background(), e, "broken", func(context.Context) Outcome[int] {
		n++
		return Failed[int](boom)
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrTimeoutExceeded))
}

func TestUntil_HookCalledPerFailedAttempt(t *testing.T) {
	hook := &browsertest.Hook{}
	e := New(time.Second, 5*time.Millisecond, WithHook(hook), WithWorkflow("Section4"))
	n := 0
	_, err := Until(context.Background(), e, "firstName", func(context.Context) Outcome[int] {
		n++
		if n == 3 {
			return Ready(n)
		}
		return NotYetReady[int](errors.New("absent"))
	})
	require.NoError(t, err)
	e.Settle()
	assert.Equal(t, []string{"Section4:firstName_retry", "Section4:firstName_retry"}, hook.Snapshot())
}

// sleepyHook stands in for a recorder that reads the page and uploads it.
type sleepyHook struct {
	delay time.Duration
	calls atomic.Int32
}

func (h *sleepyHook) Capture(ctx context.Context, _, _ string) {
	h.calls.Add(1)
	select {
	case <-time.After(h.delay):
	case <-ctx.Done():
	}
}

func TestUntil_SlowHookDoesNotDelayReady(t *testing.T) {
	const (
		interval = 10 * time.Millisecond
		readyAt  = 30 * time.Millisecond
	)
	hook := &sleepyHook{delay: 200 * time.Millisecond}
	e := New(time.Second, interval, WithHook(hook))
	start := time.Now()

	_, err := Until(context.Background(), e, "late", func(context.Context) Outcome[int] {
		if time.Since(start) >= readyAt {
			return Ready(1)
		}
		return NotYetReady[int](errors.New("not yet"))
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, readyAt+interval+60*time.Millisecond)

	e.Settle()
	assert.Greater(t, hook.calls.Load(), int32(0))
	assert.GreaterOrEqual(t, time.Since(start), hook.delay, "Settle returned before captures finished")
}

func TestUntil_SlowHookDoesNotDelayTimeout(t *testing.T) {
	const (
		timeout  = 100 * time.Millisecond
		interval = 10 * time.Millisecond
	)
	e := New(timeout, interval, WithHook(&sleepyHook{delay: 60 * time.Millisecond}))
	start := time.Now()

	_, err := Until(context.Background(), e, "never", func(context.Context) Outcome[int] {
		return NotYetReady[int](errors.New("absent"))
	})
	elapsed := time.Since(start)
	e.Settle()

	require.ErrorIs(t, err, ErrTimeoutExceeded)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+interval+60*time.Millisecond)
}

func TestUntil_BlockingProbeEndsNearDeadline(t *testing.T) {
	const (
		timeout  = 100 * time.Millisecond
		interval = 10 * time.Millisecond
	)
	e := New(timeout, interval)
	start := time.Now()

	// past 90ms each probe waits for the element the way a browser action
	// with its own timeout would
	_, err := Until(context.Background(), e, "slow", func(ctx context.Context) Outcome[int] {
		if time.Since(start) < 90*time.Millisecond {
			return NotYetReady[int](errors.New("absent"))
		}
		select {
		case <-time.After(100 * time.Millisecond):
			return NotYetReady[int](errors.New("element did not appear"))
		case <-ctx.Done():
			return NotYetReady[int](ctx.Err())
		}
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeoutExceeded)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+interval+60*time.Millisecond)
}

func TestUntil_HookOutlivesCancelledCaller(t *testing.T) {
	var seen []error
	var mu sync.Mutex
	hook := hookFunc(func(ctx context.Context, _, _ string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ctx.Err())
	})
	e := New(time.Second, 5*time.Millisecond, WithHook(hook))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Until(ctx, e, "cancelled", func(context.Context) Outcome[int] {
		return NotYetReady[int](errors.New("absent"))
	})
	require.ErrorIs(t, err, context.Canceled)
	e.Settle()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.NoError(t, seen[0])
}

type hookFunc func(ctx context.Context, workflow, phase string)

func (f hookFunc) Capture(ctx context.Context, workflow, phase string) { f(ctx, workflow, phase) }

func TestUntil_ContextCancel(t *testing.T) {
	e := New(5*time.Second, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	_, err := Until(ctx, e, "cancelled", func(context.Context) Outcome[int] {
		once.Do(cancel)
		return NotYetReady[int](errors.New("absent"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_Defaults(t *testing.T) {
	e := New(0, -1)
	assert.Equal(t, DefaultTimeout, e.Timeout())
	assert.Equal(t, DefaultInterval, e.Interval())
}

func TestPresent_WaitsForElement(t *testing.T) {
	s := browsertest.New("https://example.test/form")
	s.Add("input[name='x']", &browsertest.Element{AppearAfter: 2, FailFirst: 1})
	e := New(time.Second, 5*time.Millisecond)

	el, err := Until(context.Background(), e, "present", Present(s, "input[name='x']"))
	require.NoError(t, err)
	assert.Equal(t, "input[name='x']", el.Selector)
}

func TestClickable_HiddenTimesOut(t *testing.T) {
	s := browsertest.New("https://example.test/form")
	s.Add("select", &browsertest.Element{Hidden: true})
	e := New(50*time.Millisecond, 10*time.Millisecond)

	_, err := Until(context.Background(), e, "clickable", Clickable(s, "select"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeoutExceeded)
	assert.ErrorIs(t, err, errNotVisible)
}

func TestAttributeAndURL(t *testing.T) {
	s := browsertest.New("https://example.test/form")
	s.Add(".g-recaptcha", &browsertest.Element{Attrs: map[string]string{"data-sitekey": "key-1"}})
	e := New(time.Second, 5*time.Millisecond)

	key, err := Until(context.Background(), e, "sitekey", AttributeOf(s, ".g-recaptcha", "data-sitekey"))
	require.NoError(t, err)
	assert.Equal(t, "key-1", key)

	u, err := Until(context.Background(), e, "url", CurrentURL(s))
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/form", u)
}
