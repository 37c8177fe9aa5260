package captcha

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/residence-form-bot/internal/browser/browsertest"
	"github.com/polzovatel/residence-form-bot/internal/fields"
	"github.com/polzovatel/residence-form-bot/internal/wait"
)

type fakeSolver struct {
	createErr error
	waitErr   error
	token     Solution

	got        Challenge
	created    int
	waitCalled int
}

func (f *fakeSolver) CreateTask(_ context.Context, ch Challenge) (TaskID, error) {
	f.got = ch
	f.created++
	if f.createErr != nil {
		return 0, f.createErr
	}
	return 7, nil
}

func (f *fakeSolver) WaitForResult(_ context.Context, id TaskID) (Solution, error) {
	f.waitCalled++
	if f.waitErr != nil {
		return "", f.waitErr
	}
	return f.token, nil
}

type recorder struct {
	states []State
	pauses []time.Duration
}

func (r *recorder) opts() []BridgeOption {
	return []BridgeOption{
		WithObserver(func(s State) { r.states = append(r.states, s) }),
		WithPause(func(_ context.Context, d time.Duration) error {
			r.pauses = append(r.pauses, d)
			return nil
		}),
	}
}

func capturePage() *browsertest.Session {
	s := browsertest.New("https://otv.example.test/ams/TerminBuchen/wizardng")
	s.Add(WidgetLocator.Selector(), &browsertest.Element{Attrs: map[string]string{"data-sitekey": "6Lc-site"}})
	s.Add(ResponseLocator.Selector(), &browsertest.Element{AppearAfter: 2})
	return s
}

func engine() *wait.Engine {
	return wait.New(100*time.Millisecond, 5*time.Millisecond)
}

func TestSolve_HappyPath(t *testing.T) {
	s := capturePage()
	solver := &fakeSolver{token: "03AGdBq2"}
	rec := &recorder{}

	tok, err := NewBridge(solver, engine(), rec.opts()...).Solve(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, Solution("03AGdBq2"), tok)
	assert.Equal(t, Challenge{PageURL: "https://otv.example.test/ams/TerminBuchen/wizardng", SiteKey: "6Lc-site"}, solver.got)
	assert.Equal(t, []State{ChallengeExtracted, TaskCreated, Polling, Solved}, rec.states)
	assert.Equal(t, "03AGdBq2", s.Element(ResponseLocator.Selector()).Scripted)

	require.Len(t, rec.pauses, 3, "pause before reading, before and after injecting")
	for _, d := range rec.pauses {
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}
}

func TestSolve_TaskCreationFails(t *testing.T) {
	s := capturePage()
	solver := &fakeSolver{createErr: &RequestError{Message: "quota exceeded"}}
	rec := &recorder{}

	_, err := NewBridge(solver, engine(), rec.opts()...).Solve(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSolverRequestFailed)
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "quota exceeded", reqErr.Message)

	assert.Equal(t, 0, solver.waitCalled, "polling must not start without a task")
	assert.Equal(t, []State{ChallengeExtracted, Failed}, rec.states)
	assert.Empty(t, s.Calls(), "no token injection")
}

func TestSolve_PlainCreateErrorIsWrapped(t *testing.T) {
	solver := &fakeSolver{createErr: errors.New("connection reset")}
	_, err := NewBridge(solver, engine(), (&recorder{}).opts()...).Solve(context.Background(), capturePage())
	assert.ErrorIs(t, err, ErrSolverRequestFailed)
}

func TestSolve_Unsolved(t *testing.T) {
	s := capturePage()
	solver := &fakeSolver{waitErr: errors.New("ERROR_CAPTCHA_UNSOLVABLE")}
	rec := &recorder{}

	_, err := NewBridge(solver, engine(), rec.opts()...).Solve(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSolverUnsolved)
	assert.Equal(t, []State{ChallengeExtracted, TaskCreated, Polling, Failed}, rec.states)
	assert.Empty(t, s.Calls())
}

func TestSolve_NeverSolvedWithoutTask(t *testing.T) {
	for _, solver := range []*fakeSolver{
		{token: "t"},
		{createErr: errors.New("bad key")},
		{waitErr: errors.New("timeout")},
	} {
		rec := &recorder{}
		_, _ = NewBridge(solver, engine(), rec.opts()...).Solve(context.Background(), capturePage())
		created := false
		for _, st := range rec.states {
			if st == TaskCreated {
				created = true
			}
			if st == Solved {
				assert.True(t, created, "reached solved before task_created: %v", rec.states)
			}
		}
	}
}

func TestSolve_MissingWidget(t *testing.T) {
	s := browsertest.New("https://otv.example.test/")
	solver := &fakeSolver{token: "t"}
	rec := &recorder{}

	_, err := NewBridge(solver, engine(), rec.opts()...).Solve(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, wait.ErrTimeoutExceeded)
	assert.Equal(t, 0, solver.created)
	assert.Equal(t, []State{Failed}, rec.states)
}

func TestSolve_InjectionRejected(t *testing.T) {
	s := capturePage()
	s.Element(ResponseLocator.Selector()).RejectScript = true

	_, err := NewBridge(&fakeSolver{token: "t"}, engine(), (&recorder{}).opts()...).Solve(context.Background(), s)
	assert.ErrorIs(t, err, fields.ErrScriptWriteRejected)
}

func TestHumanDelayRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := humanDelay()
		require.GreaterOrEqual(t, d, time.Second)
		require.Less(t, d, 2*time.Second)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "task_created", TaskCreated.String())
	assert.Equal(t, "failed", Failed.String())
	assert.NotPanics(t, func() {
		assert.Equal(t, "state(42)", State(42).String())
		assert.Equal(t, "state(-1)", State(-1).String())
	})
}
