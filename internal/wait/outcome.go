package wait

import "fmt"

// State tags an Outcome.
type State int

const (
	NotReady State = iota
	IsReady
	IsFailed
)

func (s State) String() string {
	switch s {
	case IsReady:
		return "ready"
	case IsFailed:
		return "failed"
	default:
		return "not_ready"
	}
}

// Outcome is the result of a single poll attempt.
type Outcome[T any] struct {
	state  State
	value  T
	reason error
}

// Ready reports that the condition holds and carries the value it produced.
func Ready[T any](v T) Outcome[T] {
	return Outcome[T]{state: IsReady, value: v}
}

// NotYetReady asks the engine to poll again. reason is kept as the last
// failure in case the timeout is reached.
func NotYetReady[T any](reason error) Outcome[T] {
	return Outcome[T]{state: NotReady, reason: reason}
}

// Failed stops polling immediately.
func Failed[T any](reason error) Outcome[T] {
	if reason == nil {
		reason = fmt.Errorf("condition failed")
	}
	return Outcome[T]{state: IsFailed, reason: reason}
}

func (o Outcome[T]) State() State  { return o.state }
func (o Outcome[T]) Value() T      { return o.value }
func (o Outcome[T]) Reason() error { return o.reason }
