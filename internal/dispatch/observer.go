package dispatch

import "github.com/seantiz/forge/internal/model"

// Observer receives every task status transition. Calls for one run arrive
// from the dispatcher's goroutines and must not block.
type Observer interface {
	OnTaskTransition(ev model.TaskEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev model.TaskEvent)

// OnTaskTransition calls f.
func (f ObserverFunc) OnTaskTransition(ev model.TaskEvent) { f(ev) }

type nopObserver struct{}

func (nopObserver) OnTaskTransition(model.TaskEvent) {}
