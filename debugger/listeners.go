package debugger

import (
	"sync"

	"github.com/mailru/easyjson"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Listeners is a registry of event and detach listeners that hosts can embed
// to implement the OnEvent and OnDetach halves of Debugger.
//
// The zero value is ready to use.
type Listeners struct {
	mu     sync.Mutex
	next   int
	events map[int]EventFunc
	detach map[int]DetachFunc
}

// OnEvent satisfies Debugger.
func (l *Listeners) OnEvent(fn EventFunc) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events == nil {
		l.events = make(map[int]EventFunc)
	}
	id := l.next
	l.next++
	l.events[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.events, id)
		l.mu.Unlock()
	}
}

// OnDetach satisfies Debugger.
func (l *Listeners) OnDetach(fn DetachFunc) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detach == nil {
		l.detach = make(map[int]DetachFunc)
	}
	id := l.next
	l.next++
	l.detach[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.detach, id)
		l.mu.Unlock()
	}
}

// Len returns the number of registered event and detach listeners.
func (l *Listeners) Len() (events, detach int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events), len(l.detach)
}

// Emit invokes every registered event listener, in registration order.
func (l *Listeners) Emit(source Debuggee, method string, params easyjson.RawMessage) {
	for _, fn := range l.eventFuncs() {
		fn(source, method, params)
	}
}

// EmitDetach invokes every registered detach listener, in registration
// order.
func (l *Listeners) EmitDetach(source Debuggee, reason DetachReason) {
	for _, fn := range l.detachFuncs() {
		fn(source, reason)
	}
}

// eventFuncs snapshots the listeners so that they run without the lock held,
// allowing a listener to remove itself.
func (l *Listeners) eventFuncs() []EventFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := sortedKeys(l.events)
	fns := make([]EventFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.events[id])
	}
	return fns
}

func (l *Listeners) detachFuncs() []DetachFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := sortedKeys(l.detach)
	fns := make([]DetachFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.detach[id])
	}
	return fns
}

func sortedKeys[V any](m map[int]V) []int {
	ids := maps.Keys(m)
	slices.Sort(ids)
	return ids
}
