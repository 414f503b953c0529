// Package event is a typed, synchronous domain-event bus. Stores publish
// after committing their own state and subscribe to the events they react
// to, so no store needs to know about another.
package event

import (
	"reflect"
	"slices"
	"sync"
)

type handler struct {
	fn func(any)
}

// Bus dispatches events to the handlers subscribed for their type.
// Handler lists are copied on update, so a handler may subscribe,
// unsubscribe or publish while it is being dispatched.
type Bus struct {
	mu       sync.Mutex
	handlers map[reflect.Type][]*handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[reflect.Type][]*handler)}
}

// Subscribe registers fn for events of type E. Handlers run in
// subscription order. The returned function removes the subscription.
func Subscribe[E any](b *Bus, fn func(E)) func() {
	key := reflect.TypeOf((*E)(nil)).Elem()
	h := &handler{fn: func(e any) { fn(e.(E)) }}

	b.mu.Lock()
	next := slices.Clone(b.handlers[key])
	b.handlers[key] = append(next, h)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		current := b.handlers[key]
		i := slices.Index(current, h)
		if i < 0 {
			return
		}
		b.handlers[key] = slices.Delete(slices.Clone(current), i, i+1)
	}
}

// Publish delivers e to every handler subscribed for type E, in order, on
// the calling goroutine. A nil bus drops the event.
func Publish[E any](b *Bus, e E) {
	if b == nil {
		return
	}
	b.mu.Lock()
	hs := b.handlers[reflect.TypeOf((*E)(nil)).Elem()]
	b.mu.Unlock()

	for _, h := range hs {
		h.fn(e)
	}
}
