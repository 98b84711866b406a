package plejd

import (
	"fmt"
	"slices"
	"sync"
)

// EventBus fans decoded mesh events out to subscribers.
//
// Thread Safety:
//   - Subscribe, Publish and the returned unsubscribe functions are safe
//     for concurrent use.
//   - Publish delivers synchronously, in registration order, over a
//     snapshot of the subscribers taken when Publish starts. Subscribers
//     added or removed during delivery take effect on the next Publish.
type EventBus struct {
	mu     sync.RWMutex
	next   uint64
	tokens []uint64
	subs   map[uint64]func(Event)

	logger   Logger
	loggerMu sync.RWMutex
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uint64]func(Event))}
}

// SetLogger sets the logger used to report panicking subscribers.
func (b *EventBus) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is a no-op.
func (b *EventBus) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.next++
	token := b.next
	b.tokens = append(b.tokens, token)
	b.subs[token] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(token) })
	}
}

func (b *EventBus) remove(token uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[token]; !ok {
		return
	}
	delete(b.subs, token)
	if i := slices.Index(b.tokens, token); i >= 0 {
		b.tokens = slices.Delete(b.tokens, i, i+1)
	}
}

// Publish delivers evt to every subscriber registered at call time.
// A panicking subscriber is logged and skipped.
func (b *EventBus) Publish(evt Event) {
	for _, fn := range b.snapshot() {
		b.deliver(fn, evt)
	}
}

// Len returns the number of registered subscribers.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tokens)
}

func (b *EventBus) snapshot() []func(Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	fns := make([]func(Event), 0, len(b.tokens))
	for _, t := range b.tokens {
		fns = append(fns, b.subs[t])
	}
	return fns
}

func (b *EventBus) deliver(fn func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.loggerMu.RLock()
			logger := b.logger
			b.loggerMu.RUnlock()
			if logger != nil {
				logger.Error("event subscriber panic", "kind", string(evt.Kind()), "error", fmt.Sprintf("%v", r))
			}
		}
	}()
	fn(evt)
}
