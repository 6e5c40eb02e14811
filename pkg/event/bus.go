// Package event provides the process-wide event bus owned by the
// motion-control context. Components subscribe named handlers and must
// close their subscription when they are torn down.
package event

import (
	"errors"
	"sort"
	"sync"
)

// MotorOff fires when stepper motor power is removed. The payload is the
// print time at which the motors were disabled.
const MotorOff = "stepper_enable:motor_off"

// Common errors
var (
	ErrBusClosed  = errors.New("event: bus closed")
	ErrNilHandler = errors.New("event: nil handler")
	ErrEmptyName  = errors.New("event: empty event name")
)

// Handler receives an event's print time.
type Handler func(printTime float64)

// Bus dispatches named events to subscribed handlers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[uint64]Handler)}
}

// Subscription is a registered handler. Close removes it.
type Subscription struct {
	bus  *Bus
	name string
	id   uint64
	once sync.Once
}

// Subscribe registers fn for events named name.
func (b *Bus) Subscribe(name string, fn Handler) (*Subscription, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if fn == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	if b.subs[name] == nil {
		b.subs[name] = make(map[uint64]Handler)
	}
	b.subs[name][id] = fn
	return &Subscription{bus: b, name: name, id: id}, nil
}

// Close unsubscribes the handler. Once Close returns the handler will
// not be invoked by any later Publish. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if handlers, ok := s.bus.subs[s.name]; ok {
			delete(handlers, s.id)
			if len(handlers) == 0 {
				delete(s.bus.subs, s.name)
			}
		}
	})
}

// Publish calls every handler subscribed to name on the caller's
// goroutine, in subscription order. It returns the number of handlers
// invoked.
func (b *Bus) Publish(name string, printTime float64) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	handlers := b.subs[name]
	ids := make([]uint64, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Handler, len(ids))
	for i, id := range ids {
		fns[i] = handlers[id]
	}
	b.mu.RUnlock()

	// Handlers run without the bus lock so they may subscribe or close.
	for _, fn := range fns {
		fn(printTime)
	}
	return len(fns)
}

// Subscribers returns the number of handlers for name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Close drops all subscriptions and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]Handler)
}
