// Package endstop tracks endstop switches during homing.
package endstop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Common errors
var (
	ErrEndstopTimeout = errors.New("endstop: timeout waiting for trigger")
	ErrNotHoming      = errors.New("endstop: not in homing state")
)

// EndstopState represents the current state of an endstop.
type EndstopState int

const (
	StateUnknown EndstopState = iota
	StateOpen
	StateTriggered
)

func (s EndstopState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// Endstop is a single endstop switch bound to one rail.
type Endstop struct {
	mu  sync.RWMutex
	clk clock.Clock

	name        string
	state       EndstopState
	lastTrigger time.Time
	homing      bool
	triggered   chan struct{}
}

// New creates an endstop for the rail called name. A nil clk uses the
// wall clock.
func New(name string, clk clock.Clock) *Endstop {
	if clk == nil {
		clk = clock.New()
	}
	return &Endstop{
		name:      name,
		clk:       clk,
		triggered: make(chan struct{}, 1),
	}
}

// GetName returns the endstop name.
func (e *Endstop) GetName() string {
	return e.name
}

// GetState returns the last known state.
func (e *Endstop) GetState() EndstopState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsHoming reports whether a homing move is waiting on this endstop.
func (e *Endstop) IsHoming() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.homing
}

// StartHoming arms the endstop. Triggers from before the call are
// discarded.
func (e *Endstop) StartHoming() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.homing = true
	e.state = StateOpen
	select {
	case <-e.triggered:
	default:
	}
}

// Trigger reports the switch closing. It returns true when a homing move
// was waiting for it.
func (e *Endstop) Trigger() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateTriggered
	e.lastTrigger = e.clk.Now()
	if !e.homing {
		return false
	}
	select {
	case e.triggered <- struct{}{}:
	default:
		// Already pending
	}
	return true
}

// Release reports the switch opening.
func (e *Endstop) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateOpen
}

// StopHoming disarms the endstop.
func (e *Endstop) StopHoming() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.homing = false
}

func (e *Endstop) wait(ctx context.Context, deadline <-chan time.Time) error {
	e.mu.RLock()
	homing := e.homing
	e.mu.RUnlock()
	if !homing {
		return ErrNotHoming
	}
	select {
	case <-e.triggered:
		return nil
	default:
	}
	select {
	case <-e.triggered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return ErrEndstopTimeout
	}
}

// Status holds endstop status information.
type Status struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Homing      bool      `json:"homing"`
	LastTrigger time.Time `json:"last_trigger"`
}

// GetStatus returns the current status.
func (e *Endstop) GetStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Name:        e.name,
		State:       e.state.String(),
		Homing:      e.homing,
		LastTrigger: e.lastTrigger,
	}
}

// Group is the set of endstops of one homing move. Every endstop must
// trigger before the move completes.
type Group struct {
	mu       sync.Mutex
	clk      clock.Clock
	endstops []*Endstop
	timer    *clock.Timer
}

// NewGroup groups endstops sharing one homing deadline.
func NewGroup(clk clock.Clock, endstops ...*Endstop) *Group {
	if clk == nil {
		clk = clock.New()
	}
	return &Group{clk: clk, endstops: endstops}
}

// Start arms every endstop and starts the homing deadline.
func (g *Group) Start(timeout time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timer = g.clk.Timer(timeout)
	for _, e := range g.endstops {
		e.StartHoming()
	}
}

// Wait blocks until every endstop has triggered, the deadline passes or
// ctx is done. It returns the first endstop that did not trigger with
// the error.
func (g *Group) Wait(ctx context.Context) (*Endstop, error) {
	g.mu.Lock()
	timer := g.timer
	endstops := g.endstops
	g.mu.Unlock()
	if timer == nil {
		return nil, ErrNotHoming
	}
	for _, e := range endstops {
		if err := e.wait(ctx, timer.C); err != nil {
			return e, err
		}
	}
	return nil, nil
}

// Stop disarms every endstop and the deadline.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	for _, e := range g.endstops {
		e.StopHoming()
	}
}

// AllTriggered reports whether every endstop in the group is triggered.
func (g *Group) AllTriggered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.endstops {
		if e.GetState() != StateTriggered {
			return false
		}
	}
	return len(g.endstops) > 0
}
