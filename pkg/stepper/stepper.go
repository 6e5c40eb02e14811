// Stepper motors and their kinematic allocators
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stepper

import (
	"fmt"
	"math"
	"sort"
	"sync"

	kerrors "klipper-go-kinematics/pkg/errors"
)

// TrapQ is the trapezoid motion queue a stepper reads its moves from.
type TrapQ interface {
	Len() int
	// CoordAt returns the toolhead coordinate at printTime, or false when
	// nothing has been queued.
	CoordAt(printTime float64) ([]float64, bool)
}

// CalcPositionFunc maps a toolhead coordinate to the stepper position.
type CalcPositionFunc func(coord []float64) float64

// AllocatorFactory builds the position function for one allocator kind
// from the constants a kinematic passes to SetupAllocator.
type AllocatorFactory func(params []interface{}) (CalcPositionFunc, error)

var (
	allocMu    sync.RWMutex
	allocators = make(map[string]AllocatorFactory)
)

// RegisterAllocator makes an allocator kind available to SetupAllocator.
// Registering the same kind twice panics.
func RegisterAllocator(kind string, factory AllocatorFactory) {
	allocMu.Lock()
	defer allocMu.Unlock()
	if factory == nil {
		panic("stepper: nil allocator factory for " + kind)
	}
	if _, dup := allocators[kind]; dup {
		panic("stepper: allocator registered twice: " + kind)
	}
	allocators[kind] = factory
}

// Allocators returns the registered allocator kinds.
func Allocators() []string {
	allocMu.RLock()
	defer allocMu.RUnlock()
	kinds := make([]string, 0, len(allocators))
	for k := range allocators {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func lookupAllocator(kind string) (AllocatorFactory, bool) {
	allocMu.RLock()
	defer allocMu.RUnlock()
	f, ok := allocators[kind]
	return f, ok
}

// Allocator records how a stepper's kinematic solver was programmed.
type Allocator struct {
	Kind   string
	Params []interface{}
}

// Stepper is a single stepper driver.
type Stepper struct {
	mu sync.Mutex

	name     string
	stepDist float64

	alloc     *Allocator
	calc      CalcPositionFunc
	trapq     TrapQ
	commanded float64
	mcuPos    int64
	lastFlush float64
}

// NewStepper creates a stepper with the given step distance.
func NewStepper(name string, stepDist float64) *Stepper {
	return &Stepper{name: name, stepDist: stepDist}
}

// GetName returns the stepper name. With short set the "stepper_" prefix
// is dropped.
func (s *Stepper) GetName(short bool) string {
	if short && len(s.name) > 8 && s.name[:8] == "stepper_" {
		return s.name[8:]
	}
	return s.name
}

// GetStepDist returns the distance covered by one step.
func (s *Stepper) GetStepDist() float64 {
	return s.stepDist
}

// SetupAllocator programs the stepper's kinematic solver. It may be called
// once; the allocator cannot be replaced after step generation has been
// configured.
func (s *Stepper) SetupAllocator(kind string, params ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.alloc != nil {
		return kerrors.New(kerrors.ErrKinematics,
			fmt.Sprintf("stepper %s allocator already set up as %s", s.name, s.alloc.Kind))
	}
	factory, ok := lookupAllocator(kind)
	if !ok {
		return kerrors.New(kerrors.ErrKinematics, fmt.Sprintf("unknown stepper allocator %s", kind))
	}
	calc, err := factory(params)
	if err != nil {
		return kerrors.Wrap(err, kerrors.ErrKinematics,
			fmt.Sprintf("stepper %s: %s setup failed", s.name, kind))
	}
	cp := make([]interface{}, len(params))
	copy(cp, params)
	s.alloc = &Allocator{Kind: kind, Params: cp}
	s.calc = calc
	return nil
}

// GetAllocator returns the programmed allocator, or nil.
func (s *Stepper) GetAllocator() *Allocator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc
}

// SetTrapQ binds the stepper to a motion queue.
func (s *Stepper) SetTrapQ(tq TrapQ) {
	s.mu.Lock()
	s.trapq = tq
	s.mu.Unlock()
}

// GetTrapQ returns the bound motion queue.
func (s *Stepper) GetTrapQ() TrapQ {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trapq
}

// SetPosition sets the commanded stepper position from a toolhead
// coordinate. It is a no-op until an allocator is set up.
func (s *Stepper) SetPosition(coord []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calc == nil {
		return
	}
	if pos := s.calc(coord); !math.IsNaN(pos) {
		s.commanded = pos
	}
}

// CalcPositionFromCoord returns the stepper position for coord without
// changing the commanded position.
func (s *Stepper) CalcPositionFromCoord(coord []float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calc == nil {
		return math.NaN()
	}
	return s.calc(coord)
}

// GetCommandedPosition returns the last commanded stepper position.
func (s *Stepper) GetCommandedPosition() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commanded
}

// GetMCUPosition returns the step count at the last flush.
func (s *Stepper) GetMCUPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mcuPos
}

// GenerateSteps advances the stepper along the trapq up to flushTime and
// converts its position into a step count.
func (s *Stepper) GenerateSteps(flushTime float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flushTime < s.lastFlush {
		return
	}
	s.lastFlush = flushTime
	if s.trapq != nil && s.calc != nil {
		if coord, ok := s.trapq.CoordAt(flushTime); ok {
			if pos := s.calc(coord); !math.IsNaN(pos) {
				s.commanded = pos
			}
		}
	}
	if s.stepDist > 0 {
		s.mcuPos = int64(math.Round(s.commanded / s.stepDist))
	}
}
