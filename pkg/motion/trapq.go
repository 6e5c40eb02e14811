// Trapezoidal motion queue
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"math"
	"sync"

	"klipper-go-kinematics/pkg/kinematics"
)

// Segment is one queued move with a symmetric trapezoidal velocity profile
// that starts and ends at rest.
type Segment struct {
	PrintTime float64
	StartPos  kinematics.Position
	EndPos    kinematics.Position
	MoveD     float64
	AccelT    float64
	CruiseT   float64
	DecelT    float64
	CruiseV   float64
	Accel     float64
}

// Duration returns the total move time.
func (s Segment) Duration() float64 {
	return s.AccelT + s.CruiseT + s.DecelT
}

// EndTime returns the print time at which the move completes.
func (s Segment) EndTime() float64 {
	return s.PrintTime + s.Duration()
}

// planSegment computes the profile of m from rest to rest using the
// move's (possibly derated) cruise velocity and acceleration.
func planSegment(printTime float64, m *kinematics.Move) Segment {
	s := Segment{
		PrintTime: printTime,
		StartPos:  m.StartPos.Copy(),
		EndPos:    m.EndPos.Copy(),
		MoveD:     m.MoveD,
		Accel:     m.Accel,
	}
	if m.MoveD <= 0 || m.MaxCruiseV2 <= 0 || m.Accel <= 0 {
		return s
	}
	// Peak velocity when the move is too short to reach cruise
	v2 := math.Min(m.MaxCruiseV2, m.MoveD*m.Accel)
	s.CruiseV = math.Sqrt(v2)
	s.AccelT = s.CruiseV / m.Accel
	s.DecelT = s.AccelT
	accelD := v2 / (2 * m.Accel)
	s.CruiseT = (m.MoveD - 2*accelD) / s.CruiseV
	if s.CruiseT < 0 {
		s.CruiseT = 0
	}
	return s
}

// distance returns how far along the move the toolhead is at time t
// after the segment start.
func (s Segment) distance(t float64) float64 {
	switch {
	case t <= 0:
		return 0
	case t >= s.Duration():
		return s.MoveD
	case t < s.AccelT:
		return 0.5 * s.Accel * t * t
	}
	d := 0.5 * s.CruiseV * s.AccelT
	if t < s.AccelT+s.CruiseT {
		return d + s.CruiseV*(t-s.AccelT)
	}
	d += s.CruiseV * s.CruiseT
	td := t - s.AccelT - s.CruiseT
	return d + s.CruiseV*td - 0.5*s.Accel*td*td
}

// CoordAt interpolates the toolhead coordinate at time t after the
// segment start.
func (s Segment) CoordAt(t float64) kinematics.Position {
	if s.MoveD <= 0 {
		return s.EndPos.Copy()
	}
	r := s.distance(t) / s.MoveD
	pos := make(kinematics.Position, len(s.EndPos))
	for i := range pos {
		pos[i] = s.StartPos[i] + (s.EndPos[i]-s.StartPos[i])*r
	}
	return pos
}

// TrapQ holds planned segments until step generation consumes them.
type TrapQ struct {
	mu       sync.Mutex
	segments []Segment
	history  []Segment
	maxHist  int
}

// NewTrapQ creates an empty queue keeping up to maxHistory finalized
// segments.
func NewTrapQ(maxHistory int) *TrapQ {
	return &TrapQ{maxHist: maxHistory}
}

// Append queues a segment.
func (tq *TrapQ) Append(s Segment) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	tq.segments = append(tq.segments, s)
}

// Len returns the number of pending segments.
func (tq *TrapQ) Len() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return len(tq.segments)
}

// Pending returns a copy of the pending segments.
func (tq *TrapQ) Pending() []Segment {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return append([]Segment(nil), tq.segments...)
}

// History returns a copy of the finalized segments, oldest first.
func (tq *TrapQ) History() []Segment {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return append([]Segment(nil), tq.history...)
}

// FinalizeMoves moves every segment ending at or before flushTime to the
// history and returns how many were finalized.
func (tq *TrapQ) FinalizeMoves(flushTime float64) int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	n := 0
	for n < len(tq.segments) && tq.segments[n].EndTime() <= flushTime {
		n++
	}
	tq.history = append(tq.history, tq.segments[:n]...)
	if over := len(tq.history) - tq.maxHist; over > 0 {
		tq.history = append([]Segment(nil), tq.history[over:]...)
	}
	tq.segments = append([]Segment(nil), tq.segments[n:]...)
	return n
}

// CoordAt returns the toolhead coordinate at printTime. Past the last
// segment the coordinate is where that segment ended.
func (tq *TrapQ) CoordAt(printTime float64) ([]float64, bool) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	var last *Segment
	for _, list := range [][]Segment{tq.history, tq.segments} {
		for i := range list {
			seg := &list[i]
			if printTime < seg.PrintTime {
				if last == nil {
					return seg.StartPos.Copy(), true
				}
				return last.EndPos.Copy(), true
			}
			if printTime < seg.EndTime() {
				return seg.CoordAt(printTime - seg.PrintTime), true
			}
			last = seg
		}
	}
	if last == nil {
		return nil, false
	}
	return last.EndPos.Copy(), true
}

// SetPosition drops all pending and finalized segments and parks the
// queue at pos from printTime on.
func (tq *TrapQ) SetPosition(printTime float64, pos kinematics.Position) {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	tq.segments = nil
	tq.history = []Segment{{PrintTime: printTime, StartPos: pos.Copy(), EndPos: pos.Copy()}}
}

// Clear drops every pending segment and returns how many were dropped.
func (tq *TrapQ) Clear() int {
	tq.mu.Lock()
	defer tq.mu.Unlock()
	n := len(tq.segments)
	tq.segments = nil
	return n
}
