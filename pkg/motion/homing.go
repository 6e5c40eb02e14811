// Homing requests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"klipper-go-kinematics/pkg/endstop"
	"klipper-go-kinematics/pkg/kinematics"
	"klipper-go-kinematics/pkg/log"
	"klipper-go-kinematics/pkg/stepper"
)

// HomingRequest is a kinematics homing request that also reports where
// the homed axes ended up.
type HomingRequest interface {
	kinematics.HomingRequest
	HomedPosition() kinematics.Position
}

// homingState is the bookkeeping shared by the homing requests.
type homingState struct {
	mu    sync.Mutex
	axes  []int
	homed kinematics.Position
	rails []string
}

// SetAxes sets the axes being homed.
func (h *homingState) SetAxes(axes []int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.axes = append([]int(nil), axes...)
}

// GetAxes returns the axes being homed.
func (h *homingState) GetAxes() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.axes...)
}

// HomedPosition returns the home position of every axis homed so far.
// Axes not homed are NaN.
func (h *homingState) HomedPosition() kinematics.Position {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.homed.Copy()
}

// HomedRails returns the names of the rails homed, in order.
func (h *homingState) HomedRails() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.rails...)
}

func (h *homingState) record(rails []*stepper.Rail, homePos kinematics.Position) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.homed = homePos.Merge(h.homed)
	for _, r := range rails {
		h.rails = append(h.rails, r.GetName())
	}
}

// DryRunHoming is a homing request that needs no endstops: each rail is
// placed at the force position and then at the home position, as if the
// endstop had triggered exactly at position_endstop.
type DryRunHoming struct {
	homingState
	log *log.Logger
}

// NewDryRunHoming creates a homing request with no axes.
func NewDryRunHoming() *DryRunHoming {
	return &DryRunHoming{
		homingState: homingState{homed: kinematics.NewPosition(kinematics.NumAxes)},
		log:         log.GetLogger("homing"),
	}
}

// HomeRails moves rails to forcePos and then to homePos.
func (h *DryRunHoming) HomeRails(ctx context.Context, rails []*stepper.Rail, forcePos, homePos kinematics.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range rails {
		r.SetPosition(forcePos)
	}
	for _, r := range rails {
		hi := r.GetHomingInfo()
		h.log.Debugf("homing %s at %.3fmm/s to endstop %.3f", r.GetName(), hi.Speed, hi.PositionEndstop)
		if err := ctx.Err(); err != nil {
			return err
		}
		r.SetPosition(homePos)
	}
	h.record(rails, homePos)
	return nil
}

// EndstopHoming is a homing request that waits for the endstop of every
// homed rail to trigger before placing the rails at the home position.
type EndstopHoming struct {
	homingState
	log      *log.Logger
	clk      clock.Clock
	timeout  time.Duration
	endstops map[string]*endstop.Endstop
}

// NewEndstopHoming creates a homing request over endstops, keyed by rail
// name. Each HomeRails call fails if its endstops have not all triggered
// within timeout on clk. A nil clk uses the wall clock.
func NewEndstopHoming(clk clock.Clock, timeout time.Duration, endstops ...*endstop.Endstop) *EndstopHoming {
	if clk == nil {
		clk = clock.New()
	}
	h := &EndstopHoming{
		homingState: homingState{homed: kinematics.NewPosition(kinematics.NumAxes)},
		log:         log.GetLogger("homing"),
		clk:         clk,
		timeout:     timeout,
		endstops:    make(map[string]*endstop.Endstop, len(endstops)),
	}
	for _, e := range endstops {
		h.endstops[e.GetName()] = e
	}
	return h
}

// HomeRails arms the endstops of rails, places the rails at forcePos and
// waits for every endstop to trigger.
func (h *EndstopHoming) HomeRails(ctx context.Context, rails []*stepper.Rail, forcePos, homePos kinematics.Position) error {
	group := make([]*endstop.Endstop, 0, len(rails))
	for _, r := range rails {
		e, ok := h.endstops[r.GetName()]
		if !ok {
			return fmt.Errorf("no endstop for %s", r.GetName())
		}
		group = append(group, e)
	}
	g := endstop.NewGroup(h.clk, group...)
	g.Start(h.timeout)
	defer g.Stop()

	for _, r := range rails {
		r.SetPosition(forcePos)
	}
	start := h.clk.Now()
	if e, err := g.Wait(ctx); err != nil {
		return fmt.Errorf("endstop %s: %w", e.GetName(), err)
	}
	for _, r := range rails {
		r.SetPosition(homePos)
	}
	h.log.Debugf("%d endstops triggered after %v", len(rails), h.clk.Since(start))
	h.record(rails, homePos)
	return nil
}
