// Serial joint chain kinematics
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package kinematics

import (
	"context"
	"fmt"
	"math"
	"strings"

	"klipper-go-kinematics/pkg/config"
	kerrors "klipper-go-kinematics/pkg/errors"
	"klipper-go-kinematics/pkg/event"
	"klipper-go-kinematics/pkg/linkage"
	"klipper-go-kinematics/pkg/log"
	"klipper-go-kinematics/pkg/stepper"
)

// JointsAllocator is the allocator kind of a serial arm joint. Its single
// parameter is the axis letter the stepper follows.
const JointsAllocator = "joints_stepper_alloc"

func init() {
	stepper.RegisterAllocator(JointsAllocator, newJointsAllocator)
}

func newJointsAllocator(params []interface{}) (stepper.CalcPositionFunc, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("%s expects 1 parameter, got %d", JointsAllocator, len(params))
	}
	axis, ok := params[0].(byte)
	if !ok {
		return nil, fmt.Errorf("%s axis is %T, not byte", JointsAllocator, params[0])
	}
	idx := strings.IndexByte(axisNames, axis)
	if idx < 0 {
		return nil, fmt.Errorf("%s: unknown axis %q", JointsAllocator, axis)
	}
	return func(coord []float64) float64 {
		if idx >= len(coord) {
			return math.NaN()
		}
		return coord[idx]
	}, nil
}

type jointLimit struct {
	lo, hi float64
}

var unhomedLimit = jointLimit{1, -1}

func (l jointLimit) homed() bool {
	return l.lo <= l.hi
}

// JointsKinematics drives a serial arm, one rail per joint. Joint
// coordinates are degrees and each joint is homed on its own.
type JointsKinematics struct {
	base

	chain  *linkage.Chain
	limits []jointLimit
}

// NewJointsFromConfig loads the chain named by [printer] links and one
// [stepper_<axis>] section per joint, in xyzabc order.
func NewJointsFromConfig(th Toolhead, cfg *config.Config, bus *event.Bus) (*JointsKinematics, error) {
	printer, err := cfg.GetSection("printer")
	if err != nil {
		return nil, err
	}
	links, err := printer.Get("links")
	if err != nil {
		return nil, err
	}
	chain, err := linkage.Load(cfg.Resolve(links))
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrConfigValidation, "invalid links descriptor").
			SetSection("printer").SetOption("links")
	}

	rails := make([]*stepper.Rail, chain.Len())
	for i := range rails {
		sec, err := cfg.GetSection("stepper_" + string(axisNames[i]))
		if err != nil {
			return nil, err
		}
		if rails[i], err = stepper.NewRailFromSection(sec, stepper.RailOptions{NeedPositionMinMax: true}); err != nil {
			return nil, err
		}
	}
	return NewJoints(th, chain, rails, bus)
}

// NewJoints binds one rail per joint of chain. Every joint starts unhomed.
func NewJoints(th Toolhead, chain *linkage.Chain, rails []*stepper.Rail, bus *event.Bus) (*JointsKinematics, error) {
	if len(rails) != chain.Len() {
		return nil, kerrors.KinematicsError(fmt.Sprintf("linkage %q has %d joints but %d rails were given",
			chain.Name, chain.Len(), len(rails)))
	}
	k := &JointsKinematics{chain: chain}
	k.log = log.GetLogger("kinematics.joints")
	k.rails = rails
	k.limits = make([]jointLimit, chain.Len())
	k.reset()
	for i, r := range rails {
		if err := r.SetupAllocator(JointsAllocator, axisNames[i]); err != nil {
			return nil, err
		}
	}
	if err := k.attach(th, bus, k.reset); err != nil {
		return nil, err
	}
	k.log.WithFields(log.Fields{"links": chain.Name, "joints": chain.Len()}).Infof("joints kinematics ready")
	return k, nil
}

// GetType returns "joints".
func (k *JointsKinematics) GetType() string {
	return "joints"
}

// Chain returns the joint chain.
func (k *JointsKinematics) Chain() *linkage.Chain {
	return k.chain
}

// reset runs with mu held.
func (k *JointsKinematics) reset() {
	for i := range k.limits {
		k.limits[i] = unhomedLimit
	}
}

// CalcPosition returns the joint angles read from stepperPositions. A
// stepper missing from the map yields NaN.
func (k *JointsKinematics) CalcPosition(stepperPositions map[string]float64) Position {
	steppers := k.GetSteppers()
	pos := NewPosition(len(steppers))
	for i, s := range steppers {
		if v, ok := stepperPositions[s.GetName(false)]; ok {
			pos[i] = v
		}
	}
	return pos
}

// SetPosition moves the rails to newPos and gives every axis in homingAxes
// its full travel.
func (k *JointsKinematics) SetPosition(newPos Position, homingAxes []int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.setPosition(newPos, homingAxes)
}

func (k *JointsKinematics) setPosition(newPos Position, homingAxes []int) {
	for _, r := range k.rails {
		r.SetPosition(newPos)
	}
	for _, axis := range homingAxes {
		if axis < 0 || axis >= len(k.limits) {
			continue
		}
		lo, hi := k.chain.Joints[axis].Limits()
		k.limits[axis] = jointLimit{lo, hi}
	}
}

// ClearHomingState marks the given axes unhomed.
func (k *JointsKinematics) ClearHomingState(axes []int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, axis := range axes {
		if axis >= 0 && axis < len(k.limits) {
			k.limits[axis] = unhomedLimit
		}
	}
}

// UpdateLimits narrows the travel of a homed axis. An unhomed axis stays
// unhomed.
func (k *JointsKinematics) UpdateLimits(axis int, lo, hi float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if axis < 0 || axis >= len(k.limits) || !k.limits[axis].homed() {
		return
	}
	k.limits[axis] = jointLimit{lo, hi}
}

// Home homes the requested axes one at a time.
func (k *JointsKinematics) Home(ctx context.Context, req HomingRequest) error {
	for _, axis := range req.GetAxes() {
		if axis < 0 || axis >= len(k.rails) {
			return kerrors.KinematicsError(fmt.Sprintf("cannot home axis %d of %d", axis, len(k.rails)))
		}
		if err := k.homeAxis(ctx, req, axis); err != nil {
			k.log.WithError(err).Warnf("joint %s homing failed", k.chain.Joints[axis].Name)
			return err
		}
	}
	return nil
}

func (k *JointsKinematics) homeAxis(ctx context.Context, req HomingRequest, axis int) error {
	rail := k.rails[axis]
	// Determine movement
	positionMin, positionMax := rail.GetRange()
	hi := rail.GetHomingInfo()
	homePos := NewPosition(NumAxes)
	homePos[axis] = hi.PositionEndstop
	forcePos := homePos.Copy()
	if hi.PositiveDir {
		forcePos[axis] -= 1.5 * (hi.PositionEndstop - positionMin)
	} else {
		forcePos[axis] += 1.5 * (positionMax - hi.PositionEndstop)
	}
	homed := []int{axis}
	return k.homeRails(ctx, req, []*stepper.Rail{rail}, forcePos, homePos, func() {
		k.setPosition(homePos, homed)
	})
}

// CheckMove rejects a move that turns an unhomed joint or leaves a joint's
// travel. Speed is not limited.
func (k *JointsKinematics) CheckMove(move *Move) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, d := range move.AxesD {
		if d == 0 {
			continue
		}
		if i >= len(k.limits) {
			return kerrors.OutOfRangeError(move.EndPos)
		}
		lim := k.limits[i]
		if !lim.homed() {
			return kerrors.MustHomeError(fmt.Sprintf("Must home axis %d first", i), move.EndPos)
		}
		if pos := move.EndPos[i]; pos < lim.lo || pos > lim.hi {
			return kerrors.OutOfRangeError(move.EndPos)
		}
	}
	return nil
}

// GetStatus returns the current status of the kinematics.
func (k *JointsKinematics) GetStatus() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	var st Status
	var homed strings.Builder
	for i, j := range k.chain.Joints {
		st.AxisMinimum = append(st.AxisMinimum, j.Min)
		st.AxisMaximum = append(st.AxisMaximum, j.Max)
		if k.limits[i].homed() {
			homed.WriteByte(axisNames[i])
		}
	}
	st.HomedAxes = homed.String()
	return st
}

// Phase reports the homing state. Homed means every joint is homed.
func (k *JointsKinematics) Phase() HomingPhase {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.homing > 0 {
		return Homing
	}
	for _, l := range k.limits {
		if !l.homed() {
			return Unhomed
		}
	}
	return Homed
}
