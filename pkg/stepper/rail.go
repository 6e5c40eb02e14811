// Stepper controlled rails
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package stepper

import (
	"fmt"

	"klipper-go-kinematics/pkg/config"
	kerrors "klipper-go-kinematics/pkg/errors"
)

// hardwareOptions are owned by the MCU layer. They are accepted here so a
// complete stepper section does not trip unused-option validation.
var hardwareOptions = []string{
	"step_pin", "dir_pin", "enable_pin", "endstop_pin",
	"gear_ratio", "step_pulse_duration",
}

// HomingInfo holds homing configuration for a rail.
type HomingInfo struct {
	Speed             float64
	PositionEndstop   float64
	RetractSpeed      float64
	RetractDist       float64
	PositiveDir       bool
	SecondHomingSpeed float64
}

// RailOptions controls how a rail section is read.
type RailOptions struct {
	// NeedPositionMinMax makes position_max required. Otherwise the range
	// is [0, position_endstop].
	NeedPositionMinMax bool

	// DefaultPositionEndstop is used when position_endstop is absent.
	// Nil makes position_endstop required.
	DefaultPositionEndstop *float64
}

// Rail is a motor controlled axis with one stepper and its endstop.
type Rail struct {
	name     string
	steppers []*Stepper

	positionEndstop float64
	positionMin     float64
	positionMax     float64
	homing          HomingInfo
}

// NewRail creates a rail directly, mainly for tests.
func NewRail(name string, stepDist, positionMin, positionMax float64, homing HomingInfo) *Rail {
	return &Rail{
		name:            name,
		steppers:        []*Stepper{NewStepper(name, stepDist)},
		positionEndstop: homing.PositionEndstop,
		positionMin:     positionMin,
		positionMax:     positionMax,
		homing:          homing,
	}
}

// ParseStepDistance returns the distance of one step from either an
// explicit step_distance or rotation_distance, microsteps and
// full_steps_per_rotation.
func ParseStepDistance(sec *config.Section) (float64, error) {
	if sec.HasOption("step_distance") {
		return sec.GetFloatWithBounds("step_distance", config.Above(0))
	}
	rotation, err := sec.GetFloatWithBounds("rotation_distance", config.Above(0))
	if err != nil {
		return 0, err
	}
	microsteps, err := sec.GetInt("microsteps")
	if err != nil {
		return 0, err
	}
	if microsteps < 1 {
		return 0, config.ErrOutOfRange(sec.GetName(), "microsteps", float64(microsteps), "must have minimum of 1")
	}
	fullSteps, err := sec.GetInt("full_steps_per_rotation", 200)
	if err != nil {
		return 0, err
	}
	if fullSteps < 1 || fullSteps%4 != 0 {
		return 0, kerrors.ConfigValidationError(sec.GetName(), "full_steps_per_rotation",
			fmt.Sprintf("invalid value %d, must be a positive multiple of 4", fullSteps))
	}
	return rotation / float64(fullSteps*microsteps), nil
}

// NewRailFromSection reads a [stepper_<id>] section.
func NewRailFromSection(sec *config.Section, opts RailOptions) (*Rail, error) {
	name := sec.GetName()
	stepDist, err := ParseStepDistance(sec)
	if err != nil {
		return nil, err
	}
	for _, opt := range hardwareOptions {
		_, _ = sec.Get(opt, "")
	}

	var endstop float64
	if opts.DefaultPositionEndstop != nil {
		endstop, err = sec.GetFloat("position_endstop", *opts.DefaultPositionEndstop)
	} else {
		endstop, err = sec.GetFloat("position_endstop")
	}
	if err != nil {
		return nil, err
	}

	r := &Rail{
		name:            name,
		steppers:        []*Stepper{NewStepper(name, stepDist)},
		positionEndstop: endstop,
	}

	if opts.NeedPositionMinMax {
		if r.positionMin, err = sec.GetFloat("position_min", 0); err != nil {
			return nil, err
		}
		if r.positionMax, err = sec.GetFloatWithBounds("position_max", config.Above(r.positionMin)); err != nil {
			return nil, err
		}
	} else {
		r.positionMin = 0
		r.positionMax = endstop
	}
	if endstop < r.positionMin || endstop > r.positionMax {
		return nil, kerrors.ConfigValidationError(name, "position_endstop",
			fmt.Sprintf("position_endstop %v must be between position_min %v and position_max %v",
				endstop, r.positionMin, r.positionMax))
	}

	h := HomingInfo{PositionEndstop: endstop}
	if h.Speed, err = sec.GetFloatWithBounds("homing_speed", config.Above(0), 5); err != nil {
		return nil, err
	}
	if h.SecondHomingSpeed, err = sec.GetFloatWithBounds("second_homing_speed", config.Above(0), h.Speed/2); err != nil {
		return nil, err
	}
	if h.RetractSpeed, err = sec.GetFloatWithBounds("homing_retract_speed", config.Above(0), h.Speed); err != nil {
		return nil, err
	}
	if h.RetractDist, err = sec.GetFloatWithBounds("homing_retract_dist", config.MinVal(0), 5); err != nil {
		return nil, err
	}

	if sec.HasOption("homing_positive_dir") {
		if h.PositiveDir, err = sec.GetBool("homing_positive_dir"); err != nil {
			return nil, err
		}
		if (h.PositiveDir && endstop == r.positionMin) || (!h.PositiveDir && endstop == r.positionMax) {
			return nil, kerrors.ConfigValidationError(name, "homing_positive_dir",
				"invalid homing_positive_dir / position_endstop")
		}
	} else {
		axisLen := r.positionMax - r.positionMin
		switch {
		case endstop <= r.positionMin+axisLen/4:
			h.PositiveDir = false
		case endstop >= r.positionMax-axisLen/4:
			h.PositiveDir = true
		default:
			return nil, kerrors.ConfigValidationError(name, "homing_positive_dir",
				"unable to infer homing_positive_dir")
		}
	}
	r.homing = h
	return r, nil
}

// GetName returns the rail name.
func (r *Rail) GetName() string {
	return r.name
}

// GetRange returns position_min and position_max.
func (r *Rail) GetRange() (float64, float64) {
	return r.positionMin, r.positionMax
}

// GetHomingInfo returns the rail's homing configuration.
func (r *Rail) GetHomingInfo() HomingInfo {
	return r.homing
}

// GetSteppers returns a copy of the rail's steppers.
func (r *Rail) GetSteppers() []*Stepper {
	out := make([]*Stepper, len(r.steppers))
	copy(out, r.steppers)
	return out
}

// SetupAllocator programs every stepper on the rail.
func (r *Rail) SetupAllocator(kind string, params ...interface{}) error {
	for _, s := range r.steppers {
		if err := s.SetupAllocator(kind, params...); err != nil {
			return err
		}
	}
	return nil
}

// SetTrapQ binds every stepper on the rail to tq.
func (r *Rail) SetTrapQ(tq TrapQ) {
	for _, s := range r.steppers {
		s.SetTrapQ(tq)
	}
}

// SetPosition sets every stepper from a toolhead coordinate.
func (r *Rail) SetPosition(coord []float64) {
	for _, s := range r.steppers {
		s.SetPosition(coord)
	}
}

// GetCommandedPosition returns the first stepper's commanded position.
func (r *Rail) GetCommandedPosition() float64 {
	return r.steppers[0].GetCommandedPosition()
}

// GenerateSteps flushes every stepper on the rail.
func (r *Rail) GenerateSteps(flushTime float64) {
	for _, s := range r.steppers {
		s.GenerateSteps(flushTime)
	}
}
