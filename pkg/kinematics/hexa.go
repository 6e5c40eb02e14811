// Hexapod kinematics
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package kinematics

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/multierr"

	"klipper-go-kinematics/pkg/config"
	kerrors "klipper-go-kinematics/pkg/errors"
	"klipper-go-kinematics/pkg/event"
	"klipper-go-kinematics/pkg/log"
	"klipper-go-kinematics/pkg/stepper"
)

var allAxes = []int{0, 1, 2, 3, 4, 5}

// HexaKinematics drives a six actuator platform. Every actuator climbs a
// vertical tower and holds the tool platform through a fixed length arm.
type HexaKinematics struct {
	base

	geom *HexaGeometry

	limitXY2  float64 // XY radius squared the fast path accepts, -1 when invalid
	needHome  bool
	commanded Position
}

// ReadHexaConfig reads the [printer] and six [stepper_<id>] sections of a
// hexapod. maxVelocity and maxAccel are the toolhead ceilings.
func ReadHexaConfig(cfg *config.Config, maxVelocity, maxAccel float64) (HexaConfig, []*stepper.Rail, error) {
	hc := HexaConfig{MaxVelocity: maxVelocity, MaxAccel: maxAccel}
	printer, err := cfg.GetSection("printer")
	if err != nil {
		return hc, nil, err
	}
	if hc.HomeZ, err = printer.GetFloatWithBounds("home_z", config.Above(0)); err != nil {
		return hc, nil, err
	}

	var errs error
	rails := make([]*stepper.Rail, NumAxes)
	for i, id := range hexaStepperIDs {
		t, rail, err := readHexaTower(cfg, "stepper_"+id, hc.HomeZ)
		errs = multierr.Append(errs, err)
		hc.Towers[i], rails[i] = t, rail
	}
	if errs != nil {
		return hc, nil, errs
	}

	angles := []struct {
		option string
		dst    *float64
	}{
		{"home_tilt", &hc.HomeTilt},
		{"home_roll", &hc.HomeRoll},
		{"nozzle_tilt", &hc.NozzleTilt},
		{"nozzle_roll", &hc.NozzleRoll},
	}
	for _, a := range angles {
		if *a.dst, err = printer.GetFloat(a.option, 0); err != nil {
			return hc, nil, err
		}
	}
	if hc.MaxTilt, err = printer.GetFloatWithBounds("max_tilt", config.MinVal(0), 0); err != nil {
		return hc, nil, err
	}
	if hc.HeadHeight, err = printer.GetFloatWithBounds("head_height", config.Above(0)); err != nil {
		return hc, nil, err
	}
	if hc.PrintRadius, err = printer.GetFloatWithBounds("print_radius", config.Above(0), hc.Towers[0].TowerRadius); err != nil {
		return hc, nil, err
	}
	if hc.MaxZVelocity, err = printer.GetFloatWithBounds("max_z_velocity",
		config.Above(0).WithMax(maxVelocity), maxVelocity); err != nil {
		return hc, nil, err
	}
	if hc.MaxZAccel, err = printer.GetFloatWithBounds("max_z_accel",
		config.Above(0).WithMax(maxAccel), maxAccel); err != nil {
		return hc, nil, err
	}
	if hc.MinimumZ, err = printer.GetFloat("minimum_z_position", 0); err != nil {
		return hc, nil, err
	}
	return hc, rails, nil
}

func readHexaTower(cfg *config.Config, name string, homeZ float64) (HexaTower, *stepper.Rail, error) {
	t := HexaTower{Name: name}
	sec, err := cfg.GetSection(name)
	if err != nil {
		return t, nil, err
	}
	rail, err := stepper.NewRailFromSection(sec, stepper.RailOptions{DefaultPositionEndstop: &homeZ})
	if err != nil {
		return t, nil, err
	}
	if t.ArmLength, err = sec.GetFloatWithBounds("arm_length", config.Above(0)); err != nil {
		return t, nil, err
	}
	if t.TowerRadius, err = sec.GetFloatWithBounds("tower_radius", config.MinVal(0)); err != nil {
		return t, nil, err
	}
	for _, f := range []struct {
		option string
		dst    *float64
	}{
		{"tower_angle", &t.TowerAngle},
		{"head_radius", &t.HeadRadius},
		{"head_angle", &t.HeadAngle},
	} {
		if *f.dst, err = sec.GetFloat(f.option, 0); err != nil {
			return t, nil, err
		}
	}
	t.PositionEndstop = rail.GetHomingInfo().PositionEndstop
	t.StepDist = rail.GetSteppers()[0].GetStepDist()
	return t, rail, nil
}

// NewHexaFromConfig builds a hexapod from cfg.
func NewHexaFromConfig(th Toolhead, cfg *config.Config, bus *event.Bus) (*HexaKinematics, error) {
	maxV, maxA := th.MaxVelocity()
	hc, rails, err := ReadHexaConfig(cfg, maxV, maxA)
	if err != nil {
		return nil, err
	}
	g, err := NewHexaGeometry(hc)
	if err != nil {
		return nil, err
	}
	return NewHexa(th, g, rails, bus)
}

// NewHexa binds rails to the geometry. Each rail's allocator is programmed
// here, and the robot starts unhomed at the origin.
func NewHexa(th Toolhead, g *HexaGeometry, rails []*stepper.Rail, bus *event.Bus) (*HexaKinematics, error) {
	if len(rails) != NumAxes {
		return nil, kerrors.KinematicsError(fmt.Sprintf("hexa requires %d rails, got %d", NumAxes, len(rails)))
	}
	k := &HexaKinematics{geom: g, limitXY2: -1, needHome: true}
	k.log = log.GetLogger("kinematics.hexa")
	k.rails = rails
	for i, r := range rails {
		if err := r.SetupAllocator(HexaAllocator, g.AllocatorParams(i)...); err != nil {
			return nil, err
		}
	}
	if err := k.attach(th, bus, k.reset); err != nil {
		return nil, err
	}
	k.log.Infof("Hexa %s", g)
	k.SetPosition(make(Position, NumAxes), nil)
	return k, nil
}

// GetType returns "hexa".
func (k *HexaKinematics) GetType() string {
	return "hexa"
}

// Geometry returns the derived geometry.
func (k *HexaKinematics) Geometry() *HexaGeometry {
	return k.geom
}

// CalcPosition returns the last commanded position. Solving the forward
// kinematics from actuator heights is not supported.
func (k *HexaKinematics) CalcPosition(stepperPositions map[string]float64) Position {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.commanded.Copy()
}

// SetPosition sets the commanded position. The robot counts as homed only
// when all six axes are in homingAxes.
func (k *HexaKinematics) SetPosition(newPos Position, homingAxes []int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.setPosition(newPos, homingAxes)
}

func (k *HexaKinematics) setPosition(newPos Position, homingAxes []int) {
	if k.commanded == nil {
		k.commanded = make(Position, NumAxes)
	}
	k.commanded = newPos.Merge(k.commanded)
	for _, r := range k.rails {
		r.SetPosition(k.commanded)
	}
	k.limitXY2 = -1
	if coversAll(homingAxes) {
		k.needHome = false
	}
}

func coversAll(axes []int) bool {
	var seen [NumAxes]bool
	n := 0
	for _, a := range axes {
		if a >= 0 && a < NumAxes && !seen[a] {
			seen[a] = true
			n++
		}
	}
	return n == NumAxes
}

// ClearHomingState marks the robot unhomed if any axis is given.
func (k *HexaKinematics) ClearHomingState(axes []int) {
	if len(axes) == 0 {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reset()
}

// reset runs with mu held.
func (k *HexaKinematics) reset() {
	k.limitXY2 = -1
	k.needHome = true
}

// Home homes all six actuators together. The platform is first driven
// down to ensure every carriage reaches its endstop.
func (k *HexaKinematics) Home(ctx context.Context, req HomingRequest) error {
	req.SetAxes(allAxes)
	homePos := k.geom.HomePosition.Copy()
	forcePos := homePos.Copy()
	forcePos[2] = k.geom.HomingForceZ
	err := k.homeRails(ctx, req, k.rails, forcePos, homePos, func() {
		k.setPosition(homePos, allAxes)
	})
	if err != nil {
		k.log.WithError(err).Warnf("hexa homing failed")
		return err
	}
	k.log.Debugf("hexa homed at z=%.3f", homePos[2])
	return nil
}

// CheckMove validates a move and applies any necessary speed limits.
func (k *HexaKinematics) CheckMove(move *Move) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	g := k.geom

	// Axes missing from the target keep their commanded value. Before the
	// first SetPosition there is nothing to fill them from.
	end := move.EndPos.Merge(k.commanded)
	if len(end) < NumAxes {
		return kerrors.MustHomeError("Must home first", move.EndPos)
	}
	endXY2 := end[0]*end[0] + end[1]*end[1]
	if endXY2 <= k.limitXY2 && !move.zMoves() {
		// Normal XY move
		k.commanded = end.Merge(k.commanded)
		return nil
	}
	if k.needHome {
		return kerrors.MustHomeError("Must home first", end)
	}

	endZ := end[2]
	limitXY2 := g.MaxXY2
	if endZ > g.LimitZ {
		above := g.MaxZ - endZ
		limitXY2 = math.Min(limitXY2, above*above)
	}
	if endXY2 > g.MaxXY2 || endZ > g.MaxZ || endZ < g.MinZ {
		// Permit moving to the home XY position for homing
		home := g.HomePosition
		if end[0] != home[0] || end[1] != home[1] || endZ < g.MinZ {
			return kerrors.OutOfRangeError(end)
		}
		limitXY2 = -1
	}
	if move.zMoves() {
		zRatio := move.MoveD / math.Abs(move.AxesD[2])
		move.LimitSpeed(g.Config.MaxZVelocity*zRatio, g.Config.MaxZAccel*zRatio)
		limitXY2 = -1
	}

	// Limit the speed/accel of this move if it is at the extreme
	// end of the build envelope
	extremeXY2 := endXY2
	if start := move.StartPos; len(start) > 1 {
		extremeXY2 = math.Max(extremeXY2, start[0]*start[0]+start[1]*start[1])
	}
	if extremeXY2 > g.SlowXY2 {
		r := 0.5
		if extremeXY2 > g.VerySlowXY2 {
			r = 0.25
		}
		move.LimitSpeed(g.Config.MaxVelocity*r, g.Config.MaxAccel*r)
		limitXY2 = -1
	}
	k.limitXY2 = math.Min(limitXY2, g.SlowXY2)
	k.commanded = end.Merge(k.commanded)
	return nil
}

// GetStatus returns the current status of the kinematics.
func (k *HexaKinematics) GetStatus() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	st := Status{
		AxisMinimum: append([]float64(nil), k.geom.AxesMin...),
		AxisMaximum: append([]float64(nil), k.geom.AxesMax...),
	}
	if !k.needHome {
		st.HomedAxes = "xyz"
	}
	return st
}

// Phase reports the homing state.
func (k *HexaKinematics) Phase() HomingPhase {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch {
	case k.homing > 0:
		return Homing
	case k.needHome:
		return Unhomed
	default:
		return Homed
	}
}

// LimitXY2 returns the cached fast path radius squared, -1 when invalid.
func (k *HexaKinematics) LimitXY2() float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.limitXY2
}
