// Hexapod geometry
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package kinematics

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/floats"

	kerrors "klipper-go-kinematics/pkg/errors"
	"klipper-go-kinematics/pkg/linkage"
	"klipper-go-kinematics/pkg/stepper"
)

// SlowRatio determines when moves are slowed near the build envelope edge:
// once tower travel exceeds SlowRatio times the XY travel, and again at
// twice that ratio.
const SlowRatio = 3.0

// HexaAllocator is the allocator kind programmed into every hexapod stepper.
const HexaAllocator = "hexa_stepper_alloc"

// hexaStepperIDs are the stepper section suffixes, one per actuator.
var hexaStepperIDs = [NumAxes]string{"a", "b", "c", "u", "v", "w"}

func init() {
	stepper.RegisterAllocator(HexaAllocator, newHexaAllocator)
}

// HexaTower is the declared geometry of one actuator. Angles are degrees.
type HexaTower struct {
	Name            string
	ArmLength       float64
	TowerRadius     float64
	TowerAngle      float64
	HeadRadius      float64
	HeadAngle       float64
	PositionEndstop float64
	StepDist        float64
}

// HexaConfig is the declared hexapod geometry. Angles are degrees.
type HexaConfig struct {
	Towers [NumAxes]HexaTower

	HomeZ       float64
	HomeTilt    float64
	HomeRoll    float64
	NozzleTilt  float64
	NozzleRoll  float64
	MaxTilt     float64
	HeadHeight  float64
	PrintRadius float64
	MinimumZ    float64

	MaxVelocity  float64
	MaxAccel     float64
	MaxZVelocity float64
	MaxZAccel    float64
}

// HexaGeometry holds everything derived from a HexaConfig. It is computed
// once and never modified.
type HexaGeometry struct {
	Config HexaConfig

	Arm2        [NumAxes]float64
	AbsEndstops [NumAxes]float64
	Towers      [NumAxes]r3.Vector // tower base, Z is zero
	Heads       [NumAxes]r3.Vector // head joint relative to the tool tip

	// Envelope
	MaxZ        float64
	MinZ        float64
	LimitZ      float64 // Z height where radius starts to taper
	MaxXY2      float64 // Maximum XY distance squared
	SlowXY2     float64 // XY distance where moves start slowing
	VerySlowXY2 float64 // XY distance where moves slow significantly

	HomePosition Position
	HomingForceZ float64
	AxesMin      []float64
	AxesMax      []float64
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// NewHexaGeometry validates cfg and derives the envelope. Every geometry
// problem is reported, not just the first.
func NewHexaGeometry(cfg HexaConfig) (*HexaGeometry, error) {
	g := &HexaGeometry{Config: cfg}

	var errs error
	if cfg.HomeZ <= 0 {
		errs = multierr.Append(errs, kerrors.GeometryError("printer", "home_z %v must be above 0", cfg.HomeZ))
	}
	if cfg.HeadHeight <= 0 {
		errs = multierr.Append(errs, kerrors.GeometryError("printer", "head_height %v must be above 0", cfg.HeadHeight))
	}
	if cfg.PrintRadius <= 0 {
		errs = multierr.Append(errs, kerrors.GeometryError("printer", "print_radius %v must be above 0", cfg.PrintRadius))
	}

	arms := make([]float64, NumAxes)
	radii := make([]float64, NumAxes)
	steps := make([]float64, NumAxes)
	limits := make([]float64, NumAxes)
	for i, t := range cfg.Towers {
		arms[i], radii[i], steps[i] = t.ArmLength, t.TowerRadius, t.StepDist
		g.Arm2[i] = t.ArmLength * t.ArmLength
		switch {
		case t.ArmLength <= 0:
			errs = multierr.Append(errs, kerrors.GeometryError(t.Name, "arm_length %v must be above 0", t.ArmLength))
			continue
		case t.TowerRadius < 0:
			errs = multierr.Append(errs, kerrors.GeometryError(t.Name, "tower_radius %v must not be negative", t.TowerRadius))
			continue
		case g.Arm2[i] < t.TowerRadius*t.TowerRadius:
			errs = multierr.Append(errs, kerrors.GeometryError(t.Name,
				"arm_length %v is shorter than tower_radius %v", t.ArmLength, t.TowerRadius))
			continue
		}
		g.AbsEndstops[i] = t.PositionEndstop + math.Sqrt(g.Arm2[i]-t.TowerRadius*t.TowerRadius)
		limits[i] = g.AbsEndstops[i] - t.ArmLength
	}
	if errs != nil {
		return nil, errs
	}

	// Tool tip offset from the platform centre
	offset := cfg.HeadHeight * math.Tan(radians(cfg.NozzleTilt))
	nozX := offset * math.Cos(radians(cfg.NozzleRoll))
	nozY := offset * math.Sin(radians(cfg.NozzleRoll))
	for i, t := range cfg.Towers {
		g.Heads[i] = r3.Vector{
			X: math.Cos(radians(t.HeadAngle))*t.HeadRadius - nozX,
			Y: math.Sin(radians(t.HeadAngle))*t.HeadRadius - nozY,
			Z: cfg.HeadHeight,
		}
		g.Towers[i] = r3.Vector{
			X: math.Cos(radians(t.TowerAngle)) * t.TowerRadius,
			Y: math.Sin(radians(t.TowerAngle)) * t.TowerRadius,
		}
	}

	g.MaxZ = floats.Min(g.AbsEndstops[:])
	g.LimitZ = floats.Min(limits)
	g.MinZ = cfg.MinimumZ
	if g.MinZ > g.MaxZ {
		return nil, kerrors.GeometryError("printer",
			"minimum_z_position %v must have maximum of %.3f", g.MinZ, g.MaxZ)
	}

	g.MaxXY2 = cfg.PrintRadius * cfg.PrintRadius
	maxArm2 := floats.Max(g.Arm2[:])
	if g.MaxXY2 >= maxArm2 {
		return nil, kerrors.GeometryError("printer",
			"print_radius %v must be shorter than the longest arm %.3f", cfg.PrintRadius, math.Sqrt(maxArm2))
	}
	g.HomingForceZ = -1.5 * math.Sqrt(maxArm2-g.MaxXY2)

	// Find the point where an XY move could result in excessive
	// tower movement
	halfMinStepDist := floats.Min(steps) * 0.5
	minArm := floats.Min(arms)
	minRadius := floats.Min(radii)
	ratioToXY := func(ratio float64) (float64, error) {
		d := minArm*minArm/(ratio*ratio+1) - halfMinStepDist*halfMinStepDist
		if d < 0 {
			return 0, kerrors.GeometryError("printer",
				"step distance %v too coarse for arm length %v", 2*halfMinStepDist, minArm)
		}
		return ratio*math.Sqrt(d) + halfMinStepDist - minRadius, nil
	}
	slow, err := ratioToXY(SlowRatio)
	if err != nil {
		return nil, err
	}
	verySlow, err := ratioToXY(2 * SlowRatio)
	if err != nil {
		return nil, err
	}
	g.SlowXY2 = slow * slow
	g.VerySlowXY2 = verySlow * verySlow

	g.HomePosition = Position{0, 0, cfg.HomeZ, cfg.HomeRoll, cfg.HomeTilt, 0}

	maxXY := cfg.PrintRadius
	g.AxesMin = []float64{-maxXY, -maxXY, g.MinZ, -cfg.MaxTilt, -cfg.MaxTilt, -math.MaxFloat64}
	g.AxesMax = []float64{maxXY, maxXY, g.MaxZ, cfg.MaxTilt, cfg.MaxTilt, math.MaxFloat64}
	return g, nil
}

// AllocatorParams returns the constants programmed into actuator i's
// allocator: arm², tower XY, head XYZ, two reserved zeros and max tilt.
func (g *HexaGeometry) AllocatorParams(i int) []interface{} {
	t, h := g.Towers[i], g.Heads[i]
	return []interface{}{g.Arm2[i], t.X, t.Y, h.X, h.Y, h.Z, 0.0, 0.0, g.Config.MaxTilt}
}

// String summarises the envelope.
func (g *HexaGeometry) String() string {
	return fmt.Sprintf("max build radius %.2fmm (moves slowed past %.2fmm and %.2fmm), build height %.2fmm to %.2fmm",
		math.Sqrt(g.MaxXY2), math.Sqrt(g.SlowXY2), math.Sqrt(g.VerySlowXY2), g.MinZ, g.MaxZ)
}

func floatParams(kind string, params []interface{}, n int) ([]float64, error) {
	if len(params) != n {
		return nil, fmt.Errorf("%s expects %d parameters, got %d", kind, n, len(params))
	}
	out := make([]float64, n)
	for i, p := range params {
		v, ok := p.(float64)
		if !ok {
			return nil, fmt.Errorf("%s parameter %d is %T, not float64", kind, i, p)
		}
		out[i] = v
	}
	return out, nil
}

// newHexaAllocator solves one actuator: the carriage height that keeps the
// arm of length sqrt(arm2) between the tower and the tilted head joint.
func newHexaAllocator(params []interface{}) (stepper.CalcPositionFunc, error) {
	p, err := floatParams(HexaAllocator, params, 9)
	if err != nil {
		return nil, err
	}
	arm2 := p[0]
	tower := r3.Vector{X: p[1], Y: p[2]}
	head := r3.Vector{X: p[3], Y: p[4], Z: p[5]}
	maxTilt := math.Abs(p[8])
	clampTilt := func(v float64) float64 {
		if math.IsNaN(v) {
			return 0
		}
		return math.Max(-maxTilt, math.Min(maxTilt, v))
	}
	return func(coord []float64) float64 {
		if len(coord) < 3 || math.IsNaN(coord[0]) || math.IsNaN(coord[1]) || math.IsNaN(coord[2]) {
			return math.NaN()
		}
		var roll, tilt float64
		if len(coord) > 4 {
			roll, tilt = clampTilt(coord[3]), clampTilt(coord[4])
		}
		rot := linkage.Rotation(r3.Vector{X: 1}, roll).Compose(linkage.Rotation(r3.Vector{Y: 1}, tilt))
		h := rot.Apply(head).Add(r3.Vector{X: coord[0], Y: coord[1], Z: coord[2]})
		dx, dy := tower.X-h.X, tower.Y-h.Y
		d := arm2 - dx*dx - dy*dy
		if d < 0 {
			return math.NaN()
		}
		return h.Z + math.Sqrt(d)
	}, nil
}
