// Package kinematics provides the kinematic safety layer for hexapod and
// serial joint robots: geometry derived from configuration, move envelope
// checks and homing.
package kinematics

import (
	"context"
	"math"
	"sync"

	"klipper-go-kinematics/pkg/event"
	"klipper-go-kinematics/pkg/log"
	"klipper-go-kinematics/pkg/stepper"
)

// NumAxes is the number of toolhead coordinates: x, y, z, roll, tilt and a
// spare axis for the hexapod, or one angle per joint for the serial arm.
const NumAxes = 6

// Position is a toolhead coordinate. NaN marks an axis that is not
// commanded.
type Position []float64

// NewPosition returns a position with every axis uncommanded.
func NewPosition(n int) Position {
	p := make(Position, n)
	for i := range p {
		p[i] = math.NaN()
	}
	return p
}

// Copy returns an independent copy of p.
func (p Position) Copy() Position {
	out := make(Position, len(p))
	copy(out, p)
	return out
}

// Merge returns p with every uncommanded axis taken from fallback. The
// result covers the longer of the two; axes past the end of p count as
// uncommanded.
func (p Position) Merge(fallback Position) Position {
	out := make(Position, max(len(p), len(fallback)))
	for i := range out {
		switch {
		case i < len(p) && !math.IsNaN(p[i]):
			out[i] = p[i]
		case i < len(fallback):
			out[i] = fallback[i]
		default:
			out[i] = math.NaN()
		}
	}
	return out
}

// Move represents a movement command with position and velocity information.
type Move struct {
	StartPos      Position  // Starting position
	EndPos        Position  // Ending position
	AxesD         []float64 // Distance moved per axis
	MoveD         float64   // Total movement distance
	MinMoveT      float64   // Minimum time for move
	Accel         float64   // Acceleration ceiling
	MaxCruiseV2   float64   // Maximum cruise velocity squared
	DeltaV2       float64   // Velocity squared delta over the move
	SmoothDeltaV2 float64   // Smoothed velocity squared delta
}

// NewMove builds a move from start to end. The path length covers x, y
// and z; a move that only turns the remaining axes is measured over those.
func NewMove(start, end Position, speed, accel, accelToDecel float64) *Move {
	m := &Move{
		StartPos: start.Copy(),
		EndPos:   end.Copy(),
		AxesD:    make([]float64, len(end)),
		Accel:    accel,
	}
	for i := range end {
		if i < len(start) {
			m.AxesD[i] = end[i] - start[i]
		}
	}
	m.MoveD = norm(m.AxesD, 0, 3)
	if m.MoveD < 1e-9 {
		m.MoveD = norm(m.AxesD, 3, len(m.AxesD))
	}
	m.MaxCruiseV2 = speed * speed
	if speed > 0 {
		m.MinMoveT = m.MoveD / speed
	}
	m.DeltaV2 = 2 * m.MoveD * accel
	m.SmoothDeltaV2 = 2 * m.MoveD * accelToDecel
	return m
}

func norm(v []float64, from, to int) float64 {
	if to > len(v) {
		to = len(v)
	}
	var s float64
	for i := from; i < to; i++ {
		s += v[i] * v[i]
	}
	return math.Sqrt(s)
}

// LimitSpeed reduces the maximum speed and acceleration of the move.
func (m *Move) LimitSpeed(speed, accel float64) {
	speed2 := speed * speed
	if speed2 < m.MaxCruiseV2 {
		m.MaxCruiseV2 = speed2
		if speed > 0 {
			m.MinMoveT = m.MoveD / speed
		}
	}
	m.Accel = math.Min(m.Accel, accel)
	m.DeltaV2 = 2 * m.MoveD * m.Accel
	m.SmoothDeltaV2 = math.Min(m.SmoothDeltaV2, m.DeltaV2)
}

func (m *Move) zMoves() bool {
	return len(m.AxesD) > 2 && m.AxesD[2] != 0
}

// Toolhead is the motion planner the kinematics plug into.
type Toolhead interface {
	// MaxVelocity returns the velocity and acceleration ceilings.
	MaxVelocity() (float64, float64)
	// TrapQ returns the trapezoid queue steppers read from.
	TrapQ() stepper.TrapQ
	// RegisterStepGenerator adds a step generation callback.
	RegisterStepGenerator(fn func(flushTime float64))
}

// Status is the kinematic status snapshot.
type Status struct {
	HomedAxes   string    `json:"homed_axes"`
	AxisMinimum []float64 `json:"axis_minimum"`
	AxisMaximum []float64 `json:"axis_maximum"`
}

// Kinematics is the interface for all kinematic implementations.
type Kinematics interface {
	// GetType returns the kinematic type name ("hexa" or "joints").
	GetType() string

	// GetSteppers returns every stepper, in rail order.
	GetSteppers() []*stepper.Stepper

	// GetRails returns the rails, in axis order.
	GetRails() []*stepper.Rail

	// CalcPosition returns the toolhead position for the given stepper
	// positions, keyed by stepper name.
	CalcPosition(stepperPositions map[string]float64) Position

	// SetPosition sets the current position and marks homingAxes homed.
	SetPosition(newPos Position, homingAxes []int)

	// ClearHomingState marks the given axes unhomed.
	ClearHomingState(axes []int)

	// Home runs the homing sequence through req.
	Home(ctx context.Context, req HomingRequest) error

	// CheckMove validates a move and applies any necessary speed limits.
	CheckMove(move *Move) error

	// GetStatus returns the current status of the kinematics.
	GetStatus() Status

	// Phase reports the homing state.
	Phase() HomingPhase

	// Close detaches the kinematics from the event bus.
	Close() error
}

// axisNames are the status identifiers of the six toolhead axes.
const axisNames = "xyzabc"

// base holds the state every kinematic shares: the exclusion lock, the
// motor off subscription and the reset epoch used by homing.
type base struct {
	mu    sync.Mutex
	log   *log.Logger
	rails []*stepper.Rail

	sub     *event.Subscription
	epoch   uint64
	homing  int
	onReset func()
}

// attach binds the rails' steppers to the toolhead and subscribes reset
// to motor off. reset runs with mu held.
func (b *base) attach(th Toolhead, bus *event.Bus, reset func()) error {
	for _, s := range b.GetSteppers() {
		s.SetTrapQ(th.TrapQ())
		th.RegisterStepGenerator(s.GenerateSteps)
	}
	b.onReset = reset
	if bus == nil {
		return nil
	}
	sub, err := bus.Subscribe(event.MotorOff, b.motorOff)
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

func (b *base) motorOff(printTime float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epoch++
	b.onReset()
	b.log.Debugf("motor off at %.3f, homing state cleared", printTime)
}

// GetSteppers returns every stepper, in rail order.
func (b *base) GetSteppers() []*stepper.Stepper {
	var out []*stepper.Stepper
	for _, r := range b.rails {
		out = append(out, r.GetSteppers()...)
	}
	return out
}

// GetRails returns the rails, in axis order.
func (b *base) GetRails() []*stepper.Rail {
	out := make([]*stepper.Rail, len(b.rails))
	copy(out, b.rails)
	return out
}

// Close unsubscribes from motor off. It is safe to call more than once.
func (b *base) Close() error {
	if b.sub != nil {
		b.sub.Close()
	}
	return nil
}
