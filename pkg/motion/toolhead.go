// Package motion is the motion-control context: it owns the kinematic
// instance, the trapezoid queue and the commanded position, and feeds
// every move through the kinematic envelope check before queueing it.
package motion

import (
	"context"
	"fmt"
	"sync"

	"klipper-go-kinematics/pkg/config"
	"klipper-go-kinematics/pkg/event"
	"klipper-go-kinematics/pkg/kinematics"
	"klipper-go-kinematics/pkg/log"
	"klipper-go-kinematics/pkg/metrics"
	"klipper-go-kinematics/pkg/safety"
	"klipper-go-kinematics/pkg/stepper"
)

const (
	minCruiseRatio = 0.5
	historySize    = 128
)

// Option configures a Toolhead.
type Option func(*Toolhead)

// WithSafety gates moves on the safety manager and registers the toolhead
// as a motor driver to be cut on shutdown.
func WithSafety(m *safety.Manager) Option {
	return func(th *Toolhead) { th.safety = m }
}

// WithMetrics records move checks, homing and motor off events in m.
func WithMetrics(m *metrics.Motion) Option {
	return func(th *Toolhead) { th.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(th *Toolhead) { th.log = l }
}

// Toolhead plans moves for one kinematic instance.
type Toolhead struct {
	mu  sync.Mutex
	log *log.Logger
	bus *event.Bus

	maxVelocity    float64
	maxAccel       float64
	mcrPseudoAccel float64

	trapq        *TrapQ
	kin          kinematics.Kinematics
	generators   []func(flushTime float64)
	commandedPos kinematics.Position
	printTime    float64

	safety   *safety.Manager
	metrics  *metrics.Motion
	motorOff *event.Subscription
}

// New reads [printer] from cfg and builds the toolhead and its kinematics.
func New(cfg *config.Config, bus *event.Bus, opts ...Option) (*Toolhead, error) {
	printer, err := cfg.GetSection("printer")
	if err != nil {
		return nil, err
	}
	th := &Toolhead{
		bus:          bus,
		trapq:        NewTrapQ(historySize),
		commandedPos: make(kinematics.Position, kinematics.NumAxes),
	}
	for _, opt := range opts {
		opt(th)
	}
	if th.log == nil {
		th.log = log.GetLogger("toolhead")
	}
	if th.maxVelocity, err = printer.GetFloatWithBounds("max_velocity", config.Above(0)); err != nil {
		return nil, err
	}
	if th.maxAccel, err = printer.GetFloatWithBounds("max_accel", config.Above(0)); err != nil {
		return nil, err
	}
	th.mcrPseudoAccel = th.maxAccel * (1 - minCruiseRatio)

	kin, err := kinematics.NewFromConfig(th, cfg, bus)
	if err != nil {
		return nil, fmt.Errorf("error loading kinematics: %w", err)
	}
	th.kin = kin
	th.trapq.SetPosition(0, th.commandedPos)
	if th.safety != nil {
		th.safety.RegisterMotor(th)
	}
	if th.metrics != nil && bus != nil {
		th.motorOff, err = bus.Subscribe(event.MotorOff, func(float64) {
			th.metrics.MotorOff.Inc(nil)
		})
		if err != nil {
			kin.Close()
			return nil, err
		}
	}
	th.log.Infof("toolhead ready: %s kinematics, max_velocity %.1f, max_accel %.1f",
		kin.GetType(), th.maxVelocity, th.maxAccel)
	return th, nil
}

// MaxVelocity returns the velocity and acceleration ceilings.
func (th *Toolhead) MaxVelocity() (float64, float64) {
	return th.maxVelocity, th.maxAccel
}

// TrapQ returns the trapezoid queue steppers read from.
func (th *Toolhead) TrapQ() stepper.TrapQ {
	return th.trapq
}

// Queue returns the concrete trapezoid queue.
func (th *Toolhead) Queue() *TrapQ {
	return th.trapq
}

// RegisterStepGenerator adds a step generation callback run on Flush.
func (th *Toolhead) RegisterStepGenerator(fn func(flushTime float64)) {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.generators = append(th.generators, fn)
}

// Kinematics returns the kinematic instance.
func (th *Toolhead) Kinematics() kinematics.Kinematics {
	return th.kin
}

// Position returns the commanded position.
func (th *Toolhead) Position() kinematics.Position {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.commandedPos.Copy()
}

// PrintTime returns the time at which the last queued move completes.
func (th *Toolhead) PrintTime() float64 {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.printTime
}

// Move checks and queues a move to end. NaN coordinates keep their
// current value.
func (th *Toolhead) Move(end kinematics.Position, speed float64) error {
	_, err := th.PlanMove(end, speed)
	return err
}

// PlanMove is Move returning the checked move, including any speed limits
// the kinematics applied. A zero length move returns nil and no error. A
// rejected move leaves the toolhead unchanged.
func (th *Toolhead) PlanMove(end kinematics.Position, speed float64) (*kinematics.Move, error) {
	if th.safety != nil {
		if err := th.safety.CheckOperational(); err != nil {
			return nil, err
		}
	}
	th.mu.Lock()
	defer th.mu.Unlock()

	if speed > th.maxVelocity || speed <= 0 {
		speed = th.maxVelocity
	}
	target := end.Merge(th.commandedPos)
	mv := kinematics.NewMove(th.commandedPos, target, speed, th.maxAccel, th.mcrPseudoAccel)
	if mv.MoveD == 0 {
		return nil, nil
	}
	if err := th.kin.CheckMove(mv); err != nil {
		th.recordMove("rejected")
		return nil, err
	}
	if th.safety != nil {
		// A shutdown can land between the operational check and here. The
		// kinematics already took the target, so put them back.
		if err := th.safety.MotorOn(); err != nil {
			th.kin.SetPosition(th.commandedPos, nil)
			return nil, err
		}
	}
	th.commandedPos = target
	seg := planSegment(th.printTime, mv)
	th.trapq.Append(seg)
	th.printTime = seg.EndTime()
	if mv.MaxCruiseV2 < speed*speed || mv.Accel < th.maxAccel {
		th.recordMove("derated")
	} else {
		th.recordMove("accepted")
	}
	if th.metrics != nil {
		th.metrics.PrintTime.Set(nil, th.printTime)
	}
	return mv, nil
}

func (th *Toolhead) recordMove(result string) {
	if th.metrics != nil {
		th.metrics.MovesChecked.Inc(metrics.Labels{"kinematics": th.kin.GetType(), "result": result})
	}
}

// Flush runs step generation up to the last queued move and finalizes
// the consumed segments.
func (th *Toolhead) Flush() {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.flush()
}

func (th *Toolhead) flush() {
	for _, gen := range th.generators {
		gen(th.printTime)
	}
	if n := th.trapq.FinalizeMoves(th.printTime); n > 0 {
		th.log.Debugf("flushed %d moves at print time %.3f", n, th.printTime)
	}
}

// SetPosition flushes pending moves and sets the commanded position,
// marking homingAxes homed.
func (th *Toolhead) SetPosition(pos kinematics.Position, homingAxes []int) {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.flush()
	th.commandedPos = pos.Merge(th.commandedPos)
	th.trapq.SetPosition(th.printTime, th.commandedPos)
	th.kin.SetPosition(th.commandedPos, homingAxes)
}

// Home flushes pending moves and homes axes without endstops. On success
// the commanded position is the home position.
func (th *Toolhead) Home(ctx context.Context, axes []int) error {
	return th.HomeWith(ctx, NewDryRunHoming(), axes)
}

// HomeWith is Home using req to drive the rails.
func (th *Toolhead) HomeWith(ctx context.Context, req HomingRequest, axes []int) error {
	th.Flush()
	req.SetAxes(axes)
	var done func(metrics.Labels)
	if th.metrics != nil {
		done = th.metrics.HomingTime.Timer(th.metrics.Clock)
	}
	err := th.kin.Home(ctx, req)
	if done != nil {
		result := metrics.Labels{"result": "ok"}
		if err != nil {
			result["result"] = "error"
		}
		done(result)
		th.metrics.Homing.Inc(result)
	}
	if err != nil {
		return err
	}
	th.mu.Lock()
	defer th.mu.Unlock()
	th.commandedPos = req.HomedPosition().Merge(th.commandedPos)
	th.trapq.SetPosition(th.printTime, th.commandedPos)
	return nil
}

// DisableMotors drops every pending move. It runs when the safety manager
// cuts motor power.
func (th *Toolhead) DisableMotors() error {
	th.mu.Lock()
	defer th.mu.Unlock()
	if n := th.trapq.Clear(); n > 0 {
		th.log.Warnf("motor off dropped %d queued moves", n)
	}
	return nil
}

// Status is the toolhead status snapshot.
type Status struct {
	Position   kinematics.Position `json:"position"`
	PrintTime  float64             `json:"print_time"`
	Pending    int                 `json:"pending_moves"`
	Phase      string              `json:"homing_phase"`
	Kinematics kinematics.Status   `json:"kinematics"`
}

// GetStatus returns the current status.
func (th *Toolhead) GetStatus() Status {
	th.mu.Lock()
	st := Status{
		Position:  th.commandedPos.Copy(),
		PrintTime: th.printTime,
		Pending:   th.trapq.Len(),
	}
	th.mu.Unlock()
	st.Phase = th.kin.Phase().String()
	st.Kinematics = th.kin.GetStatus()
	return st
}

// Close detaches the toolhead and its kinematics from the event bus.
func (th *Toolhead) Close() error {
	if th.motorOff != nil {
		th.motorOff.Close()
	}
	return th.kin.Close()
}
