// Package safety supervises motor power for the motion host. It owns the
// shutdown state, the emergency stop path and a main loop watchdog, and
// announces every loss of motor power on the event bus so kinematic
// instances can drop their homed state.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"klipper-go-kinematics/pkg/event"
	"klipper-go-kinematics/pkg/log"
)

// ShutdownState is the host's shutdown state.
type ShutdownState int

const (
	StateRunning ShutdownState = iota
	StateShuttingDown
	StateShutdown
	// StateError is a shutdown caused by a fault rather than a request.
	StateError
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownReason describes why the host was shut down.
type ShutdownReason string

const (
	ReasonNone            ShutdownReason = ""
	ReasonEmergencyStop   ShutdownReason = "emergency_stop"
	ReasonWatchdogTimeout ShutdownReason = "watchdog_timeout"
	ReasonUserRequest     ShutdownReason = "user_request"
)

// fault reports whether a shutdown for r ends in StateError.
func (r ShutdownReason) fault() bool {
	return r == ReasonEmergencyStop || r == ReasonWatchdogTimeout
}

var (
	ErrShutdown      = errors.New("safety: host is shut down")
	ErrEmergencyStop = errors.New("safety: emergency stop triggered")
)

// MotorDisabler can cut power to a set of stepper drivers.
type MotorDisabler interface {
	DisableMotors() error
}

// Shutdown records the last shutdown.
type Shutdown struct {
	Reason ShutdownReason
	Msg    string
	Time   time.Time
}

// Config holds the watchdog settings. Zero fields keep their defaults.
type Config struct {
	WatchdogTimeout time.Duration
	CheckInterval   time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clk = clk }
}

// WithPrintTime sets the function used to stamp motor off events raised
// by the manager itself (emergency stop, watchdog).
func WithPrintTime(fn func() float64) Option {
	return func(m *Manager) { m.printTime = fn }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager manages motor power and shutdown state.
type Manager struct {
	mu            sync.RWMutex
	state         ShutdownState
	last          Shutdown
	motorsEnabled bool
	motors        []MotorDisabler
	onShutdown    []func(Shutdown)

	bus       *event.Bus
	clk       clock.Clock
	log       *log.Logger
	printTime func() float64

	wd watchdog
}

// watchdog cuts motor power when the main loop stops calling Heartbeat.
type watchdog struct {
	mu       sync.Mutex
	timeout  time.Duration
	interval time.Duration
	last     time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Manager that publishes motor off events on bus.
func New(bus *event.Bus, opts ...Option) *Manager {
	m := &Manager{bus: bus, clk: clock.New()}
	m.wd.timeout = 5 * time.Second
	m.wd.interval = 500 * time.Millisecond
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = log.GetLogger("safety")
	}
	if m.printTime == nil {
		started := m.clk.Now()
		m.printTime = func() float64 { return m.clk.Since(started).Seconds() }
	}
	return m
}

// Configure applies the watchdog settings.
func (m *Manager) Configure(cfg Config) {
	m.wd.mu.Lock()
	defer m.wd.mu.Unlock()
	if cfg.WatchdogTimeout > 0 {
		m.wd.timeout = cfg.WatchdogTimeout
	}
	if cfg.CheckInterval > 0 {
		m.wd.interval = cfg.CheckInterval
	}
}

// RegisterMotor adds a motor controller disabled on every motor off.
func (m *Manager) RegisterMotor(motor MotorDisabler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.motors = append(m.motors, motor)
}

// OnShutdown registers fn to run after each shutdown completes.
func (m *Manager) OnShutdown(fn func(Shutdown)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() ShutdownState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastShutdown returns the current shutdown, zero while running.
func (m *Manager) LastShutdown() Shutdown {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// CheckOperational returns an error unless the host is running.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateRunning {
		return nil
	}
	base := ErrShutdown
	if m.last.Reason == ReasonEmergencyStop {
		base = ErrEmergencyStop
	}
	return fmt.Errorf("%w: %s - %s", base, m.last.Reason, m.last.Msg)
}

// MotorsEnabled reports whether any stepper has been enabled since the
// last motor off.
func (m *Manager) MotorsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.motorsEnabled
}

// MotorOn records that steppers were energised for a move.
func (m *Manager) MotorOn() error {
	if err := m.CheckOperational(); err != nil {
		return err
	}
	m.mu.Lock()
	m.motorsEnabled = true
	m.mu.Unlock()
	return nil
}

// MotorOff disables every registered motor and publishes event.MotorOff
// stamped with printTime. It returns the number of handlers notified.
// Driver errors are logged and the event is published regardless.
func (m *Manager) MotorOff(printTime float64) int {
	m.mu.Lock()
	motors := append([]MotorDisabler(nil), m.motors...)
	m.motorsEnabled = false
	m.mu.Unlock()

	for _, motor := range motors {
		if err := motor.DisableMotors(); err != nil {
			m.log.WithError(err).Warnf("motor disable failed")
		}
	}
	n := 0
	if m.bus != nil {
		n = m.bus.Publish(event.MotorOff, printTime)
	}
	m.log.Debugf("motor off at print time %.3f (%d handlers)", printTime, n)
	return n
}

// EmergencyStop cuts motor power and leaves the host in StateError (M112).
func (m *Manager) EmergencyStop(msg string) error {
	return m.shutdown(ReasonEmergencyStop, msg)
}

// RequestShutdown cuts motor power and leaves the host in StateShutdown.
func (m *Manager) RequestShutdown(msg string) error {
	return m.shutdown(ReasonUserRequest, msg)
}

// shutdown runs once until the next Reset: later calls keep the first
// reason.
func (m *Manager) shutdown(reason ShutdownReason, msg string) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = StateShuttingDown
	m.last = Shutdown{Reason: reason, Msg: msg, Time: m.clk.Now()}
	m.mu.Unlock()

	m.log.WithFields(log.Fields{"reason": string(reason)}).Errorf("shutdown: %s", msg)
	m.stopWatchdog(false)
	m.MotorOff(m.printTime())

	m.mu.Lock()
	m.state = StateShutdown
	if reason.fault() {
		m.state = StateError
	}
	last := m.last
	callbacks := make([]func(Shutdown), len(m.onShutdown))
	copy(callbacks, m.onShutdown)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(last)
	}
	return nil
}

// StartWatchdog starts the watchdog goroutine. If Heartbeat is not called
// within the watchdog timeout the host shuts down, which cuts motor power.
func (m *Manager) StartWatchdog() {
	m.wd.mu.Lock()
	defer m.wd.mu.Unlock()
	if m.wd.cancel != nil {
		return
	}
	var ctx context.Context
	ctx, m.wd.cancel = context.WithCancel(context.Background())
	m.wd.done = make(chan struct{})
	m.wd.last = m.clk.Now()
	// Created before returning so a mock clock advanced right after
	// StartWatchdog still drives it.
	ticker := m.clk.Ticker(m.wd.interval)
	go m.watch(ctx, ticker, m.wd.done)
}

// StopWatchdog stops the watchdog and waits for its goroutine to exit.
func (m *Manager) StopWatchdog() {
	m.stopWatchdog(true)
}

func (m *Manager) stopWatchdog(wait bool) {
	m.wd.mu.Lock()
	cancel, done := m.wd.cancel, m.wd.done
	m.wd.cancel, m.wd.done = nil, nil
	m.wd.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if wait {
		<-done
	}
}

// Heartbeat resets the watchdog timer. The main loop calls it for every
// unit of work.
func (m *Manager) Heartbeat() {
	m.wd.mu.Lock()
	defer m.wd.mu.Unlock()
	m.wd.last = m.clk.Now()
}

func (m *Manager) watch(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.wd.mu.Lock()
			expired := now.Sub(m.wd.last) > m.wd.timeout
			m.wd.mu.Unlock()
			if expired {
				_ = m.shutdown(ReasonWatchdogTimeout, "main loop heartbeat timeout")
				return
			}
		}
	}
}

// Reset returns the manager to running after a shutdown. Motors stay off
// until the next MotorOn.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning || m.state == StateShuttingDown {
		return errors.New("safety: cannot reset while running or shutting down")
	}
	m.state = StateRunning
	m.last = Shutdown{}
	return nil
}

// Status is the safety status snapshot.
type Status struct {
	State          string    `json:"state"`
	ShutdownReason string    `json:"shutdown_reason,omitempty"`
	ShutdownMsg    string    `json:"shutdown_msg,omitempty"`
	ShutdownTime   time.Time `json:"shutdown_time"`
	IsOperational  bool      `json:"is_operational"`
	MotorsEnabled  bool      `json:"motors_enabled"`
}

// GetStatus returns the current status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:          m.state.String(),
		ShutdownReason: string(m.last.Reason),
		ShutdownMsg:    m.last.Msg,
		ShutdownTime:   m.last.Time,
		IsOperational:  m.state == StateRunning,
		MotorsEnabled:  m.motorsEnabled,
	}
}
