// G-code execution against a toolhead
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"klipper-go-kinematics/pkg/kinematics"
	"klipper-go-kinematics/pkg/log"
)

// axisLetters maps G-code axis words to kinematic axes.
const axisLetters = "XYZABC"

// Toolhead is the motion-control surface the executor drives.
type Toolhead interface {
	Position() kinematics.Position
	Move(end kinematics.Position, speed float64) error
	SetPosition(pos kinematics.Position, homingAxes []int)
	Home(ctx context.Context, axes []int) error
	Flush()
	PrintTime() float64
	Kinematics() kinematics.Kinematics
}

// Option configures an Executor.
type Option func(*Executor)

// WithMotorOff sets the function run by M84 and M18. It receives the
// print time of the last queued move.
func WithMotorOff(fn func(printTime float64)) Option {
	return func(e *Executor) { e.motorOff = fn }
}

// WithOutput sets where M114 reports the position.
func WithOutput(w io.Writer) Option {
	return func(e *Executor) { e.out = w }
}

// WithHeartbeat sets a function Run calls before each line, such as a
// safety watchdog heartbeat.
func WithHeartbeat(fn func()) Option {
	return func(e *Executor) { e.heartbeat = fn }
}

// Executor runs G-code commands on a toolhead.
type Executor struct {
	mu        sync.Mutex
	th        Toolhead
	log       *log.Logger
	out       io.Writer
	motorOff  func(printTime float64)
	heartbeat func()
	absCoords bool
	feedrate  float64 // mm/s, zero means max_velocity
}

// NewExecutor creates an executor in absolute mode.
func NewExecutor(th Toolhead, opts ...Option) *Executor {
	e := &Executor{
		th:        th,
		log:       log.GetLogger("gcode"),
		out:       io.Discard,
		absCoords: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute parses and executes one G-code line.
func (e *Executor) Execute(ctx context.Context, line string) error {
	cmd := Parse(line)
	if cmd == nil {
		return nil
	}
	e.log.Debugf("Executing: %s", strings.TrimSpace(cmd.Raw))

	e.mu.Lock()
	defer e.mu.Unlock()
	switch cmd.Name {
	case "G0", "G1":
		return e.move(cmd)
	case "G28":
		return e.home(ctx, cmd)
	case "G90":
		e.absCoords = true
	case "G91":
		e.absCoords = false
	case "G92":
		return e.setPosition(cmd)
	case "M84", "M18":
		e.th.Flush()
		if e.motorOff != nil {
			e.motorOff(e.th.PrintTime())
		}
	case "M114":
		e.report()
	case "M400":
		e.th.Flush()
	default:
		e.log.Warnf("Unknown G-code command: %s", cmd.Name)
	}
	return nil
}

// Run executes every line of r and stops at the first failing line.
func (e *Executor) Run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.heartbeat != nil {
			e.heartbeat()
		}
		if err := e.Execute(ctx, sc.Text()); err != nil {
			return errors.Wrapf(err, "line %d", n)
		}
	}
	return sc.Err()
}

// target reads the axis words of cmd. Axes without a word are NaN.
func (e *Executor) target(cmd *Command, base kinematics.Position) (kinematics.Position, error) {
	pos := kinematics.NewPosition(kinematics.NumAxes)
	for i := 0; i < len(axisLetters); i++ {
		v, ok, err := cmd.Float(axisLetters[i : i+1])
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if !e.absCoords && i < len(base) {
			v += base[i]
		}
		pos[i] = v
	}
	return pos, nil
}

func (e *Executor) move(cmd *Command) error {
	f, ok, err := cmd.Float("F")
	if err != nil {
		return err
	}
	if ok {
		if f <= 0 {
			return errors.Errorf("%s: invalid speed F%v", cmd.Name, f)
		}
		e.feedrate = f / 60.0
	}
	pos, err := e.target(cmd, e.th.Position())
	if err != nil {
		return err
	}
	return e.th.Move(pos, e.feedrate)
}

func (e *Executor) home(ctx context.Context, cmd *Command) error {
	n := len(e.th.Kinematics().GetRails())
	var axes []int
	for i := 0; i < len(axisLetters) && i < n; i++ {
		if cmd.Has(axisLetters[i : i+1]) {
			axes = append(axes, i)
		}
	}
	if len(axes) == 0 {
		for i := 0; i < n; i++ {
			axes = append(axes, i)
		}
	}
	return e.th.Home(ctx, axes)
}

func (e *Executor) setPosition(cmd *Command) error {
	cur := e.th.Position()
	pos, err := e.target(cmd, cur)
	if err != nil {
		return err
	}
	allNaN := true
	for _, v := range pos {
		if !math.IsNaN(v) {
			allNaN = false
		}
	}
	if allNaN {
		// Plain G92 zeroes every axis
		for i := range pos {
			pos[i] = 0
		}
	}
	e.th.SetPosition(pos, nil)
	return nil
}

func (e *Executor) report() {
	pos := e.th.Position()
	parts := make([]string, 0, len(pos))
	for i, v := range pos {
		if i < len(axisLetters) {
			parts = append(parts, fmt.Sprintf("%c:%.3f", axisLetters[i], v))
		}
	}
	fmt.Fprintln(e.out, strings.Join(parts, " "))
}
