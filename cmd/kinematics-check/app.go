package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"klipper-go-kinematics/pkg/config"
	kerrors "klipper-go-kinematics/pkg/errors"
	"klipper-go-kinematics/pkg/event"
	"klipper-go-kinematics/pkg/gcode"
	"klipper-go-kinematics/pkg/kinematics"
	"klipper-go-kinematics/pkg/log"
	"klipper-go-kinematics/pkg/metrics"
	"klipper-go-kinematics/pkg/motion"
	"klipper-go-kinematics/pkg/safety"
)

const (
	flagConfig   = "config"
	flagLogFile  = "logfile"
	flagVerbose  = "v"
	flagHome     = "home"
	flagSpeed    = "speed"
	flagMetrics  = "metrics"
	flagWatchdog = "watchdog"

	motorOffToken = "motor_off"
)

func newApp(stdout, stderr io.Writer) *cli.App {
	var logFile io.Closer
	return &cli.App{
		Name:            "kinematics-check",
		Usage:           "check moves against a printer's kinematic envelope",
		HideHelpCommand: true,
		Writer:          stdout,
		ErrWriter:       stderr,
		ExitErrHandler:  func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagConfig,
				Aliases:  []string{"c"},
				Usage:    "load printer configuration from `FILE`",
				Required: true,
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "write logs to a rotating `FILE` instead of stderr",
			},
			&cli.BoolFlag{
				Name:  flagVerbose,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			logger := log.New("kinematics-check")
			logger.SetOutput(stderr, log.FormatText)
			log.ConfigureFromEnv(logger)
			if path := c.String(flagLogFile); path != "" {
				logFile = log.ToFile(logger, path, log.FormatJSON)
			}
			if c.Bool(flagVerbose) {
				logger.SetLevel(log.DEBUG)
			}
			log.SetDefaultLogger(logger)
			return nil
		},
		After: func(c *cli.Context) error {
			if logFile != nil {
				return logFile.Close()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "envelope",
				Usage:  "print the kinematic envelope and status as JSON",
				Action: envelopeAction,
			},
			{
				Name:      "simulate",
				Usage:     "check a sequence of moves",
				ArgsUsage: "x,y,z[,a,b,c] ...",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  flagHome,
						Usage: "home every axis before the first move",
					},
					&cli.Float64Flag{
						Name:  flagSpeed,
						Usage: "requested move speed in mm/s (default max_velocity)",
					},
					&cli.BoolFlag{
						Name:  flagMetrics,
						Usage: "print motion metrics in Prometheus text format",
					},
				},
				Action: simulateAction,
			},
			{
				Name:      "run",
				Usage:     "execute a G-code file (- for stdin)",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  flagMetrics,
						Usage: "print motion metrics in Prometheus text format",
					},
					&cli.DurationFlag{
						Name:  flagWatchdog,
						Usage: "cut motor power if a line takes longer than this (0 disables)",
					},
				},
				Action: runAction,
			},
		},
	}
}

type printer struct {
	cfg     *config.Config
	bus     *event.Bus
	safety  *safety.Manager
	metrics *metrics.Motion
	th      *motion.Toolhead
}

func loadPrinter(c *cli.Context) (*printer, error) {
	path := c.String(flagConfig)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	p := &printer{cfg: cfg, bus: event.NewBus()}
	p.safety = safety.New(p.bus)
	opts := []motion.Option{motion.WithSafety(p.safety)}
	if c.Bool(flagMetrics) {
		p.metrics = metrics.NewMotion(nil)
		opts = append(opts, motion.WithMetrics(p.metrics))
	}
	p.th, err = motion.New(cfg, p.bus, opts...)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckUnusedOptions(); err != nil {
		log.GetLogger("config").Warnf("%v", err)
	}
	return p, nil
}

func (p *printer) close() {
	if err := p.th.Close(); err != nil {
		log.GetLogger("").Warnf("close: %v", err)
	}
	p.bus.Close()
}

type envelopeReport struct {
	Kinematics string        `json:"kinematics"`
	Axes       []string      `json:"axes"`
	Hexa       *hexaEnvelope `json:"hexa,omitempty"`
	Joints     []jointReport `json:"joints,omitempty"`
	Status     motion.Status `json:"status"`
	Safety     safety.Status `json:"safety"`
}

type hexaEnvelope struct {
	MaxRadius      float64   `json:"max_radius"`
	SlowRadius     float64   `json:"slow_radius"`
	VerySlowRadius float64   `json:"very_slow_radius"`
	MinZ           float64   `json:"min_z"`
	MaxZ           float64   `json:"max_z"`
	LimitZ         float64   `json:"limit_z"`
	HomePosition   []float64 `json:"home_position"`
}

type jointReport struct {
	Name string  `json:"name"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

func envelopeAction(c *cli.Context) error {
	p, err := loadPrinter(c)
	if err != nil {
		return err
	}
	defer p.close()

	kin := p.th.Kinematics()
	report := envelopeReport{
		Kinematics: kin.GetType(),
		Status:     p.th.GetStatus(),
		Safety:     p.safety.GetStatus(),
	}
	for _, r := range kin.GetRails() {
		report.Axes = append(report.Axes, r.GetName())
	}
	switch k := kin.(type) {
	case *kinematics.HexaKinematics:
		g := k.Geometry()
		report.Hexa = &hexaEnvelope{
			MaxRadius:      math.Sqrt(g.MaxXY2),
			SlowRadius:     math.Sqrt(g.SlowXY2),
			VerySlowRadius: math.Sqrt(g.VerySlowXY2),
			MinZ:           g.MinZ,
			MaxZ:           g.MaxZ,
			LimitZ:         g.LimitZ,
			HomePosition:   g.HomePosition,
		}
	case *kinematics.JointsKinematics:
		for _, j := range k.Chain().Joints {
			report.Joints = append(report.Joints, jointReport{Name: j.Name, Min: j.Min, Max: j.Max})
		}
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// parseMove reads "x,y,z,..." into a position. Empty or missing
// coordinates are NaN and keep their current value.
func parseMove(arg string) (kinematics.Position, error) {
	parts := strings.Split(arg, ",")
	if len(parts) > kinematics.NumAxes {
		return nil, errors.Errorf("move %q has %d coordinates, at most %d allowed", arg, len(parts), kinematics.NumAxes)
	}
	pos := kinematics.NewPosition(kinematics.NumAxes)
	for i, s := range parts {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "move %q coordinate %d", arg, i)
		}
		pos[i] = v
	}
	return pos, nil
}

func formatPosition(pos kinematics.Position) string {
	parts := make([]string, len(pos))
	for i, v := range pos {
		parts[i] = strconv.FormatFloat(v, 'f', 3, 64)
	}
	return strings.Join(parts, ",")
}

func simulateAction(c *cli.Context) error {
	moves := c.Args().Slice()
	targets := make([]kinematics.Position, len(moves))
	for i, arg := range moves {
		if arg == motorOffToken {
			continue
		}
		pos, err := parseMove(arg)
		if err != nil {
			return err
		}
		targets[i] = pos
	}

	p, err := loadPrinter(c)
	if err != nil {
		return err
	}
	defer p.close()

	out := c.App.Writer
	if c.Bool(flagHome) {
		axes := make([]int, len(p.th.Kinematics().GetRails()))
		for i := range axes {
			axes[i] = i
		}
		if err := p.th.Home(c.Context, axes); err != nil {
			return errors.Wrap(err, "homing")
		}
		fmt.Fprintf(out, "homed at %s\n", formatPosition(p.th.Position()))
	}

	maxV, maxA := p.th.MaxVelocity()
	speed := c.Float64(flagSpeed)
	if speed <= 0 || speed > maxV {
		speed = maxV
	}
	rejected := 0
	for i, arg := range moves {
		if arg == motorOffToken {
			n := p.safety.MotorOff(p.th.PrintTime())
			fmt.Fprintf(out, "%d: motor off (%d handlers)\n", i+1, n)
			continue
		}
		mv, err := p.th.PlanMove(targets[i], speed)
		if _, ok := kerrors.IsMove(err); err != nil && !ok {
			return errors.Wrapf(err, "move %d", i+1)
		}
		switch {
		case err != nil:
			rejected++
			fmt.Fprintf(out, "%d: rejected: %v\n", i+1, err)
		case mv == nil:
			fmt.Fprintf(out, "%d: no movement\n", i+1)
		case mv.MaxCruiseV2 < speed*speed || mv.Accel < maxA:
			fmt.Fprintf(out, "%d: derated to %.3fmm/s, accel %.1f: %s\n",
				i+1, math.Sqrt(mv.MaxCruiseV2), mv.Accel, formatPosition(mv.EndPos))
		default:
			fmt.Fprintf(out, "%d: accepted: %s\n", i+1, formatPosition(mv.EndPos))
		}
	}
	p.th.Flush()
	fmt.Fprintf(out, "print time %.3fs, %d of %d moves rejected\n", p.th.PrintTime(), rejected, len(moves))
	if p.metrics != nil {
		if err := p.metrics.Registry().WriteText(out); err != nil {
			return errors.Wrap(err, "write metrics")
		}
	}
	if rejected > 0 {
		return cli.Exit(fmt.Sprintf("%d moves rejected", rejected), 2)
	}
	return nil
}

func runAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("run expects one G-code file", 2)
	}
	var in io.Reader = c.App.Reader
	if name := c.Args().First(); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	p, err := loadPrinter(c)
	if err != nil {
		return err
	}
	defer p.close()

	out := c.App.Writer
	opts := []gcode.Option{
		gcode.WithOutput(out),
		gcode.WithMotorOff(func(printTime float64) { p.safety.MotorOff(printTime) }),
	}
	if d := c.Duration(flagWatchdog); d > 0 {
		p.safety.Configure(safety.Config{WatchdogTimeout: d, CheckInterval: d / 10})
		p.safety.StartWatchdog()
		defer p.safety.StopWatchdog()
		opts = append(opts, gcode.WithHeartbeat(p.safety.Heartbeat))
	}
	ex := gcode.NewExecutor(p.th, opts...)
	if err := ex.Run(c.Context, in); err != nil {
		return err
	}
	p.th.Flush()
	st := p.th.GetStatus()
	fmt.Fprintf(out, "done: %s, print time %.3fs\n", st.Phase, st.PrintTime)
	if p.metrics != nil {
		if err := p.metrics.Registry().WriteText(out); err != nil {
			return errors.Wrap(err, "write metrics")
		}
	}
	return nil
}
