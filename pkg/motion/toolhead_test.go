package motion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"klipper-go-kinematics/pkg/config"
	kerrors "klipper-go-kinematics/pkg/errors"
	"klipper-go-kinematics/pkg/event"
	"klipper-go-kinematics/pkg/kinematics"
	"klipper-go-kinematics/pkg/metrics"
	"klipper-go-kinematics/pkg/safety"
)

var nan = math.NaN()

func hexaPrinterConfig() string {
	var b strings.Builder
	b.WriteString(`[printer]
kinematics: hexa
max_velocity: 300
max_accel: 3000
max_z_velocity: 20
max_z_accel: 100
home_z: 300
head_height: 20
print_radius: 150
`)
	for i, id := range []string{"a", "b", "c", "u", "v", "w"} {
		fmt.Fprintf(&b, "\n[stepper_%s]\nstep_distance: 0.0125\narm_length: 250\ntower_radius: 100\n"+
			"tower_angle: %d\nhead_radius: 30\nhead_angle: %d\n", id, i*60, i*60)
	}
	return b.String()
}

const jointsPrinterConfig = `[printer]
kinematics: joints
max_velocity: 90
max_accel: 900
links: arm.yaml

[stepper_x]
step_distance: 0.1125
position_min: -90
position_max: 90
position_endstop: -90

[stepper_y]
step_distance: 0.1125
position_min: -15
position_max: 104
position_endstop: 104
`

const twoAxisYAML = `name: two_axis
joints:
  - name: shoulder
    transform: "Rz()"
    limits: [-90, 90]
  - name: elbow
    transform: "tz(0.1) Rx(-90) Rz()"
    limits: [-15, 104]
`

func newHexaToolhead(t *testing.T, bus *event.Bus, opts ...Option) *Toolhead {
	t.Helper()
	cfg, err := config.LoadString(hexaPrinterConfig())
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	th, err := New(cfg, bus, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := cfg.CheckUnusedOptions(); err != nil {
		t.Errorf("unused options: %v", err)
	}
	return th
}

func newJointsToolhead(t *testing.T) *Toolhead {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "arm.yaml"), []byte(twoAxisYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "printer.cfg")
	if err := os.WriteFile(path, []byte(jointsPrinterConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	th, err := New(cfg, event.NewBus())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return th
}

func TestNewToolhead(t *testing.T) {
	th := newHexaToolhead(t, event.NewBus())
	if got := th.Kinematics().GetType(); got != "hexa" {
		t.Errorf("kinematics = %q, want hexa", got)
	}
	v, a := th.MaxVelocity()
	if v != 300 || a != 3000 {
		t.Errorf("MaxVelocity() = %v, %v", v, a)
	}
	if th.TrapQ() == nil {
		t.Error("TrapQ() is nil")
	}
}

func TestNewToolheadErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing printer", "[stepper_a]\n"},
		{"missing max_velocity", "[printer]\nkinematics: hexa\nmax_accel: 3000\n"},
		{"zero max_accel", "[printer]\nkinematics: hexa\nmax_velocity: 300\nmax_accel: 0\n"},
		{"unknown kinematics", "[printer]\nkinematics: corexy\nmax_velocity: 300\nmax_accel: 3000\n"},
		{"incomplete hexa", "[printer]\nkinematics: hexa\nmax_velocity: 300\nmax_accel: 3000\nhome_z: 100\n"},
	}
	for _, tt := range tests {
		cfg, err := config.LoadString(tt.data)
		if err != nil {
			t.Fatalf("%s: LoadString failed: %v", tt.name, err)
		}
		if _, err := New(cfg, nil); !kerrors.IsConfig(err) {
			t.Errorf("%s: expected config error, got %v", tt.name, err)
		}
	}
}

func TestMoveRequiresHome(t *testing.T) {
	th := newHexaToolhead(t, event.NewBus())
	err := th.Move(kinematics.Position{10, 0, 0, 0, 0, 0}, 100)
	if !errors.Is(err, kerrors.ErrMustHome) {
		t.Fatalf("expected must home, got %v", err)
	}
	if diff := cmp.Diff(kinematics.Position{0, 0, 0, 0, 0, 0}, th.Position()); diff != "" {
		t.Errorf("rejected move changed position (-want +got):\n%s", diff)
	}
	if th.Queue().Len() != 0 {
		t.Errorf("rejected move was queued")
	}
}

func TestHomeAndMove(t *testing.T) {
	th := newHexaToolhead(t, event.NewBus())
	if err := th.Home(context.Background(), []int{0, 1, 2}); err != nil {
		t.Fatalf("Home failed: %v", err)
	}
	if diff := cmp.Diff(kinematics.Position{0, 0, 300, 0, 0, 0}, th.Position()); diff != "" {
		t.Errorf("position after homing (-want +got):\n%s", diff)
	}
	if got := th.Kinematics().Phase(); got != kinematics.Homed {
		t.Errorf("phase = %v, want homed", got)
	}

	if err := th.Move(kinematics.Position{10, nan, nan, nan, nan, nan}, 100); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if got := th.Position(); got[0] != 10 || got[2] != 300 {
		t.Errorf("position = %v", got)
	}

	mv, err := th.PlanMove(kinematics.Position{140, 0, 300, 0, 0, 0}, 300)
	if err != nil {
		t.Fatalf("PlanMove failed: %v", err)
	}
	if mv.MaxCruiseV2 != 150*150 {
		t.Errorf("edge move not derated: v2 = %v", mv.MaxCruiseV2)
	}

	err = th.Move(kinematics.Position{200, 0, 300, 0, 0, 0}, 100)
	if !errors.Is(err, kerrors.ErrOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if got := th.Position()[0]; got != 140 {
		t.Errorf("rejected move changed position to %v", got)
	}
	if th.Queue().Len() != 2 {
		t.Errorf("queued %d moves, want 2", th.Queue().Len())
	}
}

func TestShortMoveKeepsAllAxes(t *testing.T) {
	th := newHexaToolhead(t, event.NewBus())
	if err := th.Home(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	mv, err := th.PlanMove(kinematics.Position{140, 0}, 10)
	if err != nil {
		t.Fatalf("PlanMove failed: %v", err)
	}
	if len(mv.EndPos) != kinematics.NumAxes {
		t.Errorf("checked move has %d axes, want %d", len(mv.EndPos), kinematics.NumAxes)
	}
	want := kinematics.Position{140, 0, 300, 0, 0, 0}
	if diff := cmp.Diff(want, th.Position()); diff != "" {
		t.Errorf("position (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, th.Kinematics().CalcPosition(nil)); diff != "" {
		t.Errorf("kinematics position (-want +got):\n%s", diff)
	}
}

func TestZeroLengthMove(t *testing.T) {
	th := newHexaToolhead(t, event.NewBus())
	mv, err := th.PlanMove(th.Position(), 100)
	if mv != nil || err != nil {
		t.Errorf("PlanMove = %v, %v; want nil, nil", mv, err)
	}
}

func TestFlush(t *testing.T) {
	th := newHexaToolhead(t, event.NewBus())
	if err := th.Home(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	for _, x := range []float64{10, 20, 30} {
		if err := th.Move(kinematics.Position{x, 0, 300, 0, 0, 0}, 100); err != nil {
			t.Fatal(err)
		}
	}
	if th.PrintTime() <= 0 {
		t.Errorf("PrintTime = %v", th.PrintTime())
	}
	th.Flush()
	if th.Queue().Len() != 0 {
		t.Errorf("%d moves pending after flush", th.Queue().Len())
	}
	hist := th.Queue().History()
	if len(hist) != 4 {
		t.Fatalf("history has %d segments, want homing park and 3 moves", len(hist))
	}
	end := kinematics.Position{30, 0, 300, 0, 0, 0}
	if diff := cmp.Diff(end, hist[3].EndPos); diff != "" {
		t.Errorf("last segment end mismatch (-want +got):\n%s", diff)
	}
	for _, s := range th.Kinematics().GetSteppers() {
		want := s.CalcPositionFromCoord(end)
		if got := s.GetCommandedPosition(); math.Abs(got-want) > 1e-9 {
			t.Errorf("%s at %v, want %v", s.GetName(false), got, want)
		}
		if s.GetMCUPosition() != int64(math.Round(want/s.GetStepDist())) {
			t.Errorf("%s mcu position = %d", s.GetName(false), s.GetMCUPosition())
		}
	}
}

func TestSetPosition(t *testing.T) {
	th := newHexaToolhead(t, event.NewBus())
	th.SetPosition(kinematics.Position{0, 0, 250, nan, nan, nan}, []int{0, 1, 2, 3, 4, 5})
	if diff := cmp.Diff(kinematics.Position{0, 0, 250, 0, 0, 0}, th.Position()); diff != "" {
		t.Errorf("position mismatch (-want +got):\n%s", diff)
	}
	if got := th.Kinematics().GetStatus().HomedAxes; got != "xyz" {
		t.Errorf("HomedAxes = %q", got)
	}
}

func TestJointsToolhead(t *testing.T) {
	th := newJointsToolhead(t)
	if err := th.Home(context.Background(), []int{1}); err != nil {
		t.Fatalf("Home failed: %v", err)
	}
	if got := th.Position()[1]; got != 104 {
		t.Errorf("axis 1 at %v after homing, want 104", got)
	}
	if err := th.Move(kinematics.Position{nan, 50}, 45); err != nil {
		t.Errorf("move to 50 failed: %v", err)
	}
	if err := th.Move(kinematics.Position{nan, 150}, 45); !errors.Is(err, kerrors.ErrOutOfRange) {
		t.Errorf("expected out of range, got %v", err)
	}
	if err := th.Move(kinematics.Position{10}, 45); !errors.Is(err, kerrors.ErrMustHome) {
		t.Errorf("expected must home axis 0, got %v", err)
	}
	if got := th.GetStatus().Kinematics.HomedAxes; got != "y" {
		t.Errorf("HomedAxes = %q, want y", got)
	}
}

func TestSafetyCutoff(t *testing.T) {
	bus := event.NewBus()
	mgr := safety.New(bus, safety.WithClock(clock.NewMock()))
	th := newHexaToolhead(t, bus, WithSafety(mgr))
	if err := th.Home(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if err := th.Move(kinematics.Position{10, 0, 300, 0, 0, 0}, 100); err != nil {
		t.Fatal(err)
	}
	if !mgr.MotorsEnabled() {
		t.Error("accepted move should enable motors")
	}

	if err := mgr.EmergencyStop("test"); err != nil {
		t.Fatalf("EmergencyStop failed: %v", err)
	}
	if th.Queue().Len() != 0 {
		t.Error("queued moves survived motor off")
	}
	if got := th.Kinematics().Phase(); got != kinematics.Unhomed {
		t.Errorf("phase = %v after emergency stop", got)
	}
	if err := th.Move(kinematics.Position{20, 0, 300, 0, 0, 0}, 100); !errors.Is(err, safety.ErrEmergencyStop) {
		t.Errorf("expected emergency stop error, got %v", err)
	}

	if err := mgr.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := th.Move(kinematics.Position{20, 0, 300, 0, 0, 0}, 100); !errors.Is(err, kerrors.ErrMustHome) {
		t.Errorf("expected must home after reset, got %v", err)
	}
}

func TestShutdownDuringMoves(t *testing.T) {
	bus := event.NewBus()
	mgr := safety.New(bus, safety.WithClock(clock.NewMock()))
	th := newHexaToolhead(t, bus, WithSafety(mgr))
	if err := th.Home(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		x := 10.0
		for {
			if err := th.Move(kinematics.Position{x, 0, 300, 0, 0, 0}, 100); err != nil {
				done <- err
				return
			}
			x = -x
		}
	}()
	if err := mgr.EmergencyStop("stop while moving"); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, safety.ErrEmergencyStop) {
		t.Fatalf("move error = %v, want emergency stop", err)
	}
	// Whichever check refused the last move, the kinematics must not
	// have advanced past the toolhead.
	if diff := cmp.Diff(th.Position(), th.Kinematics().CalcPosition(nil)); diff != "" {
		t.Errorf("kinematics out of sync with toolhead (-toolhead +kinematics):\n%s", diff)
	}
}

func TestToolheadClose(t *testing.T) {
	bus := event.NewBus()
	th := newHexaToolhead(t, bus)
	if bus.Subscribers(event.MotorOff) != 1 {
		t.Fatalf("subscribers = %d, want 1", bus.Subscribers(event.MotorOff))
	}
	if err := th.Close(); err != nil {
		t.Fatal(err)
	}
	if bus.Subscribers(event.MotorOff) != 0 {
		t.Errorf("subscribers = %d after Close", bus.Subscribers(event.MotorOff))
	}
}

func TestStatusJSON(t *testing.T) {
	th := newHexaToolhead(t, event.NewBus())
	if err := th.Home(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(th.GetStatus())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["homing_phase"] != "homed" {
		t.Errorf("homing_phase = %v", got["homing_phase"])
	}
	kin := got["kinematics"].(map[string]interface{})
	if kin["homed_axes"] != "xyz" {
		t.Errorf("homed_axes = %v", kin["homed_axes"])
	}
}

func TestToolheadMetrics(t *testing.T) {
	bus := event.NewBus()
	mgr := safety.New(bus, safety.WithClock(clock.NewMock()))
	m := metrics.NewMotion(clock.NewMock())
	th := newHexaToolhead(t, bus, WithSafety(mgr), WithMetrics(m))
	if err := th.Home(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	ok := metrics.Labels{"result": "ok"}
	if m.Homing.Get(ok) != 1 || m.HomingTime.Count(ok) != 1 {
		t.Errorf("homing not recorded: %d attempts, %d timings", m.Homing.Get(ok), m.HomingTime.Count(ok))
	}

	for _, x := range []float64{10, 140, 200} {
		_ = th.Move(kinematics.Position{x, 0, 300, 0, 0, 0}, 100)
	}
	for _, result := range []string{"accepted", "derated", "rejected"} {
		if n := m.MovesChecked.Get(metrics.Labels{"kinematics": "hexa", "result": result}); n != 1 {
			t.Errorf("%s moves = %d, want 1", result, n)
		}
	}
	if got := m.PrintTime.Get(nil); got != th.PrintTime() {
		t.Errorf("print time gauge = %v, want %v", got, th.PrintTime())
	}

	if n := mgr.MotorOff(th.PrintTime()); n != 2 {
		t.Errorf("motor off reached %d handlers, want 2", n)
	}
	if m.MotorOff.Get(nil) != 1 {
		t.Errorf("motor off count = %d", m.MotorOff.Get(nil))
	}
	if err := th.Close(); err != nil {
		t.Fatal(err)
	}
	if n := bus.Subscribers(event.MotorOff); n != 0 {
		t.Errorf("subscribers = %d after Close", n)
	}
}
