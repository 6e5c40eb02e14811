package gcode

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"klipper-go-kinematics/pkg/kinematics"
	"klipper-go-kinematics/pkg/stepper"
)

var nan = math.NaN()

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want *Command
	}{
		{"", nil},
		{"   ; only a comment", nil},
		{"(paren) ", nil},
		{"g1 x10 Y-2.5 f3000 ; move", &Command{Name: "G1", Args: map[string]string{"X": "10", "Y": "-2.5", "F": "3000"}}},
		{"G28 X Z", &Command{Name: "G28", Args: map[string]string{"X": "", "Z": ""}}},
		{"SET_KINEMATIC_POSITION x=1 (note) Z=2", &Command{Name: "SET_KINEMATIC_POSITION", Args: map[string]string{"X": "1", "Z": "2"}}},
	}
	for _, tt := range tests {
		got := Parse(tt.line)
		if diff := cmp.Diff(tt.want, got, cmpopts.IgnoreFields(Command{}, "Raw")); diff != "" {
			t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.line, diff)
		}
	}
}

func TestCommandFloat(t *testing.T) {
	cmd := Parse("G1 X1.5 Yabc")
	if v, ok, err := cmd.Float("X"); v != 1.5 || !ok || err != nil {
		t.Errorf("Float(X) = %v, %v, %v", v, ok, err)
	}
	if _, ok, err := cmd.Float("Z"); ok || err != nil {
		t.Errorf("Float(Z) = %v, %v", ok, err)
	}
	if _, _, err := cmd.Float("Y"); err == nil || !strings.Contains(err.Error(), "unable to parse Yabc") {
		t.Errorf("Float(Y) error = %v", err)
	}
}

type fakeMove struct {
	end   kinematics.Position
	speed float64
}

type fakeKinematics struct {
	kinematics.Kinematics
	rails []*stepper.Rail
}

func (k *fakeKinematics) GetRails() []*stepper.Rail { return k.rails }

type fakeToolhead struct {
	pos     kinematics.Position
	moves   []fakeMove
	homed   [][]int
	set     []kinematics.Position
	flushes int
	moveErr error
	kin     *fakeKinematics
}

func newFakeToolhead(rails int) *fakeToolhead {
	th := &fakeToolhead{pos: kinematics.Position{0, 0, 0, 0, 0, 0}, kin: &fakeKinematics{}}
	for i := 0; i < rails; i++ {
		th.kin.rails = append(th.kin.rails, stepper.NewRail("rail", 1, 0, 1, stepper.HomingInfo{}))
	}
	return th
}

func (th *fakeToolhead) Position() kinematics.Position { return th.pos.Copy() }

func (th *fakeToolhead) Move(end kinematics.Position, speed float64) error {
	if th.moveErr != nil {
		return th.moveErr
	}
	th.moves = append(th.moves, fakeMove{end.Copy(), speed})
	th.pos = end.Merge(th.pos)
	return nil
}

func (th *fakeToolhead) SetPosition(pos kinematics.Position, homingAxes []int) {
	th.set = append(th.set, pos.Copy())
	th.pos = pos.Merge(th.pos)
}

func (th *fakeToolhead) Home(ctx context.Context, axes []int) error {
	th.homed = append(th.homed, axes)
	return nil
}

func (th *fakeToolhead) Flush() { th.flushes++ }

func (th *fakeToolhead) PrintTime() float64 { return 1.25 }

func (th *fakeToolhead) Kinematics() kinematics.Kinematics { return th.kin }

var nanEqual = cmpopts.EquateNaNs()

func TestExecutorMoves(t *testing.T) {
	th := newFakeToolhead(6)
	e := NewExecutor(th)
	ctx := context.Background()
	for _, line := range []string{
		"G1 X10 Y20 F6000",
		"G91",
		"G1 X5 Z-1",
		"G90",
		"G0 A2.5",
	} {
		if err := e.Execute(ctx, line); err != nil {
			t.Fatalf("Execute(%q) failed: %v", line, err)
		}
	}
	want := []fakeMove{
		{kinematics.Position{10, 20, nan, nan, nan, nan}, 100},
		{kinematics.Position{15, nan, -1, nan, nan, nan}, 100},
		{kinematics.Position{nan, nan, nan, 2.5, nan, nan}, 100},
	}
	if diff := cmp.Diff(want, th.moves, nanEqual, cmp.AllowUnexported(fakeMove{})); diff != "" {
		t.Errorf("moves mismatch (-want +got):\n%s", diff)
	}
}

func TestExecutorMoveErrors(t *testing.T) {
	th := newFakeToolhead(6)
	e := NewExecutor(th)
	ctx := context.Background()
	if err := e.Execute(ctx, "G1 X1 F0"); err == nil {
		t.Error("expected error for F0")
	}
	if err := e.Execute(ctx, "G1 Xfoo"); err == nil {
		t.Error("expected parse error")
	}
	th.moveErr = errors.New("move out of range")
	if err := e.Execute(ctx, "G1 X500"); !errors.Is(err, th.moveErr) {
		t.Errorf("expected toolhead error, got %v", err)
	}
	if len(th.moves) != 0 {
		t.Errorf("failed commands queued %d moves", len(th.moves))
	}
}

func TestExecutorHome(t *testing.T) {
	th := newFakeToolhead(2)
	e := NewExecutor(th)
	ctx := context.Background()
	for _, line := range []string{"G28", "G28 Y", "G28 Z"} {
		if err := e.Execute(ctx, line); err != nil {
			t.Fatal(err)
		}
	}
	// Z is beyond a two joint chain, so it homes everything
	want := [][]int{{0, 1}, {1}, {0, 1}}
	if diff := cmp.Diff(want, th.homed); diff != "" {
		t.Errorf("homed axes mismatch (-want +got):\n%s", diff)
	}
}

func TestExecutorSetPosition(t *testing.T) {
	th := newFakeToolhead(6)
	th.pos = kinematics.Position{1, 2, 3, 0, 0, 0}
	e := NewExecutor(th)
	ctx := context.Background()
	if err := e.Execute(ctx, "G92 Z10"); err != nil {
		t.Fatal(err)
	}
	if err := e.Execute(ctx, "G92"); err != nil {
		t.Fatal(err)
	}
	want := []kinematics.Position{
		{nan, nan, 10, nan, nan, nan},
		{0, 0, 0, 0, 0, 0},
	}
	if diff := cmp.Diff(want, th.set, nanEqual); diff != "" {
		t.Errorf("set positions mismatch (-want +got):\n%s", diff)
	}
}

func TestExecutorMotorOffAndReport(t *testing.T) {
	th := newFakeToolhead(6)
	th.pos = kinematics.Position{1, 2, 3, 0, 0, 0}
	var out bytes.Buffer
	var offAt []float64
	e := NewExecutor(th, WithOutput(&out), WithMotorOff(func(pt float64) { offAt = append(offAt, pt) }))
	ctx := context.Background()
	for _, line := range []string{"M114", "M400", "M84", "M117 hello"} {
		if err := e.Execute(ctx, line); err != nil {
			t.Fatalf("Execute(%q) failed: %v", line, err)
		}
	}
	if got := out.String(); got != "X:1.000 Y:2.000 Z:3.000 A:0.000 B:0.000 C:0.000\n" {
		t.Errorf("M114 output = %q", got)
	}
	if diff := cmp.Diff([]float64{1.25}, offAt); diff != "" {
		t.Errorf("motor off mismatch (-want +got):\n%s", diff)
	}
	if th.flushes != 2 {
		t.Errorf("flushes = %d, want 2", th.flushes)
	}
}

func TestRun(t *testing.T) {
	th := newFakeToolhead(6)
	beats := 0
	e := NewExecutor(th, WithHeartbeat(func() { beats++ }))
	script := "G28\n; comment\nG1 X1\nG1 Xbad\nG1 X2\n"
	err := e.Run(context.Background(), strings.NewReader(script))
	if err == nil || !strings.HasPrefix(err.Error(), "line 4: ") {
		t.Fatalf("expected line 4 error, got %v", err)
	}
	if len(th.moves) != 1 {
		t.Errorf("ran %d moves, want 1", len(th.moves))
	}
	if beats != 4 {
		t.Errorf("heartbeat ran %d times, want 4", beats)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx, strings.NewReader("G1 X3\n")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
