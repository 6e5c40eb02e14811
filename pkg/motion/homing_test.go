package motion

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"klipper-go-kinematics/pkg/endstop"
	kerrors "klipper-go-kinematics/pkg/errors"
	"klipper-go-kinematics/pkg/event"
	"klipper-go-kinematics/pkg/kinematics"
	"klipper-go-kinematics/pkg/safety"
	"klipper-go-kinematics/pkg/stepper"
)

func jointRail(t *testing.T, name string, axis byte, endstopPos float64) *stepper.Rail {
	t.Helper()
	r := stepper.NewRail(name, 0.1, -90, 90, stepper.HomingInfo{Speed: 5, PositionEndstop: endstopPos})
	if err := r.SetupAllocator(kinematics.JointsAllocator, axis); err != nil {
		t.Fatalf("SetupAllocator failed: %v", err)
	}
	return r
}

func TestDryRunHoming(t *testing.T) {
	x := jointRail(t, "stepper_x", 'x', -90)
	y := jointRail(t, "stepper_y", 'y', 45)
	h := NewDryRunHoming()
	h.SetAxes([]int{0, 1})
	if diff := cmp.Diff([]int{0, 1}, h.GetAxes()); diff != "" {
		t.Errorf("GetAxes mismatch (-want +got):\n%s", diff)
	}

	force := kinematics.Position{45, -90, nan, nan, nan, nan}
	home := kinematics.Position{-90, 45, nan, nan, nan, nan}
	if err := h.HomeRails(context.Background(), []*stepper.Rail{x, y}, force, home); err != nil {
		t.Fatalf("HomeRails failed: %v", err)
	}
	if got := x.GetCommandedPosition(); got != -90 {
		t.Errorf("stepper_x at %v, want -90", got)
	}
	if got := y.GetCommandedPosition(); got != 45 {
		t.Errorf("stepper_y at %v, want 45", got)
	}
	want := kinematics.Position{-90, 45, nan, nan, nan, nan}
	if diff := cmp.Diff(want, h.HomedPosition(), cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("HomedPosition mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"stepper_x", "stepper_y"}, h.HomedRails()); diff != "" {
		t.Errorf("HomedRails mismatch (-want +got):\n%s", diff)
	}
}

func TestDryRunHomingAccumulates(t *testing.T) {
	x := jointRail(t, "stepper_x", 'x', -90)
	y := jointRail(t, "stepper_y", 'y', 45)
	h := NewDryRunHoming()
	ctx := context.Background()
	if err := h.HomeRails(ctx, []*stepper.Rail{x}, kinematics.Position{0}, kinematics.Position{-90, nan}); err != nil {
		t.Fatal(err)
	}
	if err := h.HomeRails(ctx, []*stepper.Rail{y}, kinematics.Position{nan, 0}, kinematics.Position{nan, 45}); err != nil {
		t.Fatal(err)
	}
	got := h.HomedPosition()
	if got[0] != -90 || got[1] != 45 || !math.IsNaN(got[2]) {
		t.Errorf("HomedPosition = %v", got)
	}
}

func TestDryRunHomingCanceled(t *testing.T) {
	x := jointRail(t, "stepper_x", 'x', -90)
	x.SetPosition(kinematics.Position{10})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := NewDryRunHoming()
	err := h.HomeRails(ctx, []*stepper.Rail{x}, kinematics.Position{45}, kinematics.Position{-90})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := x.GetCommandedPosition(); got != 10 {
		t.Errorf("canceled homing moved stepper_x to %v", got)
	}
	if len(h.HomedRails()) != 0 {
		t.Errorf("canceled homing recorded rails %v", h.HomedRails())
	}
}

func hexaEndstops(clk clock.Clock) []*endstop.Endstop {
	var es []*endstop.Endstop
	for _, id := range []string{"a", "b", "c", "u", "v", "w"} {
		es = append(es, endstop.New("stepper_"+id, clk))
	}
	return es
}

// waitArmed blocks until every endstop is armed by a homing move.
func waitArmed(t *testing.T, es []*endstop.Endstop) {
	deadline := time.Now().Add(5 * time.Second)
	for _, e := range es {
		for !e.IsHoming() {
			if time.Now().After(deadline) {
				t.Errorf("%s never armed", e.GetName())
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestEndstopHoming(t *testing.T) {
	th := newHexaToolhead(t, event.NewBus())
	clk := clock.NewMock()
	es := hexaEndstops(clk)
	req := NewEndstopHoming(clk, 10*time.Second, es...)

	go func() {
		waitArmed(t, es)
		for _, e := range es {
			e.Trigger()
		}
	}()
	if err := th.HomeWith(context.Background(), req, nil); err != nil {
		t.Fatalf("HomeWith failed: %v", err)
	}
	if got := th.Kinematics().Phase(); got != kinematics.Homed {
		t.Errorf("phase = %v, want homed", got)
	}
	if diff := cmp.Diff(kinematics.Position{0, 0, 300, 0, 0, 0}, th.Position()); diff != "" {
		t.Errorf("position mismatch (-want +got):\n%s", diff)
	}
	if n := len(req.HomedRails()); n != 6 {
		t.Errorf("homed %d rails, want 6", n)
	}
	for _, e := range es {
		if e.IsHoming() {
			t.Errorf("%s still armed", e.GetName())
		}
	}
}

func TestEndstopHomingTimeout(t *testing.T) {
	th := newHexaToolhead(t, event.NewBus())
	clk := clock.NewMock()
	es := hexaEndstops(clk)
	req := NewEndstopHoming(clk, 10*time.Second, es...)

	go func() {
		waitArmed(t, es)
		es[0].Trigger()
		clk.Add(11 * time.Second)
	}()
	err := th.HomeWith(context.Background(), req, nil)
	if !errors.Is(err, endstop.ErrEndstopTimeout) {
		t.Fatalf("expected endstop timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "stepper_b") {
		t.Errorf("error does not name the silent endstop: %v", err)
	}
	if got := th.Kinematics().Phase(); got != kinematics.Unhomed {
		t.Errorf("phase = %v after failed homing", got)
	}
}

func TestEndstopHomingMotorOff(t *testing.T) {
	bus := event.NewBus()
	mgr := safety.New(bus, safety.WithClock(clock.NewMock()))
	th := newHexaToolhead(t, bus, WithSafety(mgr))
	clk := clock.NewMock()
	es := hexaEndstops(clk)
	req := NewEndstopHoming(clk, 10*time.Second, es...)

	go func() {
		waitArmed(t, es)
		mgr.MotorOff(0)
		for _, e := range es {
			e.Trigger()
		}
	}()
	err := th.HomeWith(context.Background(), req, nil)
	if !errors.Is(err, kinematics.ErrHomingAborted) {
		t.Fatalf("expected homing aborted, got %v", err)
	}
	if got := th.Kinematics().Phase(); got != kinematics.Unhomed {
		t.Errorf("phase = %v after aborted homing", got)
	}
	if err := th.Move(kinematics.Position{10, 0, 300, 0, 0, 0}, 100); !errors.Is(err, kerrors.ErrMustHome) {
		t.Errorf("expected must home, got %v", err)
	}
}

func TestEndstopHomingMissingEndstop(t *testing.T) {
	th := newHexaToolhead(t, event.NewBus())
	req := NewEndstopHoming(nil, time.Second, endstop.New("stepper_a", nil))
	err := th.HomeWith(context.Background(), req, nil)
	if err == nil || !strings.Contains(err.Error(), "no endstop for stepper_b") {
		t.Errorf("expected missing endstop error, got %v", err)
	}
}
