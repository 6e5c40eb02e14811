package kinematics

import (
	"context"
	"errors"
	"fmt"

	"klipper-go-kinematics/pkg/stepper"
)

// ErrHomingAborted is returned when motor power was lost while the homing
// subsystem was running. The robot stays unhomed.
var ErrHomingAborted = errors.New("kinematics: homing aborted by motor off")

// HomingPhase is the homing state of a kinematic instance.
type HomingPhase int

const (
	Unhomed HomingPhase = iota
	Homing
	Homed
)

func (p HomingPhase) String() string {
	switch p {
	case Unhomed:
		return "unhomed"
	case Homing:
		return "homing"
	case Homed:
		return "homed"
	default:
		return "unknown"
	}
}

// HomingRequest is the homing subsystem a kinematic drives.
type HomingRequest interface {
	// SetAxes records the axes this request will home.
	SetAxes(axes []int)
	// GetAxes returns the axes to home.
	GetAxes() []int
	// HomeRails moves rails to forcePos, seeks their endstops and leaves
	// the toolhead at homePos. NaN axes are not commanded.
	HomeRails(ctx context.Context, rails []*stepper.Rail, forcePos, homePos Position) error
}

// homeRails runs req.HomeRails without holding the lock so a motor off
// can still be handled, then runs commit under the lock. A motor off seen
// in between refuses the commit.
func (b *base) homeRails(ctx context.Context, req HomingRequest, rails []*stepper.Rail,
	forcePos, homePos Position, commit func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	epoch := b.epoch
	b.homing++
	b.mu.Unlock()

	err := req.HomeRails(ctx, rails, forcePos, homePos)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.homing--
	if err != nil {
		return fmt.Errorf("homing %s: %w", railNames(rails), err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.epoch != epoch {
		return ErrHomingAborted
	}
	commit()
	return nil
}

func railNames(rails []*stepper.Rail) string {
	s := ""
	for i, r := range rails {
		if i > 0 {
			s += ","
		}
		s += r.GetName()
	}
	return s
}
