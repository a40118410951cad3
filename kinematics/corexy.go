package kinematics

import (
	"errors"

	"github.com/ambrop72/aprinter/machine"
)

// CoreXY implements the H-bot / CoreXY belt transform: the two motors
// (named "a" and "b" after their physical axis configs) drive diagonal
// belt paths such that A = X + Y and B = X - Y. Z and E pass through
// unchanged. New code — no example repo implements non-Cartesian
// kinematics — grounded on the formula stated for this transform.
type CoreXY struct {
	config *machine.MachineConfig
}

// NewCoreXY creates a new CoreXY kinematics instance.
func NewCoreXY(config *machine.MachineConfig) (*CoreXY, error) {
	for _, name := range []string{"a", "b", "z"} {
		if _, ok := config.Axes[name]; !ok {
			return nil, errors.New(name + " axis not configured")
		}
	}
	return &CoreXY{config: config}, nil
}

// CalcPosition returns physical motor positions in order: A, B, Z, E.
func (k *CoreXY) CalcPosition(pos machine.Position) ([]float64, error) {
	a := pos.X + pos.Y
	b := pos.X - pos.Y
	return []float64{a, b, pos.Z, pos.E}, nil
}

// ForwardPosition recovers the virtual X/Y from motor positions A, B:
// X = (A+B)/2, Y = (A-B)/2.
func (k *CoreXY) ForwardPosition(physical []float64) (machine.Position, error) {
	if len(physical) < 4 {
		return machine.Position{}, errors.New("corexy: expected 4 physical axes")
	}
	a, b, z, e := physical[0], physical[1], physical[2], physical[3]
	return machine.Position{
		X: (a + b) / 2,
		Y: (a - b) / 2,
		Z: z,
		E: e,
	}, nil
}

// GetAxisNames returns the physical axis names driven by CoreXY.
func (k *CoreXY) GetAxisNames() []string {
	return []string{"a", "b", "z", "e"}
}

// CheckLimits validates the virtual X/Y/Z position. Soft limits for the
// virtual X/Y plane are carried on optional "x"/"y" AxisConfig entries
// (motion-caps-only — they need no step pins, since the physical drive
// is done by "a"/"b"); the physical motors have no independent travel
// limit of their own.
func (k *CoreXY) CheckLimits(pos machine.Position) error {
	if xAxis, ok := k.config.Axes["x"]; ok {
		if pos.X < xAxis.MinPosition || pos.X > xAxis.MaxPosition {
			return errors.New("X position out of limits")
		}
	}
	if yAxis, ok := k.config.Axes["y"]; ok {
		if pos.Y < yAxis.MinPosition || pos.Y > yAxis.MaxPosition {
			return errors.New("Y position out of limits")
		}
	}
	if zAxis, ok := k.config.Axes["z"]; ok {
		if pos.Z < zAxis.MinPosition || pos.Z > zAxis.MaxPosition {
			return errors.New("Z position out of limits")
		}
	}
	return nil
}
