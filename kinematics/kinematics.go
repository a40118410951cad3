// Package kinematics maps virtual Cartesian axes onto physical actuator
// axes (Identity/CoreXY/Delta), and layers move segmentation and bed
// leveling on top via Transform. Grounded on standalone/kinematics,
// generalized from a Cartesian-only 1:1 mapping to the full variant set.
package kinematics

import (
	"fmt"

	"github.com/ambrop72/aprinter/machine"
)

// Kinematics converts a virtual Cartesian position into physical
// actuator positions (in the same user units as the virtual axes; the
// caller is responsible for the units-per-step scaling of each
// returned axis).
type Kinematics interface {
	// CalcPosition converts XYZ coordinates to physical axis positions,
	// in the order returned by GetAxisNames.
	CalcPosition(pos machine.Position) ([]float64, error)

	// GetAxisNames returns the names of the physical axes this
	// kinematics drives, in the order CalcPosition returns them.
	GetAxisNames() []string

	// CheckLimits validates that a virtual position is within the
	// configured soft limits.
	CheckLimits(pos machine.Position) error
}

// Invertible is implemented by kinematics whose physical-to-virtual
// forward transform is also available, for round-trip testing and for
// MachineState.Position bookkeeping after a direct stepper move (e.g.
// following a homing set-position).
type Invertible interface {
	Kinematics
	ForwardPosition(physical []float64) (machine.Position, error)
}

// AxisLimits represents position limits for an axis.
type AxisLimits struct {
	Min float64
	Max float64
}

// New constructs the kinematics implementation selected by
// cfg.Kinematics ("cartesian", "corexy", "delta").
func New(cfg *machine.MachineConfig) (Kinematics, error) {
	switch cfg.Kinematics {
	case "", "cartesian":
		return NewCartesian(cfg)
	case "corexy":
		return NewCoreXY(cfg)
	case "delta":
		return NewDelta(cfg)
	default:
		return nil, fmt.Errorf("unsupported kinematics: %q", cfg.Kinematics)
	}
}
