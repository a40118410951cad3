package kinematics

import (
	"math"

	"github.com/ambrop72/aprinter/machine"
)

// Transform wraps a Kinematics implementation with move segmentation
// and bed-leveling correction, matching §4.3's layering: the inverse
// kinematics only ever sees short, already-corrected sub-segments.
// Grounded structurally on standalone/gcode/interpreter.go's doMove,
// which computed a single Euclidean distance and handed one Move to
// the planner — this type generalizes that one-shot computation into
// an iterative split over sub-segments.
type Transform struct {
	Kin            Kinematics
	MaxSplitLength float64
	MinSplitLength float64
	IsDelta        bool
	Level          machine.BedCorrection
}

// NewTransform builds a Transform around the kinematics selected by cfg.
func NewTransform(cfg *machine.MachineConfig) (*Transform, error) {
	kin, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &Transform{
		Kin:            kin,
		MaxSplitLength: cfg.Transform.MaxSplitLength,
		MinSplitLength: cfg.Transform.MinSplitLength,
		IsDelta:        cfg.Kinematics == "delta",
	}, nil
}

// SetLevel installs a new bed-leveling correction. Per §4.3 this takes
// effect only on subsequent moves, never retroactively or mid-move —
// callers apply it between planner drains.
func (t *Transform) SetLevel(c machine.BedCorrection) {
	t.Level = c
}

// correctZ applies the leveling surface to a virtual Z value at (x, y).
func (t *Transform) correctZ(x, y, z float64) float64 {
	c := t.Level
	if !c.Valid {
		return z
	}
	return z + c.C0 + c.Cx*x + c.Cy*y + c.Cxx*x*x + c.Cxy*x*y + c.Cyy*y*y
}

// Segments splits a move from start to end into one or more leveled,
// kinematically-transformed physical-axis sub-segments.
func (t *Transform) Segments(start, end machine.Position) ([][]float64, error) {
	dx := end.X - start.X
	dy := end.Y - start.Y
	dz := end.Z - start.Z
	de := end.E - start.E
	dist := math.Sqrt(dx*dx + dy*dy + dz*dz)

	n := 1
	needsSplit := dist > t.MaxSplitLength
	if t.IsDelta && dist > t.MinSplitLength {
		needsSplit = true
	}
	if needsSplit && t.MaxSplitLength > 0 {
		n = int(math.Ceil(dist / t.MaxSplitLength))
		if n < 1 {
			n = 1
		}
	}

	out := make([][]float64, 0, n)
	for i := 1; i <= n; i++ {
		frac := float64(i) / float64(n)
		virt := machine.Position{
			X: start.X + dx*frac,
			Y: start.Y + dy*frac,
			Z: start.Z + dz*frac,
			E: start.E + de*frac,
		}
		virt.Z = t.correctZ(virt.X, virt.Y, virt.Z)

		if err := t.Kin.CheckLimits(virt); err != nil {
			return nil, err
		}
		physical, err := t.Kin.CalcPosition(virt)
		if err != nil {
			return nil, err
		}
		out = append(out, physical)
	}
	return out, nil
}
