package kinematics

import (
	"errors"
	"math"

	"github.com/ambrop72/aprinter/machine"
)

// Delta implements linear-delta inverse kinematics: for each tower k at
// planar offset (txK, tyK) with diagonal rod length L, tower height
// zK = z + sqrt(L^2 - (x-txK)^2 - (y-tyK)^2). New code — grounded on the
// formula stated for this transform; no example repo implements delta
// kinematics.
type Delta struct {
	config *machine.MachineConfig
	towerX [3]float64
	towerY [3]float64
	rod    float64
}

// NewDelta creates a new Delta kinematics instance.
func NewDelta(config *machine.MachineConfig) (*Delta, error) {
	for _, name := range []string{"tower1", "tower2", "tower3"} {
		if _, ok := config.Axes[name]; !ok {
			return nil, errors.New(name + " axis not configured")
		}
	}
	d := config.Transform.Delta
	if d.RodLength <= 0 {
		return nil, errors.New("delta: rod length must be configured and positive")
	}
	return &Delta{
		config: config,
		towerX: d.TowerX,
		towerY: d.TowerY,
		rod:    d.RodLength,
	}, nil
}

// CalcPosition returns physical tower positions in order: tower1,
// tower2, tower3, E.
func (k *Delta) CalcPosition(pos machine.Position) ([]float64, error) {
	towers := make([]float64, 3)
	for i := 0; i < 3; i++ {
		dx := pos.X - k.towerX[i]
		dy := pos.Y - k.towerY[i]
		radicand := k.rod*k.rod - dx*dx - dy*dy
		if radicand < 0 {
			return nil, errors.New("delta: position outside reachable envelope")
		}
		towers[i] = pos.Z + math.Sqrt(radicand)
	}
	return []float64{towers[0], towers[1], towers[2], pos.E}, nil
}

// ForwardPosition solves the forward kinematics (tower heights -> X,Y,Z)
// via trilateration, used for round-trip testing and for updating the
// logical position after a direct carriage move (e.g. post-homing).
func (k *Delta) ForwardPosition(physical []float64) (machine.Position, error) {
	if len(physical) < 4 {
		return machine.Position{}, errors.New("delta: expected 4 physical axes")
	}
	t1, t2, t3, e := physical[0], physical[1], physical[2], physical[3]

	// Standard delta trilateration: treat the three towers as sphere
	// centers (txK, tyK, tK) of radius rod, solve for the carriage
	// point. Derived by subtracting pairs of sphere equations to get
	// two linear equations in x, y, then back-substituting for z.
	x1, y1, z1 := k.towerX[0], k.towerY[0], t1
	x2, y2, z2 := k.towerX[1], k.towerY[1], t2
	x3, y3, z3 := k.towerX[2], k.towerY[2], t3

	a1 := 2 * (x2 - x1)
	b1 := 2 * (y2 - y1)
	c1 := 2 * (z2 - z1)
	d1 := x1*x1 - x2*x2 + y1*y1 - y2*y2 + z1*z1 - z2*z2

	a2 := 2 * (x3 - x2)
	b2 := 2 * (y3 - y2)
	c2 := 2 * (z3 - z2)
	d2 := x2*x2 - x3*x3 + y2*y2 - y3*y3 + z2*z2 - z3*z3

	// Solve the 2x2 linear system for x, y as affine functions of z:
	// a1*x + b1*y = -d1 - c1*z
	// a2*x + b2*y = -d2 - c2*z
	det := a1*b2 - a2*b1
	if math.Abs(det) < 1e-12 {
		return machine.Position{}, errors.New("delta: degenerate tower geometry")
	}

	// x = (ex*z + fx) form, same for y.
	ex := -(c1*b2 - c2*b1) / det
	fx := -(d1*b2 - d2*b1) / det
	ey := -(a1*c2 - a2*c1) / det
	fy := -(a1*d2 - a2*d1) / det

	// Substitute into sphere 1 to get a quadratic in z:
	// (fx+ex*z-x1)^2 + (fy+ey*z-y1)^2 + (z-z1)^2 = rod^2
	px := fx - x1
	py := fy - y1
	aCoef := ex*ex + ey*ey + 1
	bCoef := 2*(ex*px+ey*py) - 2*z1
	cCoef := px*px + py*py + z1*z1 - k.rod*k.rod

	disc := bCoef*bCoef - 4*aCoef*cCoef
	if disc < 0 {
		return machine.Position{}, errors.New("delta: no real forward-kinematic solution")
	}
	sq := math.Sqrt(disc)
	// The effector hangs below the tower carriages (CalcPosition puts each
	// carriage at z + sqrt(...)), so it is the lower root.
	z := (-bCoef - sq) / (2 * aCoef)
	x := ex*z + fx
	y := ey*z + fy

	return machine.Position{X: x, Y: y, Z: z, E: e}, nil
}

// GetAxisNames returns the physical tower axis names.
func (k *Delta) GetAxisNames() []string {
	return []string{"tower1", "tower2", "tower3", "e"}
}

// CheckLimits validates the virtual Z travel and the horizontal radius
// against the configured envelope (using tower1's position limits as
// the shared Z range, by convention).
func (k *Delta) CheckLimits(pos machine.Position) error {
	if zAxis, ok := k.config.Axes["tower1"]; ok {
		if pos.Z < zAxis.MinPosition || pos.Z > zAxis.MaxPosition {
			return errors.New("Z position out of limits")
		}
	}
	for i := 0; i < 3; i++ {
		dx := pos.X - k.towerX[i]
		dy := pos.Y - k.towerY[i]
		if dx*dx+dy*dy >= k.rod*k.rod {
			return errors.New("delta: position outside reachable envelope")
		}
	}
	return nil
}
