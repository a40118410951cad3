package homing

import (
	"math"

	"github.com/ambrop72/aprinter/aperr"
	"github.com/ambrop72/aprinter/machine"
)

// ProbePoint is one configured (x,y) bed-probe location.
type ProbePoint struct {
	X, Y float64
}

// ProberMover is the subset of capability Prober needs beyond Mover:
// moving in the XY plane to a point, then a single Z-axis probe move.
type ProberMover interface {
	Mover
	MoveToXY(x, y, speed float64, done func())
}

// ProberPhase enumerates the five-phase-per-point sequence (§4.5
// "Prober").
type ProberPhase uint8

const (
	ProberIdle ProberPhase = iota
	ProberMoveToPoint
	ProberFastDown
	ProberRetract
	ProberSlowDown
	ProberBackUp
	ProberDone
	ProberError
)

// Prober probes a configured list of (x,y) points and fits a
// bed-leveling correction surface by least squares (§4.5, §8).
type Prober struct {
	zAxis string
	cfg   machine.HomingConfig
	zCfg  machine.AxisConfig
	mover ProberMover

	points   []ProbePoint
	quadratic bool

	idx      int
	measured []float64
	phase    ProberPhase
	err      error
	done     func(machine.BedCorrection, error)
}

// NewProber builds a Prober for the bed's Z axis.
func NewProber(zAxis string, zCfg machine.AxisConfig, mover ProberMover, points []ProbePoint, quadratic bool) *Prober {
	return &Prober{zAxis: zAxis, cfg: *zCfg.Homing, zCfg: zCfg, mover: mover, points: points, quadratic: quadratic}
}

// Start probes every configured point in turn. apply controls whether
// the fitted correction is actually installed (the `D` flag in G30/
// G32) or computed dry-run only; done receives the fit either way.
func (p *Prober) Start(apply bool, done func(machine.BedCorrection, error)) {
	if len(p.points) == 0 {
		done(machine.BedCorrection{}, aperr.ErrInvalidConfig)
		return
	}
	if p.zCfg.MaxPosition-p.cfg.FastMaxDist < p.zCfg.MinPosition {
		// The configured fast-probe travel would drive Z past its
		// configured lower limit before ever reaching the endstop.
		done(machine.BedCorrection{}, aperr.ErrInvalidConfig)
		return
	}
	p.measured = make([]float64, 0, len(p.points))
	p.done = func(c machine.BedCorrection, err error) {
		if err == nil && apply {
			c.Valid = true
		}
		done(c, err)
	}
	p.idx = 0
	p.probeNext()
}

func (p *Prober) probeNext() {
	if p.idx >= len(p.points) {
		p.finish()
		return
	}
	pt := p.points[p.idx]
	p.phase = ProberMoveToPoint
	p.mover.MoveToXY(pt.X, pt.Y, p.cfg.FastSpeed, func() {
		p.phase = ProberFastDown
		p.mover.MoveAxis(p.zAxis, -p.cfg.FastMaxDist, p.cfg.FastSpeed, true, func(triggered bool, _ float64) {
			if !triggered {
				p.fail(aperr.ErrAborted)
				return
			}
			p.phase = ProberRetract
			p.mover.MoveAxis(p.zAxis, p.cfg.RetractDist, p.cfg.RetractSpeed, false, func(triggered bool, _ float64) {
				if triggered {
					p.fail(aperr.ErrAborted)
					return
				}
				p.phase = ProberSlowDown
				p.mover.MoveAxis(p.zAxis, -p.cfg.SlowMaxDist, p.cfg.SlowSpeed, true, func(triggered bool, finalZ float64) {
					if !triggered {
						p.fail(aperr.ErrAborted)
						return
					}
					p.measured = append(p.measured, finalZ)
					p.phase = ProberBackUp
					p.mover.MoveAxis(p.zAxis, p.cfg.RetractDist, p.cfg.RetractSpeed, false, func(triggered bool, _ float64) {
						p.idx++
						p.probeNext()
					})
				})
			})
		})
	})
}

func (p *Prober) fail(err error) {
	p.phase = ProberError
	p.err = err
	if p.done != nil {
		p.done(machine.BedCorrection{}, err)
	}
}

// State returns the current phase, for M119-style reporting.
func (p *Prober) State() ProberPhase { return p.phase }

// Err returns the terminal error, if the sequence failed.
func (p *Prober) Err() error { return p.err }

func (p *Prober) finish() {
	p.phase = ProberDone
	c, err := fitBedCorrection(p.points, p.measured, p.quadratic)
	if err != nil {
		p.fail(err)
		return
	}
	if p.done != nil {
		p.done(c, nil)
	}
}

// fitBedCorrection solves the least-squares bed surface
// z = c0 + cx*x + cy*y [+ cxx*x^2 + cxy*x*y + cyy*y^2] via the normal
// equations (A^T A) beta = A^T b, solved by Gaussian elimination. No
// third-party linear-algebra dependency is pulled in for this: the
// system is at most 6x6 (see DESIGN.md for the stdlib-math
// justification already recorded there for the Prober).
func fitBedCorrection(points []ProbePoint, z []float64, quadratic bool) (machine.BedCorrection, error) {
	terms := 3
	if quadratic && len(points) >= 6 {
		terms = 6
	}
	if len(points) < terms {
		quadratic = false
		terms = 3
	}
	if len(points) < terms {
		return machine.BedCorrection{}, aperr.ErrInvalidConfig
	}

	row := func(p ProbePoint) []float64 {
		if terms == 6 {
			return []float64{1, p.X, p.Y, p.X * p.X, p.X * p.Y, p.Y * p.Y}
		}
		return []float64{1, p.X, p.Y}
	}

	ata := make([][]float64, terms)
	atb := make([]float64, terms)
	for i := range ata {
		ata[i] = make([]float64, terms)
	}
	for i, pt := range points {
		r := row(pt)
		for a := 0; a < terms; a++ {
			atb[a] += r[a] * z[i]
			for b := 0; b < terms; b++ {
				ata[a][b] += r[a] * r[b]
			}
		}
	}

	beta, ok := solveLinear(ata, atb)
	if !ok {
		return machine.BedCorrection{}, aperr.ErrInvalidConfig // singular: BadCorrections
	}
	for _, v := range beta {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return machine.BedCorrection{}, aperr.ErrInvalidConfig
		}
	}

	c := machine.BedCorrection{C0: beta[0], Cx: beta[1], Cy: beta[2]}
	if terms == 6 {
		c.Cxx, c.Cxy, c.Cyy = beta[3], beta[4], beta[5]
	}
	return c, nil
}

// solveLinear solves A x = b by Gauss-Jordan elimination with partial
// pivoting. Returns ok=false if A is (numerically) singular.
func solveLinear(a [][]float64, b []float64) ([]float64, bool) {
	n := len(a)
	aug := make([][]float64, n)
	for i := range a {
		aug[i] = append(append([]float64(nil), a[i]...), b[i])
	}

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(aug[r][col]) > math.Abs(aug[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(aug[pivot][col]) < 1e-12 {
			return nil, false
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]

		pv := aug[col][col]
		for k := col; k <= n; k++ {
			aug[col][k] /= pv
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := aug[r][col]
			for k := col; k <= n; k++ {
				aug[r][k] -= factor * aug[col][k]
			}
		}
	}

	x := make([]float64, n)
	for i := range x {
		x[i] = aug[i][n]
	}
	return x, true
}
