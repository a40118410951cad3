// Package homing implements the Homer and Prober state machines
// (§4.5): Homer drives one axis through the five-phase home sequence
// (fast-approach, retract, slow-approach, set-position, done); Prober
// generalizes the same shape to a list of fixed (x,y) probe points and
// fits a bed-leveling correction surface by least squares.
//
// New state-machine code — standalone/gcode/interpreter.go's doHome is
// a ten-line stub that immediately marks axes homed — grounded on
// core/endstop.go and
// core/trsync.go for the "watch an endstop while a segment runs, get a
// fast-event on trigger" mechanism this generalizes.
package homing

import (
	"github.com/ambrop72/aprinter/aperr"
	"github.com/ambrop72/aprinter/machine"
)

// Phase enumerates the Homer's five states.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseFastApproach
	PhaseRetract
	PhaseSlowApproach
	PhaseSetPosition
	PhaseDone
	PhaseError
)

// Mover is the subset of planner.Planner (plus its physical axis name)
// Homer needs: queue a single-axis watched or unwatched move and learn
// when it finishes, with or without a trigger.
type Mover interface {
	// MoveAxis enqueues a move of `axis` by `delta` user units at
	// `speed` user-units/s, watching the endstop if watch is set. It
	// calls done(triggered, finalPos) once the move completes or is
	// aborted by an endstop trigger; finalPos is the axis's logical
	// position when the move stopped.
	MoveAxis(axis string, delta, speed float64, watch bool, done func(triggered bool, finalPos float64))
	// SetAxisPosition sets the logical (and step) position of one axis
	// without motion (§4.5 step 4).
	SetAxisPosition(axis string, value float64)
}

// Homer drives one axis's homing sequence.
type Homer struct {
	axis  string
	cfg   machine.HomingConfig
	limits machine.AxisConfig
	mover Mover

	phase Phase
	err   error
	done  func(error)
}

// NewHomer builds a Homer for one axis. cfg must be non-nil (callers
// skip axes without a HomingConfig).
func NewHomer(axis string, axisCfg machine.AxisConfig, mover Mover) *Homer {
	return &Homer{axis: axis, cfg: *axisCfg.Homing, limits: axisCfg, mover: mover}
}

// Start begins the five-phase sequence, invoking done(nil) on success
// or done(err) if a watching phase completed without a trigger, or a
// non-watching phase saw a spurious trigger at its start (§4.5 step 5).
func (h *Homer) Start(done func(error)) {
	h.done = done
	h.phase = PhaseFastApproach
	h.runFastApproach()
}

func (h *Homer) dir() float64 {
	if h.cfg.Dir < 0 {
		return -1
	}
	return 1
}

func (h *Homer) runFastApproach() {
	h.mover.MoveAxis(h.axis, h.dir()*h.cfg.FastMaxDist, h.cfg.FastSpeed, true, func(triggered bool, _ float64) {
		if !triggered {
			h.fail(aperr.ErrAborted)
			return
		}
		h.phase = PhaseRetract
		h.runRetract()
	})
}

func (h *Homer) runRetract() {
	h.mover.MoveAxis(h.axis, -h.dir()*h.cfg.RetractDist, h.cfg.RetractSpeed, false, func(triggered bool, _ float64) {
		if triggered {
			h.fail(aperr.ErrAborted)
			return
		}
		h.phase = PhaseSlowApproach
		h.runSlowApproach()
	})
}

func (h *Homer) runSlowApproach() {
	h.mover.MoveAxis(h.axis, h.dir()*h.cfg.SlowMaxDist, h.cfg.SlowSpeed, true, func(triggered bool, _ float64) {
		if !triggered {
			h.fail(aperr.ErrAborted)
			return
		}
		h.phase = PhaseSetPosition
		h.applyPosition()
	})
}

func (h *Homer) applyPosition() {
	pos := h.limits.MaxPosition
	if h.cfg.Dir < 0 {
		pos = h.limits.MinPosition
	}
	h.mover.SetAxisPosition(h.axis, pos)
	h.phase = PhaseDone
	if h.done != nil {
		h.done(nil)
	}
}

func (h *Homer) fail(err error) {
	h.phase = PhaseError
	h.err = err
	if h.done != nil {
		h.done(err)
	}
}

// State returns the current phase, for M119-style reporting.
func (h *Homer) State() Phase { return h.phase }

// Err returns the terminal error, if the sequence failed.
func (h *Homer) Err() error { return h.err }
