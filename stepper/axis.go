// Package stepper implements the AxisDriver: an interrupt-time step
// integrator that consumes a stream of precomputed Commands and pulses
// STEP at the times implied by their quadratic kinematic parameters.
//
// Grounded on core/stepper.go's Stepper type — the OID-addressed
// struct, the array-backed move queue, and the core.Timer-scheduled
// event handler are kept verbatim in shape. What changes is the
// integrator itself: core/stepper.go's stepperEventHandler advances by
// a linear "interval += add" approximation; §4.2 requires the quadratic
// discriminant recurrence t_i = (v0 ± sqrt(v0^2 + 2ai)) / a, which is
// what loadCommand/eventHandler below compute.
package stepper

import (
	"errors"
	"math"

	"github.com/ambrop72/aprinter/aperr"
	"github.com/ambrop72/aprinter/core"
)

// Backend is the hardware-facing half of an axis: it owns the actual
// STEP/DIR pins. Grounded on
// core/stepper.go's StepperBackend interface.
type Backend interface {
	SetDirection(reverse bool)
	Step()
	Stop()
}

// EndstopReader is polled for the prestep check on endstop-watching
// Commands. Grounded on core/endstop.go's pin-level trigger check.
type EndstopReader interface {
	// Triggered reports whether the endstop is currently asserted.
	Triggered() bool
}

// Command is the stepper driver's unit of work: one accel, cruise, or
// decel phase of a single axis within a segment. Immutable once handed
// to the AxisDriver. Fields follow §3.3 exactly: Dir, X (step count),
// A (signed acceleration term, step-domain), TMul (time-scale
// multiplier). The phase's initial "velocity term" v0 (x + |a|, per
// §4.2) is not carried; loadCommand derives it from X and A.
type Command struct {
	Dir            bool // true = positive direction
	X              uint32
	A              int32
	TMul           float64
	WatchEndstop   bool
	ChannelAtStart uint32 // not read by Axis; the planner leaves it 0 and fires channel commands itself at commit time
}

// commandBufferSize is the default stepper-command ring capacity
// (StepperSegmentBufferSize in §3.5).
const commandBufferSize = 32

// overloadThresholdTicks is the ~1ms diagnostic window from §4.2's
// "Overload detection" (at core/stepper.go's 12MHz TimerFreq).
const overloadThresholdTicks = int32(core.TimerFreq / 1000)

// Axis is one AxisDriver: an OID-addressed ring buffer of Commands
// drained by a core.Timer-scheduled handler running at (emulated)
// interrupt time.
type Axis struct {
	Name string

	queue      [commandBufferSize]Command
	queueHead  uint32
	queueTail  uint32

	// Current command integrator state.
	active        bool
	cmd           Command
	pos           float64 // current step index within the command (§4.2 "pos")
	discriminant  float64
	v0            float64
	startTime     uint32
	overload      bool

	position int64 // absolute step position

	Timer   core.Timer
	Backend Backend
	Endstop EndstopReader

	// Fast-event flags, drained by the planner on its next main-loop
	// iteration (§5 "Ordering guarantees").
	idle    bool
	aborted bool

	onIdle    func(axis *Axis)
	onAbort   func(axis *Axis, reason string)
}

// NewAxis creates an AxisDriver bound to the given hardware backend.
func NewAxis(name string, backend Backend) *Axis {
	a := &Axis{Name: name, Backend: backend, idle: true}
	a.Timer.Handler = a.eventHandler
	return a
}

// SetCallbacks installs the idle/abort fast-event callbacks the
// planner uses to observe stepper-side state changes.
func (a *Axis) SetCallbacks(onIdle func(*Axis), onAbort func(*Axis, string)) {
	a.onIdle = onIdle
	a.onAbort = onAbort
}

// Enqueue adds a Command to the ring buffer. Returns aperr.ErrBufferFull
// if the axis's command buffer has no free slot (§4.1 "Failure
// semantics": reported to the caller, never silently dropped).
func (a *Axis) Enqueue(cmd Command) error {
	next := (a.queueTail + 1) % commandBufferSize
	if next == a.queueHead && a.active {
		return aperr.ErrBufferFull
	}
	a.queue[a.queueTail] = cmd
	a.queueTail = next
	if !a.active {
		a.loadCommand(core.GetTime())
	}
	return nil
}

// QueueDepth returns the number of Commands currently buffered
// (excluding the one in flight).
func (a *Axis) QueueDepth() uint32 {
	if a.queueTail >= a.queueHead {
		return a.queueTail - a.queueHead
	}
	return commandBufferSize - a.queueHead + a.queueTail
}

// Position returns the current absolute step position.
func (a *Axis) Position() int64 {
	return a.position
}

// SetPosition overrides the absolute step position without motion
// (G92, or a homing phase completing). Only valid while idle.
func (a *Axis) SetPosition(pos int64) {
	a.position = pos
}

// IsIdle reports whether the axis has no in-flight or buffered Commands.
func (a *Axis) IsIdle() bool {
	return !a.active && a.queueHead == a.queueTail
}

// Aborted reports and clears the fast-event flag set when an
// endstop-watching prestep check fired.
func (a *Axis) Aborted() bool {
	v := a.aborted
	a.aborted = false
	return v
}

// Drain discards all buffered (not yet started) Commands, leaving the
// in-flight Command to run to completion — the "clean stop" abort flow
// from §5.
func (a *Axis) Drain() {
	a.queueHead = a.queueTail
}

// loadCommand pulls the next queued Command and initializes the
// quadratic integrator state per §4.2:
//
//	pos = 1 (accel/cruise, counting up) or x-1 (decel, counting down)
//	discriminant = (x - a)^2, shifted
//	v0 = x + |a|, shifted
//
// Here "shifted fixed point" is represented as plain float64: on a host
// build this is strictly more precise than any of core/stepper.go's
// fixed-point bit budgets (AvrPrecisionParams/DuePrecisionParams), so
// the worst-case error bound in §4.2 ("< 1/2 clock tick accumulated per
// command") is satisfied a fortiori. See DESIGN.md for this decision.
func (a *Axis) loadCommand(now uint32) {
	if a.queueHead == a.queueTail {
		a.active = false
		if !a.idle {
			a.idle = true
			if a.onIdle != nil {
				a.onIdle(a)
			}
		}
		return
	}

	cmd := a.queue[a.queueHead]
	a.queueHead = (a.queueHead + 1) % commandBufferSize
	a.cmd = cmd
	a.active = true
	a.idle = false

	x := float64(cmd.X)
	aTerm := float64(cmd.A)

	if cmd.A >= 0 {
		a.pos = 1
	} else {
		a.pos = x - 1
	}
	diff := x - aTerm
	a.discriminant = diff * diff
	a.v0 = x + math.Abs(aTerm)
	a.startTime = now

	a.Backend.SetDirection(!cmd.Dir)

	a.Timer.WakeTime = now
	core.ScheduleTimer(&a.Timer)
}

// eventHandler is the ISR-equivalent entry point: called by the
// scheduler at each InterruptTimer expiry. Implements the five steps
// of §4.2's per-step algorithm.
func (a *Axis) eventHandler(t *core.Timer) uint8 {
	if !a.active {
		return core.SF_DONE
	}

	// Endstop prestep check (§4.2 "Endstop prestep check").
	if a.cmd.WatchEndstop && a.Endstop != nil && a.Endstop.Triggered() {
		a.active = false
		a.queueHead = a.queueTail // drop remaining buffered commands too
		a.aborted = true
		if a.onAbort != nil {
			a.onAbort(a, "EndstopTriggered")
		}
		return core.SF_DONE
	}

	// 1. Raise STEP / lower STEP (the Backend hides the high/low
	// timing, matching core's Backend.Step() pulse-and-clear idiom).
	a.Backend.Step()

	if a.cmd.Dir {
		a.position++
	} else {
		a.position--
	}

	decel := a.cmd.A < 0
	if decel {
		a.pos--
	} else {
		a.pos++
	}

	done := false
	if decel {
		done = a.pos < 0
	} else {
		done = a.pos > float64(a.cmd.X)
	}

	if done {
		// loadCommand already schedules the timer when another Command
		// is queued; rescheduling it here too would insert it twice.
		a.loadCommand(t.WakeTime)
		return core.SF_DONE
	}

	var delta uint32
	if a.cmd.A == 0 {
		// Cruise phase: the quadratic recurrence degenerates (q stays
		// constant while pos ramps linearly, which would not hold a
		// constant step rate). TMul directly encodes ticks-per-step
		// for this phase instead.
		delta = uint32(a.cmd.TMul)
		if delta == 0 {
			delta = 1
		}
	} else {
		// 2. discriminant += a_mul (a_mul == 2*a in the step domain;
		// the phase's A term is constant across the phase).
		a.discriminant += 2 * float64(a.cmd.A)
		if a.discriminant < 0 {
			a.discriminant = 0
		}

		// 3. q = (v0 + sqrt(discriminant)) / 2
		q := (a.v0 + math.Sqrt(a.discriminant)) / 2
		if q <= 0 {
			q = 1
		}

		// 4. t_frac = pos / q, scaled by t_mul.
		tFrac := a.pos / q * a.cmd.TMul

		// 5. Schedule the next timer relative to this step's time.
		delta = uint32(tFrac)
		if delta == 0 {
			delta = 1
		}
	}
	a.overload = int32(core.GetTime()-t.WakeTime) > overloadThresholdTicks
	t.WakeTime += delta

	return core.SF_RESCHEDULE
}

// Overload reports whether the most recent step missed its deadline by
// more than the diagnostic threshold (§4.2 "Overload detection").
func (a *Axis) Overload() bool { return a.overload }

var errNoBackend = errors.New("stepper: axis has no hardware backend")

// Validate checks that the axis is ready to accept Commands.
func (a *Axis) Validate() error {
	if a.Backend == nil {
		return errNoBackend
	}
	return nil
}
