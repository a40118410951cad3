package planner

import (
	"math"

	"github.com/ambrop72/aprinter/aperr"
	"github.com/ambrop72/aprinter/core"
	"github.com/ambrop72/aprinter/machine"
	"github.com/ambrop72/aprinter/stepper"
)

// Planner is the MotionPlanner: it owns one stepper.Axis per physical
// axis, a pending-segment ring bounded by cfg.LookaheadBufferSize, and
// the look-ahead pass that bounds entry/exit speeds before converting
// the oldest segments into stepper.Command streams.
//
// Segments that have been converted to Commands leave the ring
// entirely — ownership passes to the stepper.Axis command ring, per
// §3.7's lifecycle note ("ownership passes from planner... when the
// planner advances the write pointer"). So Planner.pending only ever
// holds the *uncommitted* window; there is no separate "committed but
// still present" region to track.
type Planner struct {
	cfg       *machine.MachineConfig
	axisNames []string
	axes      map[string]*stepper.Axis

	logicalPos map[string]float64 // chained planned position, user units

	pending []*Segment // ring, len <= cfg.LookaheadBufferSize
	entrySpeed float64 // scalar speed the stream will be at when pending[0] starts

	waiters   []func(triggered bool)
	onChannel func(ChannelCommand)
	onAbort   func(reason string)

	forceTimer     core.Timer
	forceArmed     bool
	forceDeadline  uint32 // latest force-commit deadline; forceTimer re-arms until it passes
	abortRequested bool
}

// SetChannelSink installs the callback invoked when a committed
// segment's ChannelCommand fires (§3.4). Typically wired to a
// dispatcher that routes by Kind to the heat/fan/laser subsystems.
func (p *Planner) SetChannelSink(fn func(ChannelCommand)) { p.onChannel = fn }

// SetAbortSink installs the callback invoked when an endstop-watching
// Command aborts motion (§5 "Cancellation").
func (p *Planner) SetAbortSink(fn func(reason string)) { p.onAbort = fn }

// New builds a Planner over the given axes. axisNames fixes iteration
// and channel-ordering; every name must have both an AxisConfig entry
// and a *stepper.Axis in axes.
func New(cfg *machine.MachineConfig, axisNames []string, axes map[string]*stepper.Axis) *Planner {
	p := &Planner{
		cfg:        cfg,
		axisNames:  axisNames,
		axes:       axes,
		logicalPos: make(map[string]float64, len(axisNames)),
		pending:    make([]*Segment, 0, cfg.LookaheadBufferSize),
	}
	p.forceTimer.Handler = p.onForceTimeout
	for _, a := range axisNames {
		if axis, ok := axes[a]; ok {
			axis.SetCallbacks(p.onAxisIdle, p.onAxisAbort)
		}
	}
	return p
}

// MoveBuilder accumulates begin_move/add_axis calls for one segment.
type MoveBuilder struct {
	p      *Planner
	target map[string]float64
}

// BeginMove opens a move descriptor (§4.1 "begin_move").
func (p *Planner) BeginMove() *MoveBuilder {
	target := make(map[string]float64, len(p.axisNames))
	for name, pos := range p.logicalPos {
		target[name] = pos
	}
	return &MoveBuilder{p: p, target: target}
}

// AddAxis sets one axis's target position, absolute or relative to the
// planner's current chained logical position.
func (mb *MoveBuilder) AddAxis(axis string, value float64, isAbsolute bool) error {
	if _, ok := mb.p.axes[axis]; !ok {
		return aperr.ErrAxisNotConfigured
	}
	if isAbsolute {
		mb.target[axis] = value
	} else {
		mb.target[axis] += value
	}
	return nil
}

// EndMove finalizes the move into a Segment and enqueues it (§4.1
// "end_move"). Returns aperr.ErrBufferFull if the look-ahead ring has
// no free slot; the caller must back off and retry.
func (mb *MoveBuilder) EndMove(vReq float64, watchEndstop bool, completion func(triggered bool)) error {
	return mb.p.enqueueSegment(mb.target, vReq, watchEndstop, nil, completion)
}

// EndMoveWithChannel is EndMove plus a ChannelCommand attached to this
// segment's boundary (§3.4).
func (mb *MoveBuilder) EndMoveWithChannel(vReq float64, watchEndstop bool, ch ChannelCommand, completion func(triggered bool)) error {
	return mb.p.enqueueSegment(mb.target, vReq, watchEndstop, &ch, completion)
}

func (p *Planner) enqueueSegment(target map[string]float64, vReq float64, watchEndstop bool, ch *ChannelCommand, completion func(triggered bool)) error {
	if len(p.pending) >= p.cfg.LookaheadBufferSize {
		return aperr.ErrBufferFull
	}

	seg := &Segment{Delta: make(map[string]int64, len(p.axisNames)), VReq: vReq, WatchEndstop: watchEndstop, Channel: ch, Completion: completion}

	var sumSq float64
	for _, name := range p.axisNames {
		axisCfg := p.cfg.Axes[name]
		cur := p.logicalPos[name]
		tgt, ok := target[name]
		if !ok {
			tgt = cur
		}
		if tgt < axisCfg.MinPosition || tgt > axisCfg.MaxPosition {
			return aperr.ErrOutOfRange
		}
		delta := tgt - cur
		steps := int64(math.Round(delta * axisCfg.StepsPerUnit))
		seg.Delta[name] = steps
		sumSq += delta * delta
		p.logicalPos[name] = tgt
	}
	seg.Distance = math.Sqrt(sumSq)

	p.computeBounds(seg)

	p.pending = append(p.pending, seg)
	if seg.Distance > 0 {
		p.armForceTimeout()
	}

	p.runLookahead()
	return p.commitReady()
}

// SubmitChannelCommand attaches a ChannelCommand at the current write
// position (§4.1 "submit_channel_command"). If no segment is currently
// pending (e.g. a bare M104 with no queued motion), it is attached to a
// zero-distance marker segment so it still fires in G-code order
// relative to surrounding motion.
func (p *Planner) SubmitChannelCommand(ch ChannelCommand) error {
	if len(p.pending) > 0 {
		tail := p.pending[len(p.pending)-1]
		if tail.Channel == nil {
			tail.Channel = &ch
			return nil
		}
	}
	if len(p.pending) >= p.cfg.LookaheadBufferSize {
		return aperr.ErrBufferFull
	}
	seg := &Segment{Delta: make(map[string]int64, len(p.axisNames)), Channel: &ch}
	p.pending = append(p.pending, seg)
	return p.commitReady()
}

// computeBounds fills in VMax/AMax per §4.1 step 1: the lowest
// per-axis speed/accel cap given this segment's step ratio.
func (p *Planner) computeBounds(seg *Segment) {
	vMax := seg.VReq
	if vMax <= 0 {
		vMax = p.cfg.DefaultVelocity
	}
	aMax := math.Inf(1)
	for _, name := range p.axisNames {
		delta := seg.Delta[name]
		if delta == 0 || seg.Distance == 0 {
			continue
		}
		axisCfg := p.cfg.Axes[name]
		ratio := seg.Distance * axisCfg.StepsPerUnit / math.Abs(float64(delta))
		if axisCfg.MaxVelocity*ratio < vMax {
			vMax = axisCfg.MaxVelocity * ratio
		}
		if axisCfg.MaxAccel*ratio < aMax {
			aMax = axisCfg.MaxAccel * ratio
		}
	}
	if math.IsInf(aMax, 1) {
		aMax = p.cfg.DefaultAccel
	}
	seg.VMax = vMax
	seg.AMax = aMax
}

// junctionSpeed computes v_junc(a,b) per §4.1 step 2: for each axis,
// the largest scalar speed v for which the velocity change imposed by
// transitioning directions at v stays within sqrt(2*axis_max_accel*
// cornering_distance).
func (p *Planner) junctionSpeed(a, b *Segment) float64 {
	if a.Distance == 0 || b.Distance == 0 {
		return math.Min(a.VMax, b.VMax)
	}
	bound := math.Min(a.VMax, b.VMax)
	for _, name := range p.axisNames {
		axisCfg := p.cfg.Axes[name]
		da := float64(a.Delta[name]) / axisCfg.StepsPerUnit / a.Distance
		db := float64(b.Delta[name]) / axisCfg.StepsPerUnit / b.Distance
		dirDelta := math.Abs(db - da)
		if dirDelta < 1e-12 {
			continue // colinear on this axis: no jerk bound
		}
		allowed := math.Sqrt(2 * axisCfg.MaxAccel * axisCfg.CorneringDistance)
		v := allowed / dirDelta
		if v < bound {
			bound = v
		}
	}
	return bound
}

// runLookahead performs the iterative backward/forward pass over the
// whole pending window (§4.1 steps 2-4). The window is bounded by
// LookaheadBufferSize (~28), so an O(window) full recompute on every
// enqueue is acceptable (see spec's Open Question on amortized cost).
func (p *Planner) runLookahead() {
	n := len(p.pending)
	if n == 0 {
		return
	}

	for i := 0; i < n-1; i++ {
		p.pending[i].VJunctionNext = p.junctionSpeed(p.pending[i], p.pending[i+1])
	}

	// Backward pass: bound each segment's exit speed by the junction
	// bound with its successor and by what the successor's own entry
	// can tolerate given this segment's accel/distance budget.
	vExit := make([]float64, n)
	vExit[n-1] = 0 // exit of the newest pending segment: unknown future, assume stop
	for i := n - 2; i >= 0; i-- {
		seg := p.pending[i]
		reachable := math.Sqrt(vExit[i+1]*vExit[i+1] + 2*seg.AMax*seg.Distance)
		vExit[i] = math.Min(seg.VJunctionNext, reachable)
	}

	// Forward pass: bound each segment's entry speed by what can be
	// reached from the previous entry given that segment's accel
	// budget, then clamp to the backward pass's bound.
	entry := p.entrySpeed
	for i := 0; i < n; i++ {
		seg := p.pending[i]
		reachable := math.Sqrt(entry*entry + 2*seg.AMax*seg.Distance)
		seg.VEntry = math.Min(math.Min(reachable, seg.VMax), vExit[i])
		if i > 0 {
			prevExit := math.Min(vExit[i-1], seg.VEntry)
			p.pending[i-1].VExit = prevExit
		}
		entry = seg.VEntry
	}
	p.pending[n-1].VExit = vExit[n-1]
}

// commitReady converts the oldest pending segments into stepper
// Commands once enough look-ahead depth exists behind them
// (LookaheadCommitCount), or the window is simply full. Commits stop
// (without error) if any target axis's command ring has no room; the
// caller's next Tick/enqueue retries.
func (p *Planner) commitReady() error {
	for len(p.pending) > p.cfg.LookaheadCommitCount || (len(p.pending) > 0 && len(p.pending) >= p.cfg.LookaheadBufferSize) {
		seg := p.pending[0]
		if !p.hasRoomFor(seg) {
			return nil
		}
		if err := p.commitOne(seg); err != nil {
			return err
		}
		p.pending = p.pending[1:]
	}
	return nil
}

func (p *Planner) hasRoomFor(seg *Segment) bool {
	for _, name := range p.axisNames {
		if seg.Delta[name] == 0 {
			continue
		}
		axis := p.axes[name]
		if axis.QueueDepth() > uint32(stepperHeadroom) {
			return false
		}
	}
	return true
}

// stepperHeadroom is the largest per-axis queue depth at which a commit
// still hands off a (up to 3-phase) segment.
const stepperHeadroom = 28 // ring holds commandBufferSize(32)-1 = 31 Commands, minus 3 phases

// commitOne generates per-axis Commands for one segment (§4.1 "Command
// generation") and enqueues them into each axis's command ring, firing
// any attached ChannelCommand at the same instant. entrySpeed is
// advanced to this segment's planned exit speed.
func (p *Planner) commitOne(seg *Segment) error {
	v0, v1, vtop, aMax := seg.VEntry, seg.VExit, seg.VMax, seg.AMax
	if seg.Distance > 0 {
		accelDist, cruiseDist, decelDist, peak := splitProfile(v0, v1, vtop, aMax, seg.Distance)
		for _, name := range p.axisNames {
			delta := seg.Delta[name]
			if delta == 0 {
				continue
			}
			axis := p.axes[name]
			dir := delta > 0
			total := uint64(abs64(delta))

			phases := phaseSteps(total, accelDist, cruiseDist, decelDist, seg.Distance)
			f0 := axisStepRate(v0, seg.Distance, delta)
			fTop := axisStepRate(peak, seg.Distance, delta)
			f1 := axisStepRate(v1, seg.Distance, delta)

			if phases.accel > 0 {
				if err := axis.Enqueue(makeCommand(dir, phases.accel, f0, fTop, seg.WatchEndstop)); err != nil {
					return err
				}
			}
			if phases.cruise > 0 {
				if err := axis.Enqueue(makeCommand(dir, phases.cruise, fTop, fTop, seg.WatchEndstop)); err != nil {
					return err
				}
			}
			if phases.decel > 0 {
				if err := axis.Enqueue(makeCommand(dir, phases.decel, fTop, f1, seg.WatchEndstop)); err != nil {
					return err
				}
			}
		}
	}
	p.entrySpeed = v1

	if seg.Channel != nil {
		p.fireChannel(*seg.Channel)
	}
	if seg.Completion != nil {
		p.waiters = append(p.waiters, seg.Completion)
	}
	seg.committed = true
	return nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

type profilePhases struct {
	accel, cruise, decel uint32
}

// phaseSteps converts the scalar-distance phase split into this
// axis's step-count split, proportionally, giving any rounding
// remainder to the cruise (or, if there is none, the decel) phase so
// the three phases sum exactly to `total`.
func phaseSteps(total uint64, accelDist, cruiseDist, decelDist, dist float64) profilePhases {
	if dist <= 0 || total == 0 {
		return profilePhases{}
	}
	accel := uint32(math.Round(float64(total) * accelDist / dist))
	decel := uint32(math.Round(float64(total) * decelDist / dist))
	if uint64(accel)+uint64(decel) > total {
		decel = uint32(total) - accel
	}
	cruise := uint32(total) - accel - decel
	return profilePhases{accel: accel, cruise: cruise, decel: decel}
}

// splitProfile computes the accel/cruise/decel distance split and the
// achieved peak speed for a segment (§4.1 "Command generation"): the
// standard trapezoid-or-triangle resolution.
func splitProfile(v0, v1, vtop, aMax, dist float64) (accelDist, cruiseDist, decelDist, peak float64) {
	if aMax <= 0 {
		return 0, dist, 0, vtop
	}
	accelDist = (vtop*vtop - v0*v0) / (2 * aMax)
	decelDist = (vtop*vtop - v1*v1) / (2 * aMax)
	if accelDist < 0 {
		accelDist = 0
	}
	if decelDist < 0 {
		decelDist = 0
	}
	if accelDist+decelDist <= dist {
		cruiseDist = dist - accelDist - decelDist
		peak = vtop
		return
	}
	// Triangle: solve for the apex speed that exactly consumes `dist`.
	apexSq := (2*aMax*dist + v0*v0 + v1*v1) / 2
	if apexSq < 0 {
		apexSq = 0
	}
	apex := math.Sqrt(apexSq)
	accelDist = (apex*apex - v0*v0) / (2 * aMax)
	if accelDist < 0 {
		accelDist = 0
	}
	if accelDist > dist {
		accelDist = dist
	}
	decelDist = dist - accelDist
	cruiseDist = 0
	peak = apex
	return
}

// makeCommand builds a stepper.Command phase spanning `steps` steps of
// one axis, whose step rate moves from fStart to fEnd (steps/sec). See
// stepper/axis.go's loadCommand doc for the (X, A, TMul) contract this
// mirrors.
func makeCommand(dir bool, steps uint32, fStart, fEnd float64, watch bool) stepper.Command {
	if fStart < 1 {
		fStart = 1
	}
	if fEnd < 1 {
		fEnd = 1
	}
	avg := (fStart + fEnd) / 2
	var a int32
	switch {
	case fEnd > fStart:
		a = int32(math.Round(float64(steps) * (fEnd - fStart) / (fEnd + fStart)))
	case fEnd < fStart:
		a = -int32(math.Round(float64(steps) * (fStart - fEnd) / (fStart + fEnd)))
	}
	tMul := float64(core.TimerFreq) / avg
	return stepper.Command{Dir: dir, X: steps, A: a, TMul: tMul, WatchEndstop: watch}
}

func (p *Planner) fireChannel(ch ChannelCommand) {
	// Channel callbacks are installed by the owning subsystem (heat,
	// fan, laser); Planner itself is agnostic to the payload and just
	// dispatches by kind to whichever sink was registered.
	if p.onChannel != nil {
		p.onChannel(ch)
	}
}

// armForceTimeout (re)schedules the force-commit deadline timer
// (§4.1 "Force-timeout"): if no new segment arrives within
// ForceTimeoutMs, the oldest pending segment is committed as-is so an
// interactive session doesn't stall behind a half-filled look-ahead
// window. Grounded on standalone/planner/planner.go's own
// completionTimer/core.Timer idiom, repurposed to a different trigger
// condition.
func (p *Planner) armForceTimeout() {
	p.forceDeadline = core.GetTime() + core.TimerFromUS(p.cfg.ForceTimeoutMs*1000)
	if p.forceArmed {
		return // already queued; onForceTimeout moves it to the new deadline
	}
	p.forceTimer.WakeTime = p.forceDeadline
	core.ScheduleTimer(&p.forceTimer)
	p.forceArmed = true
}

func (p *Planner) onForceTimeout(t *core.Timer) uint8 {
	if int32(t.WakeTime-p.forceDeadline) < 0 {
		t.WakeTime = p.forceDeadline
		return core.SF_RESCHEDULE
	}
	p.forceArmed = false
	if len(p.pending) > 0 {
		seg := p.pending[0]
		if p.hasRoomFor(seg) {
			if err := p.commitOne(seg); err == nil {
				p.pending = p.pending[1:]
			}
		}
	}
	return core.SF_DONE
}

// Tick drains any commits that were deferred for lack of stepper
// buffer room, and fires completion callbacks once the planner and
// every axis have gone idle. Call once per main-loop iteration.
//
// An abort resolves every currently outstanding waiter with
// triggered=true rather than dropping them: the planner doesn't track
// which in-flight waiter belongs to which axis, so this is exact for
// the single-axis homing/probing moves that watch an endstop (the only
// callers with more than one outstanding waiter at a time would be a
// multi-segment print move, which never registers a per-segment
// Completion until the final drain wait — see DESIGN.md).
func (p *Planner) Tick() {
	for _, name := range p.axisNames {
		axis, ok := p.axes[name]
		if !ok {
			continue
		}
		if axis.Aborted() {
			waiters := p.waiters
			p.abortInternal()
			for _, fn := range waiters {
				fn(true)
			}
			if p.onAbort != nil {
				p.onAbort("EndstopTriggered")
			}
		}
	}

	if len(p.pending) > 0 {
		_ = p.commitReady()
	}

	if p.IsIdle() && len(p.waiters) > 0 {
		done := p.waiters
		p.waiters = nil
		for _, fn := range done {
			fn(false)
		}
	}
}

// onAxisIdle/onAxisAbort are the fast-event callbacks handed to every
// stepper.Axis; the real work happens on the next Tick() (main-loop
// context), matching §5's "the planner observes this on the next
// main-loop iteration" ordering guarantee.
func (p *Planner) onAxisIdle(axis *stepper.Axis) {}

func (p *Planner) onAxisAbort(axis *stepper.Axis, reason string) {}

// Abort discards pending segments and drains every axis's buffered
// Commands, letting the in-flight Command run to a clean stop (§4.1
// "abort", §5 "Cancellation"). Any outstanding waiters are dropped
// without notification; callers that need to distinguish an
// endstop-triggered abort from a normal finish should use WaitFinished
// and let Tick's abort handling report triggered=true instead of
// calling Abort directly while a watched move is outstanding.
func (p *Planner) Abort() {
	p.abortInternal()
}

func (p *Planner) abortInternal() {
	p.pending = p.pending[:0]
	p.waiters = nil
	for _, name := range p.axisNames {
		if axis, ok := p.axes[name]; ok {
			axis.Drain()
		}
	}
}

// WaitFinished requests notification once every currently queued
// segment has been stepped (§4.1 "wait_finished"). triggered is false
// on a normal drain; if an endstop abort happens while the wait is
// outstanding, Tick resolves it with triggered=true.
func (p *Planner) WaitFinished(completion func(triggered bool)) {
	if p.IsIdle() {
		completion(false)
		return
	}
	p.waiters = append(p.waiters, completion)
}

// IsIdle reports whether the pending ring is empty and every axis has
// drained its command buffer.
func (p *Planner) IsIdle() bool {
	if len(p.pending) > 0 {
		return false
	}
	for _, name := range p.axisNames {
		if axis, ok := p.axes[name]; ok && !axis.IsIdle() {
			return false
		}
	}
	return true
}

// QueueDepth returns the number of segments currently pending
// (uncommitted) look-ahead.
func (p *Planner) QueueDepth() int { return len(p.pending) }

// Position returns the planner's chained logical position for one
// axis — the position the *next* enqueued move will be relative to,
// which may be ahead of any axis's actually-stepped position while
// segments are still pending.
func (p *Planner) Position(axis string) float64 { return p.logicalPos[axis] }

// SetPosition sets the logical position directly without motion
// (G92, or a Homer/Prober phase completing) and keeps every axis's
// step_position invariant (§3.1) in sync.
func (p *Planner) SetPosition(positions map[string]float64) {
	for name, v := range positions {
		p.logicalPos[name] = v
		if axisCfg, ok := p.cfg.Axes[name]; ok {
			if axis, ok := p.axes[name]; ok {
				axis.SetPosition(int64(math.Round(v * axisCfg.StepsPerUnit)))
			}
		}
	}
}
