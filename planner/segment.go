// Package planner implements the MotionPlanner: a ring buffer of
// Segments fed by the kinematic transform layer, a backward/forward
// look-ahead pass that bounds each segment's entry/exit speed, and a
// command generator that converts committed segments into per-axis
// stepper.Command streams.
//
// Grounded on standalone/planner/planner.go's shape (a struct holding
// *machine.MachineConfig, a kinematics.Kinematics, and one stepper per
// axis, with QueueMove/ClearQueue/IsIdle-style methods) — generalized
// from its single-segment trapezoid (no look-ahead, see its own
// "TODO: Implement proper acceleration profiles") into the full
// look-ahead algorithm described below.
package planner

import "math"

// ChannelKind tags the payload variant of a ChannelCommand (§3.4).
type ChannelKind uint8

const (
	ChannelSetHeaterTarget ChannelKind = iota
	ChannelSetFanPWM
	ChannelSetLaserDensity
)

// ChannelCommand is a non-motion side effect scheduled inline with
// motion: it fires when the planner commits the segment it is attached
// to (hands its Commands to the axes), not when the G-code line was
// parsed. It does not wait for the axes to step the Commands queued
// ahead of that segment.
type ChannelCommand struct {
	Kind   ChannelKind
	Target string  // heater/fan/laser name
	Value  float64 // target K (NaN = off), duty [0,1], or density [0,1]
}

// Segment is the planner's unit of work (§3.2): per-axis signed step
// deltas, the Euclidean distance they represent, the requested
// top-speed, and the cached kinematic bounds the look-ahead pass fills
// in. Axes are addressed by name (the physical actuator names the
// kinematics layer drives — "x"/"y"/"z" for Cartesian, "a"/"b" for
// CoreXY, "tower1"/"tower2"/"tower3" for Delta), not a fixed-size array, since the
// axis set is configuration-driven.
type Segment struct {
	Delta        map[string]int64 // signed step delta per axis
	Distance     float64          // Euclidean distance this segment covers
	VReq         float64          // requested top speed (G-code F), user units/s
	WatchEndstop bool
	Channel      *ChannelCommand
	// Completion fires once this segment's Commands have all been
	// stepped (or the planner aborted while it was outstanding).
	// triggered reports whether an endstop-watching abort occurred; it
	// is always false for a segment that simply finished normally.
	Completion func(triggered bool)

	// Cached derived bounds (§4.1 step 1).
	VMax float64 // min(VReq, per-axis speed caps given this segment's step ratio)
	AMax float64 // min per-axis acceleration caps, same ratio weighting

	// Look-ahead results (§4.1 steps 2-4), recomputed on every pass.
	VJunctionNext float64 // junction bound against the following segment
	VEntry        float64
	VExit         float64

	committed bool
}

// axisStepRate converts a scalar segment velocity (user units/s) into
// this segment's step rate on one axis (steps/s), given the axis's
// signed step delta and the segment's total Euclidean distance.
func axisStepRate(vScalar, distance float64, delta int64) float64 {
	if distance <= 0 {
		return 0
	}
	return vScalar * math.Abs(float64(delta)) / distance
}
