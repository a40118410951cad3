package gcodeio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ambrop72/aprinter/aperr"
	"github.com/ambrop72/aprinter/core"
	"github.com/ambrop72/aprinter/eeprom"
	"github.com/ambrop72/aprinter/heat"
	"github.com/ambrop72/aprinter/homing"
	"github.com/ambrop72/aprinter/kinematics"
	"github.com/ambrop72/aprinter/machine"
	"github.com/ambrop72/aprinter/machine/config"
	"github.com/ambrop72/aprinter/planner"
)

// PWMOutput is a duty-cycle sink for fans and lasers, driven directly
// by ChannelCommand dispatch rather than through heat's PID loop
// (§4.1's ChannelCommand kinds SetFanPWM/SetLaserDensity).
type PWMOutput interface {
	SetDuty(duty float64)
}

var errHeaterNotConfigured = errors.New("gcodeio: heater not configured")

// PrinterCore owns the G-code pump and arbitrates planned moves against
// unplanned homing/probing/configuration commands (§4.4).
//
// Grounded on standalone/manager.go's Manager (owns parser + interpreter
// + planner + kinematics, exposes ProcessLine/Start/Stop/EmergencyStop)
// and standalone/gcode/interpreter.go's switch-case Interpreter, whose
// executeG/executeM only ever mutate state and leave most M-codes
// `TODO`; this implements the full drain-before-unplanned arbitration
// of §4.4: a planned move (G0/G1) is rejected with aperr.ErrBusy while
// an unplanned command (G28/G30/G32/M109/M190/M116) owns the planner,
// and an unplanned command itself only starts once WaitFinished
// reports the planner has
// drained everything queued ahead of it.
type PrinterCore struct {
	cfg       *machine.MachineConfig
	state     *machine.MachineState
	transform *kinematics.Transform
	planner   *planner.Planner
	runtime   *config.RuntimeStore
	store     *eeprom.Store

	declaredOptions []string // sorted, for M925/M926's N-indexed addressing

	heaters map[string]*heat.Heater
	fans    map[string]PWMOutput
	lasers  map[string]PWMOutput

	homingAxisNames []string // physical axes with a HomingConfig, sorted

	locked   bool   // an unplanned command currently owns the planner
	lockedOp string // diagnostic name of the in-flight locked op

	stepperEnabled bool

	pendingReply string // set by report commands instead of a bare "ok"
	reply        func(string)
}

// NewPrinterCore assembles a PrinterCore over an already-built Planner
// and Transform. declaredOptions fixes the stable N-index order for
// M925/M926 (see ProcessLine's doc comment on that simplification).
func NewPrinterCore(
	cfg *machine.MachineConfig,
	transform *kinematics.Transform,
	pl *planner.Planner,
	runtime *config.RuntimeStore,
	store *eeprom.Store,
	declaredOptions []string,
	heaters map[string]*heat.Heater,
	fans map[string]PWMOutput,
	lasers map[string]PWMOutput,
	reply func(string),
) *PrinterCore {
	opts := append([]string(nil), declaredOptions...)
	sort.Strings(opts)

	var homingAxes []string
	for name, axisCfg := range cfg.Axes {
		if axisCfg.Homing != nil {
			homingAxes = append(homingAxes, name)
		}
	}
	sort.Strings(homingAxes)

	pc := &PrinterCore{
		cfg:             cfg,
		state:           machine.NewMachineState(cfg.DefaultVelocity),
		transform:       transform,
		planner:         pl,
		runtime:         runtime,
		store:           store,
		declaredOptions: opts,
		heaters:         heaters,
		fans:            fans,
		lasers:          lasers,
		homingAxisNames: homingAxes,
	}
	pc.reply = reply
	pl.SetChannelSink(pc.dispatchChannel)
	pl.SetAbortSink(pc.onAbort)
	return pc
}

// State returns the mutable machine state (position, homed set,
// temperatures), for diagnostics and tests.
func (pc *PrinterCore) State() *machine.MachineState { return pc.state }

func (pc *PrinterCore) send(s string) {
	if pc.reply != nil {
		pc.reply(s)
	}
}

// Pump drives one main-loop iteration: dispatches due timers (stepper
// ISRs, heater control/PWM ticks, the planner's force-timeout) and lets
// the planner observe stepper-side fast events, per §5's "the planner
// observes this on the next main-loop iteration" ordering guarantee.
func (pc *PrinterCore) Pump() {
	core.ProcessTimers()
	pc.planner.Tick()
}

// ProcessLine parses and executes one line of G-code, replying via the
// configured reply sink: "ok", "ok <report>" for query commands, or
// "Error:<token>" per §7's error-kind policy.
//
// M925/M926 (runtime option get/set) are addressed here by an `N`
// parameter indexing into the sorted declared-option list rather than
// by name: the G-code surface this core consumes (per §6) is the
// dependency-free letter/float line scanner adapted from
// standalone/gcode/parser.go, which has no string-literal parameter
// syntax. A real deployment's host tooling resolves option names to
// indices before sending the line; M503's dump still reports by name.
func (pc *PrinterCore) ProcessLine(parser *Parser, line string) {
	cmd, err := parser.ParseLine(line)
	if err != nil {
		pc.send("Error:" + err.Error())
		return
	}
	if cmd == nil || cmd.Type == 0 {
		return
	}

	pc.pendingReply = ""
	if err := pc.Execute(cmd); err != nil {
		pc.send("Error:" + errToken(err))
		return
	}
	if pc.pendingReply != "" {
		pc.send(pc.pendingReply)
		return
	}
	pc.send("ok")
}

// Execute runs one already-parsed command.
func (pc *PrinterCore) Execute(cmd *Command) error {
	if cmd == nil {
		return nil
	}
	switch cmd.Type {
	case 'G':
		return pc.execG(cmd)
	case 'M':
		return pc.execM(cmd)
	case 'T':
		return nil // single-extruder core: tool change is a no-op
	}
	return nil
}

func (pc *PrinterCore) execG(cmd *Command) error {
	switch cmd.Number {
	case 0, 1:
		return pc.doMove(cmd)
	case 28:
		return pc.beginHoming(cmd)
	case 30:
		return pc.beginProbe(cmd, false)
	case 32:
		return pc.beginProbe(cmd, true)
	case 90:
		pc.state.AbsoluteMode = true
	case 91:
		pc.state.AbsoluteMode = false
	case 92:
		return pc.doSetPosition(cmd)
	}
	return nil
}

func (pc *PrinterCore) execM(cmd *Command) error {
	switch cmd.Number {
	case 17:
		pc.setSteppersEnabled(true)
	case 18, 84:
		pc.setSteppersEnabled(false)
	case 82:
		pc.state.ExtrudeMode = false
	case 83:
		pc.state.ExtrudeMode = true
	case 104:
		return pc.setHeaterTarget("extruder", cmd, false)
	case 109:
		return pc.setHeaterTarget("extruder", cmd, true)
	case 140:
		return pc.setHeaterTarget("bed", cmd, false)
	case 190:
		return pc.setHeaterTarget("bed", cmd, true)
	case 105:
		pc.reportTemperatures()
	case 106:
		return pc.setFan(cmd.GetParameter('S', 255) / 255.0)
	case 107:
		return pc.setFan(0)
	case 114:
		pc.reportPosition()
	case 119:
		pc.reportEndstops()
	case 116:
		return pc.waitAllHeaters()
	case 500:
		return pc.eepromOp(pc.store.Save)
	case 501:
		return pc.eepromOp(pc.store.Load)
	case 502:
		return pc.eepromOp(func() error { pc.store.Reset(); return nil })
	case 503:
		pc.eepromDump()
	case 925:
		return pc.getRuntimeOption(cmd)
	case 926:
		return pc.setRuntimeOption(cmd)
	case 561:
		pc.transform.SetLevel(machine.BedCorrection{})
		pc.state.BedLevel = machine.BedCorrection{}
	case 937:
		pc.reportBedCorrection()
	}
	return nil
}

// doMove executes a planned linear move (G0/G1): resolve the target
// virtual position, split and transform it into physical-axis
// sub-segments, and queue each as a planner Segment. Rejected with
// aperr.ErrBusy while an unplanned command owns the planner.
func (pc *PrinterCore) doMove(cmd *Command) error {
	if pc.locked {
		return aperr.ErrBusy
	}

	current := pc.state.Position
	target := current

	if cmd.HasParameter('F') {
		pc.state.FeedRate = cmd.GetParameter('F', pc.state.FeedRate*60) / 60.0
	}

	if pc.state.AbsoluteMode {
		if cmd.HasParameter('X') {
			target.X = cmd.GetParameter('X', current.X)
		}
		if cmd.HasParameter('Y') {
			target.Y = cmd.GetParameter('Y', current.Y)
		}
		if cmd.HasParameter('Z') {
			target.Z = cmd.GetParameter('Z', current.Z)
		}
	} else {
		if cmd.HasParameter('X') {
			target.X = current.X + cmd.GetParameter('X', 0)
		}
		if cmd.HasParameter('Y') {
			target.Y = current.Y + cmd.GetParameter('Y', 0)
		}
		if cmd.HasParameter('Z') {
			target.Z = current.Z + cmd.GetParameter('Z', 0)
		}
	}
	if cmd.HasParameter('E') {
		if pc.state.ExtrudeMode {
			target.E = current.E + cmd.GetParameter('E', 0)
		} else {
			target.E = cmd.GetParameter('E', current.E)
		}
	}

	if err := pc.queueVirtualMove(current, target, pc.state.FeedRate, nil); err != nil {
		return err
	}
	pc.state.Position = target
	return nil
}

// queueVirtualMove splits and transforms a virtual move into one or
// more planner segments. last, if non-nil, is attached as the
// Completion of the final sub-segment only.
func (pc *PrinterCore) queueVirtualMove(from, to machine.Position, speed float64, last func(triggered bool)) error {
	segs, err := pc.transform.Segments(from, to)
	if err != nil {
		return err
	}
	axisNames := pc.transform.Kin.GetAxisNames()
	for i, phys := range segs {
		mb := pc.planner.BeginMove()
		for j, name := range axisNames {
			if err := mb.AddAxis(name, phys[j], true); err != nil {
				return err
			}
		}
		var completion func(triggered bool)
		if last != nil && i == len(segs)-1 {
			completion = last
		}
		if err := mb.EndMove(speed, false, completion); err != nil {
			return err
		}
	}
	return nil
}

// doSetPosition implements G92: set the logical position without motion.
func (pc *PrinterCore) doSetPosition(cmd *Command) error {
	cur := pc.state.Position
	if cmd.HasParameter('X') {
		cur.X = cmd.GetParameter('X', 0)
	}
	if cmd.HasParameter('Y') {
		cur.Y = cmd.GetParameter('Y', 0)
	}
	if cmd.HasParameter('Z') {
		cur.Z = cmd.GetParameter('Z', 0)
	}
	if cmd.HasParameter('E') {
		cur.E = cmd.GetParameter('E', 0)
	}

	physical, err := pc.transform.Kin.CalcPosition(cur)
	if err != nil {
		return err
	}
	axisNames := pc.transform.Kin.GetAxisNames()
	positions := make(map[string]float64, len(axisNames))
	for i, name := range axisNames {
		positions[name] = physical[i]
	}
	pc.planner.SetPosition(positions)
	pc.state.Position = cur
	return nil
}

// axisLetterForPhysical returns the G-code axis letter a physical axis
// name corresponds to, only meaningful for Cartesian (where physical
// and virtual axes coincide 1:1).
func axisLetterForPhysical(name string) byte {
	if len(name) == 0 {
		return 0
	}
	c := name[0]
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

// beginHoming implements G28: drains the planner, then runs each
// requested axis's Homer in turn.
//
// On non-Cartesian kinematics (CoreXY, Delta) the physical axes don't
// correspond 1:1 to G-code letters, so per-letter axis selection isn't
// meaningful; a G28 with any axis letter present homes every
// configured axis there instead of attempting to decode which motor
// combination a virtual letter would imply.
func (pc *PrinterCore) beginHoming(cmd *Command) error {
	if pc.locked {
		return aperr.ErrBusy
	}

	any := cmd.HasParameter('X') || cmd.HasParameter('Y') || cmd.HasParameter('Z')
	cartesian := pc.cfg.Kinematics == "" || pc.cfg.Kinematics == "cartesian"

	var axes []string
	for _, name := range pc.homingAxisNames {
		if any && cartesian && !cmd.HasParameter(axisLetterForPhysical(name)) {
			continue
		}
		axes = append(axes, name)
	}
	if len(axes) == 0 {
		return nil
	}

	pc.locked = true
	pc.lockedOp = "G28"
	pc.planner.WaitFinished(func(triggered bool) {
		pc.runHomingSequence(axes, 0)
	})
	return nil
}

func (pc *PrinterCore) runHomingSequence(axes []string, idx int) {
	if idx >= len(axes) {
		pc.locked = false
		pc.lockedOp = ""
		return
	}
	name := axes[idx]
	axisCfg := pc.cfg.Axes[name]
	if axisCfg.Homing == nil {
		pc.runHomingSequence(axes, idx+1)
		return
	}
	h := homing.NewHomer(name, axisCfg, pc)
	h.Start(func(err error) {
		if err == nil {
			pc.state.Homed[name] = true
		}
		pc.runHomingSequence(axes, idx+1)
	})
}

// beginProbe implements G30 (single point, at the current XY) and G32
// (multi-point, over cfg.ProbePoints, optionally installing the fitted
// correction when a `D` parameter is present).
func (pc *PrinterCore) beginProbe(cmd *Command, multi bool) error {
	if pc.locked {
		return aperr.ErrBusy
	}

	const zAxis = "z"
	zCfg, ok := pc.cfg.Axes[zAxis]
	if !ok || zCfg.Homing == nil {
		return aperr.ErrAxisNotConfigured
	}

	var points []homing.ProbePoint
	if multi {
		for _, p := range pc.cfg.ProbePoints {
			points = append(points, homing.ProbePoint{X: p.X, Y: p.Y})
		}
		if len(points) == 0 {
			return aperr.ErrInvalidConfig
		}
	} else {
		points = []homing.ProbePoint{{X: pc.state.Position.X, Y: pc.state.Position.Y}}
	}

	apply := multi && cmd.HasParameter('D')
	quadratic := cmd.HasParameter('Q')

	pc.locked = true
	pc.lockedOp = "G30/G32"
	pc.planner.WaitFinished(func(triggered bool) {
		prober := homing.NewProber(zAxis, zCfg, pc, points, quadratic)
		prober.Start(apply, func(c machine.BedCorrection, err error) {
			pc.locked = false
			pc.lockedOp = ""
			if err != nil {
				pc.send("Error:" + errToken(err))
				return
			}
			if apply {
				pc.transform.SetLevel(c)
				pc.state.BedLevel = c
			}
			pc.send(fmt.Sprintf("ok C0:%.4f Cx:%.4f Cy:%.4f", c.C0, c.Cx, c.Cy))
		})
	})
	return nil
}

// MoveAxis implements homing.Mover: a single-physical-axis move,
// bypassing the kinematic transform (homing/probing drive one motor
// directly, per §4.5).
func (pc *PrinterCore) MoveAxis(axis string, delta, speed float64, watch bool, done func(triggered bool, finalPos float64)) {
	mb := pc.planner.BeginMove()
	if err := mb.AddAxis(axis, delta, false); err != nil {
		done(false, pc.planner.Position(axis))
		return
	}
	err := mb.EndMove(speed, watch, func(triggered bool) {
		done(triggered, pc.planner.Position(axis))
	})
	if err != nil {
		done(false, pc.planner.Position(axis))
	}
}

// SetAxisPosition implements homing.Mover.
func (pc *PrinterCore) SetAxisPosition(axis string, value float64) {
	pc.planner.SetPosition(map[string]float64{axis: value})
}

// MoveToXY implements homing.ProberMover: a virtual XY move through the
// kinematic transform, to position the probe over the next point.
func (pc *PrinterCore) MoveToXY(x, y, speed float64, done func()) {
	from := pc.state.Position
	to := from
	to.X, to.Y = x, y
	err := pc.queueVirtualMove(from, to, speed, func(bool) {
		if done != nil {
			done()
		}
	})
	if err != nil {
		if done != nil {
			done()
		}
		return
	}
	pc.state.Position.X, pc.state.Position.Y = x, y
}

func (pc *PrinterCore) dispatchChannel(ch planner.ChannelCommand) {
	switch ch.Kind {
	case planner.ChannelSetHeaterTarget:
		if h, ok := pc.heaters[ch.Target]; ok {
			h.SetTarget(ch.Value)
		}
	case planner.ChannelSetFanPWM:
		if f, ok := pc.fans[ch.Target]; ok {
			f.SetDuty(ch.Value)
		}
	case planner.ChannelSetLaserDensity:
		if l, ok := pc.lasers[ch.Target]; ok {
			l.SetDuty(ch.Value)
		}
	}
}

func (pc *PrinterCore) onAbort(reason string) {
	pc.send("Error:" + reason)
}

func (pc *PrinterCore) setHeaterTarget(name string, cmd *Command, wait bool) error {
	h, ok := pc.heaters[name]
	if !ok {
		return errHeaterNotConfigured
	}

	celsius := cmd.GetParameter('S', math.NaN())
	kelvin := celsius
	if !math.IsNaN(celsius) {
		kelvin = celsius + 273.15
	}
	if err := pc.planner.SubmitChannelCommand(planner.ChannelCommand{
		Kind: planner.ChannelSetHeaterTarget, Target: name, Value: kelvin,
	}); err != nil {
		return err
	}

	if !wait || math.IsNaN(kelvin) {
		return nil
	}
	if pc.locked {
		return aperr.ErrBusy
	}
	pc.locked = true
	pc.lockedOp = "M109/M190"
	h.StartObserver(kelvin, 1.5, 2.0, 300.0, func() {
		pc.locked = false
		pc.lockedOp = ""
	}, func() {
		pc.locked = false
		pc.lockedOp = ""
		pc.send("Error:WaitTimedOut")
	})
	return nil
}

func (pc *PrinterCore) waitAllHeaters() error {
	if pc.locked {
		return aperr.ErrBusy
	}
	var names []string
	for name, h := range pc.heaters {
		if !math.IsNaN(h.Target()) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	pc.locked = true
	pc.lockedOp = "M116"
	pc.waitHeaterList(names, 0)
	return nil
}

func (pc *PrinterCore) waitHeaterList(names []string, idx int) {
	if idx >= len(names) {
		pc.locked = false
		pc.lockedOp = ""
		return
	}
	h := pc.heaters[names[idx]]
	h.StartObserver(h.Target(), 1.5, 2.0, 300.0,
		func() { pc.waitHeaterList(names, idx+1) },
		func() { pc.waitHeaterList(names, idx+1) })
}

func (pc *PrinterCore) reportTemperatures() {
	var b strings.Builder
	b.WriteString("ok")
	names := make([]string, 0, len(pc.heaters))
	for name := range pc.heaters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := pc.heaters[name]
		fmt.Fprintf(&b, " %s:%.1f/%.1f", name, h.Measured()-273.15, celsiusOrZero(h.Target()))
	}
	pc.pendingReply = b.String()
}

func celsiusOrZero(kelvin float64) float64 {
	if math.IsNaN(kelvin) {
		return 0
	}
	return kelvin - 273.15
}

func (pc *PrinterCore) reportPosition() {
	p := pc.state.Position
	pc.pendingReply = fmt.Sprintf("ok X:%.3f Y:%.3f Z:%.3f E:%.3f", p.X, p.Y, p.Z, p.E)
}

func (pc *PrinterCore) reportEndstops() {
	var b strings.Builder
	b.WriteString("ok")
	for _, name := range pc.homingAxisNames {
		fmt.Fprintf(&b, " %s:%t", strings.ToUpper(name), pc.state.Homed[name])
	}
	fmt.Fprintf(&b, " OVERLOAD:%t", core.Overloaded())
	pc.pendingReply = b.String()
}

func (pc *PrinterCore) reportBedCorrection() {
	c := pc.state.BedLevel
	pc.pendingReply = fmt.Sprintf("ok valid:%t C0:%.4f Cx:%.4f Cy:%.4f Cxx:%.4f Cxy:%.4f Cyy:%.4f",
		c.Valid, c.C0, c.Cx, c.Cy, c.Cxx, c.Cxy, c.Cyy)
}

func (pc *PrinterCore) setFan(duty float64) error {
	var name string
	for n := range pc.fans {
		name = n
		break // single-fan configs are the common case; P-index fan selection is future work
	}
	if name == "" {
		return nil
	}
	return pc.planner.SubmitChannelCommand(planner.ChannelCommand{
		Kind: planner.ChannelSetFanPWM, Target: name, Value: duty,
	})
}

func (pc *PrinterCore) setSteppersEnabled(enabled bool) {
	// Enable-pin toggling is owned by the hardware AxisBackend on a
	// tinygo build; the host-testable core only records the logical
	// state, which no report command currently prints.
	pc.stepperEnabled = enabled
}

func (pc *PrinterCore) eepromOp(op func() error) error {
	if pc.store == nil {
		return nil
	}
	return op()
}

func (pc *PrinterCore) eepromDump() {
	if pc.store == nil {
		pc.pendingReply = "ok"
		return
	}
	vals := pc.store.Dump()
	names := make([]string, 0, len(vals))
	for n := range vals {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("ok")
	for _, n := range names {
		fmt.Fprintf(&b, " %s:%g", n, vals[n])
	}
	pc.pendingReply = b.String()
}

func (pc *PrinterCore) getRuntimeOption(cmd *Command) error {
	idx := int(cmd.GetParameter('N', -1))
	if idx < 0 || idx >= len(pc.declaredOptions) {
		return aperr.ErrOutOfRange
	}
	name := pc.declaredOptions[idx]
	v, ok := pc.runtime.Get(name)
	if !ok {
		v = 0
	}
	pc.pendingReply = fmt.Sprintf("ok %s:%g", name, v)
	return nil
}

func (pc *PrinterCore) setRuntimeOption(cmd *Command) error {
	idx := int(cmd.GetParameter('N', -1))
	if idx < 0 || idx >= len(pc.declaredOptions) {
		return aperr.ErrOutOfRange
	}
	pc.runtime.Set(pc.declaredOptions[idx], cmd.GetParameter('S', 0))
	return nil
}

// errToken maps a sentinel error to the ASCII token §7 defines for the
// G-code response stream ("Error:<token>").
func errToken(err error) string {
	switch {
	case errors.Is(err, aperr.ErrSensorFault):
		return "SensorBroken"
	case errors.Is(err, aperr.ErrThermalRunaway):
		return "ThermalRunaway"
	case errors.Is(err, aperr.ErrOutOfRange):
		return "OutOfBounds"
	case errors.Is(err, aperr.ErrInvalidConfig):
		return "BadCorrections"
	case errors.Is(err, aperr.ErrAborted):
		return "EndstopNotTriggeredInProbeMove"
	case errors.Is(err, aperr.ErrBufferFull):
		return "BufferFull"
	case errors.Is(err, aperr.ErrBusy):
		return "Busy"
	case errors.Is(err, aperr.ErrEEPROMFormat):
		return "EepromFormat"
	case errors.Is(err, errHeaterNotConfigured):
		return "HeaterNotConfigured"
	default:
		return err.Error()
	}
}
