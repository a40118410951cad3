// Package heat implements the per-heater PID control loop and
// soft-PWM output scheduling described in §4.6: periodic temperature
// sampling, the clamped-integrator/EMA-derivative PID, the safety band
// check, and a software-timed PWM driver for boards without spare
// hardware PWM channels.
//
// The PID math itself is new (this corpus has no heater control of its
// own). The scheduling shape — an OID-like struct driven by a
// core.Timer, toggling a pin high/low
// across two sub-durations of a period — is grounded on
// core/gpio.go's DigitalOut (on_ticks/off_ticks PWM toggling) and
// core/adc.go's AnalogIn oversampled sampling loop.
package heat

import (
	"math"

	"github.com/ambrop72/aprinter/aperr"
	"github.com/ambrop72/aprinter/core"
	"github.com/ambrop72/aprinter/machine"
)

// Output is the hardware-facing half of a heater: a single digital pin
// toggled by the soft-PWM scheduler. Grounded on stepper.Backend's
// pattern of defining a narrow interface local to the consuming
// package rather than reusing core's build-tagged PWM/GPIO drivers
// directly, so this package stays host-testable.
type Output interface {
	Set(high bool)
}

// Sensor reads the current normalized ADC fraction (0..1) for a
// heater's sense pin.
type Sensor interface {
	Read() (float64, bool) // (fraction, ready)
}

// pidState is the per-heater PID bookkeeping (§3.6).
type pidState struct {
	integrator     float64
	lastMeasurement float64
	lastOutput     float64
	dEMA           float64
	haveLast       bool
}

// Heater drives one PID-controlled, soft-PWM heater output.
type Heater struct {
	Name   string
	cfg    machine.HeaterConfig
	out    Output
	sensor Sensor

	pid pidState

	enabled bool
	target  float64 // Kelvin; NaN = off

	controlTimer core.Timer
	pwmTimer     core.Timer

	measured float64
	fault    error

	duty       float64 // current commanded duty [0,1], committed by a single assignment in setDuty
	pwmRunning bool
	pinHigh    bool // logical (pre-inversion) level last written by setPin

	// Observer state (§4.6 "Observer").
	observer struct {
		active    bool
		target    float64
		tolerance float64
		stableFor uint32
		minTicks  uint32
		deadline  uint32
		onReached func()
		onTimeout func()
	}
}

// New constructs a Heater bound to the given hardware output and
// sensor, with its control loop not yet started.
func New(name string, cfg machine.HeaterConfig, out Output, sensor Sensor) *Heater {
	h := &Heater{Name: name, cfg: cfg, out: out, sensor: sensor, target: math.NaN()}
	h.controlTimer.Handler = h.onControlTick
	h.pwmTimer.Handler = h.onPWMEdge
	return h
}

// Start arms the periodic PID recompute timer (§4.6 "PID loop").
func (h *Heater) Start() {
	h.controlTimer.WakeTime = core.GetTime() + core.TimerFromUS(uint32(h.cfg.ControlInterval*1e6))
	core.ScheduleTimer(&h.controlTimer)
}

// SetTarget sets the desired temperature in Kelvin. NaN disables the
// heater and clears its integrator on the next enable (§3.6 invariant).
func (h *Heater) SetTarget(kelvin float64) {
	wasOff := math.IsNaN(h.target) || !h.enabled
	h.target = kelvin
	if math.IsNaN(kelvin) {
		h.enabled = false
		h.setDuty(0)
		return
	}
	h.enabled = true
	if wasOff {
		h.pid = pidState{}
	}
}

// Measured returns the last sampled temperature in Kelvin.
func (h *Heater) Measured() float64 { return h.measured }

// Target returns the current target temperature (NaN if off).
func (h *Heater) Target() float64 { return h.target }

// Fault returns the current sticky safety fault, if any (§7
// Sensor-broken / Thermal-runaway).
func (h *Heater) Fault() error { return h.fault }

// ClearFault clears a previously-latched sensor fault, allowing the
// heater to re-enable.
func (h *Heater) ClearFault() { h.fault = nil }

const (
	sensorRailEpsilon = 0.02 // fraction of full-scale considered "at the rail"
)

// onControlTick runs one PID iteration (§4.6 "PID loop").
func (h *Heater) onControlTick(t *core.Timer) uint8 {
	t.WakeTime += core.TimerFromUS(uint32(h.cfg.ControlInterval * 1e6))

	frac, ready := h.sensor.Read()
	if !ready {
		return core.SF_RESCHEDULE
	}

	if frac < sensorRailEpsilon || frac > 1-sensorRailEpsilon {
		h.fault = aperr.ErrSensorFault
		h.enabled = false
		h.setDuty(0)
		return core.SF_RESCHEDULE
	}

	measured := celsiusFromADC(h.cfg.Thermistor, frac)
	h.measured = measured

	if celsius := measured - 273.15; celsius < h.cfg.MinTemp || celsius > h.cfg.MaxTemp {
		h.fault = aperr.ErrThermalRunaway
		h.enabled = false
		h.setDuty(0)
		return core.SF_RESCHEDULE
	}

	if h.observer.active {
		h.checkObserver(measured)
	}

	if !h.enabled || math.IsNaN(h.target) {
		h.setDuty(0)
		return core.SF_RESCHEDULE
	}

	dt := h.cfg.ControlInterval
	errV := h.target - measured

	imin, imax := h.cfg.IntegratorMin, h.cfg.IntegratorMax
	if imax == 0 {
		imax = h.cfg.MaxPower
	}
	h.pid.integrator = clamp(h.pid.integrator+h.cfg.PID.I*errV*dt, imin, imax)

	var dRaw float64
	if h.pid.haveLast {
		dRaw = (measured - h.pid.lastMeasurement) / dt
	}
	factor := h.cfg.DHistoryFactor
	h.pid.dEMA = factor*h.pid.dEMA + (1-factor)*dRaw
	h.pid.lastMeasurement = measured
	h.pid.haveLast = true

	output := clamp(h.cfg.PID.P*errV+h.pid.integrator-h.cfg.PID.D*h.pid.dEMA, 0, h.cfg.MaxPower)
	h.pid.lastOutput = output
	h.setDuty(output)

	return core.SF_RESCHEDULE
}

// setDuty commits a new duty cycle as a single write (§5 "PID main-loop
// tick / soft-PWM ISR" ordering guarantee: the next period boundary
// picks it up atomically, no partial update possible since `duty` is a
// single float64 field assigned in one statement).
func (h *Heater) setDuty(duty float64) {
	h.duty = clamp(duty, 0, 1)
	if h.cfg.HardwarePWM {
		return // hardware PWM peripheral handles the waveform directly
	}
	if !h.pwmRunning {
		h.pwmRunning = true
		h.armPWMCycle()
	}
}

// armPWMCycle starts a new soft-PWM period (§4.6 "Soft-PWM"): pin high
// for duty*pulse_interval, then low for the remainder. duty==0 skips
// the high phase; duty==1 skips the low phase. InvertOutput XORs both
// levels.
func (h *Heater) armPWMCycle() {
	period := core.TimerFromUS(uint32(h.cfg.PulseInterval * 1e6))
	duty := h.duty

	if duty <= 0 {
		h.setPin(false)
		h.pwmTimer.WakeTime = core.GetTime() + period
		core.ScheduleTimer(&h.pwmTimer)
		return
	}
	h.setPin(true)
	onTicks := uint32(float64(period) * duty)
	if duty >= 1 {
		onTicks = period
	}
	h.pwmTimer.WakeTime = core.GetTime() + onTicks
	core.ScheduleTimer(&h.pwmTimer)
}

// onPWMEdge fires at each soft-PWM phase boundary: it either lowers
// the pin (end of the high phase) or starts the next period.
func (h *Heater) onPWMEdge(t *core.Timer) uint8 {
	period := core.TimerFromUS(uint32(h.cfg.PulseInterval * 1e6))
	onTicks := uint32(float64(period) * h.duty)

	// If the pin is currently high and we haven't yet reached a full
	// period's worth of ticks since the cycle started, this edge is
	// the high->low transition; otherwise start the next cycle.
	if h.pinHigh && h.duty > 0 && h.duty < 1 && onTicks < period {
		h.setPin(false)
		t.WakeTime += period - onTicks
		return core.SF_RESCHEDULE
	}
	h.armPWMCycle()
	return core.SF_DONE
}

func (h *Heater) setPin(high bool) {
	h.pinHigh = high
	if h.cfg.InvertOutput {
		high = !high
	}
	h.out.Set(high)
}

// StartObserver begins "wait until stable" sampling (§4.6 "Observer"):
// reports reached via onReached once the measured temperature stays
// within tolerance of target for at least minTime, or onTimeout if
// waitTimeout elapses first.
func (h *Heater) StartObserver(target, tolerance, minTime, waitTimeout float64, onReached, onTimeout func()) {
	h.observer.active = true
	h.observer.target = target
	h.observer.tolerance = tolerance
	h.observer.stableFor = 0
	h.observer.minTicks = core.TimerFromUS(uint32(minTime * 1e6))
	h.observer.deadline = core.GetTime() + core.TimerFromUS(uint32(waitTimeout*1e6))
	h.observer.onReached = onReached
	h.observer.onTimeout = onTimeout
}

// checkObserver is invoked once per control tick while an observer is
// active, matching the usual 0.5s TEMP_WINDOW sampling interval closely
// enough via the control loop's own cadence (≤0.2s default).
func (h *Heater) checkObserver(measured float64) {
	o := &h.observer
	if int32(core.GetTime()-o.deadline) >= 0 {
		o.active = false
		if o.onTimeout != nil {
			o.onTimeout()
		}
		return
	}
	if math.Abs(measured-o.target) < o.tolerance {
		o.stableFor += core.TimerFromUS(uint32(h.cfg.ControlInterval * 1e6))
		if o.stableFor >= o.minTicks {
			o.active = false
			if o.onReached != nil {
				o.onReached()
			}
		}
	} else {
		o.stableFor = 0
	}
}
