package heat

import (
	"math"
	"testing"

	"github.com/ambrop72/aprinter/core"
	"github.com/ambrop72/aprinter/machine"
)

type mockOutput struct {
	high      bool
	highCount int
	lowCount  int
}

func (o *mockOutput) Set(high bool) {
	o.high = high
	if high {
		o.highCount++
	} else {
		o.lowCount++
	}
}

// mockSensor returns a fixed fraction until reconfigured mid-test.
type mockSensor struct {
	frac  float64
	ready bool
}

func (s *mockSensor) Read() (float64, bool) { return s.frac, s.ready }

func testHeaterConfig() machine.HeaterConfig {
	return machine.HeaterConfig{
		PID:             machine.PIDGains{P: 0.5, I: 0.1, D: 0.05},
		MinTemp:         0,
		MaxTemp:         300,
		MaxPower:        1.0,
		ControlInterval: 0.2,
		PulseInterval:   0.2,
		IntegratorMax:   1.0,
		DHistoryFactor:  0.7,
		Thermistor: machine.ThermistorModel{
			Table: []machine.ThermistorPoint{
				{AdcFraction: 0.1, Celsius: 250},
				{AdcFraction: 0.5, Celsius: 200},
				{AdcFraction: 0.9, Celsius: 20},
			},
		},
	}
}

func TestThermistorTableLookupInterpolates(t *testing.T) {
	got := celsiusFromADC(testHeaterConfig().Thermistor, 0.3)
	want := (250+200)/2.0 + 273.15
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("celsiusFromADC(0.3) = %v, want %v", got, want)
	}
}

func TestThermistorTableClampsAtEnds(t *testing.T) {
	table := testHeaterConfig().Thermistor
	if got := celsiusFromADC(table, 0); got != 250+273.15 {
		t.Errorf("celsiusFromADC(0) = %v, want %v", got, 250+273.15)
	}
	if got := celsiusFromADC(table, 1); got != 20+273.15 {
		t.Errorf("celsiusFromADC(1) = %v, want %v", got, 20+273.15)
	}
}

func TestThermistorSteinhartHartModel(t *testing.T) {
	m := machine.ThermistorModel{A: 0.0008, B: 0.0002, C: 1e-7, PullupOhms: 4700}
	got := celsiusFromADC(m, 0.5)
	if math.IsNaN(got) || math.IsInf(got, 0) {
		t.Fatalf("celsiusFromADC with Steinhart-Hart coefficients returned %v", got)
	}
	if got <= 0 {
		t.Errorf("celsiusFromADC = %v, want a positive Kelvin value", got)
	}
}

func TestHeaterSetTargetResetsIntegratorOnReenable(t *testing.T) {
	core.SetTime(0)
	h := New("extruder", testHeaterConfig(), &mockOutput{}, &mockSensor{frac: 0.5, ready: true})

	h.SetTarget(473.15)
	h.pid.integrator = 0.77

	h.SetTarget(math.NaN())
	if h.enabled {
		t.Errorf("heater stayed enabled after SetTarget(NaN)")
	}

	h.SetTarget(473.15)
	if h.pid.integrator != 0 {
		t.Errorf("integrator = %v, want 0 after re-enabling from off", h.pid.integrator)
	}
}

func TestHeaterTargetAndMeasuredAccessors(t *testing.T) {
	core.SetTime(0)
	h := New("bed", testHeaterConfig(), &mockOutput{}, &mockSensor{frac: 0.5, ready: true})
	if !math.IsNaN(h.Target()) {
		t.Errorf("Target() = %v, want NaN before any SetTarget", h.Target())
	}
	h.SetTarget(373.15)
	if h.Target() != 373.15 {
		t.Errorf("Target() = %v, want 373.15", h.Target())
	}
}

func TestHeaterControlTickFaultsOnSensorRail(t *testing.T) {
	core.SetTime(0)
	sensor := &mockSensor{frac: 0.001, ready: true}
	h := New("extruder", testHeaterConfig(), &mockOutput{}, sensor)
	h.Start()
	h.SetTarget(473.15)

	core.SetTime(core.GetTime() + core.TimerFromUS(300000))
	core.ProcessTimers()

	if h.Fault() == nil {
		t.Fatalf("expected a sensor fault once the ADC reading sits at the rail")
	}
	if h.enabled {
		t.Errorf("heater should disable itself once faulted")
	}
}

func TestHeaterControlTickFaultsOnOutOfRangeTemperature(t *testing.T) {
	core.SetTime(0)
	cfg := testHeaterConfig()
	// Table maps 0.9 -> 20C; push MaxTemp below that so the reading trips
	// the out-of-range fault instead.
	cfg.MaxTemp = 10
	sensor := &mockSensor{frac: 0.9, ready: true}
	h := New("extruder", cfg, &mockOutput{}, sensor)
	h.Start()
	h.SetTarget(473.15)

	core.SetTime(core.GetTime() + core.TimerFromUS(300000))
	core.ProcessTimers()

	if h.Fault() == nil {
		t.Fatalf("expected a thermal-runaway fault once measured temperature exceeds MaxTemp")
	}
}

func TestHeaterClearFaultAllowsReenable(t *testing.T) {
	core.SetTime(0)
	sensor := &mockSensor{frac: 0.001, ready: true}
	h := New("extruder", testHeaterConfig(), &mockOutput{}, sensor)
	h.Start()
	h.SetTarget(473.15)
	core.SetTime(core.GetTime() + core.TimerFromUS(300000))
	core.ProcessTimers()

	if h.Fault() == nil {
		t.Fatalf("setup failed: expected a fault before testing ClearFault")
	}
	h.ClearFault()
	if h.Fault() != nil {
		t.Errorf("Fault() = %v, want nil after ClearFault", h.Fault())
	}
}

func TestHeaterSoftPWMTogglesOutput(t *testing.T) {
	core.SetTime(0)
	out := &mockOutput{}
	h := New("bed", testHeaterConfig(), out, &mockSensor{frac: 0.5, ready: true})

	h.setDuty(0.5)
	if !out.high {
		t.Fatalf("expected the pin to go high at the start of a 0.5 duty cycle")
	}

	// Advance past the high phase: the pin should drop low.
	core.SetTime(core.GetTime() + core.TimerFromUS(200000))
	core.ProcessTimers()
	if out.high {
		t.Errorf("pin should be low after the high phase of the PWM period elapses")
	}
}

func TestHeaterSoftPWMZeroDutyStaysLow(t *testing.T) {
	core.SetTime(0)
	out := &mockOutput{}
	h := New("bed", testHeaterConfig(), out, &mockSensor{frac: 0.5, ready: true})

	h.setDuty(0)
	if out.high {
		t.Errorf("pin should stay low for a zero duty cycle")
	}
}

func TestHeaterObserverReachesTarget(t *testing.T) {
	core.SetTime(0)
	cfg := testHeaterConfig()
	sensor := &mockSensor{frac: 0.5, ready: true} // table lookup maps exactly to 200C = 473.15K
	h := New("extruder", cfg, &mockOutput{}, sensor)
	h.Start()

	var reached, timedOut bool
	h.StartObserver(473.15, 1.0, 0.4, 10.0, func() { reached = true }, func() { timedOut = true })

	// Advance through several control ticks so stableFor accumulates
	// past minTicks (0.4s) while staying within tolerance.
	for i := 0; i < 6; i++ {
		core.SetTime(core.GetTime() + core.TimerFromUS(200000))
		core.ProcessTimers()
	}

	if !reached {
		t.Fatalf("observer never reported reached despite measured staying within tolerance")
	}
	if timedOut {
		t.Errorf("observer reported timeout as well as reached")
	}
}

func TestHeaterObserverTimesOut(t *testing.T) {
	core.SetTime(0)
	cfg := testHeaterConfig()
	sensor := &mockSensor{frac: 0.5, ready: true} // 200C, far from the 0C target below
	h := New("extruder", cfg, &mockOutput{}, sensor)
	h.Start()

	var reached, timedOut bool
	h.StartObserver(273.15, 0.5, 5.0, 0.5, func() { reached = true }, func() { timedOut = true })

	for i := 0; i < 6; i++ {
		core.SetTime(core.GetTime() + core.TimerFromUS(200000))
		core.ProcessTimers()
	}

	if !timedOut {
		t.Fatalf("observer never reported timeout despite never approaching target")
	}
	if reached {
		t.Errorf("observer reported reached as well as timeout")
	}
}
