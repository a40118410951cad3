// Package machine holds the declarative configuration tree and the
// runtime machine state shared by the planner, kinematics, heater and
// G-code layers. Types here are plain data — no behavior — matching the
// compile-time configuration tree the firmware core resolves at startup.
package machine

// Position represents a virtual Cartesian position (plus extruder).
type Position struct {
	X float64
	Y float64
	Z float64
	E float64
}

// AxisConfig describes one logical axis: its step resolution, soft
// limits, kinematic caps, cornering allowance, and pin wiring. Axes
// without a Homing block (typically E) cannot be the target of G28.
type AxisConfig struct {
	StepPin           string
	DirPin            string
	EnablePin         string
	StepsPerUnit      float64
	MinPosition       float64
	MaxPosition       float64
	MaxVelocity       float64
	MaxAccel          float64
	CorneringDistance float64
	InvertDir         bool
	InvertEnable      bool
	Homing            *HomingConfig
}

// HomingConfig configures the five-phase Homer state machine for one axis.
type HomingConfig struct {
	Dir           int8 // -1 or +1
	FastSpeed     float64
	FastMaxDist   float64
	RetractDist   float64
	RetractSpeed  float64
	SlowSpeed     float64
	SlowMaxDist   float64
	EndstopPin    string
	EndstopInvert bool
	SampleCount   uint8
	SampleTicks   uint32
}

// EndstopConfig represents a standalone endstop not tied to homing,
// reported by M119 and used by the Prober's watched moves.
type EndstopConfig struct {
	Pin    string
	Invert bool
}

// ThermistorModel picks the temperature-from-ADC conversion. When A/B/C
// are all zero, Table is used for piecewise-linear lookup instead.
type ThermistorModel struct {
	A, B, C    float64
	PullupOhms float64
	Table      []ThermistorPoint
}

// ThermistorPoint is one (adc_fraction, celsius) sample for table lookup.
type ThermistorPoint struct {
	AdcFraction float64
	Celsius     float64
}

// PIDGains are the heater control loop coefficients.
type PIDGains struct {
	P float64
	I float64
	D float64
}

// HeaterConfig configures one PID-controlled heater.
type HeaterConfig struct {
	SensorPin       string
	HeaterPin       string
	Thermistor      ThermistorModel
	PID             PIDGains
	MinTemp         float64
	MaxTemp         float64
	MaxPower        float64
	ControlInterval float64 // seconds, default 0.2
	PulseInterval   float64 // seconds, soft-PWM period, default 0.2
	IntegratorMin   float64
	IntegratorMax   float64
	DHistoryFactor  float64 // EMA weight for the derivative term, default 0.7
	HardwarePWM     bool
	InvertOutput    bool
}

// FanConfig configures a simple PWM-driven fan output.
type FanConfig struct {
	PWMPin       string
	InvertOutput bool
}

// LaserConfig configures a PWM-driven laser/spindle output whose duty
// is modulated per-segment by ChannelCommand SetLaserDensity payloads.
type LaserConfig struct {
	PWMPin       string
	InvertOutput bool
	MaxPower     float64
}

// DeltaConfig carries the tower geometry for Delta kinematics.
type DeltaConfig struct {
	TowerX    [3]float64
	TowerY    [3]float64
	RodLength float64
}

// TransformConfig parameterizes move segmentation for the kinematic
// transform layer. The transform variant itself is selected by
// MachineConfig.Kinematics ("cartesian", "corexy", "delta").
type TransformConfig struct {
	MaxSplitLength float64
	MinSplitLength float64
	Delta          DeltaConfig
}

// BedCorrection is the least-squares-fit leveling surface applied by
// the transform layer: z += C0 + Cx*x + Cy*y + Cxx*x^2 + Cxy*x*y + Cyy*y^2.
type BedCorrection struct {
	C0, Cx, Cy, Cxx, Cxy, Cyy float64
	Valid                     bool
}

// ProbePointConfig is one configured (x,y) bed-probe location for G32's
// multi-point bed leveling pass.
type ProbePointConfig struct {
	X, Y float64
}

// MachineConfig is the complete declarative machine description, the
// Go-native analogue of the compile-time configuration tree.
type MachineConfig struct {
	Kinematics string // "cartesian", "corexy", "delta"
	Axes       map[string]AxisConfig
	Endstops   map[string]EndstopConfig
	Heaters    map[string]HeaterConfig
	Fans       map[string]FanConfig
	Lasers     map[string]LaserConfig
	Transform  TransformConfig
	ProbePoints []ProbePointConfig

	DefaultVelocity   float64
	DefaultAccel      float64
	JunctionDeviation float64

	LookaheadBufferSize      int
	LookaheadCommitCount     int
	StepperSegmentBufferSize int
	ForceTimeoutMs           uint32
	InactiveTimeSec          float64
}

// MachineState is the mutable runtime state tracked by the G-code layer.
type MachineState struct {
	Position     Position
	Homed        map[string]bool
	AbsoluteMode bool
	FeedRate     float64
	ExtrudeMode  bool
	Temperature  map[string]float64
	TargetTemp   map[string]float64
	BedLevel     BedCorrection
}

// NewMachineState returns a zeroed, map-initialized MachineState.
func NewMachineState(defaultFeed float64) *MachineState {
	return &MachineState{
		AbsoluteMode: true,
		FeedRate:     defaultFeed,
		Homed:        make(map[string]bool),
		Temperature:  make(map[string]float64),
		TargetTemp:   make(map[string]float64),
	}
}
