// Package config loads the declarative MachineConfig tree from JSON and
// fills in defaults, the way standalone/config did for the simpler
// teacher schema. It also hosts the runtime option overlay used by
// M925/M926 and the eeprom package's persistence round-trip.
package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ambrop72/aprinter/machine"
)

// LoadConfig parses a JSON configuration document and returns a fully
// defaulted MachineConfig.
func LoadConfig(jsonData []byte) (*machine.MachineConfig, error) {
	var cfg machine.MachineConfig

	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parsing machine config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// applyDefaults fills in missing configuration values with sensible
// defaults, mirroring the field-by-field fill-in standalone/config/config.go's
// applyDefaults performed for its smaller schema.
func applyDefaults(cfg *machine.MachineConfig) {
	if cfg.Kinematics == "" {
		cfg.Kinematics = "cartesian"
	}
	if cfg.DefaultVelocity == 0 {
		cfg.DefaultVelocity = 50.0
	}
	if cfg.DefaultAccel == 0 {
		cfg.DefaultAccel = 500.0
	}
	if cfg.JunctionDeviation == 0 {
		cfg.JunctionDeviation = 0.05
	}
	if cfg.LookaheadBufferSize == 0 {
		cfg.LookaheadBufferSize = 28
	}
	if cfg.LookaheadCommitCount == 0 {
		cfg.LookaheadCommitCount = 4
	}
	if cfg.StepperSegmentBufferSize == 0 {
		cfg.StepperSegmentBufferSize = 32
	}
	if cfg.ForceTimeoutMs == 0 {
		cfg.ForceTimeoutMs = 100
	}
	if cfg.InactiveTimeSec == 0 {
		cfg.InactiveTimeSec = 8 * 60
	}

	for name, axis := range cfg.Axes {
		if axis.MaxVelocity == 0 {
			axis.MaxVelocity = 300.0
		}
		if axis.MaxAccel == 0 {
			axis.MaxAccel = 1000.0
		}
		if axis.StepsPerUnit == 0 {
			axis.StepsPerUnit = 80.0
		}
		if axis.CorneringDistance == 0 {
			axis.CorneringDistance = cfg.JunctionDeviation
		}
		cfg.Axes[name] = axis
	}

	for name, heater := range cfg.Heaters {
		if heater.MaxTemp == 0 {
			heater.MaxTemp = 300.0
		}
		if heater.MaxPower == 0 {
			heater.MaxPower = 1.0
		}
		if heater.ControlInterval == 0 {
			heater.ControlInterval = 0.2
		}
		if heater.PulseInterval == 0 {
			heater.PulseInterval = 0.2
		}
		if heater.IntegratorMax == 0 {
			heater.IntegratorMax = heater.MaxPower
		}
		if heater.DHistoryFactor == 0 {
			heater.DHistoryFactor = 0.7
		}
		cfg.Heaters[name] = heater
	}

	if cfg.Transform.MaxSplitLength == 0 {
		cfg.Transform.MaxSplitLength = 4.0
	}
	if cfg.Transform.MinSplitLength == 0 {
		cfg.Transform.MinSplitLength = 1.0
	}
}

// DefaultCartesianConfig returns a reasonable default configuration for
// a Cartesian printer, as a starting point when no config file is
// supplied.
func DefaultCartesianConfig() *machine.MachineConfig {
	cfg := &machine.MachineConfig{
		Kinematics: "cartesian",
		Axes: map[string]machine.AxisConfig{
			"x": {
				StepPin: "gpio0", DirPin: "gpio1", EnablePin: "gpio8",
				StepsPerUnit: 80.0, MaxVelocity: 300.0, MaxAccel: 3000.0,
				MinPosition: 0.0, MaxPosition: 220.0,
				Homing: &machine.HomingConfig{
					Dir: -1, FastSpeed: 50, FastMaxDist: 240,
					RetractDist: 5, RetractSpeed: 10,
					SlowSpeed: 5, SlowMaxDist: 10,
					EndstopPin: "gpio20", SampleCount: 3,
				},
			},
			"y": {
				StepPin: "gpio2", DirPin: "gpio3", EnablePin: "gpio8",
				StepsPerUnit: 80.0, MaxVelocity: 300.0, MaxAccel: 3000.0,
				MinPosition: 0.0, MaxPosition: 220.0,
				Homing: &machine.HomingConfig{
					Dir: -1, FastSpeed: 50, FastMaxDist: 240,
					RetractDist: 5, RetractSpeed: 10,
					SlowSpeed: 5, SlowMaxDist: 10,
					EndstopPin: "gpio21", SampleCount: 3,
				},
			},
			"z": {
				StepPin: "gpio4", DirPin: "gpio5", EnablePin: "gpio8",
				StepsPerUnit: 400.0, MaxVelocity: 10.0, MaxAccel: 100.0,
				MinPosition: 0.0, MaxPosition: 250.0,
				Homing: &machine.HomingConfig{
					Dir: -1, FastSpeed: 5, FastMaxDist: 260,
					RetractDist: 2, RetractSpeed: 5,
					SlowSpeed: 1, SlowMaxDist: 4,
					EndstopPin: "gpio22", SampleCount: 3,
				},
			},
			"e": {
				StepPin: "gpio6", DirPin: "gpio7", EnablePin: "gpio8",
				StepsPerUnit: 96.0, MaxVelocity: 50.0, MaxAccel: 5000.0,
				MinPosition: -1e6, MaxPosition: 1e6,
			},
		},
		Endstops: map[string]machine.EndstopConfig{
			"x": {Pin: "gpio20"},
			"y": {Pin: "gpio21"},
			"z": {Pin: "gpio22"},
		},
		Heaters: map[string]machine.HeaterConfig{
			"extruder": {
				SensorPin: "ADC0", HeaterPin: "gpio10",
				PID:     machine.PIDGains{P: 0.1, I: 0.5, D: 0.05},
				MinTemp: 0.0, MaxTemp: 300.0, MaxPower: 1.0,
			},
			"bed": {
				SensorPin: "ADC1", HeaterPin: "gpio11",
				PID:     machine.PIDGains{P: 0.2, I: 1.0, D: 0.1},
				MinTemp: 0.0, MaxTemp: 150.0, MaxPower: 1.0,
			},
		},
		Fans: map[string]machine.FanConfig{
			"fan0": {PWMPin: "gpio12"},
		},
		DefaultVelocity:   50.0,
		DefaultAccel:      500.0,
		JunctionDeviation: 0.05,
	}
	applyDefaults(cfg)
	return cfg
}

// RuntimeStore is the mutable runtime option overlay addressed by
// case-insensitive name (M925/M926), structurally grounded on
// core/dictionary.go's name-keyed lookup table idiom.
type RuntimeStore struct {
	mu      sync.RWMutex
	options map[string]float64
}

// NewRuntimeStore returns an empty overlay.
func NewRuntimeStore() *RuntimeStore {
	return &RuntimeStore{options: make(map[string]float64)}
}

// Set stores a named runtime option value.
func (r *RuntimeStore) Set(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.options[strings.ToLower(name)] = value
}

// Get retrieves a named runtime option value.
func (r *RuntimeStore) Get(name string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.options[strings.ToLower(name)]
	return v, ok
}

// Names returns all currently set option names in stable (sorted)
// order. The eeprom package does not use it: its offset table comes
// from its own declared-defaults list.
func (r *RuntimeStore) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.options))
	for name := range r.options {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the current name/value set.
func (r *RuntimeStore) Snapshot() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.options))
	for k, v := range r.options {
		out[k] = v
	}
	return out
}

// Restore replaces the overlay contents wholesale (M501 load).
func (r *RuntimeStore) Restore(values map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.options = make(map[string]float64, len(values))
	for k, v := range values {
		r.options[strings.ToLower(k)] = v
	}
}
