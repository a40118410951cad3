// Package aperr defines the sentinel error kinds shared across the motion
// control stack. Packages wrap these with fmt.Errorf("%w: ...") when extra
// context is useful, matching the style core/stepper.go already uses for
// its own ad-hoc errors.New calls.
package aperr

import "errors"

var (
	// ErrBufferFull is returned when a ring buffer (segment lookahead,
	// stepper command queue, channel command queue) has no free slot.
	ErrBufferFull = errors.New("buffer full")

	// ErrOutOfRange is returned when a commanded position or feedrate
	// falls outside a configured axis limit.
	ErrOutOfRange = errors.New("value out of configured range")

	// ErrNotHomed is returned when a move or probe is requested on an
	// axis that has not completed homing.
	ErrNotHomed = errors.New("axis not homed")

	// ErrAxisNotConfigured is returned when an operation references an
	// axis name absent from the machine configuration.
	ErrAxisNotConfigured = errors.New("axis not configured")

	// ErrAborted is returned when a pending operation is cancelled by an
	// endstop trigger, emergency stop, or explicit abort request.
	ErrAborted = errors.New("operation aborted")

	// ErrBusy is returned when a locked command is requested while
	// another locked command (homing, probing) already owns the planner.
	ErrBusy = errors.New("printer core busy with another exclusive command")

	// ErrThermalRunaway is returned by the heater control loop when a
	// heater fails to gain temperature within the expected window or
	// exceeds its configured maximum.
	ErrThermalRunaway = errors.New("thermal runaway detected")

	// ErrSensorFault is returned when a temperature sensor reads outside
	// its physically plausible range (disconnected or shorted).
	ErrSensorFault = errors.New("temperature sensor fault")

	// ErrInvalidConfig is returned when a configuration tree fails
	// validation (missing required axis, malformed transform, etc).
	ErrInvalidConfig = errors.New("invalid machine configuration")

	// ErrEEPROMFormat is returned when persisted configuration data
	// fails its header or checksum check and must be reset to defaults.
	ErrEEPROMFormat = errors.New("eeprom data format mismatch")
)
