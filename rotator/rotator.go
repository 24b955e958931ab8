package rotator

import "fmt"

// Axis identifies one of the mount's driven axes. The controller addresses
// axes by letter, starting at 'A'.
type Axis int

const (
	Azimuth   Axis = 0
	Elevation Axis = 1

	// AllAxes addresses every axis at once. Commands that accept it omit
	// the axis letter.
	AllAxes Axis = -1
)

// Axes lists the individually addressable axes in controller order.
var Axes = []Axis{Azimuth, Elevation}

// Letter returns the controller's axis letter, or "" for AllAxes.
func (a Axis) Letter() string {
	if a == AllAxes {
		return ""
	}
	return string(rune('A' + int(a)))
}

func (a Axis) Valid() bool {
	return a == Azimuth || a == Elevation
}

func (a Axis) String() string {
	switch a {
	case Azimuth:
		return "azimuth"
	case Elevation:
		return "elevation"
	case AllAxes:
		return "all"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// AxisState is the last known state of one axis as seen by the controller link.
type AxisState struct {
	Axis Axis
	// Position is in encoder counts.
	Position int
	// Velocity is the last commanded slew or jog speed in counts/second.
	Velocity int
	MotorOn  bool
	Moving   bool
}
