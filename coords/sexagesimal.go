package coords

import (
	"fmt"
	"math"
)

// Sexagesimal is an angle (or hour value) split into whole degrees, whole
// minutes and seconds.
type Sexagesimal struct {
	Degrees int
	// Minutes and Seconds are always magnitudes.
	Minutes int
	Seconds float64
}

// ToSexagesimal splits v by successive truncation toward zero. Only the
// degree field carries a sign, so every value in (-1, 0) loses it: -0.5
// becomes 0:30:0.00.
func ToSexagesimal(v float64) Sexagesimal {
	d := int(v)
	rem := (v - float64(d)) * 60
	m := int(rem)
	s := (rem - float64(m)) * 60
	if m < 0 {
		m = -m
	}
	return Sexagesimal{Degrees: d, Minutes: m, Seconds: math.Abs(s)}
}

func (s Sexagesimal) String() string {
	return fmt.Sprintf("%d:%d:%2.2f", s.Degrees, s.Minutes, s.Seconds)
}
