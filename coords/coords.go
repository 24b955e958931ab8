// Package coords converts between controller counts, pointing angles and
// sky coordinates using the mount calibration.
package coords

import (
	"fmt"
	"math"
	"time"

	"github.com/iamburitto/cofe-ground-operations/calibration"
	"github.com/iamburitto/cofe-ground-operations/encoder"
	"github.com/iamburitto/cofe-ground-operations/rotator"
)

// Calibration supplies calibration snapshots and persists offset changes.
// *calibration.Store implements it.
type Calibration interface {
	Params() calibration.Params
	SetOffsets(az, el float64) error
}

// Horizontal is an observer-frame direction in degrees. Az is measured from
// north through east.
type Horizontal struct {
	Az, El float64
}

// Equatorial is a sky position. RA is in hours, Dec in degrees.
type Equatorial struct {
	RA, Dec float64
}

type Converter struct {
	cal Calibration
	// Now is the clock used for sky conversions. Defaults to time.Now.
	Now func() time.Time
}

func New(cal Calibration) *Converter {
	return &Converter{cal: cal, Now: time.Now}
}

func (c *Converter) now() time.Time {
	return c.Now().UTC()
}

func countsPerRev(p calibration.Params, axis rotator.Axis) float64 {
	switch axis {
	case rotator.Azimuth:
		return p.AzCountsPerRev
	case rotator.Elevation:
		return p.ElCountsPerRev
	}
	panic(fmt.Sprintf("coords: no conversion for %v", axis))
}

func offset(p calibration.Params, axis rotator.Axis) float64 {
	switch axis {
	case rotator.Azimuth:
		return p.AzOffset
	case rotator.Elevation:
		return p.ElOffset
	}
	panic(fmt.Sprintf("coords: no conversion for %v", axis))
}

// NormalizeAzimuth wraps an angle into [0, 360).
func NormalizeAzimuth(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}

func degreesToEncoder(p calibration.Params, axis rotator.Axis, deg float64, applyOffset bool) float64 {
	if applyOffset {
		deg += offset(p, axis)
	}
	return countsPerRev(p, axis) / 360 * deg
}

func encoderToDegrees(p calibration.Params, axis rotator.Axis, counts float64, applyOffset bool) float64 {
	var off float64
	if applyOffset {
		// The offset is taken out in counts, after converting the offset
		// angle through the same scaling as a target position.
		off = degreesToEncoder(p, axis, offset(p, axis), false)
	}
	deg := 360 / countsPerRev(p, axis) * (counts - off)
	if axis == rotator.Azimuth {
		deg = NormalizeAzimuth(deg)
	}
	return deg
}

// DegreesToEncoder converts a pointing angle to controller counts. With
// applyOffset the axis offset is added to the angle first.
func (c *Converter) DegreesToEncoder(axis rotator.Axis, deg float64, applyOffset bool) float64 {
	return degreesToEncoder(c.cal.Params(), axis, deg, applyOffset)
}

// EncoderToDegrees converts controller counts to a pointing angle. It is
// the inverse of DegreesToEncoder with the same applyOffset. Azimuth is
// wrapped into [0, 360).
func (c *Converter) EncoderToDegrees(axis rotator.Axis, counts float64, applyOffset bool) float64 {
	return encoderToDegrees(c.cal.Params(), axis, counts, applyOffset)
}

// Counts returns the controller position for an offset-corrected angle,
// rounded to a whole count.
func (c *Converter) Counts(axis rotator.Axis, deg float64) int {
	return int(math.Round(c.DegreesToEncoder(axis, deg, true)))
}

// Pointing converts a pair of controller positions to offset-corrected angles.
func (c *Converter) Pointing(azCounts, elCounts int) Horizontal {
	p := c.cal.Params()
	return Horizontal{
		Az: encoderToDegrees(p, rotator.Azimuth, float64(azCounts), true),
		El: encoderToDegrees(p, rotator.Elevation, float64(elCounts), true),
	}
}

// EncoderAngles converts absolute encoder readings to degrees.
func (c *Converter) EncoderAngles(counts encoder.Counts) Horizontal {
	p := c.cal.Params()
	return Horizontal{
		Az: NormalizeAzimuth(p.AzEncoderZero + p.AzGain*float64(counts.Azimuth)),
		El: p.ElEncoderZero + p.ElGain*float64(counts.Elevation),
	}
}

// SetOffset stores new offsets so that a mount currently reading
// currentAz/currentEl, with no offset applied, reports wantedAz/wantedEl.
func (c *Converter) SetOffset(wantedAz, wantedEl, currentAz, currentEl float64) error {
	return c.cal.SetOffsets(currentAz-wantedAz, currentEl-wantedEl)
}

// SyncAt sets the offsets so the given controller positions read as wanted.
func (c *Converter) SyncAt(wanted Horizontal, azCounts, elCounts int) error {
	p := c.cal.Params()
	return c.SetOffset(wanted.Az, wanted.El,
		encoderToDegrees(p, rotator.Azimuth, float64(azCounts), false),
		encoderToDegrees(p, rotator.Elevation, float64(elCounts), false))
}
