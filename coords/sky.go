package coords

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	satellite "github.com/joshuaferrara/go-satellite"
)

// j2000 is the Julian Date of the J2000.0 epoch.
const j2000 = 2451545.0

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}

func hours2rad(x float64) float64 {
	return x * math.Pi / 12
}

func rad2hours(x float64) float64 {
	return x * 12 / math.Pi
}

// JulianDate converts a UTC time to a Julian Date, keeping sub-second
// precision.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	jd := satellite.JDay(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	return jd + float64(t.Nanosecond())/1e9/86400
}

// GMST returns Greenwich mean sidereal time in hours, using the IAU-82
// expression with UTC standing in for UT1.
func GMST(t time.Time) float64 {
	tu := (JulianDate(t) - j2000) / 36525
	sec := 67310.54841 +
		(876600*3600+8640184.812866)*tu +
		0.093104*tu*tu -
		6.2e-6*tu*tu*tu
	sec = math.Mod(sec, 86400)
	if sec < 0 {
		sec += 86400
	}
	return sec / 3600
}

// LocalSiderealTime returns the local mean sidereal time in hours for a
// longitude in degrees east.
func LocalSiderealTime(t time.Time, longitude float64) float64 {
	return wrapHours(GMST(t) + longitude/15)
}

func wrapHours(h float64) float64 {
	h = math.Mod(h, 24)
	if h < 0 {
		h += 24
	}
	if h >= 24 {
		h = 0
	}
	return h
}

// LST returns the current local sidereal time at the site, in hours.
func (c *Converter) LST() float64 {
	return LocalSiderealTime(c.now(), c.cal.Params().Longitude)
}

// direction returns the unit vector for a longitude-like and latitude-like
// angle pair, in radians.
func direction(lon, lat float64) r3.Vector {
	slon, clon := math.Sincos(lon)
	slat, clat := math.Sincos(lat)
	return r3.Vector{X: clat * clon, Y: clat * slon, Z: slat}
}

func angles(v r3.Vector) (lon, lat float64) {
	v = v.Normalize()
	return math.Atan2(v.Y, v.X), math.Asin(math.Max(-1, math.Min(1, v.Z)))
}

// The hour-angle frame has X toward the meridian on the equator, Y west and
// Z at the celestial pole. The horizon frame has X south, Y west and Z at
// the zenith. They differ by a rotation of 90°-latitude about Y.

func hourAngleToHorizon(v r3.Vector, lat float64) r3.Vector {
	s, c := math.Sincos(lat)
	return r3.Vector{X: v.X*s - v.Z*c, Y: v.Y, Z: v.X*c + v.Z*s}
}

func horizonToHourAngle(v r3.Vector, lat float64) r3.Vector {
	s, c := math.Sincos(lat)
	return r3.Vector{X: v.X*s + v.Z*c, Y: v.Y, Z: v.Z*s - v.X*c}
}

// EquatorialToHorizontal converts a sky position to azimuth and elevation
// for an observer at latitude (degrees) and local sidereal time (hours).
// No refraction is applied.
func EquatorialToHorizontal(eq Equatorial, lst, latitude float64) Horizontal {
	ha := hours2rad(lst - eq.RA)
	h := hourAngleToHorizon(direction(ha, deg2rad(eq.Dec)), deg2rad(latitude))
	south, el := angles(h)
	return Horizontal{
		Az: NormalizeAzimuth(rad2deg(south) + 180),
		El: rad2deg(el),
	}
}

// HorizontalToEquatorial is the inverse of EquatorialToHorizontal.
func HorizontalToEquatorial(hz Horizontal, lst, latitude float64) Equatorial {
	v := horizonToHourAngle(direction(deg2rad(hz.Az-180), deg2rad(hz.El)), deg2rad(latitude))
	ha, dec := angles(v)
	return Equatorial{
		RA:  wrapHours(lst - rad2hours(ha)),
		Dec: rad2deg(dec),
	}
}

// RADecToAzEl returns where a sky position is right now. The clock is read
// immediately before the transform.
func (c *Converter) RADecToAzEl(ra, dec float64) Horizontal {
	p := c.cal.Params()
	lst := LocalSiderealTime(c.now(), p.Longitude)
	return EquatorialToHorizontal(Equatorial{RA: ra, Dec: dec}, lst, p.Latitude)
}

// AzElToRADec returns the sky position currently at az/el.
func (c *Converter) AzElToRADec(az, el float64) Equatorial {
	p := c.cal.Params()
	lst := LocalSiderealTime(c.now(), p.Longitude)
	return HorizontalToEquatorial(Horizontal{Az: az, El: el}, lst, p.Latitude)
}
