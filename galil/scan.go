package galil

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/iamburitto/cofe-ground-operations/rotator"
)

const (
	// The scan geometry is fixed at 12800 counts per 9 degrees.
	scanCountsPer9Degrees = 12800
	scanAcceleration      = 1000000
)

// ScanProfile is a sinusoidal sweep of one axis, driven as a circular
// interpolation against the controller's virtual N axis.
type ScanProfile struct {
	Axis rotator.Axis
	// Amplitude is the peak excursion in degrees.
	Amplitude float64
	// Period of one sweep in seconds.
	Period float64
	Cycles int
}

// ScanProgram is the command sequence derived from a ScanProfile.
type ScanProgram struct {
	Radius int
	// PeakVelocity is in counts/s.
	PeakVelocity int
	// Acceleration is used for both VA and VD, in counts/s^2.
	Acceleration int
	// Travel is the CR arc travel in degrees, 360 per cycle.
	Travel int
	Lines  []string
}

// Program validates p and builds its command lines.
func (p ScanProfile) Program() (ScanProgram, error) {
	x, err := letter(p.Axis, false)
	if err != nil {
		return ScanProgram{}, err
	}
	if p.Period <= 0 {
		return ScanProgram{}, fmt.Errorf("galil: scan period %v must be positive", p.Period)
	}
	if p.Cycles <= 0 {
		return ScanProgram{}, fmt.Errorf("galil: scan cycles %d must be positive", p.Cycles)
	}
	radius := int(p.Amplitude / 9 * scanCountsPer9Degrees)
	if radius <= 0 {
		return ScanProgram{}, fmt.Errorf("galil: scan amplitude %v gives no radius", p.Amplitude)
	}
	prog := ScanProgram{
		Radius:       radius,
		PeakVelocity: int(2 * math.Pi * float64(radius) / p.Period),
		Acceleration: scanAcceleration,
		Travel:       360 * p.Cycles,
	}
	prog.Lines = []string{
		fmt.Sprintf("VM%sN", x),
		fmt.Sprintf("VA %d", prog.Acceleration),
		fmt.Sprintf("VD %d", prog.Acceleration),
		fmt.Sprintf("VS %d", prog.PeakVelocity),
		fmt.Sprintf("CR %d,0,%d", prog.Radius, prog.Travel),
		"VE",
		"BGS",
	}
	return prog, nil
}

// Scan turns the axis motor on and sends the scan program one line at a
// time, pausing cfg.LinePacing between lines so the controller's input
// buffer is not overrun.
func (l *Link) Scan(ctx context.Context, p ScanProfile) (ScanProgram, error) {
	prog, err := p.Program()
	if err != nil {
		return prog, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.exchange(ctx, "SH"+p.Axis.Letter()); err != nil {
		return prog, err
	}
	l.axes[p.Axis].MotorOn = true
	for _, line := range prog.Lines {
		select {
		case <-ctx.Done():
			return prog, ctx.Err()
		case <-time.After(l.cfg.LinePacing):
		}
		if _, err := l.exchange(ctx, line); err != nil {
			return prog, fmt.Errorf("scan line %q: %w", line, err)
		}
	}
	l.axes[p.Axis].Velocity = prog.PeakVelocity
	l.axes[p.Axis].Moving = true
	return prog, nil
}
