// Package mount ties the controller link, the coordinate converter and an
// optional absolute encoder into the operations an operator drives the
// telescope with. Presentation layers call Poll on a timer and render the
// returned Telemetry.
package mount

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/iamburitto/cofe-ground-operations/coords"
	"github.com/iamburitto/cofe-ground-operations/encoder"
	"github.com/iamburitto/cofe-ground-operations/galil"
	"github.com/iamburitto/cofe-ground-operations/rotator"
)

// Controller is the subset of *galil.Link the mount drives.
type Controller interface {
	MoveAbsolute(ctx context.Context, axis rotator.Axis, counts int) error
	MoveRelative(ctx context.Context, axis rotator.Axis, delta int) error
	SetSlewSpeed(ctx context.Context, axis rotator.Axis, v int) error
	SetJogSpeed(ctx context.Context, axis rotator.Axis, v int) error
	BeginMotion(ctx context.Context, axis rotator.Axis) error
	EndMotion(ctx context.Context, axis rotator.Axis) error
	SetMotorPower(ctx context.Context, axis rotator.Axis, on bool) error
	MotorPowered(ctx context.Context, axis rotator.Axis) (bool, error)
	InMotion(ctx context.Context, axis rotator.Axis) (bool, error)
	Positions(ctx context.Context) ([]int, error)
	State(axis rotator.Axis) rotator.AxisState
	Scan(ctx context.Context, p galil.ScanProfile) (galil.ScanProgram, error)
}

var (
	ErrNoStepSize    = errors.New("no step size set")
	ErrBelowHorizon  = errors.New("target is below the horizon")
	ErrBadDirection  = errors.New("step direction must be 1 or -1")
	ErrScanRange     = errors.New("scan range must be positive")
	ErrNotSingleAxis = errors.New("operation needs a single axis")
)

type Config struct {
	// SlewSpeed is the Goto speed in degrees/s. Zero leaves the
	// controller's speed alone.
	SlewSpeed float64
	// Location is used for the local clock in Telemetry. Defaults to
	// time.Local.
	Location *time.Location
}

type Mount struct {
	ctl  Controller
	conv *coords.Converter
	enc  encoder.Source
	cfg  Config

	mu       sync.Mutex
	stepSize [2]int
	stepSet  bool
}

// New returns a Mount. enc may be nil when no absolute encoder is wired.
func New(ctl Controller, conv *coords.Converter, enc encoder.Source, cfg Config) *Mount {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Mount{ctl: ctl, conv: conv, enc: enc, cfg: cfg}
}

func (m *Mount) speed(axis rotator.Axis, degPerSec float64) int {
	return int(math.Round(m.conv.DegreesToEncoder(axis, degPerSec, false)))
}

// Goto slews both axes to an offset-corrected position.
func (m *Mount) Goto(ctx context.Context, az, el float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gotoLocked(ctx, coords.Horizontal{Az: coords.NormalizeAzimuth(az), El: el})
}

func (m *Mount) gotoLocked(ctx context.Context, target coords.Horizontal) error {
	azCounts := m.conv.Counts(rotator.Azimuth, target.Az)
	elCounts := m.conv.Counts(rotator.Elevation, target.El)
	log.Printf("mount: goto az %.4f el %.4f (counts %d, %d)", target.Az, target.El, azCounts, elCounts)
	if m.cfg.SlewSpeed > 0 {
		for _, axis := range rotator.Axes {
			if err := m.ctl.SetSlewSpeed(ctx, axis, m.speed(axis, m.cfg.SlewSpeed)); err != nil {
				return fmt.Errorf("setting slew speed: %w", err)
			}
		}
	}
	if err := m.ctl.MoveAbsolute(ctx, rotator.Azimuth, azCounts); err != nil {
		return err
	}
	if err := m.ctl.MoveAbsolute(ctx, rotator.Elevation, elCounts); err != nil {
		return err
	}
	return m.ctl.BeginMotion(ctx, rotator.AllAxes)
}

// GotoRADec slews to where a sky position is right now. Targets below the
// horizon are refused.
func (m *Mount) GotoRADec(ctx context.Context, ra, dec float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := m.conv.RADecToAzEl(ra, dec)
	if target.El < 0 {
		return fmt.Errorf("mount: RA %v Dec %v is at elevation %.2f: %w", ra, dec, target.El, ErrBelowHorizon)
	}
	return m.gotoLocked(ctx, target)
}

// SetStepSize sets the relative move used by Step, in degrees. The size is
// converted without the axis offset.
func (m *Mount) SetStepSize(deg float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, axis := range rotator.Axes {
		m.stepSize[axis] = int(math.Round(m.conv.DegreesToEncoder(axis, deg, false)))
	}
	m.stepSet = true
}

// StepSize returns the step in counts for each axis, and whether one is set.
func (m *Mount) StepSize() ([2]int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepSize, m.stepSet
}

// Step moves one axis by one step size. dir is 1 or -1.
func (m *Mount) Step(ctx context.Context, axis rotator.Axis, dir int) error {
	if !axis.Valid() {
		return fmt.Errorf("mount: step %v: %w", axis, ErrNotSingleAxis)
	}
	if dir != 1 && dir != -1 {
		return fmt.Errorf("mount: step %d: %w", dir, ErrBadDirection)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stepSet {
		return fmt.Errorf("mount: %w", ErrNoStepSize)
	}
	if err := m.ctl.MoveRelative(ctx, axis, dir*m.stepSize[axis]); err != nil {
		return err
	}
	return m.ctl.BeginMotion(ctx, axis)
}

// Jog drives an axis continuously at degPerSec. Zero stops the axis.
func (m *Mount) Jog(ctx context.Context, axis rotator.Axis, degPerSec float64) error {
	if !axis.Valid() {
		return fmt.Errorf("mount: jog %v: %w", axis, ErrNotSingleAxis)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if degPerSec == 0 {
		return m.ctl.EndMotion(ctx, axis)
	}
	if err := m.ctl.SetJogSpeed(ctx, axis, m.speed(axis, degPerSec)); err != nil {
		return err
	}
	return m.ctl.BeginMotion(ctx, axis)
}

// Stop halts one axis, or every axis with rotator.AllAxes.
func (m *Mount) Stop(ctx context.Context, axis rotator.Axis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Printf("mount: stop %v", axis)
	return m.ctl.EndMotion(ctx, axis)
}

// ToggleMotor flips the motor power of one axis and returns the new state.
func (m *Mount) ToggleMotor(ctx context.Context, axis rotator.Axis) (bool, error) {
	if !axis.Valid() {
		return false, fmt.Errorf("mount: toggle motor %v: %w", axis, ErrNotSingleAxis)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	on, err := m.ctl.MotorPowered(ctx, axis)
	if err != nil {
		return false, err
	}
	if err := m.ctl.SetMotorPower(ctx, axis, !on); err != nil {
		return on, err
	}
	log.Printf("mount: %v motor on=%v", axis, !on)
	return !on, nil
}

// ScanAzimuth sweeps the azimuth axis with an amplitude of maxAz-minAz
// degrees.
func (m *Mount) ScanAzimuth(ctx context.Context, minAz, maxAz, period float64, cycles int) (galil.ScanProgram, error) {
	if maxAz <= minAz {
		return galil.ScanProgram{}, fmt.Errorf("mount: scan %v..%v: %w", minAz, maxAz, ErrScanRange)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := galil.ScanProfile{Axis: rotator.Azimuth, Amplitude: maxAz - minAz, Period: period, Cycles: cycles}
	log.Printf("mount: scan %+v", p)
	return m.ctl.Scan(ctx, p)
}

// Sync redefines the offsets so the current position reads as wanted.
func (m *Mount) Sync(ctx context.Context, wantedAz, wantedEl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncLocked(ctx, coords.Horizontal{Az: wantedAz, El: wantedEl})
}

func (m *Mount) syncLocked(ctx context.Context, wanted coords.Horizontal) error {
	pos, err := m.ctl.Positions(ctx)
	if err != nil {
		return err
	}
	if err := m.conv.SyncAt(wanted, pos[0], pos[1]); err != nil {
		return fmt.Errorf("mount: saving offsets: %w", err)
	}
	log.Printf("mount: synced counts %d, %d to az %.4f el %.4f", pos[0], pos[1], wanted.Az, wanted.El)
	return nil
}

// SyncRADec syncs on a reference star the mount is currently pointed at.
func (m *Mount) SyncRADec(ctx context.Context, ra, dec float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncLocked(ctx, m.conv.RADecToAzEl(ra, dec))
}
