package mount

import (
	"context"
	"time"

	"github.com/iamburitto/cofe-ground-operations/coords"
	"github.com/iamburitto/cofe-ground-operations/encoder"
	"github.com/iamburitto/cofe-ground-operations/internal/metrics"
	"github.com/iamburitto/cofe-ground-operations/rotator"
)

// EncoderReading is one decoded absolute encoder sample.
type EncoderReading struct {
	Counts encoder.Counts
	Az, El float64
}

// Telemetry is a snapshot of the mount for display.
type Telemetry struct {
	Time               time.Time
	AzCounts, ElCounts int
	Az, El             float64
	AzText, ElText     string
	RA, Dec            float64
	RAText, DecText    string
	// LST is local sidereal time in hours.
	LST     float64
	LSTText string
	UTC     string
	Local   string
	Axes    []rotator.AxisState

	Encoder      *EncoderReading `json:",omitempty"`
	EncoderError string          `json:",omitempty"`
}

const clockLayout = "2006-01-02 15:04:05"

// Poll queries the controller and converts its positions. Encoder failures
// are reported in the snapshot rather than failing the poll.
func (m *Mount) Poll(ctx context.Context) (Telemetry, error) {
	start := time.Now()
	defer func() { metrics.Poll(time.Since(start)) }()

	m.mu.Lock()
	defer m.mu.Unlock()
	pos, err := m.ctl.Positions(ctx)
	if err != nil {
		return Telemetry{}, err
	}
	for _, axis := range rotator.Axes {
		if _, err := m.ctl.InMotion(ctx, axis); err != nil {
			return Telemetry{}, err
		}
		if _, err := m.ctl.MotorPowered(ctx, axis); err != nil {
			return Telemetry{}, err
		}
	}

	t := Telemetry{AzCounts: pos[0], ElCounts: pos[1]}
	hz := m.conv.Pointing(t.AzCounts, t.ElCounts)
	t.Az, t.El = hz.Az, hz.El
	t.AzText = coords.ToSexagesimal(t.Az).String()
	t.ElText = coords.ToSexagesimal(t.El).String()

	eq := m.conv.AzElToRADec(t.Az, t.El)
	t.RA, t.Dec = eq.RA, eq.Dec
	t.RAText = coords.ToSexagesimal(t.RA).String()
	t.DecText = coords.ToSexagesimal(t.Dec).String()
	t.LST = m.conv.LST()
	t.LSTText = coords.ToSexagesimal(t.LST).String()

	t.Time = m.conv.Now()
	t.UTC = t.Time.UTC().Format(clockLayout)
	t.Local = t.Time.In(m.cfg.Location).Format(clockLayout)

	for _, axis := range rotator.Axes {
		t.Axes = append(t.Axes, m.ctl.State(axis))
	}

	if m.enc != nil {
		if r, err := m.readEncoder(ctx); err != nil {
			t.EncoderError = err.Error()
		} else {
			t.Encoder = &r
		}
	}
	return t, nil
}

func (m *Mount) readEncoder(ctx context.Context) (EncoderReading, error) {
	s, err := m.enc.Sample(ctx)
	if err != nil {
		return EncoderReading{}, err
	}
	c, err := encoder.Decode(s)
	if err != nil {
		return EncoderReading{}, err
	}
	hz := m.conv.EncoderAngles(c)
	return EncoderReading{Counts: c, Az: hz.Az, El: hz.El}, nil
}
