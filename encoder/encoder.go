// Package encoder decodes the mount's absolute encoders from raw digital
// input lines.
//
// Three encoders share one 64-line digital input card: an 18-bit
// elevation encoder with a decimal digit output, a 16-bit natural binary
// azimuth encoder and a 24-bit revolution counter. The lines of each 8-bit
// port are wired in reverse order, so every port slice is bit-reversed
// before the fields are assembled.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	ElevationBits  = 18
	AzimuthBits    = 16
	RevolutionBits = 24

	// LineCount is the number of digital input lines read per sample.
	LineCount = 64
)

var (
	ErrLength    = errors.New("wrong length")
	ErrNotBinary = errors.New("not a binary string")
)

// DecodeError reports raw input that could not be decoded.
type DecodeError struct {
	Field string
	Want  int
	Got   string
	Err   error
}

func (e *DecodeError) Error() string {
	if errors.Is(e.Err, ErrLength) {
		return fmt.Sprintf("decoding %s: %v: got %d bits, want %d", e.Field, e.Err, len(e.Got), e.Want)
	}
	return fmt.Sprintf("decoding %s %q: %v", e.Field, e.Got, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Sample is one atomic read of the three encoders as ASCII bit strings,
// most significant bit first.
type Sample struct {
	Elevation  string
	Azimuth    string
	Revolution string
}

// Counts holds decoded encoder values.
type Counts struct {
	Elevation  int
	Azimuth    int
	Revolution int
}

// Source produces encoder samples.
type Source interface {
	Sample(ctx context.Context) (Sample, error)
}

// Port slices of the raw line vector, [start, end). Each slice is reversed
// and the reversed slices are concatenated in order.
var (
	elevationSlices  = [][2]int{{2, 8}, {10, 16}, {18, 24}}
	azimuthSlices    = [][2]int{{24, 32}, {32, 40}}
	revolutionSlices = [][2]int{{40, 48}, {48, 56}, {56, 64}}
)

// elevationDigits are the widths of the elevation encoder's decimal digit
// fields. The leading field only carries 0-3.
var elevationDigits = []int{2, 4, 4, 4, 4}

// SampleFromLines assembles a Sample from the raw digital input lines.
func SampleFromLines(lines []bool) (Sample, error) {
	if len(lines) != LineCount {
		return Sample{}, &DecodeError{Field: "lines", Want: LineCount, Got: bitString(lines), Err: ErrLength}
	}
	return Sample{
		Elevation:  assemble(lines, elevationSlices),
		Azimuth:    assemble(lines, azimuthSlices),
		Revolution: assemble(lines, revolutionSlices),
	}, nil
}

func assemble(lines []bool, slices [][2]int) string {
	var b strings.Builder
	for _, s := range slices {
		for i := s[1] - 1; i >= s[0]; i-- {
			if lines[i] {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		}
	}
	return b.String()
}

func bitString(lines []bool) string {
	b := make([]byte, len(lines))
	for i, l := range lines {
		b[i] = '0'
		if l {
			b[i] = '1'
		}
	}
	return string(b)
}

// Decode decodes all three encoders of a sample.
func Decode(s Sample) (Counts, error) {
	el, err := DecodeElevation(s.Elevation)
	if err != nil {
		return Counts{}, err
	}
	az, err := DecodeAzimuth(s.Azimuth)
	if err != nil {
		return Counts{}, err
	}
	rev, err := DecodeRevolution(s.Revolution)
	if err != nil {
		return Counts{}, err
	}
	return Counts{Elevation: el, Azimuth: az, Revolution: rev}, nil
}

// DecodeElevation decodes the elevation encoder. Each digit field is read as
// unsigned binary and the resulting values are joined as decimal text, so a
// field reading above 9 contributes two digits.
func DecodeElevation(bits string) (int, error) {
	if err := check("elevation", bits, ElevationBits); err != nil {
		return 0, err
	}
	var digits strings.Builder
	pos := 0
	for _, width := range elevationDigits {
		v, err := strconv.ParseUint(bits[pos:pos+width], 2, 8)
		if err != nil {
			return 0, &DecodeError{Field: "elevation", Want: ElevationBits, Got: bits, Err: err}
		}
		digits.WriteString(strconv.FormatUint(v, 10))
		pos += width
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0, &DecodeError{Field: "elevation", Want: ElevationBits, Got: bits, Err: err}
	}
	return n, nil
}

// DecodeAzimuth decodes the natural binary azimuth encoder.
func DecodeAzimuth(bits string) (int, error) {
	return decodeBinary("azimuth", bits, AzimuthBits)
}

// DecodeRevolution decodes the revolution counter.
func DecodeRevolution(bits string) (int, error) {
	return decodeBinary("revolution", bits, RevolutionBits)
}

func decodeBinary(field, bits string, width int) (int, error) {
	if err := check(field, bits, width); err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(bits, 2, width)
	if err != nil {
		return 0, &DecodeError{Field: field, Want: width, Got: bits, Err: err}
	}
	return int(v), nil
}

func check(field, bits string, width int) error {
	if len(bits) != width {
		return &DecodeError{Field: field, Want: width, Got: bits, Err: ErrLength}
	}
	if strings.Trim(bits, "01") != "" {
		return &DecodeError{Field: field, Want: width, Got: bits, Err: ErrNotBinary}
	}
	return nil
}
