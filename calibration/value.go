package calibration

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind int

const (
	String Kind = iota
	Int
	Float
	Bool
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Value is one typed configuration value. Only the field matching Kind is
// meaningful.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bool  bool
	Str   string

	// text is the literal as it appeared in the file. It is reused when
	// the store is rewritten so untouched values keep their notation.
	text string
}

// ParseValue types a literal. Integers may be decimal, or hex, octal or
// binary with an x, o or b prefix. Floats must be decimal. True, False, #t
// and #f are booleans. Anything else is a string.
func ParseValue(s string) Value {
	v := Value{text: s}
	if i, ok := parseInt(s); ok {
		v.Kind, v.Int = Int, i
		return v
	}
	if f, ok := parseFloat(s); ok {
		v.Kind, v.Float = Float, f
		return v
	}
	switch s {
	case "True", "#t":
		v.Kind, v.Bool = Bool, true
		return v
	case "False", "#f":
		v.Kind, v.Bool = Bool, false
		return v
	}
	v.Kind, v.Str = String, s
	return v
}

func parseInt(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	base := 10
	digits := s
	switch s[0] {
	case 'x':
		base, digits = 16, s[1:]
	case 'o':
		base, digits = 8, s[1:]
	case 'b':
		base, digits = 2, s[1:]
	}
	if digits == "" || digits[0] == '+' || (base != 10 && digits[0] == '-') {
		return 0, false
	}
	i, err := strconv.ParseInt(digits, base, 64)
	if err != nil {
		return 0, false
	}
	return i, true
}

func parseFloat(s string) (float64, bool) {
	if !strings.Contains(s, ".") || strings.Trim(s, "-0123456789.eE") != "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func FloatValue(f float64) Value {
	return Value{Kind: Float, Float: f}
}

// AsFloat returns numeric values as a float64.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case Float:
		return v.Float, true
	case Int:
		return float64(v.Int), true
	}
	return 0, false
}

// String returns the value in file notation.
func (v Value) String() string {
	if v.text != "" {
		return v.text
	}
	switch v.Kind {
	case Int:
		return strconv.FormatInt(v.Int, 10)
	case Float:
		s := strconv.FormatFloat(v.Float, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	case Bool:
		if v.Bool {
			return "True"
		}
		return "False"
	}
	return v.Str
}

// ParseAngle reads an angle in decimal degrees or as d:m:s.
func ParseAngle(s string) (float64, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil && !strings.Contains(s, ":") {
		return f, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("angle %q has more than three fields", s)
	}
	neg := strings.HasPrefix(strings.TrimSpace(parts[0]), "-")
	var deg float64
	scale := 1.0
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, fmt.Errorf("angle %q: %w", s, err)
		}
		if i > 0 && (f < 0 || f >= 60) {
			return 0, fmt.Errorf("angle %q: field %q out of range", s, p)
		}
		if f < 0 {
			f = -f
		}
		deg += f / scale
		scale *= 60
	}
	if neg {
		deg = -deg
	}
	return deg, nil
}
