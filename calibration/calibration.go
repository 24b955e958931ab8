// Package calibration loads and updates the mount's calibration file.
//
// The file holds one "key value [#comment]" entry per line. Lines starting
// with # are comments. Every key the mount needs is declared in a schema and
// checked at load time, so a missing or mistyped constant fails before the
// controller is touched. Any update rewrites the whole file, keeping
// comments and the notation of untouched values.
package calibration

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Keys understood by the schema.
const (
	KeyIP            = "IP"
	KeyPort          = "PORT"
	KeyAzGain        = "AzGain"
	KeyElGain        = "ElGain"
	KeyAzEncoderZero = "AzEncoderZero"
	KeyElEncoderZero = "ElEncoderZero"
	KeyAzOffset      = "AzOffset"
	KeyElOffset      = "ElOffset"
	KeyAzEncPerRev   = "AzEncPerRev"
	KeyElEncPerRev   = "ElEncPerRev"
	KeyLatitude      = "LAT"
	KeyLongitude     = "LON"
)

// Params is a consistent snapshot of the calibration constants.
type Params struct {
	// Address and Port locate the motion controller.
	Address string
	Port    int

	// AzGain and ElGain convert absolute encoder units to degrees. The
	// encoders are wired with inverted sense so both are normally negative.
	AzGain, ElGain float64
	// AzEncoderZero and ElEncoderZero are the absolute encoder angles, in
	// degrees, at zero counts.
	AzEncoderZero, ElEncoderZero float64

	// AzOffset and ElOffset align controller counts with true pointing, in
	// degrees. They are the only values changed at runtime.
	AzOffset, ElOffset float64
	// AzCountsPerRev and ElCountsPerRev are controller counts per turn.
	AzCountsPerRev, ElCountsPerRev float64

	// Latitude and Longitude of the site in degrees, east positive.
	Latitude, Longitude float64
}

// ControllerAddress returns the controller's host:port.
func (p Params) ControllerAddress() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

type kind int

const (
	kindString kind = iota
	kindInt
	kindFloat
	kindAngle
)

type field struct {
	key  string
	kind kind
	set  func(p *Params, v Value) error
}

func floatField(key string, k kind, dest func(p *Params) *float64) field {
	return field{key: key, kind: k, set: func(p *Params, v Value) error {
		*dest(p) = v.Float
		return nil
	}}
}

var schema = []field{
	{key: KeyIP, kind: kindString, set: func(p *Params, v Value) error {
		p.Address = v.Str
		return nil
	}},
	{key: KeyPort, kind: kindInt, set: func(p *Params, v Value) error {
		if v.Int <= 0 || v.Int > 65535 {
			return fmt.Errorf("port %d out of range", v.Int)
		}
		p.Port = int(v.Int)
		return nil
	}},
	floatField(KeyAzGain, kindFloat, func(p *Params) *float64 { return &p.AzGain }),
	floatField(KeyElGain, kindFloat, func(p *Params) *float64 { return &p.ElGain }),
	floatField(KeyAzEncoderZero, kindFloat, func(p *Params) *float64 { return &p.AzEncoderZero }),
	floatField(KeyElEncoderZero, kindFloat, func(p *Params) *float64 { return &p.ElEncoderZero }),
	floatField(KeyAzOffset, kindFloat, func(p *Params) *float64 { return &p.AzOffset }),
	floatField(KeyElOffset, kindFloat, func(p *Params) *float64 { return &p.ElOffset }),
	floatField(KeyAzEncPerRev, kindFloat, func(p *Params) *float64 { return &p.AzCountsPerRev }),
	floatField(KeyElEncPerRev, kindFloat, func(p *Params) *float64 { return &p.ElCountsPerRev }),
	floatField(KeyLatitude, kindAngle, func(p *Params) *float64 { return &p.Latitude }),
	floatField(KeyLongitude, kindAngle, func(p *Params) *float64 { return &p.Longitude }),
}

// Error describes a missing or invalid calibration entry.
type Error struct {
	Key string
	// Line is 1-based, or 0 when the problem is not tied to a line.
	Line    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	switch {
	case e.Key != "" && e.Line > 0:
		return fmt.Sprintf("calibration line %d: %q %s", e.Line, e.Key, msg)
	case e.Key != "":
		return fmt.Sprintf("calibration %q: %s", e.Key, msg)
	case e.Line > 0:
		return fmt.Sprintf("calibration line %d: %s", e.Line, msg)
	}
	return "calibration: " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

type line struct {
	// raw holds comment and blank lines verbatim. key is empty for them.
	raw     string
	key     string
	value   Value
	comment string
}

func (l line) String() string {
	if l.key == "" {
		return l.raw
	}
	s := l.key + " " + l.value.String()
	if l.comment != "" {
		s += " " + l.comment
	}
	return s
}

// Store is a calibration file held in memory.
type Store struct {
	path string

	mu     sync.RWMutex
	lines  []line
	index  map[string]int
	params Params
}

// Load reads and validates the calibration file at path. Updates are
// written back to the same path.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Message: "opening file", Err: err}
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, err
	}
	s.path = path
	return s, nil
}

// Parse reads and validates calibration entries from r. The returned store
// is not backed by a file.
func Parse(r io.Reader) (*Store, error) {
	s := &Store{index: make(map[string]int)}
	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		n++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			s.lines = append(s.lines, line{raw: scanner.Text()})
			continue
		}
		key, value, comment := splitEntry(text)
		if value == "" {
			return nil, &Error{Key: key, Line: n, Message: "missing value"}
		}
		l := line{key: key, value: ParseValue(value), comment: comment}
		if _, ok := s.index[l.key]; ok {
			return nil, &Error{Key: l.key, Line: n, Message: "duplicate key"}
		}
		s.index[l.key] = len(s.lines)
		s.lines = append(s.lines, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, &Error{Message: "reading", Err: err}
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// splitEntry splits "key value rest" on whitespace. rest is kept as the
// line's comment.
func splitEntry(text string) (key, value, comment string) {
	key, rest := cutSpace(text)
	value, comment = cutSpace(rest)
	return key, value, comment
}

func cutSpace(s string) (before, after string) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

func (s *Store) lineOf(key string) int {
	// Lines are counted from 1 and every entry, blank or not, is one line.
	return s.index[key] + 1
}

func (s *Store) validate() error {
	var p Params
	for _, f := range schema {
		i, ok := s.index[f.key]
		if !ok {
			return &Error{Key: f.key, Message: "must be specified"}
		}
		v, err := coerce(f.kind, s.lines[i].value)
		if err != nil {
			return &Error{Key: f.key, Line: s.lineOf(f.key), Message: "invalid value", Err: err}
		}
		if err := f.set(&p, v); err != nil {
			return &Error{Key: f.key, Line: s.lineOf(f.key), Message: "invalid value", Err: err}
		}
	}
	for _, g := range []struct {
		key  string
		gain float64
	}{{KeyAzGain, p.AzGain}, {KeyElGain, p.ElGain}} {
		if g.gain == 0 {
			return &Error{Key: g.key, Line: s.lineOf(g.key), Message: "gain must not be zero"}
		}
		if g.gain > 0 {
			log.Printf("calibration: %s is %v; encoder gains are normally negative", g.key, g.gain)
		}
	}
	for _, key := range []string{KeyAzEncPerRev, KeyElEncPerRev} {
		if v, _ := s.lines[s.index[key]].value.AsFloat(); v <= 0 {
			return &Error{Key: key, Line: s.lineOf(key), Message: "counts per revolution must be positive"}
		}
	}
	s.params = p
	return nil
}

func coerce(k kind, v Value) (Value, error) {
	switch k {
	case kindString:
		if v.Kind != String {
			return v, fmt.Errorf("got %s %q, want string", v.Kind, v)
		}
	case kindInt:
		if v.Kind != Int {
			return v, fmt.Errorf("got %s %q, want int", v.Kind, v)
		}
	case kindFloat:
		f, ok := v.AsFloat()
		if !ok {
			return v, fmt.Errorf("got %s %q, want number", v.Kind, v)
		}
		v.Float = f
	case kindAngle:
		if f, ok := v.AsFloat(); ok {
			v.Float = f
			return v, nil
		}
		if v.Kind != String {
			return v, fmt.Errorf("got %s %q, want angle", v.Kind, v)
		}
		f, err := ParseAngle(v.Str)
		if err != nil {
			return v, err
		}
		v.Float = f
	}
	return v, nil
}

// Params returns a snapshot of the calibration constants.
func (s *Store) Params() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// Get returns the raw value of any key, including keys outside the schema.
func (s *Store) Get(key string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[key]
	if !ok {
		return Value{}, false
	}
	return s.lines[i].value, true
}

// SetOffsets replaces both pointing offsets at once and, for a file-backed
// store, rewrites the file. Readers never observe one offset updated
// without the other. If the file cannot be rewritten the previous offsets
// stay in effect.
func (s *Store) SetOffsets(az, el float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldAz, oldEl := s.lines[s.index[KeyAzOffset]].value, s.lines[s.index[KeyElOffset]].value
	oldParams := s.params
	s.params.AzOffset = az
	s.params.ElOffset = el
	s.lines[s.index[KeyAzOffset]].value = FloatValue(az)
	s.lines[s.index[KeyElOffset]].value = FloatValue(el)
	if s.path == "" {
		return nil
	}
	if err := s.save(); err != nil {
		s.params = oldParams
		s.lines[s.index[KeyAzOffset]].value = oldAz
		s.lines[s.index[KeyElOffset]].value = oldEl
		return err
	}
	return nil
}

// WriteTo writes the store in file format.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeTo(w)
}

func (s *Store) writeTo(w io.Writer) (int64, error) {
	var n int64
	for _, l := range s.lines {
		m, err := io.WriteString(w, l.String()+"\n")
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// save replaces the file through a temporary file in the same directory.
// The caller holds s.mu.
func (s *Store) save() error {
	dir, base := filepath.Split(s.path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, base+".tmp*")
	if err != nil {
		return &Error{Message: "saving", Err: err}
	}
	_, err = s.writeTo(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(f.Name(), s.path)
	}
	if err != nil {
		os.Remove(f.Name())
		return &Error{Message: "saving", Err: err}
	}
	return nil
}
