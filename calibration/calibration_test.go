package calibration

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const sampleConfig = `# COFE mount calibration
IP 192.168.1.2
PORT 23
AzGain -0.0054931640625 #360/2^16, wired inverted
ElGain -0.009
AzEncoderZero 144.41496
ElEncoderZero 295.026 #moon crossing 2013/08/02
AzOffset 0.0
ElOffset 0.0
AzEncPerRev 1024000
ElEncPerRev 1024000

LAT 34:25:00
LON -119.85
Flag #t
Mask xFF
`

func TestParse(t *testing.T) {
	s, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Params{
		Address:        "192.168.1.2",
		Port:           23,
		AzGain:         -0.0054931640625,
		ElGain:         -0.009,
		AzEncoderZero:  144.41496,
		ElEncoderZero:  295.026,
		AzCountsPerRev: 1024000,
		ElCountsPerRev: 1024000,
		Latitude:       34 + 25.0/60,
		Longitude:      -119.85,
	}
	if diff := cmp.Diff(want, s.Params(), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Params: got(-)/want(+):\n%s", diff)
	}
	if got := s.Params().ControllerAddress(); got != "192.168.1.2:23" {
		t.Errorf("ControllerAddress = %q", got)
	}
	if v, ok := s.Get("Mask"); !ok || v.Kind != Int || v.Int != 255 {
		t.Errorf("Get(Mask) = %+v, %v", v, ok)
	}
	if v, ok := s.Get("Flag"); !ok || v.Kind != Bool || !v.Bool {
		t.Errorf("Get(Flag) = %+v, %v", v, ok)
	}
	if _, ok := s.Get("Missing"); ok {
		t.Error("Get(Missing) found a value")
	}
}

func TestParseValue(t *testing.T) {
	for _, test := range []struct {
		in   string
		want Value
	}{
		{"0", Value{Kind: Int}},
		{"-12", Value{Kind: Int, Int: -12}},
		{"x1F", Value{Kind: Int, Int: 31}},
		{"o17", Value{Kind: Int, Int: 15}},
		{"b101", Value{Kind: Int, Int: 5}},
		{"1.5", Value{Kind: Float, Float: 1.5}},
		{"-0.25", Value{Kind: Float, Float: -0.25}},
		{"True", Value{Kind: Bool, Bool: true}},
		{"False", Value{Kind: Bool}},
		{"#t", Value{Kind: Bool, Bool: true}},
		{"#f", Value{Kind: Bool}},
		{"bananas", Value{Kind: String, Str: "bananas"}},
		{"b102", Value{Kind: String, Str: "b102"}},
		{"x-1", Value{Kind: String, Str: "x-1"}},
		{"192.168.1.2", Value{Kind: String, Str: "192.168.1.2"}},
		{"34:25:00", Value{Kind: String, Str: "34:25:00"}},
	} {
		t.Run(test.in, func(t *testing.T) {
			got := ParseValue(test.in)
			if diff := cmp.Diff(test.want, got, cmpopts.IgnoreUnexported(Value{})); diff != "" {
				t.Errorf("ParseValue(%q): got(-)/want(+):\n%s", test.in, diff)
			}
			if got.String() != test.in {
				t.Errorf("ParseValue(%q).String() = %q", test.in, got.String())
			}
		})
	}
}

func TestParseAngle(t *testing.T) {
	for _, test := range []struct {
		in   string
		want float64
	}{
		{"12.5", 12.5},
		{"12:30", 12.5},
		{"-0:30:00", -0.5},
		{"-119:51:00", -119.85},
		{"34:25:36", 34.42666666666667},
	} {
		got, err := ParseAngle(test.in)
		if err != nil {
			t.Errorf("ParseAngle(%q): %v", test.in, err)
			continue
		}
		if math.Abs(got-test.want) > 1e-9 {
			t.Errorf("ParseAngle(%q) = %v, want %v", test.in, got, test.want)
		}
	}
	for _, bad := range []string{"", "north", "1:2:3:4", "10:60:00", "10:-5"} {
		if got, err := ParseAngle(bad); err == nil {
			t.Errorf("ParseAngle(%q) = %v, want error", bad, got)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, test := range []struct {
		name    string
		replace [2]string
		key     string
	}{
		{"missing key", [2]string{"LON -119.85\n", ""}, KeyLongitude},
		{"float port", [2]string{"PORT 23", "PORT 23.5"}, KeyPort},
		{"port range", [2]string{"PORT 23", "PORT 70000"}, KeyPort},
		{"string gain", [2]string{"ElGain -0.009", "ElGain bananas"}, KeyElGain},
		{"zero gain", [2]string{"ElGain -0.009", "ElGain 0"}, KeyElGain},
		{"negative counts", [2]string{"AzEncPerRev 1024000", "AzEncPerRev -5"}, KeyAzEncPerRev},
		{"bool offset", [2]string{"AzOffset 0.0", "AzOffset True"}, KeyAzOffset},
		{"bad latitude", [2]string{"LAT 34:25:00", "LAT 34:99:00"}, KeyLatitude},
		{"numeric address", [2]string{"IP 192.168.1.2", "IP 17"}, KeyIP},
		{"missing value", [2]string{"Mask xFF", "Mask"}, "Mask"},
		{"duplicate", [2]string{"Mask xFF", "Mask xFF\nMask x00"}, "Mask"},
	} {
		t.Run(test.name, func(t *testing.T) {
			config := strings.Replace(sampleConfig, test.replace[0], test.replace[1], 1)
			if config == sampleConfig {
				t.Fatalf("replacement %q not found", test.replace[0])
			}
			_, err := Parse(strings.NewReader(config))
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("Parse error = %v, want *Error", err)
			}
			if ce.Key != test.key {
				t.Errorf("Error.Key = %q, want %q (%v)", ce.Key, test.key, err)
			}
		})
	}
}

func TestWriteToPreservesLayout(t *testing.T) {
	s, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if diff := cmp.Diff(sampleConfig, buf.String()); diff != "" {
		t.Errorf("unmodified store rewrote differently: got(-)/want(+):\n%s", diff)
	}

	if err := s.SetOffsets(1.5, -2); err != nil {
		t.Fatalf("SetOffsets: %v", err)
	}
	buf.Reset()
	if _, err := s.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	want := strings.NewReplacer("AzOffset 0.0", "AzOffset 1.5", "ElOffset 0.0", "ElOffset -2.0").Replace(sampleConfig)
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("rewritten store: got(-)/want(+):\n%s", diff)
	}
	if p := s.Params(); p.AzOffset != 1.5 || p.ElOffset != -2 {
		t.Errorf("Params offsets = %v, %v", p.AzOffset, p.ElOffset)
	}
}

func TestLoadSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.txt")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.SetOffsets(-3.25, 0.125); err != nil {
		t.Fatalf("SetOffsets: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reloading: %v", err)
	}
	if p := reloaded.Params(); p.AzOffset != -3.25 || p.ElOffset != 0.125 {
		t.Errorf("reloaded offsets = %v, %v", p.AzOffset, p.ElOffset)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ElEncoderZero 295.026 #moon crossing 2013/08/02\n") {
		t.Errorf("comment lost in rewrite:\n%s", data)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestSetOffsetsSaveFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "site")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.txt")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}

	err = s.SetOffsets(5, 6)
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("SetOffsets with missing directory: got %v, want *Error", err)
	}
	if p := s.Params(); p.AzOffset != 0 || p.ElOffset != 0 {
		t.Errorf("offsets after failed save = %v, %v, want 0, 0", p.AzOffset, p.ElOffset)
	}
	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if diff := cmp.Diff(sampleConfig, buf.String()); diff != "" {
		t.Errorf("store after failed save: got(-)/want(+):\n%s", diff)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.txt"))
	var ce *Error
	if !errors.As(err, &ce) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load missing file: got %v", err)
	}
}
