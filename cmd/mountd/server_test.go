package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/iamburitto/cofe-ground-operations/calibration"
	"github.com/iamburitto/cofe-ground-operations/coords"
	"github.com/iamburitto/cofe-ground-operations/galil"
	"github.com/iamburitto/cofe-ground-operations/mount"
)

const testCalibration = `IP 127.0.0.1
PORT 23
AzGain -0.0054931640625
ElGain -0.009
AzEncoderZero 0.0
ElEncoderZero 0.0
AzOffset 0.0
ElOffset 0.0
AzEncPerRev 1024000
ElEncPerRev 1024000
LAT 34.4167
LON -119.85
`

func newTestServer(t *testing.T, password string) (*Server, *galil.Simulator) {
	t.Helper()
	cal, err := calibration.Parse(strings.NewReader(testCalibration))
	if err != nil {
		t.Fatal(err)
	}
	sim, conn := galil.NewSimulator()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sim.Run(ctx) }()
	link := galil.New(conn, "sim", galil.Config{ReadTimeout: 2 * time.Second, LinePacing: time.Millisecond})
	t.Cleanup(func() {
		link.Close(false)
		cancel()
		<-errc
	})
	return NewServer(mount.New(link, coords.New(cal), nil, mount.Config{}), password), sim
}

func newTestHTTP(t *testing.T, s *Server) *httptest.Server {
	r := mux.NewRouter()
	s.Register(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func postCommand(t *testing.T, url, password string, cmd Command) (int, CommandResult) {
	t.Helper()
	body, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url+"/api/command", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if password != "" {
		req.SetBasicAuth("", password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var result CommandResult
	if resp.StatusCode != http.StatusUnauthorized {
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode, result
}

func TestCommandHandler(t *testing.T) {
	s, sim := newTestServer(t, "")
	ts := newTestHTTP(t, s)
	for _, test := range []struct {
		cmd      Command
		wantCode int
		wantSent string
	}{
		{Command{Command: "toggle_motor", Axis: "az"}, http.StatusOK, "SHA"},
		{Command{Command: "jog", Axis: "az", Velocity: 1}, http.StatusOK, "BGA"},
		{Command{Command: "stop"}, http.StatusOK, "ST"},
		{Command{Command: "set_step_size", Degrees: 2}, http.StatusOK, "ST"},
		// The elevation motor is still off, so BGB is refused.
		{Command{Command: "step", Axis: "el", Direction: 1}, http.StatusBadRequest, "BGB"},
		{Command{Command: "scan", MinAz: 0, MaxAz: 9, Period: 10, Cycles: 2}, http.StatusOK, "BGS"},
		{Command{Command: "launch"}, http.StatusBadRequest, "BGS"},
		{Command{Command: "stop", Axis: "up"}, http.StatusBadRequest, "BGS"},
	} {
		t.Run(test.cmd.Command, func(t *testing.T) {
			code, result := postCommand(t, ts.URL, "", test.cmd)
			if code != test.wantCode {
				t.Errorf("status %d (%+v), want %d", code, result, test.wantCode)
			}
			if (code == http.StatusOK) != (result.Error == "") {
				t.Errorf("result = %+v with status %d", result, code)
			}
			cmds := sim.Commands()
			if got := cmds[len(cmds)-1]; got != test.wantSent {
				t.Errorf("last controller command %q, want %q", got, test.wantSent)
			}
		})
	}
}

func TestCommandPassword(t *testing.T) {
	s, sim := newTestServer(t, "hunter2")
	ts := newTestHTTP(t, s)
	if code, _ := postCommand(t, ts.URL, "", Command{Command: "stop"}); code != http.StatusUnauthorized {
		t.Errorf("no password: status %d", code)
	}
	if code, _ := postCommand(t, ts.URL, "wrong", Command{Command: "stop"}); code != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d", code)
	}
	if len(sim.Commands()) != 0 {
		t.Errorf("unauthorized commands reached the controller: %q", sim.Commands())
	}
	if code, result := postCommand(t, ts.URL, "hunter2", Command{Command: "stop"}); code != http.StatusOK {
		t.Errorf("right password: status %d %+v", code, result)
	}
}

func TestStatusHandler(t *testing.T) {
	s, _ := newTestServer(t, "")
	ts := newTestHTTP(t, s)
	if err := s.pollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Error != "" || len(status.Axes) != 2 || status.UTC == "" {
		t.Errorf("status = %+v", status)
	}
}

func TestPollErrorKeepsLastTelemetry(t *testing.T) {
	s, sim := newTestServer(t, "")
	ctx := context.Background()
	if err := s.pollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	good := s.Status()
	sim.EmptyReplies(100)
	if err := s.pollOnce(ctx); err == nil {
		t.Fatal("poll succeeded with empty replies")
	}
	bad := s.Status()
	if bad.Error == "" {
		t.Error("poll error not published")
	}
	if diff := cmp.Diff(good.Telemetry, bad.Telemetry); diff != "" {
		t.Errorf("telemetry changed on failed poll: got(-)/want(+):\n%s", diff)
	}
}

func TestStatusSocket(t *testing.T) {
	s, _ := newTestServer(t, "")
	ts := newTestHTTP(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.PollLoop(ctx, 20*time.Millisecond)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(Command{Command: "toggle_motor", Axis: "el"}); err != nil {
		t.Fatal(err)
	}
	// Status updates and the command result arrive interleaved.
	var sawResult, sawMotor bool
	for !sawResult || !sawMotor {
		var msg map[string]json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading socket: %v", err)
		}
		if raw, ok := msg["command"]; ok {
			var result CommandResult
			json.Unmarshal(mustMarshal(t, msg), &result)
			if string(raw) != `"toggle_motor"` || result.Error != "" {
				t.Fatalf("command result = %+v", result)
			}
			sawResult = true
			continue
		}
		var status Status
		if err := json.Unmarshal(mustMarshal(t, msg), &status); err != nil {
			t.Fatal(err)
		}
		if len(status.Axes) == 2 && status.Axes[1].MotorOn {
			sawMotor = true
		}
	}
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestRotctld(t *testing.T) {
	s, sim := newTestServer(t, "")
	s.setStatus(Status{Telemetry: mount.Telemetry{Az: 200.5, El: 45.25}})
	client, server := net.Pipe()
	go s.handleRotctld(context.Background(), server)
	defer client.Close()
	r := bufio.NewReader(client)

	exchange := func(cmd string, lines int) []string {
		t.Helper()
		client.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := client.Write([]byte(cmd + "\n")); err != nil {
			t.Fatal(err)
		}
		var out []string
		for i := 0; i < lines; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				t.Fatalf("%q: reading line %d: %v", cmd, i, err)
			}
			out = append(out, strings.TrimSuffix(line, "\n"))
		}
		return out
	}

	for _, test := range []struct {
		cmd  string
		want []string
	}{
		{"p", []string{"200.500000", "45.250000"}},
		{`+\get_pos`, []string{"get_pos:", "Azimuth: 200.500000", "Elevation: 45.250000", "RPRT 0"}},
		{"S", []string{"RPRT 0"}},
		{"P 10 20", []string{"RPRT -6"}},
		{"P 10", []string{"RPRT -1"}},
		{"M 32 10", []string{"RPRT -1"}},
		{"x", []string{"RPRT -1"}},
		{"_", []string{"COFE mount"}},
	} {
		if diff := cmp.Diff(test.want, exchange(test.cmd, len(test.want))); diff != "" {
			t.Errorf("%q: got(-)/want(+):\n%s", test.cmd, diff)
		}
	}
	if cmds := sim.Commands(); !contains(cmds, "ST") || !contains(cmds, "PAA=28444") {
		t.Errorf("controller commands = %q", cmds)
	}

	// With the motors on the move is accepted.
	exchange("S", 1)
	for _, axis := range []string{"az", "el"} {
		if err := s.execute(context.Background(), Command{Command: "toggle_motor", Axis: axis}); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]string{"RPRT 0"}, exchange("M 16 20", 1)); diff != "" {
		t.Errorf("move: got(-)/want(+):\n%s", diff)
	}
	if cmds := sim.Commands(); !contains(cmds, "JGA=5689") {
		t.Errorf("controller commands = %q", cmds)
	}
}

func contains(cmds []string, want string) bool {
	for _, c := range cmds {
		if c == want {
			return true
		}
	}
	return false
}
