package galil

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// Discrete simulation step size
	simStep = 25 * time.Millisecond
	// Galil power-on default for SP.
	simDefaultSpeed = 25000
)

type simMode int

const (
	simIdle simMode = iota
	simPosition
	simJog
	simScan
)

type simAxis struct {
	pos      float64
	target   float64
	relative bool
	jogArmed bool
	speed    float64
	jog      float64
	mode     simMode
	motorOn  bool

	// circular interpolation state
	center, phase, swept float64
}

// Simulator emulates a two-axis Galil controller on the far end of a
// net.Pipe. It is used by tests and by mountd -simulate.
type Simulator struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex

	mu       sync.Mutex
	axes     [2]simAxis
	vector   struct{ axis, accel, speed, radius, travel int }
	commands []string
	empty    int
	silent   int
}

func NewSimulator() (*Simulator, net.Conn) {
	a, b := net.Pipe()
	s := &Simulator{conn: a}
	for i := range s.axes {
		s.axes[i].speed = simDefaultSpeed
	}
	s.vector.axis = -1
	return s, b
}

// EmptyReplies makes the next n TP queries answer with an empty frame.
func (s *Simulator) EmptyReplies(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.empty = n
}

// Silence drops the replies to the next n commands.
func (s *Simulator) Silence(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = n
}

// Inject writes unsolicited output to the host.
func (s *Simulator) Inject(output string) error {
	return s.write(output)
}

// Commands returns every command received so far.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(simStep)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for context to be canceled, then close connection.
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			s.step(simStep.Seconds())
		}
	})
	g.Go(s.reader)
	return g.Wait()
}

func scanCommands(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, ';'); i >= 0 {
		return i + 1, data[:i], nil
	}
	return 0, nil, nil
}

func (s *Simulator) reader() error {
	scanner := bufio.NewScanner(s.conn)
	scanner.Split(scanCommands)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}
		reply := s.handle(cmd)
		if reply == "" {
			continue
		}
		if err := s.write(reply); err != nil {
			return fmt.Errorf("writing reply to %q: %w", cmd, err)
		}
	}
	if err := scanner.Err(); err != nil && err != io.ErrClosedPipe {
		return fmt.Errorf("reading port: %w", err)
	}
	return nil
}

func (s *Simulator) write(output string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(s.conn, output)
	return err
}

var (
	assignRE  = regexp.MustCompile(`^(PA|PR|SP|JG)([AB])=(-?\d+)$`)
	axisRE    = regexp.MustCompile(`^(BG|ST|SH|MO|TP)([AB]?)$`)
	operandRE = regexp.MustCompile(`^MG _(BG|MO)([AB])$`)
	vectorRE  = regexp.MustCompile(`^(VA|VD|VS) (\d+)$`)
	circleRE  = regexp.MustCompile(`^CR (\d+),0,(\d+)$`)
	vmRE      = regexp.MustCompile(`^VM([AB])N$`)
)

func axisIndex(letter string) int {
	return int(letter[0] - 'A')
}

// handle executes one command and returns the full reply frame, or "" when
// no reply is to be sent.
func (s *Simulator) handle(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	if s.silent > 0 {
		s.silent--
		return ""
	}
	out, ok := s.execute(cmd)
	if !ok {
		log.Printf("sim: rejected %q", cmd)
		return "?"
	}
	if out == "" {
		return ":"
	}
	return out + "\r\n:"
}

func (s *Simulator) axesFor(letter string) []int {
	if letter == "" {
		return []int{0, 1}
	}
	return []int{axisIndex(letter)}
}

func (s *Simulator) execute(cmd string) (string, bool) {
	if m := assignRE.FindStringSubmatch(cmd); m != nil {
		a := &s.axes[axisIndex(m[2])]
		v, _ := strconv.Atoi(m[3])
		switch m[1] {
		case "PA":
			a.target, a.relative, a.jogArmed = float64(v), false, false
		case "PR":
			a.target, a.relative, a.jogArmed = float64(v), true, false
		case "SP":
			if v < 0 {
				return "", false
			}
			a.speed = float64(v)
		case "JG":
			a.jog, a.jogArmed = float64(v), true
		}
		return "", true
	}
	if m := axisRE.FindStringSubmatch(cmd); m != nil {
		axes := s.axesFor(m[2])
		switch m[1] {
		case "BG":
			for _, i := range axes {
				if !s.axes[i].motorOn {
					return "", false
				}
			}
			for _, i := range axes {
				s.begin(&s.axes[i])
			}
		case "ST":
			for _, i := range axes {
				s.axes[i].mode = simIdle
			}
		case "SH":
			for _, i := range axes {
				s.axes[i].motorOn = true
			}
		case "MO":
			for _, i := range axes {
				s.axes[i].motorOn = false
				s.axes[i].mode = simIdle
			}
		case "TP":
			if s.empty > 0 {
				s.empty--
				return "", true
			}
			var pos []string
			for _, i := range axes {
				pos = append(pos, fmt.Sprintf(" %d", int(math.Round(s.axes[i].pos))))
			}
			return strings.Join(pos, ","), true
		}
		return "", true
	}
	if m := operandRE.FindStringSubmatch(cmd); m != nil {
		a := s.axes[axisIndex(m[2])]
		var v float64
		switch m[1] {
		case "BG":
			if a.mode != simIdle {
				v = 1
			}
		case "MO":
			if !a.motorOn {
				v = 1
			}
		}
		return fmt.Sprintf(" %.4f", v), true
	}
	if m := vmRE.FindStringSubmatch(cmd); m != nil {
		s.vector.axis = axisIndex(m[1])
		return "", true
	}
	if m := vectorRE.FindStringSubmatch(cmd); m != nil {
		v, _ := strconv.Atoi(m[2])
		switch m[1] {
		case "VA", "VD":
			s.vector.accel = v
		case "VS":
			s.vector.speed = v
		}
		return "", true
	}
	if m := circleRE.FindStringSubmatch(cmd); m != nil {
		s.vector.radius, _ = strconv.Atoi(m[1])
		s.vector.travel, _ = strconv.Atoi(m[2])
		return "", true
	}
	switch cmd {
	case "VE":
		return "", s.vector.axis >= 0
	case "BGS":
		if s.vector.axis < 0 || s.vector.radius == 0 || s.vector.speed == 0 {
			return "", false
		}
		a := &s.axes[s.vector.axis]
		if !a.motorOn {
			return "", false
		}
		a.mode, a.center, a.phase, a.swept = simScan, a.pos, 0, 0
		return "", true
	}
	return "", false
}

func (s *Simulator) begin(a *simAxis) {
	if a.jogArmed {
		a.mode = simJog
		return
	}
	if a.relative {
		a.target += a.pos
		a.relative = false
	}
	a.mode = simPosition
}

func (s *Simulator) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.axes {
		a := &s.axes[i]
		switch a.mode {
		case simPosition:
			delta := a.target - a.pos
			move := a.speed * dt
			if math.Abs(delta) <= move {
				a.pos = a.target
				a.mode = simIdle
			} else {
				a.pos += math.Copysign(move, delta)
			}
		case simJog:
			a.pos += a.jog * dt
		case simScan:
			r := float64(s.vector.radius)
			dphase := float64(s.vector.speed) / r * dt
			a.phase += dphase
			a.swept += dphase * 180 / math.Pi
			if a.swept >= float64(s.vector.travel) {
				a.phase = float64(s.vector.travel) * math.Pi / 180
				a.mode = simIdle
			}
			a.pos = a.center + r*math.Sin(a.phase)
		}
	}
}
