// Package galil talks to a Galil motion controller over its text command
// protocol. Commands end in ';' and every reply ends in ':' when the
// controller accepted the command or '?' when it rejected it.
package galil

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/iamburitto/cofe-ground-operations/internal/metrics"
	"github.com/iamburitto/cofe-ground-operations/rotator"
	"github.com/tarm/serial"
)

// Config tunes a Link. Zero fields take the defaults.
type Config struct {
	// ReadTimeout bounds the wait for a reply. Default 10s.
	ReadTimeout time.Duration
	// DialTimeout bounds TCP connection setup. Default 5s.
	DialTimeout time.Duration
	// Retries is how many times an empty or malformed query reply is
	// retried after the first attempt. Default 3; negative disables.
	Retries int
	// RetryBackoff is the first retry delay; later delays grow
	// exponentially. Default 20ms.
	RetryBackoff time.Duration
	// LinePacing is the pause between lines of a scan program. Default 30ms.
	LinePacing time.Duration
	// Baud is used for serial devices. Default 19200.
	Baud int
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 3
	} else if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 20 * time.Millisecond
	}
	if c.LinePacing <= 0 {
		c.LinePacing = 30 * time.Millisecond
	}
	if c.Baud <= 0 {
		c.Baud = 19200
	}
	return c
}

type frame struct {
	payload  string
	accepted bool
}

// Link owns the connection to one controller. Only one exchange is in
// flight at a time.
type Link struct {
	cfg  Config
	addr string
	conn io.ReadWriteCloser

	frames  chan frame
	done    chan struct{}
	readErr error

	mu     sync.Mutex
	closed bool
	axes   [2]rotator.AxisState
}

func isSerial(addr string) bool {
	if strings.HasPrefix(addr, "/dev/") {
		return true
	}
	n := strings.TrimPrefix(strings.ToUpper(addr), "COM")
	if n == addr || n == "" {
		return false
	}
	_, err := strconv.Atoi(n)
	return err == nil
}

// Dial connects to a controller. addr is host:port for Ethernet
// controllers, or a serial device such as /dev/ttyUSB0 or COM3.
func Dial(ctx context.Context, addr string, cfg Config) (*Link, error) {
	cfg = cfg.withDefaults()
	var conn io.ReadWriteCloser
	if isSerial(addr) {
		port, err := serial.OpenPort(&serial.Config{Name: addr, Baud: cfg.Baud})
		if err != nil {
			return nil, &ConnectionError{Addr: addr, Op: "opening", Err: err}
		}
		conn = port
	} else {
		dialer := &net.Dialer{
			Timeout: cfg.DialTimeout,
		}
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &ConnectionError{Addr: addr, Op: "dialing", Err: err}
		}
		conn = c
	}
	log.Printf("galil: opened %q", addr)
	return New(conn, addr, cfg), nil
}

// New starts a Link on an open connection. addr is only used in errors
// and logs.
func New(conn io.ReadWriteCloser, addr string, cfg Config) *Link {
	l := &Link{
		cfg:    cfg.withDefaults(),
		addr:   addr,
		conn:   conn,
		frames: make(chan frame, 16),
		done:   make(chan struct{}),
	}
	for _, a := range rotator.Axes {
		l.axes[a].Axis = a
	}
	go l.read()
	return l
}

// scanFrames splits controller output after each ':' or '?'.
func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexAny(data, ":?"); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	// A partial frame at EOF is dropped.
	return 0, nil, nil
}

// lastLine returns the last non-blank line of a frame payload. Anything
// before it is echo or unsolicited output.
func lastLine(payload string) string {
	lines := strings.Split(payload, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}

func (l *Link) read() {
	defer close(l.done)
	scanner := bufio.NewScanner(l.conn)
	scanner.Split(scanFrames)
	for scanner.Scan() {
		tok := scanner.Text()
		f := frame{
			payload:  lastLine(tok[:len(tok)-1]),
			accepted: tok[len(tok)-1] == ':',
		}
		select {
		case l.frames <- f:
		default:
			metrics.DroppedFrame()
			log.Printf("galil: frame buffer full, dropping %q", f.payload)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	l.readErr = err
}

func mnemonic(cmd string) string {
	if strings.HasPrefix(cmd, "MG _") && len(cmd) >= 6 {
		return cmd[:6]
	}
	if len(cmd) >= 2 {
		return cmd[:2]
	}
	return cmd
}

// drain discards frames that arrived since the last exchange. Without
// request IDs a late reply would otherwise be taken as the answer to the
// next command.
func (l *Link) drain() {
	var stale []string
	for {
		select {
		case f := <-l.frames:
			stale = append(stale, f.payload)
		default:
			if len(stale) > 0 {
				metrics.StaleFrames(len(stale))
				log.Printf("galil: discarded %d stale frames: %q", len(stale), stale)
			}
			return
		}
	}
}

// exchange sends one command and waits for its reply. l.mu must be held.
func (l *Link) exchange(ctx context.Context, cmd string) (string, error) {
	if l.closed {
		return "", &ConnectionError{Addr: l.addr, Op: cmd, Err: ErrClosed}
	}
	select {
	case <-l.done:
		return "", &ConnectionError{Addr: l.addr, Op: cmd, Err: l.readErr}
	default:
	}
	l.drain()

	start := time.Now()
	name := mnemonic(cmd)
	if _, err := io.WriteString(l.conn, cmd+";"); err != nil {
		metrics.Command(name, "error", time.Since(start))
		return "", &ConnectionError{Addr: l.addr, Op: "writing " + cmd, Err: err}
	}
	timer := time.NewTimer(l.cfg.ReadTimeout)
	defer timer.Stop()
	select {
	case f := <-l.frames:
		if !f.accepted {
			metrics.Command(name, "rejected", time.Since(start))
			return "", &ProtocolError{Command: cmd, Reply: f.payload, Err: ErrRejected}
		}
		metrics.Command(name, "ok", time.Since(start))
		return f.payload, nil
	case <-l.done:
		metrics.Command(name, "error", time.Since(start))
		return "", &ConnectionError{Addr: l.addr, Op: "reading reply to " + cmd, Err: l.readErr}
	case <-timer.C:
		metrics.Command(name, "timeout", time.Since(start))
		return "", &ConnectionError{Addr: l.addr, Op: cmd, Err: ErrTimeout}
	case <-ctx.Done():
		metrics.Command(name, "error", time.Since(start))
		return "", ctx.Err()
	}
}

func (l *Link) command(ctx context.Context, cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.exchange(ctx, cmd)
	return err
}

// query sends cmd and hands the reply to parse. Empty or malformed replies
// are retried with exponential backoff up to cfg.Retries times. Transport
// failures and rejected commands are returned at once.
func (l *Link) query(ctx context.Context, cmd string, parse func(reply string) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryBackoff
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		reply, err := l.exchange(ctx, cmd)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if reply == "" {
			return struct{}{}, &ProtocolError{Command: cmd, Reply: reply, Err: ErrEmptyReply}
		}
		if err := parse(reply); err != nil {
			return struct{}{}, &ProtocolError{Command: cmd, Reply: reply, Err: err}
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(l.cfg.Retries+1)),
		backoff.WithNotify(func(err error, d time.Duration) {
			metrics.Retry(mnemonic(cmd))
			log.Printf("%v; retrying in %v", err, d)
		}),
	)
	return err
}

func letter(axis rotator.Axis, allowAll bool) (string, error) {
	if axis == rotator.AllAxes && allowAll {
		return "", nil
	}
	if !axis.Valid() {
		return "", fmt.Errorf("galil: %w: %v", ErrAxis, axis)
	}
	return axis.Letter(), nil
}

// each calls f for the axes addressed by axis. l.mu must be held.
func (l *Link) each(axis rotator.Axis, f func(s *rotator.AxisState)) {
	if axis == rotator.AllAxes {
		for i := range l.axes {
			f(&l.axes[i])
		}
		return
	}
	f(&l.axes[axis])
}

func (l *Link) assign(ctx context.Context, format string, axis rotator.Axis, v int, update func(s *rotator.AxisState)) error {
	x, err := letter(axis, false)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.exchange(ctx, fmt.Sprintf(format, x, v)); err != nil {
		return err
	}
	if update != nil {
		l.each(axis, update)
	}
	return nil
}

func (l *Link) axisCommand(ctx context.Context, verb string, axis rotator.Axis, update func(s *rotator.AxisState)) error {
	x, err := letter(axis, true)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.exchange(ctx, verb+x); err != nil {
		return err
	}
	l.each(axis, update)
	return nil
}

// MoveAbsolute sets the target position of axis. Motion starts with
// BeginMotion.
func (l *Link) MoveAbsolute(ctx context.Context, axis rotator.Axis, counts int) error {
	return l.assign(ctx, "PA%s=%d", axis, counts, nil)
}

// MoveRelative sets a target relative to the position at BeginMotion.
func (l *Link) MoveRelative(ctx context.Context, axis rotator.Axis, delta int) error {
	return l.assign(ctx, "PR%s=%d", axis, delta, nil)
}

func (l *Link) SetSlewSpeed(ctx context.Context, axis rotator.Axis, v int) error {
	return l.assign(ctx, "SP%s=%d", axis, v, func(s *rotator.AxisState) { s.Velocity = v })
}

// SetJogSpeed sets the signed jog velocity used by the next BeginMotion.
func (l *Link) SetJogSpeed(ctx context.Context, axis rotator.Axis, v int) error {
	return l.assign(ctx, "JG%s=%d", axis, v, func(s *rotator.AxisState) { s.Velocity = v })
}

func (l *Link) BeginMotion(ctx context.Context, axis rotator.Axis) error {
	return l.axisCommand(ctx, "BG", axis, func(s *rotator.AxisState) { s.Moving = true })
}

func (l *Link) EndMotion(ctx context.Context, axis rotator.Axis) error {
	return l.axisCommand(ctx, "ST", axis, func(s *rotator.AxisState) { s.Moving = false })
}

// SetMotorPower servos (SH) or releases (MO) the motors.
func (l *Link) SetMotorPower(ctx context.Context, axis rotator.Axis, on bool) error {
	verb := "MO"
	if on {
		verb = "SH"
	}
	return l.axisCommand(ctx, verb, axis, func(s *rotator.AxisState) { s.MotorOn = on })
}

func parseOperand(reply string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(reply), 64)
}

// MotorPowered reports whether the axis is servoed. The controller's _MO
// operand is 0 when the motor is on.
func (l *Link) MotorPowered(ctx context.Context, axis rotator.Axis) (bool, error) {
	x, err := letter(axis, false)
	if err != nil {
		return false, err
	}
	var on bool
	err = l.query(ctx, "MG _MO"+x, func(reply string) error {
		v, err := parseOperand(reply)
		if err != nil {
			return err
		}
		on = v == 0
		l.axes[axis].MotorOn = on
		return nil
	})
	return on, err
}

// InMotion reports whether the axis is still executing a move.
func (l *Link) InMotion(ctx context.Context, axis rotator.Axis) (bool, error) {
	x, err := letter(axis, false)
	if err != nil {
		return false, err
	}
	var moving bool
	err = l.query(ctx, "MG _BG"+x, func(reply string) error {
		v, err := parseOperand(reply)
		if err != nil {
			return err
		}
		moving = v != 0
		l.axes[axis].Moving = moving
		return nil
	})
	return moving, err
}

func parsePositions(reply string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(reply, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Position returns the current position of axis in counts.
func (l *Link) Position(ctx context.Context, axis rotator.Axis) (int, error) {
	x, err := letter(axis, false)
	if err != nil {
		return 0, err
	}
	var pos int
	err = l.query(ctx, "TP"+x, func(reply string) error {
		p, err := parsePositions(reply)
		if err != nil {
			return err
		}
		if len(p) != 1 {
			return fmt.Errorf("want 1 position, got %d", len(p))
		}
		pos = p[0]
		l.axes[axis].Position = pos
		return nil
	})
	return pos, err
}

// Positions returns every axis position in controller order.
func (l *Link) Positions(ctx context.Context) ([]int, error) {
	var pos []int
	err := l.query(ctx, "TP", func(reply string) error {
		p, err := parsePositions(reply)
		if err != nil {
			return err
		}
		if len(p) < len(l.axes) {
			return fmt.Errorf("want %d positions, got %d", len(l.axes), len(p))
		}
		pos = p
		for i := range l.axes {
			l.axes[i].Position = p[i]
		}
		return nil
	})
	return pos, err
}

// State returns the last known state of axis.
func (l *Link) State(axis rotator.Axis) rotator.AxisState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !axis.Valid() {
		return rotator.AxisState{Axis: axis}
	}
	return l.axes[axis]
}

// Close optionally turns every motor off and closes the connection. It is
// safe to call more than once. Failures are logged and not returned since
// there is nothing a caller tearing down can do about them.
func (l *Link) Close(motorsOff bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if motorsOff {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ReadTimeout)
		if _, err := l.exchange(ctx, "MO"); err != nil {
			log.Printf("galil: turning motors off: %v", err)
		}
		cancel()
	}
	l.closed = true
	if err := l.conn.Close(); err != nil {
		log.Printf("galil: closing %q: %v", l.addr, err)
		return
	}
	log.Printf("galil: closed %q", l.addr)
}
