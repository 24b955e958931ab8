package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/iamburitto/cofe-ground-operations/mount"
	"github.com/iamburitto/cofe-ground-operations/rotator"
)

// Status is what clients see: the latest telemetry, or the error that
// stopped the latest poll.
type Status struct {
	mount.Telemetry
	Error string `json:",omitempty"`
}

type Server struct {
	m        *mount.Mount
	password string

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     Status
}

func NewServer(m *mount.Mount, password string) *Server {
	s := &Server{m: m, password: password}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/command", s.CommandHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
}

func (s *Server) setStatus(status Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	s.statusCond.Broadcast()
}

func (s *Server) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Server) pollOnce(ctx context.Context) error {
	t, err := s.m.Poll(ctx)
	status := Status{Telemetry: t}
	if err != nil {
		status = s.Status()
		status.Error = err.Error()
	}
	s.setStatus(status)
	return err
}

// PollLoop refreshes the status every interval until ctx is canceled. Poll
// errors are published to clients; each distinct error is logged once.
func (s *Server) PollLoop(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	var lastErr string
	for {
		err := s.pollOnce(ctx)
		switch {
		case err != nil && err.Error() != lastErr:
			log.Printf("poll: %v", err)
			lastErr = err.Error()
		case err == nil && lastErr != "":
			log.Print("poll: recovered")
			lastErr = ""
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(s.Status())
	if err != nil {
		log.Print(err)
		return
	}
	w.Write(data)
}

type Command struct {
	Command   string  `json:"command"`
	Axis      string  `json:"axis"`
	Az        float64 `json:"az"`
	El        float64 `json:"el"`
	RA        float64 `json:"ra"`
	Dec       float64 `json:"dec"`
	Degrees   float64 `json:"degrees"`
	Velocity  float64 `json:"velocity"`
	Direction int     `json:"direction"`
	MinAz     float64 `json:"min_az"`
	MaxAz     float64 `json:"max_az"`
	Period    float64 `json:"period"`
	Cycles    int     `json:"cycles"`
}

type CommandResult struct {
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
}

func parseAxis(name string) (rotator.Axis, error) {
	switch name {
	case "az", "azimuth":
		return rotator.Azimuth, nil
	case "el", "elevation":
		return rotator.Elevation, nil
	case "", "all":
		return rotator.AllAxes, nil
	}
	return 0, fmt.Errorf("unknown axis %q", name)
}

func (s *Server) execute(ctx context.Context, cmd Command) error {
	axis, err := parseAxis(cmd.Axis)
	if err != nil {
		return err
	}
	switch cmd.Command {
	case "goto":
		return s.m.Goto(ctx, cmd.Az, cmd.El)
	case "goto_radec":
		return s.m.GotoRADec(ctx, cmd.RA, cmd.Dec)
	case "set_step_size":
		s.m.SetStepSize(cmd.Degrees)
		return nil
	case "step":
		return s.m.Step(ctx, axis, cmd.Direction)
	case "jog":
		return s.m.Jog(ctx, axis, cmd.Velocity)
	case "stop":
		return s.m.Stop(ctx, axis)
	case "toggle_motor":
		_, err := s.m.ToggleMotor(ctx, axis)
		return err
	case "scan":
		_, err := s.m.ScanAzimuth(ctx, cmd.MinAz, cmd.MaxAz, cmd.Period, cmd.Cycles)
		return err
	case "sync":
		return s.m.Sync(ctx, cmd.Az, cmd.El)
	case "sync_radec":
		return s.m.SyncRADec(ctx, cmd.RA, cmd.Dec)
	}
	return fmt.Errorf("unknown command %q", cmd.Command)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.password == "" {
		return true
	}
	_, pass, ok := r.BasicAuth()
	return ok && pass == s.password
}

func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "wrong password", http.StatusUnauthorized)
		return
	}
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result := CommandResult{Command: cmd.Command}
	code := http.StatusOK
	if err := s.execute(r.Context(), cmd); err != nil {
		log.Printf("command %q: %v", cmd.Command, err)
		result.Error = err.Error()
		code = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(result)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const socketWriteTimeout = 10 * time.Second

// StatusSocketHandler streams every status update to the client and runs
// the commands it sends. Command results are sent back as CommandResult.
func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "wrong password", http.StatusUnauthorized)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
		return conn.WriteJSON(v)
	}

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			result := CommandResult{Command: msg.Command}
			if err := s.execute(ctx, msg); err != nil {
				log.Printf("command %q: %v", msg.Command, err)
				result.Error = err.Error()
			}
			if err := send(result); err != nil {
				log.Print(err)
				return
			}
		}
	}()

	if err := send(s.Status()); err != nil {
		log.Print(err)
		return
	}
	for ctx.Err() == nil {
		s.statusMu.RLock()
		s.statusCond.Wait()
		status := s.status
		s.statusMu.RUnlock()
		if err := send(status); err != nil {
			log.Print(err)
			return
		}
	}
}
