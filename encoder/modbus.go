package encoder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/iamburitto/cofe-ground-operations/internal/modbus"
)

type discreteReader interface {
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
}

// ModbusConfig locates a Modbus remote digital input module wired to the
// encoder lines. Address selects Modbus/TCP; otherwise Port is a serial
// device spoken to in RTU mode.
type ModbusConfig struct {
	Address  string
	Port     string
	BaudRate int
	SlaveId  byte
	// Interval between polls. Zero polls back to back.
	Interval time.Duration
	// MaxAge is how old the latest sample may be before Sample fails.
	// Zero disables the check.
	MaxAge time.Duration
}

// ModbusSource polls the encoder lines and serves the latest sample.
type ModbusSource struct {
	reader discreteReader
	maxAge time.Duration

	mu     sync.Mutex
	sample Sample
	at     time.Time
	err    error
}

var ErrNoSample = errors.New("no encoder sample yet")

// ConnectModbus opens the module and starts polling it until ctx is
// canceled or a read fails.
func ConnectModbus(ctx context.Context, cfg ModbusConfig) (*ModbusSource, error) {
	c := &modbus.Client{
		Address:  cfg.Address,
		Port:     cfg.Port,
		BaudRate: cfg.BaudRate,
		SlaveId:  cfg.SlaveId,
		Interval: cfg.Interval,
	}
	if err := c.Connect(); err != nil {
		return nil, err
	}
	s := &ModbusSource{reader: c, maxAge: cfg.MaxAge}
	c.Poll = s.pollOnce
	go func() {
		err := c.Run(ctx)
		log.Printf("encoder polling stopped: %v", err)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
	return s, nil
}

func (s *ModbusSource) pollOnce() error {
	results, err := s.reader.ReadDiscreteInputs(0, LineCount)
	if err != nil {
		return err
	}
	lines := modbus.BytesToBits(results)
	if len(lines) < LineCount {
		return &DecodeError{Field: "lines", Want: LineCount, Got: bitString(lines), Err: ErrLength}
	}
	sample, err := SampleFromLines(lines[:LineCount])
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sample = sample
	s.at = time.Now()
	s.mu.Unlock()
	return nil
}

// Sample returns the most recent poll.
func (s *ModbusSource) Sample(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Sample{}, fmt.Errorf("encoder source: %w", s.err)
	}
	if s.at.IsZero() {
		return Sample{}, ErrNoSample
	}
	if s.maxAge > 0 {
		if age := time.Since(s.at); age > s.maxAge {
			return Sample{}, fmt.Errorf("encoder sample is %v old", age.Round(time.Millisecond))
		}
	}
	return s.sample, nil
}
