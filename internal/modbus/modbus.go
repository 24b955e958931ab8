package modbus

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/goburrow/modbus"
)

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Port and BaudRate create a local serial (RTU) connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// Address creates a Modbus/TCP connection
	Address string
	// Timeout defaults to 1 second
	Timeout time.Duration

	// Poll function to be called in a loop while the connection is active
	Poll func() error
	// Interval between calls to Poll
	Interval time.Duration

	handler modbusHandler
	modbus.Client
}

func (c *Client) name() string {
	if c.Address != "" {
		return c.Address
	}
	return c.Port
}

// Connect opens the connection. It does not start polling.
func (c *Client) Connect() error {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 1 * time.Second
	}
	if c.Address != "" {
		handler := modbus.NewTCPClientHandler(c.Address)
		handler.Timeout = timeout
		handler.SlaveId = c.SlaveId
		c.handler = handler
	} else {
		baud := c.BaudRate
		if baud == 0 {
			baud = 19200
		}
		handler := modbus.NewRTUClientHandler(c.Port)
		handler.BaudRate = baud
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.Timeout = timeout
		handler.SlaveId = c.SlaveId
		c.handler = handler
	}
	if err := c.handler.Connect(); err != nil {
		return fmt.Errorf("opening %q: %w", c.name(), err)
	}
	log.Printf("opened %q", c.name())
	c.Client = modbus.NewClient(c.handler)
	return nil
}

// Run calls Poll until it fails or ctx is canceled, then closes the
// connection. There is no reconnection; callers observe the returned error.
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		if err := c.handler.Close(); err != nil {
			log.Printf("closing %q: %v", c.name(), err)
		}
	}()
	for {
		if err := c.Poll(); err != nil {
			return fmt.Errorf("polling %q: %w", c.name(), err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Interval):
		}
	}
}

// BytesToBits unpacks Modbus coil/input bytes, least significant bit first.
func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
