package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/iamburitto/cofe-ground-operations/rotator"
)

// rotctldTimeout bounds each command issued on behalf of a rotctld client.
const rotctldTimeout = 30 * time.Second

func (s *Server) ListenRotctld(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("rotctld listening on %s", ln.Addr())
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("failed to accept: %v", err)
				}
				continue
			}
			go s.handleRotctld(ctx, conn)
		}
	}()
	return nil
}

func parseFloats(args []string) ([]float64, bool) {
	out := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// rotctld error codes
const (
	rprtOK     = 0
	rprtEINVAL = -1
	rprtEIO    = -6
)

func (s *Server) handleRotctld(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log.Printf("accepted connection from %v", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Fields(cmd)
			cmd = parts[0][2:]
			args = parts[1:]
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(cmd[1:])
			}
			cmd = string(cmd[0])
		}
		log.Printf("%v command: %q args: %#v", conn.RemoteAddr(), cmd, args)
		rprt := rprtOK
		cctx, cancel := context.WithTimeout(ctx, rotctldTimeout)
		run := func(err error) {
			if err != nil {
				log.Printf("rotctld %s: %v", cmd, err)
				rprt = rprtEIO
			}
		}
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprint(conn, `Model name: COFE mount
Mfg name: Galil
Rot type: Az-El
Min Azimuth: 0.00
Max Azimuth: 360.00
Min Elevation: -10.00
Max Elevation: 90.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: N
Can Reset: N
Can Move: Y
Can get Info: Y
`)
		case "_", "get_info":
			fmt.Fprint(conn, "COFE mount\n")
		case "S", "stop":
			extended = true // always print RPRT
			run(s.m.Stop(cctx, rotator.AllAxes))
		case "P", "set_pos":
			extended = true // always print RPRT
			v, ok := parseFloats(args)
			if !ok || len(v) != 2 {
				rprt = rprtEINVAL
				break
			}
			run(s.m.Goto(cctx, v[0], v[1]))
		case "M", "move":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = rprtEINVAL
				break
			}
			dir, err := strconv.Atoi(args[0])
			if err != nil {
				rprt = rprtEINVAL
				break
			}
			// Speed is 0-100. We divide by 10 to get deg/sec.
			speed, err := strconv.Atoi(args[1])
			if err != nil {
				rprt = rprtEINVAL
				break
			}
			axis := rotator.Elevation
			switch dir {
			case 4: // Down
				speed *= -1
			case 2: // Up
			case 8: // Left
				speed *= -1
				axis = rotator.Azimuth
			case 16: // Right
				axis = rotator.Azimuth
			default:
				rprt = rprtEINVAL
			}
			if rprt == rprtOK {
				run(s.m.Jog(cctx, axis, float64(speed)/10))
			}
		case "p", "get_pos":
			status := s.Status()
			if status.Error != "" {
				rprt = rprtEIO
				break
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", status.Az, status.El)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", status.Az, status.El)
			}
		default:
			rprt = rprtEINVAL
		}
		cancel()
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", conn.RemoteAddr(), err)
	}
}
