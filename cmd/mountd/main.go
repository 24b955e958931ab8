// Command mountd drives the telescope mount and serves its telemetry over
// HTTP, a websocket and the Hamlib rotctld protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/iamburitto/cofe-ground-operations/calibration"
	"github.com/iamburitto/cofe-ground-operations/coords"
	"github.com/iamburitto/cofe-ground-operations/encoder"
	"github.com/iamburitto/cofe-ground-operations/galil"
	"github.com/iamburitto/cofe-ground-operations/internal/metrics"
	"github.com/iamburitto/cofe-ground-operations/mount"
	"golang.org/x/sync/errgroup"
)

var (
	configPath   = flag.String("config", "config.txt", "calibration file")
	controller   = flag.String("controller", "", "controller host:port or serial device (default IP:PORT from the calibration file)")
	baud         = flag.Int("baud", 19200, "controller baud rate for serial devices")
	simulate     = flag.Bool("simulate", false, "drive a simulated controller")
	readTimeout  = flag.Duration("read_timeout", 10*time.Second, "controller reply timeout")
	retries      = flag.Int("retries", 3, "retries for empty or malformed controller replies")
	motorsOff    = flag.Bool("motors_off_on_exit", true, "turn the motors off when exiting")
	pollInterval = flag.Duration("poll_interval", 50*time.Millisecond, "telemetry poll interval")
	slewSpeed    = flag.Float64("slew_speed", 0, "goto speed in degrees/second (0 keeps the controller setting)")
	addr         = flag.String("addr", "127.0.0.1:8502", "address to listen on")
	rotctldAddr  = flag.String("rotctld_addr", "", "address to serve rotctld on (empty disables)")
	staticDir    = flag.String("static_dir", "static", "directory containing static files")
	password     = flag.String("password", "", "password required for commands (empty allows anyone)")
	encAddress   = flag.String("encoder_address", "", "Modbus/TCP address of the encoder input module")
	encSerial    = flag.String("encoder_serial", "", "serial port of the encoder input module (Modbus RTU)")
	encBaud      = flag.Int("encoder_baud", 19200, "encoder module baud rate")
	encSlave     = flag.Int("encoder_slave", 1, "encoder module slave ID")
	encInterval  = flag.Duration("encoder_interval", 100*time.Millisecond, "encoder poll interval")
	encMaxAge    = flag.Duration("encoder_max_age", time.Second, "oldest encoder sample to report")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func openController(ctx context.Context, g *errgroup.Group, cal *calibration.Store) (*galil.Link, error) {
	cfg := galil.Config{
		ReadTimeout: *readTimeout,
		Retries:     *retries,
		Baud:        *baud,
	}
	if *retries == 0 {
		cfg.Retries = -1
	}
	if *simulate {
		sim, conn := galil.NewSimulator()
		g.Go(func() error { return sim.Run(ctx) })
		log.Print("using simulated controller")
		return galil.New(conn, "simulator", cfg), nil
	}
	target := *controller
	if target == "" {
		target = cal.Params().ControllerAddress()
	}
	return galil.Dial(ctx, target, cfg)
}

func openEncoder(ctx context.Context) (encoder.Source, error) {
	if *encAddress == "" && *encSerial == "" {
		return nil, nil
	}
	return encoder.ConnectModbus(ctx, encoder.ModbusConfig{
		Address:  *encAddress,
		Port:     *encSerial,
		BaudRate: *encBaud,
		SlaveId:  byte(*encSlave),
		Interval: *encInterval,
		MaxAge:   *encMaxAge,
	})
}

func run() error {
	cal, err := calibration.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	link, err := openController(ctx, g, cal)
	if err != nil {
		return err
	}
	defer link.Close(*motorsOff)

	enc, err := openEncoder(ctx)
	if err != nil {
		return err
	}

	m := mount.New(link, coords.New(cal), enc, mount.Config{SlewSpeed: *slewSpeed})
	s := NewServer(m, *password)
	g.Go(func() error { return s.PollLoop(ctx, *pollInterval) })

	if *rotctldAddr != "" {
		if err := s.ListenRotctld(ctx, *rotctldAddr); err != nil {
			return err
		}
	}

	r := mux.NewRouter()
	s.Register(r)
	r.Handle("/metrics", metrics.Handler())
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(*staticDir)))
	r.Use(metrics.Middleware)
	srv := &http.Server{
		Handler:      r,
		Addr:         *addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Print("shutdown; closing HTTP server")
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error {
		log.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
