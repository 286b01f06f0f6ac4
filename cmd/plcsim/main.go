// Command plcsim simulates a PLC controller against an eventmon listener.
//
// It connects, optionally reports a downtime window and a burst of PLC
// events, then sends keepalives until interrupted. Every frame waits for
// the listener's ACK and the round trip is logged.
//
// # Usage
//
//	plcsim --addr 127.0.0.1:5000 --downtime 90s --events 20 --code 7 --rate 5
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/eventmon/internal/codec"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:5000", "Listener address")
		keepalive = flag.Duration("keepalive", 10*time.Second, "Keepalive interval (0 disables)")
		downtime  = flag.Duration("downtime", 0, "Report a downtime window of this length on connect")
		events    = flag.Int("events", 0, "Number of PLC events to send on connect")
		code      = flag.Uint("code", 1, "Sub-code of the PLC events")
		eventRate = flag.Float64("rate", 2, "PLC events per second")
		once      = flag.Bool("once", false, "Exit after the initial frames instead of sending keepalives")
		timeout   = flag.Duration("ack-timeout", 5*time.Second, "How long to wait for each ACK")
		debug     = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := &simulator{
		addr:       *addr,
		ackTimeout: *timeout,
		logger:     logger.With("addr", *addr),
	}

	if err := sim.connect(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("failed to connect", "error", err)
			os.Exit(1)
		}
		return
	}
	defer sim.conn.Close()

	if err := sim.script(ctx, *downtime, *events, uint32(*code), *eventRate); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
	if *once || *keepalive <= 0 {
		logger.Info("done", "frames", sim.sent)
		return
	}

	if err := sim.keepalives(ctx, *keepalive); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("keepalive failed", "error", err)
		os.Exit(1)
	}
	logger.Info("simulator stopped", "frames", sim.sent)
}

type simulator struct {
	addr       string
	ackTimeout time.Duration
	logger     *slog.Logger

	conn net.Conn
	sent int
}

// connect dials the listener, retrying every two seconds until ctx ends.
func (s *simulator) connect(ctx context.Context) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", s.addr)
		if err == nil {
			s.conn = conn
			s.logger.Info("connected", "local", conn.LocalAddr().String())
			return nil
		}
		s.logger.Warn("connect failed, retrying", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (s *simulator) script(ctx context.Context, downtime time.Duration, events int, code uint32, perSecond float64) error {
	if downtime > 0 {
		if err := s.send(codec.Encode(codec.TypeSpecial, codec.CodeDowntimeStart)); err != nil {
			return err
		}
		s.logger.Info("downtime started", "length", downtime)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(downtime):
		}
		if err := s.send(codec.Encode(codec.TypeSpecial, codec.CodeDowntimeEnd)); err != nil {
			return err
		}
		s.logger.Info("downtime ended")
	}

	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	limiter := rate.NewLimiter(limit, 1)
	for i := 0; i < events; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		frame := codec.Encode(codec.TypePLC, code, uint32(i), uint32(time.Now().Unix()))
		if err := s.send(frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *simulator) keepalives(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.send(codec.Encode(codec.TypeKeepalive, 0)); err != nil {
				return err
			}
		}
	}
}

// send writes one frame and waits for its ACK.
func (s *simulator) send(frame []byte) error {
	start := time.Now()
	if err := s.conn.SetDeadline(start.Add(s.ackTimeout)); err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	ack := make([]byte, len(codec.Ack))
	if _, err := io.ReadFull(s.conn, ack); err != nil {
		return fmt.Errorf("waiting for ACK: %w", err)
	}
	if !bytes.Equal(ack, codec.Ack) {
		return fmt.Errorf("unexpected reply %q", ack)
	}

	s.sent++
	s.logger.Debug("frame acknowledged", "bytes", len(frame), "rtt", time.Since(start))
	return nil
}
