package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"sutext.github.io/bridgelink/client"
	"sutext.github.io/bridgelink/frame"
	"sutext.github.io/bridgelink/internal/metrics"
	"sutext.github.io/bridgelink/xlog"
)

// session is one interactive console bound to a client.
type session struct {
	cfg      *config
	readLine func() (string, error)
	logger   *xlog.Logger
	logs     *xlog.Broadcaster
	metrics  *metrics.Metrics
	mu       sync.Mutex
	out      io.Writer
}

func newSession(cfg *config, out io.Writer, readLine func() (string, error), logOut io.Writer) *session {
	logs := xlog.NewBroadcaster(newLogHandler(cfg, logOut))
	return &session{
		cfg:      cfg,
		readLine: readLine,
		logger:   xlog.New(logs),
		logs:     logs,
		out:      out,
	}
}

func (s *session) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *session) run(ctx context.Context) error {
	if s.cfg.LogFile != "" {
		// the log goes to a file; keep problems visible on the console
		cancel := s.logs.SubscribeLevel(slog.LevelWarn, func(e xlog.Entry) {
			s.printf("! %s", e)
		})
		defer cancel()
	}

	c := client.New(
		client.WithPort(s.cfg.Port()),
		client.WithLogger(s.logger),
		client.WithMetrics(s.metrics),
		client.WithConnectTimeout(s.cfg.ConnectTimeout),
		client.WithKeepAliveInterval(s.cfg.KeepAlive),
		client.WithHandler(client.HandlerFuncs{
			Status:  func(st client.Status) { s.printf("* %s", st) },
			Message: func(text string) { s.printf("< %s", text) },
		}),
	)
	defer c.Close()

	s.printf("* bridge %s target %s port %d", s.cfg.Host, s.cfg.Target, s.cfg.Port())
	c.Connect(ctx, s.cfg.Host)

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		for {
			line, err := s.readLine()
			if err != nil {
				errc <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			switch strings.TrimSpace(line) {
			case "":
			case "/quit":
				return nil
			case "/disconnect":
				c.Disconnect()
			case "/reconnect":
				c.Disconnect()
				c.Connect(ctx, s.cfg.Host)
			default:
				s.send(ctx, c, line)
			}
		}
	}
}

func (s *session) send(ctx context.Context, c client.Client, line string) {
	if err := checkText(line); err != nil {
		s.printf("! %v", err)
		return
	}
	if c.Status() != client.StatusConnected {
		s.printf("! not connected, use /reconnect")
		return
	}
	if err := c.SendMessage(ctx, line); err != nil {
		s.printf("! %v", err)
	}
}

// checkText rejects input that cannot travel in a frame.
func checkText(text string) error {
	for i := 0; i < len(text); i++ {
		switch b := text[i]; {
		case b == frame.STX || b == frame.ETX:
			return fmt.Errorf("control byte 0x%02X at offset %d", b, i)
		case b > 0x7f:
			return fmt.Errorf("non-ASCII byte at offset %d", i)
		}
	}
	return nil
}
