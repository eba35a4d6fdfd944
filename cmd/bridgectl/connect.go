package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"sutext.github.io/bridgelink/internal/metrics"
	"sutext.github.io/bridgelink/xlog"
)

func connectCmd(configPath *string) *cobra.Command {
	var (
		target string
		port   int
	)
	cmd := &cobra.Command{
		Use:   "connect [host]",
		Short: "Open an interactive session with a bridge",
		Long: `Connect to the bridge and send every input line as a frame.
Messages from the bridge are printed as they arrive; heartbeats are hidden.

Session commands:
  /disconnect  drop the connection
  /reconnect   drop the connection and dial again
  /quit        leave`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(*configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Host = args[0]
			}
			if target != "" {
				cfg.Target = target
			}
			if port > 0 {
				cfg.Targets[cfg.Target] = port
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "deployment target (sentinel, apex, ...)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override the target's port")
	return cmd
}

func runConnect(ctx context.Context, cfg *config) error {
	var (
		out      io.Writer = os.Stdout
		readLine func() (string, error)
	)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(fd, oldState)
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, "> ")
		out = t
		readLine = t.ReadLine
	} else {
		readLine = scanLines(os.Stdin)
	}

	var logOut io.Writer = out
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}
	s := newSession(cfg, out, readLine, logOut)

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		s.metrics = metrics.New(metrics.WithRegistry(reg))
		stop := serveMetrics(cfg.MetricsAddr, reg, s.logger)
		defer stop()
	}
	return s.run(ctx)
}

func scanLines(r io.Reader) func() (string, error) {
	sc := bufio.NewScanner(r)
	return func() (string, error) {
		if sc.Scan() {
			return sc.Text(), nil
		}
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
}

func newLogHandler(cfg *config, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *xlog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", xlog.Addr(addr), xlog.Err(err))
		}
	}()
	logger.Info("serving metrics", xlog.Addr(addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
