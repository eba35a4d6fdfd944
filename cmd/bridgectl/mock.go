package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sutext.github.io/bridgelink/internal/mockbridge"
	"sutext.github.io/bridgelink/xlog"
)

func mockCmd(configPath *string) *cobra.Command {
	var (
		listen    string
		echo      bool
		heartbeat time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run a stand-in bridge server",
		Long: `Run a local bridge server for development. Received messages are logged,
and every stdin line is broadcast to all connected clients.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			logger := xlog.New(newLogHandler(cfg, cmd.ErrOrStderr()))
			opts := []mockbridge.Option{
				mockbridge.WithLogger(logger),
				mockbridge.WithHeartbeat(heartbeat),
			}
			if echo {
				opts = append(opts, mockbridge.WithHandler(mockbridge.Echo))
			}
			if listen == "" {
				listen = ":" + strconv.Itoa(cfg.Port())
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMock(ctx, listen, cmd.InOrStdin(), logger, opts...)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default: the target's port)")
	cmd.Flags().BoolVar(&echo, "echo", false, "send every message back to its sender")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 0, "send heartbeats at this interval")
	return cmd
}

func runMock(ctx context.Context, listen string, in io.Reader, logger *xlog.Logger, opts ...mockbridge.Option) error {
	s := mockbridge.New(opts...)
	if err := s.Listen(listen); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			logger.Warn("mock bridge shutdown", xlog.Err(err))
		}
	}()

	go func() {
		readLine := scanLines(in)
		for {
			line, err := readLine()
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || checkText(line) != nil {
				continue
			}
			n := s.Broadcast(line)
			logger.Info("broadcast", xlog.Msg(line), xlog.Int("clients", n))
		}
	}()
	<-ctx.Done()
	return nil
}
