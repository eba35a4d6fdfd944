package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sutext.github.io/bridgelink/client"
	"sutext.github.io/bridgelink/xlog"
)

type benchOptions struct {
	host     string
	port     int
	clients  int
	rate     int
	interval time.Duration
	duration time.Duration
	size     int
}

func (o *benchOptions) validate() error {
	if o.clients <= 0 {
		return fmt.Errorf("invalid clients: %d", o.clients)
	}
	if o.rate <= 0 {
		return fmt.Errorf("invalid rate: %d", o.rate)
	}
	if o.interval <= 0 {
		return fmt.Errorf("invalid interval: %s", o.interval)
	}
	if o.duration <= 0 {
		return fmt.Errorf("invalid duration: %s", o.duration)
	}
	if o.size < 0 {
		return fmt.Errorf("invalid size: %d", o.size)
	}
	return nil
}

func benchCmd(configPath *string) *cobra.Command {
	o := &benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench [host]",
		Short: "Load a bridge with many concurrent clients",
		Long: `Open clients at a fixed rate, have each send a message every interval,
and report what was sent and received when the duration is over.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			o.host = cfg.Host
			if len(args) == 1 {
				o.host = args[0]
			}
			if o.port == 0 {
				o.port = cfg.Port()
			}
			if err := o.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := xlog.New(newLogHandler(cfg, cmd.ErrOrStderr()))
			r := newBench(o, logger).run(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), r)
			return nil
		},
	}
	cmd.Flags().IntVarP(&o.port, "port", "p", 0, "bridge port (default: the target's port)")
	cmd.Flags().IntVarP(&o.clients, "clients", "n", 10, "number of clients")
	cmd.Flags().IntVar(&o.rate, "rate", 10, "clients opened per second")
	cmd.Flags().DurationVar(&o.interval, "interval", time.Second, "send interval per client")
	cmd.Flags().DurationVarP(&o.duration, "duration", "d", 30*time.Second, "total run time")
	cmd.Flags().IntVar(&o.size, "size", 32, "payload padding in bytes")
	return cmd
}

type benchResult struct {
	Clients   int
	Connected int64
	Failed    int64
	Sent      int64
	Received  int64
	Errors    int64
	Elapsed   time.Duration
}

func (r benchResult) String() string {
	return fmt.Sprintf("clients=%d connected=%d failed=%d sent=%d received=%d errors=%d elapsed=%s",
		r.Clients, r.Connected, r.Failed, r.Sent, r.Received, r.Errors, r.Elapsed.Round(time.Millisecond))
}

type bench struct {
	opts      *benchOptions
	logger    *xlog.Logger
	padding   string
	connected atomic.Int64
	failed    atomic.Int64
	sent      atomic.Int64
	received  atomic.Int64
	errors    atomic.Int64
}

func newBench(opts *benchOptions, logger *xlog.Logger) *bench {
	return &bench{
		opts:    opts,
		logger:  logger,
		padding: strings.Repeat("x", opts.size),
	}
}

func (b *bench) run(ctx context.Context) benchResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, b.opts.duration)
	defer cancel()

	var wg sync.WaitGroup
	ticker := time.NewTicker(time.Second / time.Duration(b.opts.rate))
	defer ticker.Stop()
	opened := 0
spawn:
	for i := range b.opts.clients {
		if i > 0 {
			select {
			case <-ctx.Done():
				break spawn
			case <-ticker.C:
			}
		}
		opened++
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.runClient(ctx, i)
		}()
	}
	wg.Wait()
	return benchResult{
		Clients:   opened,
		Connected: b.connected.Load(),
		Failed:    b.failed.Load(),
		Sent:      b.sent.Load(),
		Received:  b.received.Load(),
		Errors:    b.errors.Load(),
		Elapsed:   time.Since(start),
	}
}

func (b *bench) runClient(ctx context.Context, id int) {
	c := client.New(
		client.WithPort(b.opts.port),
		client.WithLogger(b.logger.With("client", id)),
		client.WithHandler(client.HandlerFuncs{
			Message: func(string) { b.received.Add(1) },
		}),
	)
	defer c.Close()
	c.Connect(ctx, b.opts.host)
	if c.Status() != client.StatusConnected {
		b.failed.Add(1)
		return
	}
	b.connected.Add(1)

	ticker := time.NewTicker(b.opts.interval)
	defer ticker.Stop()
	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.Status() != client.StatusConnected {
			b.logger.Warn("bench client lost its connection", xlog.Int("client", id))
			return
		}
		msg := fmt.Sprintf("client-%d seq-%d %s", id, seq, b.padding)
		if err := c.SendMessage(ctx, msg); err != nil {
			if ctx.Err() == nil {
				b.errors.Add(1)
				b.logger.Error("bench send failed", xlog.Int("client", id), xlog.Err(err))
			}
			continue
		}
		b.sent.Add(1)
	}
}
