package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"sutext.github.io/bridgelink/frame"
	"sutext.github.io/bridgelink/internal/keepalive"
	"sutext.github.io/bridgelink/internal/metrics"
	"sutext.github.io/bridgelink/internal/queue"
	"sutext.github.io/bridgelink/xlog"
)

// ErrClientClosed is returned by SendMessage once Close has stopped the client.
var ErrClientClosed = errors.New("client is closed")

// Client is a single connection to a bridge server.
type Client interface {
	Status() Status
	// Connect dials host on the configured port and blocks until the
	// attempt resolves. It does nothing when a connection exists or an
	// attempt is already in flight. Failures are logged, never returned.
	Connect(ctx context.Context, host string)
	// Disconnect closes the connection, if any. Safe to call at any time.
	Disconnect()
	// SendMessage frames text and writes it. It returns nil without writing
	// when the client is not connected. text must be ASCII without STX/ETX.
	SendMessage(ctx context.Context, text string) error
	// Close disconnects and stops the heartbeat. The client is unusable after.
	Close()
}

type client struct {
	mu          sync.Mutex
	status      Status
	conn        *conn
	attempt     uint64
	cancelDial  context.CancelFunc
	closed      bool
	opts        *Options
	logger      *xlog.Logger
	handler     Handler
	metrics     *metrics.Metrics
	sendQueue   *queue.Queue
	notifyQueue *queue.Queue
	keepalive   *keepalive.KeepAlive
}

// New creates a disconnected client and starts its heartbeat, which runs
// until Close.
func New(options ...Option) Client {
	opts := newOptions(options...)
	c := &client{
		status:      StatusDisconnected,
		opts:        opts,
		logger:      opts.logger.With("component", "bridge-client"),
		handler:     opts.handler,
		metrics:     opts.metrics,
		sendQueue:   queue.New(opts.sendQueueSize),
		notifyQueue: queue.New(1024),
	}
	c.keepalive = keepalive.New(opts.keepAliveInterval, func(ctx context.Context) error {
		return c.sendHeartbeat(ctx)
	})
	c.keepalive.ErrorFunc(func(err error) {
		c.logger.Warn("keep-alive send failed", xlog.Err(err))
	})
	c.metrics.SetStatus(int(StatusDisconnected))
	c.keepalive.Start()
	return c
}

func (c *client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *client) Connect(ctx context.Context, host string) {
	c.mu.Lock()
	if c.closed || c.status != StatusDisconnected {
		c.mu.Unlock()
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()
	c.attempt++
	attempt := c.attempt
	c.cancelDial = cancel
	c._setStatus(StatusConnecting)
	c.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(c.opts.port))
	c.logger.Debug("connecting", xlog.Addr(addr), xlog.Duration("timeout", c.opts.connectTimeout))
	nc, err := c.opts.dialer.DialContext(dialCtx, "tcp", addr)

	c.mu.Lock()
	current := c.attempt == attempt && c.status == StatusConnecting
	if current {
		c.cancelDial = nil
	}
	if err != nil {
		if !current {
			c.mu.Unlock()
			c.metrics.ConnectAttempt(metrics.ResultCancelled)
			c.logger.Info("connect abandoned by disconnect", xlog.Addr(addr))
			return
		}
		c._setStatus(StatusDisconnected)
		c.mu.Unlock()
		c.logDialFailure(ctx, dialCtx, addr, err)
		return
	}
	if !current {
		c.mu.Unlock()
		_ = nc.Close()
		c.metrics.ConnectAttempt(metrics.ResultCancelled)
		c.logger.Info("connect abandoned by disconnect", xlog.Addr(addr))
		return
	}
	cn := newConn(nc)
	c.conn = cn
	c._setStatus(StatusConnected)
	c.mu.Unlock()

	c.metrics.ConnectAttempt(metrics.ResultConnected)
	c.logger.Info("connected to bridge", xlog.Addr(addr))
	go c.recv(cn)
}

func (c *client) logDialFailure(ctx, dialCtx context.Context, addr string, err error) {
	switch {
	case ctx.Err() != nil:
		c.metrics.ConnectAttempt(metrics.ResultCancelled)
		c.logger.Info("connect cancelled", xlog.Addr(addr), xlog.Err(err))
	case errors.Is(dialCtx.Err(), context.DeadlineExceeded):
		c.metrics.ConnectAttempt(metrics.ResultTimeout)
		c.logger.Warn("timed out connecting to bridge", xlog.Addr(addr), xlog.Duration("timeout", c.opts.connectTimeout))
	default:
		c.metrics.ConnectAttempt(metrics.ResultFailed)
		c.logger.Error("couldn't connect to bridge", xlog.Addr(addr), xlog.Err(err))
	}
}

func (c *client) Disconnect() {
	c.disconnect(nil, CloseReasonNormal)
}

// disconnect tears down target, or whatever is current when target is nil.
// A stale target only closes itself and leaves the client alone.
func (c *client) disconnect(target *conn, reason CloseReason) {
	c.mu.Lock()
	if target != nil && target != c.conn {
		c.mu.Unlock()
		_ = target.Close()
		return
	}
	cn := c.conn
	c.conn = nil
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	changed := c.status != StatusDisconnected
	c._setStatus(StatusDisconnected)
	c.mu.Unlock()

	if cn != nil {
		_ = cn.Close()
	}
	if changed {
		c.metrics.Disconnected(reason.label())
		c.logger.Info("disconnected", xlog.String("reason", reason.String()))
	}
}

func (c *client) SendMessage(ctx context.Context, text string) error {
	return c.send(ctx, text, false)
}

func (c *client) sendHeartbeat(ctx context.Context) error {
	return c.send(ctx, frame.Heartbeat, true)
}

func (c *client) send(ctx context.Context, text string, heartbeat bool) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return nil
	}
	return c.write(ctx, cn, frame.Encode(text), heartbeat)
}

// write hands the frame to the send queue so heartbeats and application
// sends never interleave on the stream. Heartbeats jump ahead of waiting
// application frames.
func (c *client) write(ctx context.Context, cn *conn, data []byte, heartbeat bool) error {
	result := make(chan error, 1)
	task := func() {
		if err := ctx.Err(); err != nil {
			result <- err
			return
		}
		if _, err := cn.Write(data); err != nil {
			c.metrics.SendFailed()
			if !cn.Closed() {
				c.logger.Error("write failed", xlog.Err(err))
			}
			c.disconnect(cn, CloseReasonNetworkError)
			result <- err
			return
		}
		c.metrics.FrameSent(heartbeat)
		result <- nil
	}
	var err error
	if heartbeat {
		err = c.sendQueue.Jump(task)
	} else {
		err = c.sendQueue.Push(task)
	}
	if errors.Is(err, queue.ErrQueueIsStoped) {
		return ErrClientClosed
	}
	if err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.disconnect(nil, CloseReasonNormal)
	c.keepalive.Stop()
	c.sendQueue.Close()
	// Close may run on the notify worker itself, from OnStatus.
	c.notifyQueue.Stop()
}

// _setStatus must be called with c.mu held. Observers are notified in order
// on the notify queue, outside the lock.
func (c *client) _setStatus(status Status) {
	if c.status == status {
		return
	}
	if !canTransition(c.status, status) && status != StatusDisconnected {
		c.logger.Error("illegal status change", xlog.String("from", c.status.String()), xlog.String("to", status.String()))
		return
	}
	c.logger.Debug("status change", xlog.String("from", c.status.String()), xlog.String("to", status.String()))
	c.status = status
	c.metrics.SetStatus(int(status))
	if err := c.notifyQueue.Push(func() { c.handler.OnStatus(status) }); err != nil && !errors.Is(err, queue.ErrQueueIsStoped) {
		c.logger.Warn("status notification dropped", xlog.String("status", status.String()), xlog.Err(err))
	}
}
