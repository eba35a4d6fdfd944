package mockbridge

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sutext.github.io/bridgelink/frame"
	"sutext.github.io/bridgelink/xlog"
)

// Conn is one client connected to the mock bridge.
type Conn struct {
	raw        net.Conn
	server     *Server
	logger     *xlog.Logger
	sendQueue  chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool
	heartbeats atomic.Int64
}

func newConn(raw net.Conn, server *Server) *Conn {
	return &Conn{
		raw:       raw,
		server:    server,
		logger:    server.logger.With("remote", raw.RemoteAddr().String()),
		sendQueue: make(chan []byte, server.opts.queueSize),
		done:      make(chan struct{}),
	}
}

func (c *Conn) String() string {
	return c.raw.RemoteAddr().String()
}

// Heartbeats counts heartbeat frames received from the client.
func (c *Conn) Heartbeats() int64 {
	return c.heartbeats.Load()
}

// Send queues text as one frame. It never blocks.
func (c *Conn) Send(text string) error {
	return c.sendRaw(frame.Encode(text))
}

// SendRaw queues bytes as they are, framed or not.
func (c *Conn) SendRaw(b []byte) error {
	return c.sendRaw(append([]byte(nil), b...))
}

func (c *Conn) sendRaw(b []byte) error {
	if c.closed.Load() {
		return ErrConnectionIsClosed
	}
	select {
	case c.sendQueue <- b:
		return nil
	case <-c.done:
		return ErrConnectionIsClosed
	default:
		return ErrSendingQueueIsFull
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.raw.Close()
		c.server.delConn(c)
		c.logger.Info("client disconnected")
	})
}

func (c *Conn) serve() {
	defer c.server.wg.Done()
	defer c.Close()
	go c.writeLoop()
	if c.server.opts.heartbeat > 0 {
		go c.heartbeatLoop(c.server.opts.heartbeat)
	}
	dec := frame.NewDecoder(c.server.opts.maxFrameSize)
	buf := make([]byte, 1024)
	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			derr := dec.AddBytes(buf[:n])
			for _, f := range dec.ReadAll() {
				text := string(f)
				if text == frame.Heartbeat {
					c.heartbeats.Add(1)
					continue
				}
				c.logger.Debug("message received", xlog.Msg(text))
				c.server.opts.handler(c, text)
			}
			if derr != nil {
				c.logger.Warn("invalid framing from client", xlog.Err(derr))
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				c.logger.Debug("read failed", xlog.Err(err))
			}
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case b := <-c.sendQueue:
			if _, err := c.raw.Write(b); err != nil {
				c.logger.Debug("write failed", xlog.Err(err))
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Send(frame.Heartbeat); errors.Is(err, ErrConnectionIsClosed) {
				return
			}
		case <-c.done:
			return
		}
	}
}
