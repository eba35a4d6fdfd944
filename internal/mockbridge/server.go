// Package mockbridge is a stand-in bridge server speaking the framed
// protocol. It backs the bridgectl mock command and client tests.
package mockbridge

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sutext.github.io/bridgelink/frame"
	"sutext.github.io/bridgelink/xlog"
)

type Error uint8

const (
	ErrServerIsClosed Error = iota + 1
	ErrConnectionIsClosed
	ErrSendingQueueIsFull
)

func (e Error) Error() string {
	switch e {
	case ErrServerIsClosed:
		return "server is closed"
	case ErrConnectionIsClosed:
		return "connection is closed"
	case ErrSendingQueueIsFull:
		return "sending queue is full"
	default:
		return "unknown error"
	}
}

// MessageHandler runs on the connection's read loop for every non-heartbeat
// frame.
type MessageHandler func(c *Conn, text string)

// Echo sends every message back to its sender.
func Echo(c *Conn, text string) {
	_ = c.Send(text)
}

type Options struct {
	logger       *xlog.Logger
	handler      MessageHandler
	heartbeat    time.Duration
	maxFrameSize int
	queueSize    int
}

type Option struct {
	f func(*Options)
}

func WithLogger(logger *xlog.Logger) Option {
	return Option{f: func(o *Options) {
		if logger != nil {
			o.logger = logger
		}
	}}
}
func WithHandler(handler MessageHandler) Option {
	return Option{f: func(o *Options) {
		if handler != nil {
			o.handler = handler
		}
	}}
}

// WithHeartbeat makes the server send its own heartbeat frames. Zero
// disables them.
func WithHeartbeat(interval time.Duration) Option {
	return Option{f: func(o *Options) {
		o.heartbeat = interval
	}}
}
func WithMaxFrameSize(size int) Option {
	return Option{f: func(o *Options) {
		if size > 0 {
			o.maxFrameSize = size
		}
	}}
}

type Server struct {
	mu       sync.Mutex
	conns    map[*Conn]struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	listener net.Listener
	logger   *xlog.Logger
	opts     *Options
}

func New(options ...Option) *Server {
	opts := &Options{
		logger:       xlog.Default(),
		handler:      func(*Conn, string) {},
		maxFrameSize: frame.DefaultMaxSize,
		queueSize:    1024,
	}
	for _, o := range options {
		o.f(opts)
	}
	return &Server{
		conns:  make(map[*Conn]struct{}),
		logger: opts.logger.With("component", "mock-bridge"),
		opts:   opts,
	}
}

// Listen binds address and serves it in the background.
func (s *Server) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	go s.Serve(ln)
	return nil
}

// Serve accepts connections on ln until Shutdown or an accept error.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerIsClosed
	}
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("mock bridge listening", xlog.Addr(ln.Addr().String()))
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerIsClosed
			}
			return err
		}
		c := newConn(raw, s)
		if !s.addConn(c) {
			raw.Close()
			return ErrServerIsClosed
		}
		s.logger.Info("client connected", xlog.Addr(c.String()))
		go c.serve()
	}
}

// Addr is the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Broadcast sends text to every connection and returns how many took it.
func (s *Server) Broadcast(text string) int {
	sent := 0
	for _, c := range s.Conns() {
		if err := c.Send(text); err == nil {
			sent++
		}
	}
	return sent
}

func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Shutdown stops accepting, closes every connection and waits for their
// goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed.Store(true)
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	for _, c := range s.Conns() {
		c.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) addConn(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) delConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}
