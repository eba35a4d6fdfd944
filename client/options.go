package client

import (
	"context"
	"net"
	"time"

	"sutext.github.io/bridgelink/frame"
	"sutext.github.io/bridgelink/internal/metrics"
	"sutext.github.io/bridgelink/xlog"
)

// Bridge ports. One is active per deployment.
const (
	PortSentinel = 7030
	PortApex     = 7040
	DefaultPort  = PortApex
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultKeepAliveInterval = 10 * time.Second
	DefaultReadBufferSize    = 256
	DefaultSendQueueSize     = 64
)

// Handler receives client events. Both methods run on client goroutines:
// OnMessage on the read loop, so a slow OnMessage delays the next read;
// OnStatus on a notification goroutine, in transition order. Either may call
// any Client method, Close included.
type Handler interface {
	OnStatus(status Status)
	OnMessage(text string)
}

type emptyHandler struct{}

func (h *emptyHandler) OnStatus(status Status) {}
func (h *emptyHandler) OnMessage(text string)  {}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Status  func(Status)
	Message func(string)
}

func (h HandlerFuncs) OnStatus(status Status) {
	if h.Status != nil {
		h.Status(status)
	}
}
func (h HandlerFuncs) OnMessage(text string) {
	if h.Message != nil {
		h.Message(text)
	}
}

// Dialer opens the transport. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Options struct {
	port              int
	handler           Handler
	logger            *xlog.Logger
	metrics           *metrics.Metrics
	dialer            Dialer
	connectTimeout    time.Duration
	keepAliveInterval time.Duration
	readBufferSize    int
	maxFrameSize      int
	sendQueueSize     int
}

type Option struct {
	f func(*Options)
}

func newOptions(options ...Option) *Options {
	opts := &Options{
		port:              DefaultPort,
		handler:           &emptyHandler{},
		logger:            xlog.Default(),
		dialer:            &net.Dialer{},
		connectTimeout:    DefaultConnectTimeout,
		keepAliveInterval: DefaultKeepAliveInterval,
		readBufferSize:    DefaultReadBufferSize,
		maxFrameSize:      frame.DefaultMaxSize,
		sendQueueSize:     DefaultSendQueueSize,
	}
	for _, o := range options {
		o.f(opts)
	}
	return opts
}
func WithPort(port int) Option {
	return Option{f: func(o *Options) {
		if port > 0 {
			o.port = port
		}
	}}
}
func WithHandler(handler Handler) Option {
	return Option{f: func(o *Options) {
		if handler != nil {
			o.handler = handler
		}
	}}
}
func WithLogger(logger *xlog.Logger) Option {
	return Option{f: func(o *Options) {
		if logger != nil {
			o.logger = logger
		}
	}}
}
func WithMetrics(m *metrics.Metrics) Option {
	return Option{f: func(o *Options) {
		o.metrics = m
	}}
}
func WithDialer(dialer Dialer) Option {
	return Option{f: func(o *Options) {
		if dialer != nil {
			o.dialer = dialer
		}
	}}
}
func WithConnectTimeout(timeout time.Duration) Option {
	return Option{f: func(o *Options) {
		if timeout > 0 {
			o.connectTimeout = timeout
		}
	}}
}
func WithKeepAliveInterval(interval time.Duration) Option {
	return Option{f: func(o *Options) {
		if interval > 0 {
			o.keepAliveInterval = interval
		}
	}}
}
func WithReadBufferSize(size int) Option {
	return Option{f: func(o *Options) {
		if size > 0 {
			o.readBufferSize = size
		}
	}}
}
func WithMaxFrameSize(size int) Option {
	return Option{f: func(o *Options) {
		if size > 0 {
			o.maxFrameSize = size
		}
	}}
}
func WithSendQueueSize(size int) Option {
	return Option{f: func(o *Options) {
		if size > 0 {
			o.sendQueueSize = size
		}
	}}
}
