// Package keepalive runs the periodic heartbeat of a client.
package keepalive

import (
	"context"
	"sync"
	"time"
)

// KeepAlive calls its send function once per interval until stopped. It does
// not look at connection state: sending while disconnected is the send
// function's business.
type KeepAlive struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
	sendFunc func(ctx context.Context) error
	errFunc  func(error)
}

func New(interval time.Duration, send func(ctx context.Context) error) *KeepAlive {
	return &KeepAlive{
		interval: interval,
		sendFunc: send,
	}
}

// ErrorFunc sets the observer for failed sends. Must be called before Start.
func (k *KeepAlive) ErrorFunc(f func(error)) {
	k.errFunc = f
}

func (k *KeepAlive) Interval() time.Duration {
	return k.interval
}

// Start launches the ticker goroutine. Calling Start on a running KeepAlive
// does nothing.
func (k *KeepAlive) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.done = make(chan struct{})
	go k.run(ctx, k.done)
}

// Stop cancels any in-flight send and waits for the goroutine to exit.
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel, k.done = nil, nil
	k.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (k *KeepAlive) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cancel != nil
}

func (k *KeepAlive) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.sendFunc(ctx); err != nil && ctx.Err() == nil && k.errFunc != nil {
				k.errFunc(err)
			}
		}
	}
}
