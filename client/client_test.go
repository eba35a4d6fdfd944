package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"sutext.github.io/bridgelink/frame"
	"sutext.github.io/bridgelink/internal/metrics"
	"sutext.github.io/bridgelink/xlog"
)

// bridge is a loopback stand-in for the real bridge server.
type bridge struct {
	ln    net.Listener
	host  string
	port  int
	conns chan net.Conn
}

func startBridge(t *testing.T) *bridge {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	b := &bridge{ln: ln, host: host, port: p, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns <- c
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		for {
			select {
			case c := <-b.conns:
				c.Close()
			default:
				return
			}
		}
	})
	return b
}

func (b *bridge) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client connection")
		return nil
	}
}

func (b *bridge) noAccept(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case c := <-b.conns:
		c.Close()
		t.Fatal("unexpected second connection")
	case <-time.After(wait):
	}
}

// recorder is a Handler collecting everything it is told.
type recorder struct {
	mu       sync.Mutex
	statuses []Status
	messages chan string
}

func newRecorder() *recorder {
	return &recorder{messages: make(chan string, 256)}
}

func (r *recorder) OnStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) OnMessage(text string) {
	r.messages <- text
}

func (r *recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case m := <-r.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return ""
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case m := <-r.messages:
		t.Fatalf("unexpected message %q", m)
	case <-time.After(wait):
	}
}

func newTestClient(t *testing.T, b *bridge, h Handler, opts ...Option) *client {
	t.Helper()
	base := []Option{
		WithLogger(xlog.Discard()),
		WithHandler(h),
		WithKeepAliveInterval(time.Hour),
	}
	if b != nil {
		base = append(base, WithPort(b.port))
	}
	c := New(append(base, opts...)...).(*client)
	t.Cleanup(c.Close)
	return c
}

func waitStatus(t *testing.T, c Client, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Status() == want }, 2*time.Second, 5*time.Millisecond,
		"status never became %s", want)
}

func readFrame(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

// blockingDialer never connects; it returns once its context ends.
type blockingDialer struct {
	entered chan struct{}
}

func (d *blockingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConnectSendReceive(t *testing.T) {
	b := startBridge(t)
	rec := newRecorder()
	c := newTestClient(t, b, rec)

	assert.Equal(t, StatusDisconnected, c.Status())
	c.Connect(context.Background(), b.host)
	require.Equal(t, StatusConnected, c.Status())
	server := b.accept(t)

	require.NoError(t, c.SendMessage(context.Background(), "AB"))
	assert.Equal(t, []byte{0x02, 0x41, 0x42, 0x03, '0', '2', '8', '8'}, readFrame(t, server, 8))

	_, err := server.Write(append(frame.Encode("hello"), frame.Encode("world")...))
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.next(t))
	assert.Equal(t, "world", rec.next(t))

	require.Eventually(t, func() bool {
		s := rec.Statuses()
		return len(s) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, rec.Statuses())
}

func TestHeartbeatNotDelivered(t *testing.T) {
	b := startBridge(t)
	rec := newRecorder()
	c := newTestClient(t, b, rec)
	c.Connect(context.Background(), b.host)
	server := b.accept(t)

	var in []byte
	in = append(in, frame.Encode(frame.Heartbeat)...)
	in = append(in, frame.Encode("status ok")...)
	in = append(in, frame.Encode(frame.Heartbeat)...)
	_, err := server.Write(in)
	require.NoError(t, err)

	assert.Equal(t, "status ok", rec.next(t))
	rec.none(t, 50*time.Millisecond)
}

func TestReceiveAcrossSmallReads(t *testing.T) {
	b := startBridge(t)
	rec := newRecorder()
	c := newTestClient(t, b, rec, WithReadBufferSize(3))
	c.Connect(context.Background(), b.host)
	server := b.accept(t)

	want := []string{"first message", "second", "", "third one here"}
	var in []byte
	for _, m := range want {
		in = append(in, frame.Encode(m)...)
	}
	for i := range in {
		_, err := server.Write(in[i : i+1])
		require.NoError(t, err)
	}
	for _, m := range want {
		assert.Equal(t, m, rec.next(t))
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := newTestClient(t, nil, newRecorder())
	assert.NoError(t, c.SendMessage(context.Background(), "dropped"))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	b := startBridge(t)
	c := newTestClient(t, b, newRecorder())
	c.Connect(context.Background(), b.host)
	b.accept(t)

	c.Connect(context.Background(), b.host)
	assert.Equal(t, StatusConnected, c.Status())
	b.noAccept(t, 100*time.Millisecond)
}

func TestConnectWhileConnectingIsNoop(t *testing.T) {
	d := &blockingDialer{entered: make(chan struct{}, 1)}
	c := newTestClient(t, nil, newRecorder(), WithDialer(d), WithConnectTimeout(time.Minute))

	done := make(chan struct{})
	go func() {
		c.Connect(context.Background(), "bridge.invalid")
		close(done)
	}()
	<-d.entered
	assert.Equal(t, StatusConnecting, c.Status())

	returned := make(chan struct{})
	go func() {
		c.Connect(context.Background(), "bridge.invalid")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("second Connect blocked")
	}

	c.Disconnect()
	<-done
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConnectTimeout(t *testing.T) {
	d := &blockingDialer{entered: make(chan struct{}, 1)}
	rec := newRecorder()
	c := newTestClient(t, nil, rec, WithDialer(d), WithConnectTimeout(50*time.Millisecond))

	start := time.Now()
	c.Connect(context.Background(), "bridge.invalid")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusDisconnected, c.Status())
	require.Eventually(t, func() bool { return len(rec.Statuses()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Status{StatusConnecting, StatusDisconnected}, rec.Statuses())
}

func TestConnectCancelledByCaller(t *testing.T) {
	d := &blockingDialer{entered: make(chan struct{}, 1)}
	c := newTestClient(t, nil, newRecorder(), WithDialer(d), WithConnectTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Connect(ctx, "bridge.invalid")
		close(done)
	}()
	<-d.entered
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect ignored cancellation")
	}
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConnectRefused(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	ln.Close()

	c := newTestClient(t, nil, newRecorder(), WithPort(p))
	c.Connect(context.Background(), host)
	assert.Equal(t, StatusDisconnected, c.Status())

	// a failed attempt leaves the client ready for another one
	c.Connect(context.Background(), host)
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestDisconnectIdempotent(t *testing.T) {
	b := startBridge(t)
	rec := newRecorder()
	c := newTestClient(t, b, rec)

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StatusDisconnected, c.Status())

	c.Connect(context.Background(), b.host)
	server := b.accept(t)
	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StatusDisconnected, c.Status())

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool { return len(rec.Statuses()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, rec.Statuses())
}

func TestRemoteCloseThenReconnect(t *testing.T) {
	b := startBridge(t)
	rec := newRecorder()
	c := newTestClient(t, b, rec)

	c.Connect(context.Background(), b.host)
	server := b.accept(t)
	server.Close()
	waitStatus(t, c, StatusDisconnected)

	c.Connect(context.Background(), b.host)
	require.Equal(t, StatusConnected, c.Status())
	server = b.accept(t)
	_, err := server.Write(frame.Encode("again"))
	require.NoError(t, err)
	assert.Equal(t, "again", rec.next(t))
}

func TestProtocolViolationDisconnects(t *testing.T) {
	for name, in := range map[string][]byte{
		"nested start":      {0x02, 'A', 0x02},
		"end without start": {'x', 0x03},
	} {
		t.Run(name, func(t *testing.T) {
			b := startBridge(t)
			rec := newRecorder()
			c := newTestClient(t, b, rec)
			c.Connect(context.Background(), b.host)
			server := b.accept(t)

			_, err := server.Write(in)
			require.NoError(t, err)
			waitStatus(t, c, StatusDisconnected)
			rec.none(t, 20*time.Millisecond)
		})
	}
}

func TestFramesBeforeViolationAreDelivered(t *testing.T) {
	b := startBridge(t)
	rec := newRecorder()
	c := newTestClient(t, b, rec)
	c.Connect(context.Background(), b.host)
	server := b.accept(t)

	_, err := server.Write(append(frame.Encode("kept"), 0x03))
	require.NoError(t, err)
	assert.Equal(t, "kept", rec.next(t))
	waitStatus(t, c, StatusDisconnected)
}

func TestKeepAliveSendsHeartbeat(t *testing.T) {
	b := startBridge(t)
	c := newTestClient(t, b, newRecorder(), WithKeepAliveInterval(20*time.Millisecond))
	c.Connect(context.Background(), b.host)
	server := b.accept(t)

	want := frame.Encode(frame.Heartbeat)
	assert.Equal(t, want, readFrame(t, server, len(want)))
	assert.Equal(t, want, readFrame(t, server, len(want)))
}

func TestKeepAliveIdleWhileDisconnected(t *testing.T) {
	c := newTestClient(t, nil, newRecorder(), WithKeepAliveInterval(5*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.True(t, c.keepalive.Running())
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	b := startBridge(t)
	c := newTestClient(t, b, newRecorder(), WithKeepAliveInterval(time.Millisecond), WithSendQueueSize(512))
	c.Connect(context.Background(), b.host)
	server := b.accept(t)

	const writers, perWriter = 4, 50
	got := make(chan []string, 1)
	go func() {
		dec := frame.NewDecoder(0)
		var out []string
		buf := make([]byte, 64)
		for len(out) < writers*perWriter {
			n, err := server.Read(buf)
			if err != nil {
				break
			}
			if err := dec.AddBytes(buf[:n]); err != nil {
				break
			}
			for _, f := range dec.ReadAll() {
				if string(f) != frame.Heartbeat {
					out = append(out, string(f))
				}
			}
		}
		got <- out
	}()

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				assert.NoError(t, c.SendMessage(context.Background(), fmt.Sprintf("writer-%d message-%03d", w, i)))
			}
		}()
	}
	wg.Wait()

	var out []string
	select {
	case out = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout reading frames")
	}
	require.Len(t, out, writers*perWriter)
	seen := make(map[string]bool, len(out))
	for _, m := range out {
		seen[m] = true
	}
	for w := range writers {
		for i := range perWriter {
			assert.True(t, seen[fmt.Sprintf("writer-%d message-%03d", w, i)])
		}
	}
}

// brokenWriteConn reads like a live connection but every write fails.
type brokenWriteConn struct {
	net.Conn
}

func (c brokenWriteConn) Write(b []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestWriteFailureDisconnects(t *testing.T) {
	d := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		local, remote := net.Pipe()
		t.Cleanup(func() { remote.Close() })
		return brokenWriteConn{local}, nil
	})
	c := newTestClient(t, nil, newRecorder(), WithDialer(d))
	c.Connect(context.Background(), "bridge.invalid")
	require.Equal(t, StatusConnected, c.Status())

	err := c.SendMessage(context.Background(), "lost")
	assert.Error(t, err)
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestStaleConnectionCannotDisconnectNewOne(t *testing.T) {
	b := startBridge(t)
	c := newTestClient(t, b, newRecorder())

	c.Connect(context.Background(), b.host)
	b.accept(t)
	c.mu.Lock()
	old := c.conn
	c.mu.Unlock()
	c.Disconnect()

	c.Connect(context.Background(), b.host)
	b.accept(t)
	c.disconnect(old, CloseReasonNetworkError)
	assert.Equal(t, StatusConnected, c.Status())
}

func TestDisconnectDuringConnectDropsLateConnection(t *testing.T) {
	b := startBridge(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	d := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		close(entered)
		<-release
		var nd net.Dialer
		return nd.DialContext(context.Background(), network, address)
	})
	c := newTestClient(t, b, newRecorder(), WithDialer(d))

	done := make(chan struct{})
	go func() {
		c.Connect(context.Background(), b.host)
		close(done)
	}()
	<-entered
	c.Disconnect()
	close(release)
	<-done

	assert.Equal(t, StatusDisconnected, c.Status())
	server := b.accept(t)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

func TestCloseStopsClient(t *testing.T) {
	b := startBridge(t)
	c := newTestClient(t, b, newRecorder())
	c.Connect(context.Background(), b.host)
	b.accept(t)

	c.Close()
	c.Close()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.keepalive.Running())

	c.Connect(context.Background(), b.host)
	assert.Equal(t, StatusDisconnected, c.Status())
	b.noAccept(t, 50*time.Millisecond)
	assert.NoError(t, c.SendMessage(context.Background(), "ignored"))
}

func TestHandlerFuncs(t *testing.T) {
	var status Status
	var msg string
	h := HandlerFuncs{
		Status:  func(s Status) { status = s },
		Message: func(m string) { msg = m },
	}
	h.OnStatus(StatusConnected)
	h.OnMessage("hi")
	assert.Equal(t, StatusConnected, status)
	assert.Equal(t, "hi", msg)
	assert.NotPanics(t, func() {
		HandlerFuncs{}.OnStatus(StatusConnecting)
		HandlerFuncs{}.OnMessage("x")
	})
}

func TestCloseFromStatusHandler(t *testing.T) {
	b := startBridge(t)
	closed := make(chan struct{})
	var c *client
	h := HandlerFuncs{Status: func(s Status) {
		if s == StatusDisconnected {
			c.Close()
			close(closed)
		}
	}}
	c = newTestClient(t, b, h)
	c.Connect(context.Background(), b.host)
	server := b.accept(t)
	server.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close from OnStatus did not return")
	}
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.keepalive.Running())
	select {
	case <-c.notifyQueue.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("notify worker still running")
	}
}

func TestCloseFromMessageHandler(t *testing.T) {
	b := startBridge(t)
	closed := make(chan struct{})
	var c *client
	h := HandlerFuncs{Message: func(string) {
		c.Close()
		close(closed)
	}}
	c = newTestClient(t, b, h)
	c.Connect(context.Background(), b.host)
	server := b.accept(t)
	_, err := server.Write(frame.Encode("bye"))
	require.NoError(t, err)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close from OnMessage did not return")
	}
	assert.Equal(t, StatusDisconnected, c.Status())
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var v float64
		for _, m := range mf.GetMetric() {
			v += m.GetCounter().GetValue()
		}
		return v
	}
	return 0
}

func TestApplicationLTIsNotAHeartbeat(t *testing.T) {
	b := startBridge(t)
	reg := prometheus.NewRegistry()
	c := newTestClient(t, b, newRecorder(), WithMetrics(metrics.New(metrics.WithRegistry(reg))))
	c.Connect(context.Background(), b.host)
	server := b.accept(t)

	want := frame.Encode(frame.Heartbeat)
	require.NoError(t, c.SendMessage(context.Background(), frame.Heartbeat))
	assert.Equal(t, want, readFrame(t, server, len(want)))
	assert.Equal(t, 1.0, counterValue(t, reg, "bridgelink_client_frames_sent_total"))
	assert.Equal(t, 0.0, counterValue(t, reg, "bridgelink_client_heartbeats_sent_total"))

	require.NoError(t, c.sendHeartbeat(context.Background()))
	assert.Equal(t, want, readFrame(t, server, len(want)))
	assert.Equal(t, 2.0, counterValue(t, reg, "bridgelink_client_frames_sent_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "bridgelink_client_heartbeats_sent_total"))
}
