package client

import (
	"errors"
	"io"

	"sutext.github.io/bridgelink/frame"
	"sutext.github.io/bridgelink/xlog"
)

// recv is the read loop of one connection. It owns a fresh decoder, so a
// partial frame never outlives its connection.
func (c *client) recv(cn *conn) {
	dec := frame.NewDecoder(c.opts.maxFrameSize)
	buf := make([]byte, c.opts.readBufferSize)
	for {
		n, err := cn.Read(buf)
		if n > 0 {
			c.metrics.BytesReceived(n)
			derr := dec.AddBytes(buf[:n])
			c.dispatch(dec.ReadAll())
			if derr != nil {
				c.logger.Error("protocol violation, dropping connection", xlog.Err(derr))
				c.metrics.Violation(violationKind(derr))
				c.disconnect(cn, CloseReasonProtocolError)
				return
			}
		}
		if err != nil {
			reason := CloseReasonNetworkError
			switch {
			case cn.Closed():
				// closed on our side; Disconnect already did the bookkeeping
			case errors.Is(err, io.EOF):
				reason = CloseReasonServerClose
				c.logger.Info("bridge closed the connection")
			default:
				c.logger.Error("read failed", xlog.Err(err))
			}
			c.disconnect(cn, reason)
			return
		}
		if n == 0 {
			c.logger.Info("bridge closed the connection")
			c.disconnect(cn, CloseReasonServerClose)
			return
		}
	}
}

// dispatch delivers decoded frames in order, dropping heartbeats.
func (c *client) dispatch(frames [][]byte) {
	c.metrics.FramesReceived(len(frames))
	for _, f := range frames {
		text := asciiString(f)
		if text == frame.Heartbeat {
			continue
		}
		c.handler.OnMessage(text)
	}
}

// asciiString decodes b as ASCII, replacing bytes above 0x7F with '?'.
func asciiString(b []byte) string {
	for _, c := range b {
		if c > 0x7f {
			out := make([]byte, len(b))
			for i, c := range b {
				if c > 0x7f {
					c = '?'
				}
				out[i] = c
			}
			return string(out)
		}
	}
	return string(b)
}

func violationKind(err error) string {
	var ferr frame.Error
	if !errors.As(err, &ferr) {
		return "unknown"
	}
	switch ferr {
	case frame.ErrNestedStart:
		return "nested_start"
	case frame.ErrEndWithoutStart:
		return "end_without_start"
	case frame.ErrFrameTooLarge:
		return "frame_too_large"
	default:
		return "unknown"
	}
}
