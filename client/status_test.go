package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sutext.github.io/bridgelink/frame"
)

func TestCanTransition(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusDisconnected, StatusConnecting}: true,
		{StatusConnecting, StatusConnected}:    true,
		{StatusConnecting, StatusDisconnected}: true,
		{StatusConnected, StatusDisconnected}:  true,
	}
	all := []Status{StatusDisconnected, StatusConnecting, StatusConnected}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]Status{from, to}], canTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Disconnected", StatusDisconnected.String())
	assert.Equal(t, "Connecting", StatusConnecting.String())
	assert.Equal(t, "Connected", StatusConnected.String())
	assert.Equal(t, "Unknown", Status(9).String())
	assert.Equal(t, "Protocol Error", CloseReasonProtocolError.Error())
	assert.Equal(t, "server_close", CloseReasonServerClose.label())
}

func TestASCIIString(t *testing.T) {
	assert.Equal(t, "plain text", asciiString([]byte("plain text")))
	assert.Equal(t, "caf??", asciiString([]byte("café")))
	assert.Equal(t, "", asciiString(nil))
}

func TestViolationKind(t *testing.T) {
	assert.Equal(t, "nested_start", violationKind(frame.ErrNestedStart))
	assert.Equal(t, "end_without_start", violationKind(frame.ErrEndWithoutStart))
	assert.Equal(t, "frame_too_large", violationKind(frame.ErrFrameTooLarge))
	assert.Equal(t, "unknown", violationKind(assert.AnError))
}
