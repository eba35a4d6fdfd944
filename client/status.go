// Package client implements the bridge client: a single TCP connection
// carrying STX/ETX framed ASCII messages, kept alive by a periodic heartbeat.
// Connecting is best effort. Failures are logged and show up as the client
// staying (or going back to) StatusDisconnected; reconnecting is up to the
// caller.
package client

// Status represents the current state of the client connection.
type Status uint8

// Client connection status constants.
const (
	// StatusDisconnected is the initial state and the state after any failure.
	StatusDisconnected Status = iota
	// StatusConnecting indicates a connect attempt is in flight.
	StatusConnecting
	// StatusConnected indicates the connection is open and the read loop runs.
	StatusConnected
)

// String returns the string representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// canTransition reports whether from -> to is a legal status change.
// Disconnect bypasses this and forces StatusDisconnected from any state.
func canTransition(from, to Status) bool {
	switch from {
	case StatusDisconnected:
		return to == StatusConnecting
	case StatusConnecting:
		return to == StatusConnected || to == StatusDisconnected
	case StatusConnected:
		return to == StatusDisconnected
	default:
		return false
	}
}

// CloseReason represents the reason for closing a connection.
type CloseReason uint16

// Connection close reason constants.
const (
	// CloseReasonNormal indicates Disconnect or Close was called.
	CloseReasonNormal CloseReason = iota
	// CloseReasonNetworkError indicates a read or write on the transport failed.
	CloseReasonNetworkError
	// CloseReasonServerClose indicates the bridge closed the connection.
	CloseReasonServerClose
	// CloseReasonProtocolError indicates the bridge sent malformed framing.
	CloseReasonProtocolError
)

// String returns the string representation of the CloseReason.
func (c CloseReason) String() string {
	switch c {
	case CloseReasonNormal:
		return "Normal"
	case CloseReasonNetworkError:
		return "Network Error"
	case CloseReasonServerClose:
		return "Server Close"
	case CloseReasonProtocolError:
		return "Protocol Error"
	default:
		return "Unknown"
	}
}

// Error implements the error interface for CloseReason.
func (c CloseReason) Error() string {
	return c.String()
}

func (c CloseReason) label() string {
	switch c {
	case CloseReasonNormal:
		return "normal"
	case CloseReasonNetworkError:
		return "network_error"
	case CloseReasonServerClose:
		return "server_close"
	case CloseReasonProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}
