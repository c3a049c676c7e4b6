// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import "fmt"

// ErrorCode is sent to the peer when a connection is closed. Its values are shared with the connect result codes.
type ErrorCode uint64

const (
	// NoError designates a regular close.
	NoError ErrorCode = 0
	// UnknownError is the catchall error code.
	UnknownError ErrorCode = 1
	// LocalError designates errors that happen on this machine, e.g., failing to marshal a frame.
	LocalError ErrorCode = 2
	// ConnectionError designates errors in data transmission.
	ConnectionError ErrorCode = 3
	// PeerError designates misbehaviour of the peer.
	PeerError ErrorCode = 4
	// ApplicationShutdown is sent when the server shuts down and terminates its connections.
	ApplicationShutdown ErrorCode = 5
	// Refused is sent if the listener refuses the session, e.g., because of a mismatching ALPN.
	Refused ErrorCode = 6
	// TooManyConnections is sent when the listener's connection limit is reached.
	TooManyConnections ErrorCode = 7
	// HandshakeTimeout is reported if the handshake did not finish in time.
	HandshakeTimeout ErrorCode = 8
)

func (code ErrorCode) String() string {
	switch code {
	case NoError:
		return "no error"
	case UnknownError:
		return "unknown error"
	case LocalError:
		return "local error"
	case ConnectionError:
		return "connection error"
	case PeerError:
		return "peer error"
	case ApplicationShutdown:
		return "application shutdown"
	case Refused:
		return "refused"
	case TooManyConnections:
		return "too many connections"
	case HandshakeTimeout:
		return "handshake timeout"
	default:
		return fmt.Sprintf("error code %d", uint64(code))
	}
}

// HandshakeError is returned if a session could not be established.
type HandshakeError struct {
	Msg   string
	Code  ErrorCode
	Cause error
}

// NewHandshakeError with a message, a code to be reported and an optional cause.
func NewHandshakeError(message string, code ErrorCode, cause error) *HandshakeError {
	return &HandshakeError{
		Msg:   message,
		Code:  code,
		Cause: cause,
	}
}

func (err *HandshakeError) Error() string {
	if err.Cause != nil {
		return fmt.Sprintf("%s: %v", err.Msg, err.Cause)
	}
	return err.Msg
}

func (err *HandshakeError) Unwrap() error {
	return err.Cause
}

// CloseError is returned by Conn.ReadMessage after the transport itself was closed with a code and reason, e.g., a
// QUIC CONNECTION_CLOSE or a WebSocket close message.
type CloseError struct {
	Code   ErrorCode
	Reason string
	Remote bool
}

func (err *CloseError) Error() string {
	side := "locally"
	if err.Remote {
		side = "by peer"
	}
	return fmt.Sprintf("transport closed %s (%v): %s", side, err.Code, err.Reason)
}
