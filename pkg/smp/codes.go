// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"errors"
	"fmt"

	"github.com/difft/smp-go/pkg/smp/internal/transport"
)

// Code is the synchronous result of an operation. Zero indicates success, negative values a refusal.
type Code int

const (
	// CodeOK indicates a successful submission.
	CodeOK Code = 0
	// CodeAlreadyClosed is returned for operations on a closing or closed connection.
	CodeAlreadyClosed Code = -1
	// CodeNotPermitted is returned for operations which are invalid in the current state.
	CodeNotPermitted Code = -2
	// CodeStreamClosed is returned for sends on a closed or unknown stream.
	CodeStreamClosed Code = -3
	// CodeInvalidPacket is returned for packets which cannot be built.
	CodeInvalidPacket Code = -4
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeAlreadyClosed:
		return "already closed"
	case CodeNotPermitted:
		return "not permitted"
	case CodeStreamClosed:
		return "stream closed"
	case CodeInvalidPacket:
		return "invalid packet"
	default:
		return fmt.Sprintf("code %d", int(c))
	}
}

// OK checks for CodeOK.
func (c Code) OK() bool {
	return c == CodeOK
}

// Connect result codes as passed to ConnectionHandler.OnConnectResult. They equal the codes sent to a peer when
// closing a connection.
const (
	ResultOK                 = 0
	ResultUnknownError       = int(transport.UnknownError)
	ResultLocalError         = int(transport.LocalError)
	ResultConnectionError    = int(transport.ConnectionError)
	ResultPeerError          = int(transport.PeerError)
	ResultShutdown           = int(transport.ApplicationShutdown)
	ResultRefused            = int(transport.Refused)
	ResultTooManyConnections = int(transport.TooManyConnections)
	ResultHandshakeTimeout   = int(transport.HandshakeTimeout)
)

// Close reasons reported by OnClosed, next to "closed by peer: ..." and transport errors.
const (
	ReasonClosed              = "closed"
	ReasonIdleTimeout         = "idle timeout"
	ReasonKeepaliveUnanswered = "idle timeout: keepalive unanswered"
	ReasonShutdown            = "listener shutting down"
)

var (
	// ErrResourceExhausted is returned when the connection limit is reached.
	ErrResourceExhausted = errors.New("connection limit reached")

	// ErrClosed is returned by a closed Connector or Listener.
	ErrClosed = errors.New("already closed")
)
