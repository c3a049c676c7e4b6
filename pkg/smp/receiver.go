// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/difft/smp-go/pkg/packet"
	"github.com/difft/smp-go/pkg/smp/internal/transport"
)

// readLoop decodes inbound frames until the transport fails or gets closed.
func (conn *Connection) readLoop(tc transport.Conn) {
	for {
		msg, err := tc.ReadMessage()
		if err != nil {
			var frameErr *packet.FrameError
			if !errors.As(err, &frameErr) {
				conn.transportFailed(err)
				return
			}

			conn.count(ctrFrameErrors, 1)
			if !frameErr.Desync() {
				conn.log().WithError(err).Warn("Dropping malformed frame")
				continue
			}

			conn.log().WithError(err).Warn("Inbound frames are out of sync")
			exceptionMsg := fmt.Sprintf("protocol error: %v", err)
			conn.post(func() { conn.reportException(exceptionMsg) })
			conn.closeWith(exceptionMsg, transport.PeerError, true)
			return
		}

		conn.mutex.Lock()
		conn.lastReceive = conn.clock.Now()
		conn.mutex.Unlock()

		conn.receive(msg)
	}
}

// receive a single inbound frame. Events are handed to the strand in arrival order.
func (conn *Connection) receive(msg packet.Message) {
	switch m := msg.(type) {
	case *packet.Packet:
		switch m.Type() {
		case packet.PING:
			conn.replyPong(m)

		case packet.PONG:
			conn.receivePong(m)

		case packet.USER_CONTROL:
			conn.count(ctrPacketsReceived, 1)
			conn.count(ctrBytesReceived, int64(m.Len()))
			conn.post(func() { conn.dispatcher.deliverUserControl(m) })

		case packet.CMD, packet.DATA:
			conn.count(ctrPacketsReceived, 1)
			conn.count(ctrBytesReceived, int64(m.Len()))

			s := conn.dispatcher.lookup(m.StreamID())
			if s == nil {
				conn.count(ctrPacketsDropped, 1)
				conn.log().WithField("packet", m).Debug("Dropping packet for unknown stream")
				return
			}
			conn.post(func() { conn.dispatcher.deliver(s, m) })
		}

	case *packet.StreamOpen:
		s := conn.dispatcher.remoteOpened(m.StreamID)
		if s == nil {
			conn.log().WithField("stream", m.StreamID).Debug("Ignoring invalid STREAM_OPEN")
			return
		}
		conn.count(ctrStreamsOpened, 1)
		conn.post(func() { conn.dispatcher.streamCreated(s) })

	case *packet.StreamClose:
		s := conn.dispatcher.remove(m.StreamID)
		if s == nil || !s.markClosed(false) {
			return
		}
		conn.count(ctrStreamsClosed, 1)
		conn.post(func() { conn.dispatcher.streamClosed(s, true) })

	case *packet.Close:
		reason := reasonClosedByPeer
		if m.Reason != "" {
			reason += ": " + m.Reason
		}
		conn.closeWith(reason, transport.NoError, false)

	default:
		conn.count(ctrFrameErrors, 1)
		conn.log().WithField("frame", msg.Type()).Warn("Unexpected session frame")
	}
}

const reasonClosedByPeer = "closed by peer"

// transportFailed closes this Connection after the transport has failed or was closed.
func (conn *Connection) transportFailed(err error) {
	var closeErr *transport.CloseError

	reason := fmt.Sprintf("transport error: %v", err)
	switch {
	case errors.As(err, &closeErr) && closeErr.Remote:
		reason = reasonClosedByPeer
		if closeErr.Reason != "" {
			reason += ": " + closeErr.Reason
		}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		reason = reasonClosedByPeer
	}

	conn.closeWith(reason, transport.ConnectionError, false)
}
