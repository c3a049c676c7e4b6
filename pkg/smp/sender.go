// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"github.com/difft/smp-go/pkg/packet"
)

// SendPacket builds the Packet, if not built yet, and queues it on the send path.
//
// CMD and DATA packets must address a live Stream or a fresh local stream id, which opens a new Stream. Packets sent
// while Connecting are flushed after the handshake.
func (conn *Connection) SendPacket(p *packet.Packet) Code {
	if p == nil {
		return CodeInvalidPacket
	}
	frame, err := p.Build()
	if err != nil {
		conn.log().WithError(err).Debug("Refusing invalid packet")
		return CodeInvalidPacket
	}

	t := p.Type()

	conn.mutex.Lock()
	if conn.state >= Closing {
		conn.mutex.Unlock()
		return CodeAlreadyClosed
	}

	if t.CarriesPayload() {
		s, opened := conn.dispatcher.prepareSend(p.StreamID())
		if s == nil || s.IsClosed() {
			conn.mutex.Unlock()
			return CodeStreamClosed
		}
		if opened {
			conn.queue = append(conn.queue, outgoingFrame{msg: &packet.StreamOpen{StreamID: s.id}})
			conn.count(ctrStreamsOpened, 1)
		}
	}

	conn.queue = append(conn.queue, outgoingFrame{
		msg:     p,
		size:    len(frame),
		gated:   t.CarriesPayload(),
		counted: t == packet.CMD || t == packet.DATA || t == packet.USER_CONTROL,
	})
	conn.mutex.Unlock()

	conn.scheduleFlush()
	return CodeOK
}

// SendCmd sends a CMD packet on a Stream.
func (conn *Connection) SendCmd(ts int64, transID, streamID int32, payload []byte) Code {
	return conn.SendPacket(packet.NewPacket(packet.CMD).
		SetTimestamp(ts).SetTransID(transID).SetStreamID(streamID).SetPayload(payload))
}

// SendData sends a DATA packet on a Stream.
func (conn *Connection) SendData(ts int64, transID, streamID int32, payload []byte) Code {
	return conn.SendPacket(packet.NewPacket(packet.DATA).
		SetTimestamp(ts).SetTransID(transID).SetStreamID(streamID).SetPayload(payload))
}

// OpenStream allocates a new local Stream and announces it to the peer.
func (conn *Connection) OpenStream() (*Stream, Code) {
	conn.mutex.Lock()
	if conn.state >= Closing {
		conn.mutex.Unlock()
		return nil, CodeAlreadyClosed
	}

	s := conn.dispatcher.allocate()
	if s == nil {
		conn.mutex.Unlock()
		return nil, CodeNotPermitted
	}
	conn.queue = append(conn.queue, outgoingFrame{msg: &packet.StreamOpen{StreamID: s.id}})
	conn.mutex.Unlock()

	conn.count(ctrStreamsOpened, 1)
	conn.scheduleFlush()
	return s, CodeOK
}

// CloseStream closes a Stream locally and informs the peer. The Stream's own handler receives OnClosed.
func (conn *Connection) CloseStream(streamID int32) Code {
	conn.mutex.Lock()
	if conn.state >= Closing {
		conn.mutex.Unlock()
		return CodeAlreadyClosed
	}

	s := conn.dispatcher.remove(streamID)
	if s == nil || !s.markClosed(true) {
		conn.mutex.Unlock()
		return CodeStreamClosed
	}
	conn.queue = append(conn.queue, outgoingFrame{msg: &packet.StreamClose{StreamID: streamID}})
	conn.mutex.Unlock()

	conn.count(ctrStreamsClosed, 1)
	conn.scheduleFlush()

	if s.Handler() != nil {
		conn.post(func() { conn.dispatcher.streamClosed(s, false) })
	}
	return CodeOK
}

// scheduleFlush starts a flush task unless one is already running.
func (conn *Connection) scheduleFlush() {
	conn.mutex.Lock()
	if conn.state != Open || conn.flushing || len(conn.queue) == 0 {
		conn.mutex.Unlock()
		return
	}
	conn.flushing = true
	conn.mutex.Unlock()

	if !conn.spawn(conn.flush) {
		conn.mutex.Lock()
		conn.flushing = false
		conn.mutex.Unlock()
	}
}

// flush writes queued frames in order. Only one flush runs at a time.
//
// Packets are paced by the congestion controller's rate. Without acknowledgements from the peer, a completed local
// write counts as acknowledged, so the congestion window only reflects the controller's state and never holds back a
// packet.
func (conn *Connection) flush() {
	for {
		conn.mutex.Lock()
		if conn.state != Open || len(conn.queue) == 0 {
			conn.flushing = false
			conn.mutex.Unlock()
			return
		}

		next := conn.queue[0]
		conn.queue[0] = outgoingFrame{}
		conn.queue = conn.queue[1:]
		tc := conn.transport
		conn.mutex.Unlock()

		if next.gated {
			if err := conn.pacer.Wait(conn.ctx, next.size); err != nil {
				conn.mutex.Lock()
				conn.flushing = false
				conn.mutex.Unlock()
				return
			}
			conn.controller.OnSent(next.size)
		}

		err := tc.WriteMessage(next.msg)

		if next.gated {
			if err != nil {
				conn.controller.OnLoss(next.size)
			} else {
				conn.controller.OnAck(next.size, 0)
			}
		}

		if err != nil {
			conn.mutex.Lock()
			conn.flushing = false
			conn.mutex.Unlock()

			conn.transportFailed(err)
			return
		}

		if next.counted {
			conn.count(ctrPacketsSent, 1)
			conn.count(ctrBytesSent, int64(next.size))

			conn.mutex.Lock()
			conn.lastSend = conn.clock.Now()
			conn.mutex.Unlock()
		}
	}
}

// writeDirect writes a keepalive frame on the pool, bypassing the queue and congestion control. While a previous
// keepalive frame is still being written, msg is dropped; a peer not reading occupies at most one worker this way.
func (conn *Connection) writeDirect(msg packet.Message) {
	conn.mutex.Lock()
	if conn.state != Open || conn.directWriting {
		busy := conn.directWriting
		conn.mutex.Unlock()

		if busy {
			conn.log().WithField("frame", msg.Type()).Debug("Dropping keepalive frame, transport is blocked")
		}
		return
	}
	tc := conn.transport
	conn.directWriting = true
	conn.mutex.Unlock()

	spawned := conn.spawn(func() {
		err := tc.WriteMessage(msg)

		conn.mutex.Lock()
		conn.directWriting = false
		if err == nil {
			conn.lastSend = conn.clock.Now()
		}
		conn.mutex.Unlock()

		if err != nil {
			conn.transportFailed(err)
		}
	})
	if !spawned {
		conn.mutex.Lock()
		conn.directWriting = false
		conn.mutex.Unlock()
	}
}
