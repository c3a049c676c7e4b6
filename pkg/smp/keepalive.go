// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/difft/smp-go/pkg/packet"
	"github.com/difft/smp-go/pkg/smp/internal/transport"
)

// startTimersLocked arms the idle and the keepalive timer. The caller must hold the mutex.
func (conn *Connection) startTimersLocked() {
	if idle := conn.conf.IdleTimeout(); idle > 0 {
		conn.idleTimer = conn.afterFunc(idle, conn.checkIdle)
	}
	if interval := conn.conf.KeepaliveInterval(); interval > 0 {
		conn.pingTimer = conn.afterFunc(interval, conn.checkKeepalive)
	}
}

// stopTimersLocked disarms both timers. The caller must hold the mutex.
func (conn *Connection) stopTimersLocked() {
	if conn.idleTimer != nil {
		conn.idleTimer.Stop()
		conn.idleTimer = nil
	}
	if conn.pingTimer != nil {
		conn.pingTimer.Stop()
		conn.pingTimer = nil
	}
}

// checkIdle closes the Connection if no frame was exchanged within the idle timeout, or re-arms itself for the
// remaining time.
func (conn *Connection) checkIdle() {
	idle := conn.conf.IdleTimeout()

	conn.mutex.Lock()
	if conn.state != Open {
		conn.mutex.Unlock()
		return
	}

	last := conn.lastReceive
	if conn.lastSend.After(last) {
		last = conn.lastSend
	}
	elapsed := conn.clock.Since(last)

	if elapsed < idle {
		conn.idleTimer = conn.afterFunc(idle-elapsed, conn.checkIdle)
		conn.mutex.Unlock()
		return
	}
	conn.mutex.Unlock()

	conn.log().WithField("idle", elapsed).Info("Connection is idle")
	conn.closeWith(ReasonIdleTimeout, transport.NoError, true)
}

// checkKeepalive sends a PING after an interval of send idleness. A PING left unanswered for another interval
// indicates a dead peer.
func (conn *Connection) checkKeepalive() {
	interval := conn.conf.KeepaliveInterval()

	conn.mutex.Lock()
	if conn.state != Open {
		conn.mutex.Unlock()
		return
	}

	now := conn.clock.Now()

	if conn.pingOutstanding {
		if waited := now.Sub(conn.pingSentAt); waited >= interval {
			conn.mutex.Unlock()

			conn.log().WithField("waited", waited).Info("Keepalive was not answered")
			conn.closeWith(ReasonKeepaliveUnanswered, transport.NoError, true)
			return
		}
	}

	var next time.Duration
	switch sendIdle := now.Sub(conn.lastSend); {
	case conn.pingOutstanding:
		next = interval - now.Sub(conn.pingSentAt)

	case sendIdle >= interval:
		conn.pingOutstanding = true
		conn.pingSentAt = now
		conn.pingTransID++

		ping := packet.NewPacket(packet.PING).SetTimestamp(nowMillis(now)).SetTransID(conn.pingTransID)
		conn.pingTimer = conn.afterFunc(interval, conn.checkKeepalive)
		conn.mutex.Unlock()

		conn.count(ctrPingsSent, 1)
		conn.writeDirect(ping)
		return

	default:
		next = interval - sendIdle
	}

	conn.pingTimer = conn.afterFunc(next, conn.checkKeepalive)
	conn.mutex.Unlock()
}

// replyPong answers a PING, echoing its timestamp and transaction id.
func (conn *Connection) replyPong(ping *packet.Packet) {
	pong := packet.NewPacket(packet.PONG).SetTimestamp(ping.Timestamp()).SetTransID(ping.TransID())
	if _, err := pong.Build(); err != nil {
		conn.log().WithError(err).Warn("Building PONG failed")
		return
	}
	conn.writeDirect(pong)
}

// receivePong matches a PONG with the outstanding keepalive PING and feeds the RTT sample into the congestion
// controller.
func (conn *Connection) receivePong(pong *packet.Packet) {
	conn.mutex.Lock()
	if !conn.pingOutstanding || pong.TransID() != conn.pingTransID {
		conn.mutex.Unlock()
		return
	}
	conn.pingOutstanding = false
	rtt := conn.clock.Since(conn.pingSentAt)
	conn.mutex.Unlock()

	conn.count(ctrPongsReceived, 1)
	conn.controller.OnAck(0, rtt)

	conn.log().WithFields(log.Fields{
		"rtt":    rtt,
		"window": conn.controller.Window(),
	}).Trace("Received PONG")
}
