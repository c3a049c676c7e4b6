// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/difft/smp-go/pkg/packet"
	"github.com/difft/smp-go/pkg/smp/internal/transport"
)

// Connect starts the handshake with a target, e.g., "host:port", "quic://host:port/path" or "wss://host/path".
//
// The result is delivered asynchronously by exactly one OnConnectResult. CodeAlreadyClosed is returned for a closed
// Connection and CodeNotPermitted for repeated calls or accepted Connections.
func (conn *Connection) Connect(host, properties string) Code {
	conn.mutex.Lock()
	switch {
	case conn.state >= Closing:
		conn.mutex.Unlock()
		return CodeAlreadyClosed
	case conn.connecting || conn.state != Connecting || !conn.outgoing:
		conn.mutex.Unlock()
		return CodeNotPermitted
	}
	conn.connecting = true
	conn.target = host
	conn.properties = properties
	conn.mutex.Unlock()

	if !conn.refs.tryAcquire() {
		return CodeAlreadyClosed
	}
	go func() {
		defer conn.refs.drop()
		conn.handshake(host, properties)
	}()

	return CodeOK
}

// handshake dials the target, sends a HELLO and awaits the HELLO_ACK.
func (conn *Connection) handshake(host, properties string) {
	tgt, err := parseTarget(host, conn.conf.Port)
	if err != nil {
		conn.connectFailed(ResultLocalError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(conn.ctx, handshakeTimeout)
	defer cancel()

	tc, err := conn.dial(ctx, tgt, conn.conf)
	if err != nil {
		conn.connectFailed(handshakeResult(err), err.Error())
		return
	}

	hello := &packet.Hello{
		Version:      packet.ProtocolVersion,
		ALPN:         conn.conf.ALPN,
		Target:       tgt.path,
		Properties:   properties,
		IdleTimeout:  uint64(conn.conf.IdleTimeOut),
		PingInterval: uint64(conn.conf.KeepaliveInterval().Milliseconds()),
		CongestCtrl:  conn.algorithm.Code(),
	}

	var msg packet.Message
	err = withDeadline(ctx, tc, func() error {
		if err := tc.WriteMessage(hello); err != nil {
			return err
		}
		var readErr error
		msg, readErr = tc.ReadMessage()
		return readErr
	})
	if err != nil {
		_ = tc.Close(transport.LocalError, "handshake failed")
		conn.connectFailed(handshakeResult(err), fmt.Sprintf("handshake failed: %v", err))
		return
	}

	ack, ok := msg.(*packet.HelloAck)
	if !ok {
		_ = tc.Close(transport.PeerError, "expected HELLO_ACK")
		conn.connectFailed(ResultPeerError, fmt.Sprintf("expected HELLO_ACK, received %v", msg.Type()))
		return
	}
	if ack.Code != 0 {
		_ = tc.Close(transport.NoError, "")
		conn.connectFailed(int(ack.Code), ack.Message)
		return
	}

	conn.establish(tc, ack.Message)
}

// handshakeResult maps a handshake error to a connect result code.
func handshakeResult(err error) int {
	var hsErr *transport.HandshakeError
	if errors.As(err, &hsErr) {
		return int(hsErr.Code)
	}
	var closeErr *transport.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != transport.NoError {
		return int(closeErr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ResultHandshakeTimeout
	}
	return ResultConnectionError
}

// withDeadline runs f, which uses the transport, and closes the transport if the context is done first.
func withDeadline(ctx context.Context, tc transport.Conn, f func() error) error {
	errChan := make(chan error, 1)
	go func() { errChan <- f() }()

	select {
	case err := <-errChan:
		return err

	case <-ctx.Done():
		code := transport.HandshakeTimeout
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = transport.NoError
		}
		_ = tc.Close(code, "handshake aborted")
		<-errChan

		if code == transport.HandshakeTimeout {
			return transport.NewHandshakeError("handshake timed out", code, ctx.Err())
		}
		return transport.NewHandshakeError("handshake aborted", transport.LocalError, ctx.Err())
	}
}

// connectFailed finishes a failed handshake. A Connection closed in the meantime has already reported OnClosed.
func (conn *Connection) connectFailed(code int, msg string) {
	conn.mutex.Lock()
	if conn.state != Connecting {
		conn.mutex.Unlock()
		return
	}
	conn.state = Closing
	conn.closeReason = msg
	conn.cancel()
	conn.mutex.Unlock()

	conn.dispatcher.close()
	conn.count(ctrConnectFailures, 1)

	conn.log().WithFields(log.Fields{
		"code":    code,
		"message": msg,
	}).Info("Connecting failed")

	conn.post(func() {
		conn.invoke("OnConnectResult", func() { conn.handler.OnConnectResult(conn, code, msg) })

		conn.mutex.Lock()
		conn.state = Closed
		conn.mutex.Unlock()

		conn.refs.drop()
	})
}

// establish an Open session on a transport after a successful handshake.
func (conn *Connection) establish(tc transport.Conn, msg string) {
	conn.mutex.Lock()
	if conn.state != Connecting {
		conn.mutex.Unlock()
		_ = tc.Close(transport.NoError, ReasonClosed)
		return
	}

	now := conn.clock.Now()
	conn.state = Open
	conn.transport = tc
	conn.remoteAddr = tc.RemoteAddr()
	conn.lastReceive = now
	conn.lastSend = now
	conn.startTimersLocked()
	conn.mutex.Unlock()

	conn.log().WithFields(log.Fields{
		"remote":   tc.RemoteAddr(),
		"protocol": tc.Protocol(),
	}).Info("Connection established")

	conn.post(func() {
		conn.invoke("OnConnectResult", func() { conn.handler.OnConnectResult(conn, ResultOK, msg) })
	})

	if conn.refs.tryAcquire() {
		go func() {
			defer conn.refs.drop()
			conn.readLoop(tc)
		}()
	}

	conn.scheduleFlush()
}
