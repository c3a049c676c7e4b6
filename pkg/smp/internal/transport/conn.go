// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport carries smp frames over QUIC, WebSocket or in-memory connections.
//
// Each transport is reduced to a Conn, an ordered and reliable exchange of packet.Messages. A QUIC connection uses a
// single bidirectional stream, a WebSocket connection puts each frame into one binary message.
package transport

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/difft/smp-go/pkg/packet"
)

// Conn exchanges packet.Messages with a peer.
type Conn interface {
	// ReadMessage blocks until the next Message arrives. It must only be called from one goroutine at a time.
	ReadMessage() (packet.Message, error)

	// WriteMessage sends a Message. It is safe for concurrent use.
	WriteMessage(msg packet.Message) error

	// SetWriteDeadline bounds pending and future writes. A write exceeding it fails with a timeout error.
	SetWriteDeadline(t time.Time) error

	// Close the underlying transport, informing the peer about the code and reason if supported. Later calls are
	// no-ops returning the first call's error.
	Close(code ErrorCode, reason string) error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Protocol names this transport, e.g., "quic".
	Protocol() string
}

// streamConn is a Conn on top of a reliable byte stream.
type streamConn struct {
	protocol string
	reader   *bufio.Reader

	writeMutex sync.Mutex
	writer     io.Writer

	closeOnce sync.Once
	closeErr  error
	closer    func(code ErrorCode, reason string) error

	writeDeadline func(t time.Time) error

	// mapErr translates transport specific read errors, e.g., into a *CloseError
	mapErr func(error) error

	local  net.Addr
	remote net.Addr
}

func (sc *streamConn) ReadMessage() (packet.Message, error) {
	msg, err := packet.ReadMessage(sc.reader)
	if err != nil && sc.mapErr != nil {
		err = sc.mapErr(err)
	}
	return msg, err
}

func (sc *streamConn) WriteMessage(msg packet.Message) error {
	sc.writeMutex.Lock()
	defer sc.writeMutex.Unlock()

	err := packet.WriteMessage(msg, sc.writer)
	if err != nil && sc.mapErr != nil {
		err = sc.mapErr(err)
	}
	return err
}

func (sc *streamConn) SetWriteDeadline(t time.Time) error {
	return sc.writeDeadline(t)
}

func (sc *streamConn) Close(code ErrorCode, reason string) error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.closer(code, reason)
	})
	return sc.closeErr
}

func (sc *streamConn) LocalAddr() net.Addr  { return sc.local }
func (sc *streamConn) RemoteAddr() net.Addr { return sc.remote }
func (sc *streamConn) Protocol() string     { return sc.protocol }

// Pipe creates two connected in-memory Conns.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return newPipeConn(a), newPipeConn(b)
}

func newPipeConn(c net.Conn) Conn {
	return &streamConn{
		protocol: "pipe",
		reader:   bufio.NewReader(c),
		writer:   c,
		closer:   func(ErrorCode, string) error { return c.Close() },

		writeDeadline: c.SetWriteDeadline,

		local:  c.LocalAddr(),
		remote: c.RemoteAddr(),
	}
}
