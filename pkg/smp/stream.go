// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"fmt"
	"sync"
	"time"
)

// Stream is a logical channel within a Connection. It holds no transport state; all sends are forwarded to the
// owning Connection.
type Stream struct {
	id   int32
	conn *Connection

	mutex         sync.Mutex
	closed        bool
	closedLocally bool
	handler       StreamHandler
	userObject    interface{}
}

func newStream(id int32, conn *Connection) *Stream {
	return &Stream{id: id, conn: conn}
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream(%d@%v)", s.id, s.conn.id)
}

// ID of this Stream, unique within its Connection.
func (s *Stream) ID() int32 {
	return s.id
}

// Connection owning this Stream.
func (s *Stream) Connection() *Connection {
	return s.conn
}

// SendCmd sends a CMD packet, stamped with the current time.
func (s *Stream) SendCmd(transID int32, payload []byte) Code {
	if code := s.sendable(); !code.OK() {
		return code
	}
	return s.conn.SendCmd(nowMillis(s.conn.clock.Now()), transID, s.id, payload)
}

// SendData sends a DATA packet, stamped with the current time.
func (s *Stream) SendData(payload []byte) Code {
	if code := s.sendable(); !code.OK() {
		return code
	}
	return s.conn.SendData(nowMillis(s.conn.clock.Now()), 0, s.id, payload)
}

// SendText sends a DATA packet with the UTF-8 encoded text.
func (s *Stream) SendText(text string) Code {
	return s.SendData([]byte(text))
}

func (s *Stream) sendable() Code {
	if s.conn.State() >= Closing {
		return CodeAlreadyClosed
	}
	if s.IsClosed() {
		return CodeStreamClosed
	}
	return CodeOK
}

// Close this Stream locally and inform the peer. Closing a closed Stream is a no-op.
func (s *Stream) Close() {
	if s.IsClosed() {
		return
	}
	_ = s.conn.CloseStream(s.id)
}

// IsClosed reports if this Stream was closed by either side or together with its Connection.
func (s *Stream) IsClosed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closed
}

// markClosed and report if this call closed the Stream.
func (s *Stream) markClosed(locally bool) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.closedLocally = locally
	return true
}

func (s *Stream) isClosedLocally() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closedLocally
}

// SetHandler sets a StreamHandler, which receives this Stream's packets instead of the ConnectionHandler.
func (s *Stream) SetHandler(handler StreamHandler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handler = handler
}

// Handler returns the StreamHandler or nil.
func (s *Stream) Handler() StreamHandler {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.handler
}

// SetUserObject attaches an arbitrary value and returns the previous one.
func (s *Stream) SetUserObject(obj interface{}) (old interface{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	old, s.userObject = s.userObject, obj
	return
}

// UserObject returns the attached value.
func (s *Stream) UserObject() interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.userObject
}

func nowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
