// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

// ConnectionHandler receives a Connection's events.
//
// All callbacks of one Connection are invoked sequentially on the Connection's strand, never concurrently. They must
// not block for long, since they share the task pool with all other connections. A panicking callback is reported
// through OnException.
type ConnectionHandler interface {
	// OnConnectResult is invoked exactly once for an outgoing connection's attempt; code zero indicates success. On
	// failure, the Connection is closed without a further OnClosed.
	OnConnectResult(conn *Connection, code int, msg string)

	// OnStreamCreated is invoked for a stream opened by the peer.
	OnStreamCreated(conn *Connection, stream *Stream)

	// OnStreamClosed is invoked for a stream closed by the peer.
	OnStreamClosed(conn *Connection, stream *Stream)

	// OnRecvCmd is invoked for a received CMD packet on a stream without its own StreamHandler.
	OnRecvCmd(conn *Connection, ts int64, transID int32, stream *Stream, payload []byte)

	// OnRecvData is invoked for a received DATA packet on a stream without its own StreamHandler.
	OnRecvData(conn *Connection, ts int64, transID int32, stream *Stream, payload []byte)

	// OnClosed is invoked exactly once after an established or still connecting Connection was closed. It is not
	// invoked after a failed OnConnectResult.
	OnClosed(conn *Connection, reason string)

	// OnException reports non-fatal errors, e.g., malformed frames or panicking callbacks.
	OnException(conn *Connection, msg string)
}

// StreamHandler receives a single Stream's events, taking precedence over the ConnectionHandler.
type StreamHandler interface {
	OnRecvCmd(stream *Stream, ts int64, transID int32, payload []byte)
	OnRecvData(stream *Stream, ts int64, transID int32, payload []byte)
	OnClosed(stream *Stream, reason string)
}

// UserControlHandler might additionally be implemented by a ConnectionHandler to receive USER_CONTROL packets, which
// are otherwise dropped.
type UserControlHandler interface {
	OnRecvUserControl(conn *Connection, ts int64, transID int32, streamID int32, payload []byte)
}

// NopHandler implements ConnectionHandler by ignoring everything. It might be embedded to implement only some
// callbacks.
type NopHandler struct{}

func (NopHandler) OnConnectResult(*Connection, int, string)              {}
func (NopHandler) OnStreamCreated(*Connection, *Stream)                  {}
func (NopHandler) OnStreamClosed(*Connection, *Stream)                   {}
func (NopHandler) OnRecvCmd(*Connection, int64, int32, *Stream, []byte)  {}
func (NopHandler) OnRecvData(*Connection, int64, int32, *Stream, []byte) {}
func (NopHandler) OnClosed(*Connection, string)                          {}
func (NopHandler) OnException(*Connection, string)                       {}
