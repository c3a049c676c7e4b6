// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/difft/smp-go/pkg/packet"
)

const (
	// wsCloseCodeBase maps ErrorCodes into the WebSocket close code range reserved for applications.
	wsCloseCodeBase = 4000

	// wsMaxCloseReason is the longest reason fitting into a control frame, next to the code.
	wsMaxCloseReason = 123

	wsCloseTimeout = time.Second
)

// wsConn puts each frame into one binary WebSocket message.
type wsConn struct {
	conn *websocket.Conn

	writeMutex    sync.Mutex
	writeDeadline atomic.Value

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (wc *wsConn) ReadMessage() (packet.Message, error) {
	mt, r, err := wc.conn.NextReader()
	if err != nil {
		return nil, mapWSError(err)
	} else if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("expected binary message type %d instead of %d", websocket.BinaryMessage, mt)
	}

	return packet.ReadMessage(r)
}

func (wc *wsConn) WriteMessage(msg packet.Message) error {
	wc.writeMutex.Lock()
	defer wc.writeMutex.Unlock()

	if deadline, ok := wc.writeDeadline.Load().(time.Time); ok {
		_ = wc.conn.SetWriteDeadline(deadline)
	}

	w, err := wc.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return mapWSError(err)
	}
	if err := packet.WriteMessage(msg, w); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// SetWriteDeadline applies to a message being written through the network connection. The websocket.Conn itself
// is only updated by the next writer, holding the writeMutex.
func (wc *wsConn) SetWriteDeadline(t time.Time) error {
	wc.writeDeadline.Store(t)
	return wc.conn.UnderlyingConn().SetWriteDeadline(t)
}

func (wc *wsConn) Close(code ErrorCode, reason string) error {
	wc.closeOnce.Do(func() {
		wsCode := websocket.CloseNormalClosure
		if code != NoError {
			wsCode = wsCloseCodeBase + int(code)
		}
		if len(reason) > wsMaxCloseReason {
			reason = reason[:wsMaxCloseReason]
		}

		// Control frames might be written concurrently to other messages
		_ = wc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(wsCode, reason),
			time.Now().Add(wsCloseTimeout))
		wc.closeErr = wc.conn.Close()
	})
	return wc.closeErr
}

func (wc *wsConn) LocalAddr() net.Addr  { return wc.conn.LocalAddr() }
func (wc *wsConn) RemoteAddr() net.Addr { return wc.conn.RemoteAddr() }
func (wc *wsConn) Protocol() string     { return "ws" }

// mapWSError translates WebSocket close messages into CloseErrors.
func mapWSError(err error) error {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return err
	}

	code := NoError
	if closeErr.Code >= wsCloseCodeBase {
		code = ErrorCode(closeErr.Code - wsCloseCodeBase)
	} else if closeErr.Code != websocket.CloseNormalClosure {
		code = ConnectionError
	}

	return &CloseError{
		Code:   code,
		Reason: closeErr.Text,
		Remote: true,
	}
}

// DialWebSocket connects to a ws:// or wss:// URL, using the ALPN token as subprotocol.
func DialWebSocket(ctx context.Context, url string, tlsConf *tls.Config, alpn string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 5 * time.Second,
		TLSClientConfig:  tlsConf,
		Subprotocols:     []string{alpn},
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, NewHandshakeError(fmt.Sprintf("websocket upgrade refused with %s", resp.Status), Refused, err)
		} else if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewHandshakeError("dialing timed out", HandshakeTimeout, err)
		}
		return nil, NewHandshakeError("dialing failed", ConnectionError, err)
	}

	if conn.Subprotocol() != alpn {
		_ = conn.Close()
		return nil, NewHandshakeError(fmt.Sprintf("server speaks %q instead of %q", conn.Subprotocol(), alpn), Refused, nil)
	}

	return newWSConn(conn), nil
}

// Upgrader turns HTTP requests into WebSocket Conns.
type Upgrader struct {
	upgrader websocket.Upgrader
}

// NewUpgrader for the ALPN token, which is negotiated as the WebSocket subprotocol.
func NewUpgrader(alpn string) *Upgrader {
	return &Upgrader{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			Subprotocols:     []string{alpn},
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// Upgrade an HTTP request. On failure, an HTTP error was already sent.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}
