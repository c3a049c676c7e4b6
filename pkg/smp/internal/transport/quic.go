// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

// newQUICConn uses a single bidirectional stream of a QUIC connection.
func newQUICConn(qc *quic.Conn, stream *quic.Stream) Conn {
	return &streamConn{
		protocol: "quic",
		reader:   bufio.NewReader(stream),
		writer:   stream,
		// No FIN on the stream; the peer should observe the CONNECTION_CLOSE's code and reason
		closer: func(code ErrorCode, reason string) error {
			return qc.CloseWithError(quic.ApplicationErrorCode(code), reason)
		},
		mapErr: mapQUICError,

		writeDeadline: stream.SetWriteDeadline,

		local:  qc.LocalAddr(),
		remote: qc.RemoteAddr(),
	}
}

// mapQUICError translates QUIC's application errors into CloseErrors.
func mapQUICError(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return &CloseError{
			Code:   ErrorCode(appErr.ErrorCode),
			Reason: appErr.ErrorMessage,
			Remote: appErr.Remote,
		}
	}
	return err
}

// DialQUIC connects to a QUIC server and opens the session's stream.
func DialQUIC(ctx context.Context, address string, tlsConf *tls.Config, conf *quic.Config) (Conn, error) {
	qc, err := quic.DialAddr(ctx, address, tlsConf, conf)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewHandshakeError("dialing timed out", HandshakeTimeout, err)
		}
		return nil, NewHandshakeError("dialing failed", ConnectionError, err)
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(quic.ApplicationErrorCode(LocalError), "opening stream failed")
		return nil, NewHandshakeError("opening stream failed", ConnectionError, err)
	}

	log.WithFields(log.Fields{
		"address": address,
		"alpn":    qc.ConnectionState().TLS.NegotiatedProtocol,
	}).Debug("Dialed QUIC connection")

	return newQUICConn(qc, stream), nil
}

// QUICListener accepts QUIC connections on its own UDP socket.
type QUICListener struct {
	udpConn   net.PacketConn
	transport *quic.Transport
	listener  *quic.Listener
}

// ListenQUIC binds a UDP socket, optionally with SO_REUSEPORT, and starts a QUIC server on it.
func ListenQUIC(address string, reusePort bool, tlsConf *tls.Config, conf *quic.Config) (*QUICListener, error) {
	udpConn, err := listenUDP(address, reusePort)
	if err != nil {
		return nil, err
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(tlsConf, conf)
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}

	return &QUICListener{
		udpConn:   udpConn,
		transport: tr,
		listener:  ln,
	}, nil
}

// Accept the next QUIC connection. Its session stream must be accepted by AcceptSession afterwards.
func (ql *QUICListener) Accept(ctx context.Context) (*quic.Conn, error) {
	return ql.listener.Accept(ctx)
}

// AcceptSession waits for the dialer to open the session's stream.
func AcceptSession(ctx context.Context, qc *quic.Conn) (Conn, error) {
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			_ = qc.CloseWithError(quic.ApplicationErrorCode(HandshakeTimeout), "dialer took too long to open a stream")
			return nil, NewHandshakeError("dialer took too long to open a stream", HandshakeTimeout, err)
		}
		_ = qc.CloseWithError(quic.ApplicationErrorCode(UnknownError), "accepting stream failed")
		return nil, NewHandshakeError("accepting stream failed", UnknownError, err)
	}

	return newQUICConn(qc, stream), nil
}

// Addr is the local UDP address.
func (ql *QUICListener) Addr() net.Addr {
	return ql.listener.Addr()
}

// Close the listener, its QUIC transport and the UDP socket. Accepted connections should be closed beforehand.
func (ql *QUICListener) Close() error {
	var errs error
	if err := ql.listener.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := ql.transport.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := ql.udpConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierror.Append(errs, err)
	}
	return errs
}
