// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/difft/smp-go/pkg/packet"
	"github.com/difft/smp-go/pkg/smp/internal/transport"
)

// Acceptor decides on an incoming Connection after a valid HELLO. It returns the Connection's handler, or nil to
// refuse the session. Target and Properties of the Connection are already available.
type Acceptor func(conn *Connection) ConnectionHandler

// shutdownGrace bounds how long Close waits for closing Connections to release their transports.
const shutdownGrace = 2 * time.Second

// Listener accepts incoming Connections via QUIC and, mounted as an http.Handler, via WebSocket.
type Listener struct {
	engine   *engine
	conf     Config
	acceptor Acceptor

	quic     *transport.QUICListener
	upgrader *transport.Upgrader

	// backlog bounds the amount of concurrent handshakes.
	backlog *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	closing bool
	workers sync.WaitGroup
}

// newListener without a bound QUIC socket.
func newListener(conf Config, acceptor Acceptor) (*Listener, error) {
	if acceptor == nil {
		return nil, fmt.Errorf("acceptor must not be nil")
	}

	e, err := newEngine(conf, "listener")
	if err != nil {
		return nil, err
	}

	l := &Listener{
		engine:   e,
		conf:     conf,
		acceptor: acceptor,
		upgrader: transport.NewUpgrader(conf.ALPN),
		backlog:  semaphore.NewWeighted(int64(conf.Backlog)),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l, nil
}

// NewListener binds a QUIC socket on the Config's hostname and port and starts accepting Connections.
func NewListener(conf Config, acceptor Acceptor) (*Listener, error) {
	l, err := newListener(conf, acceptor)
	if err != nil {
		return nil, err
	}

	tlsConf, err := transport.ListenerTLSConfig(conf.SSL, conf.CertificateFile, conf.PrivateKeyFile, conf.ALPN)
	if err != nil {
		l.engine.close()
		return nil, err
	}

	l.quic, err = transport.ListenQUIC(conf.Address(), conf.ReusePort, tlsConf, transport.QUICConfig(conf.IdleTimeout()))
	if err != nil {
		l.engine.close()
		return nil, err
	}

	l.log().WithFields(log.Fields{
		"reuse port": conf.ReusePort,
		"alpn":       conf.ALPN,
	}).Info("Listening for QUIC connections")

	l.workers.Add(1)
	go l.acceptLoop()

	return l, nil
}

func (l *Listener) log() *log.Entry {
	fields := log.Fields{"listener": l.conf.Address()}
	if l.quic != nil {
		fields["listener"] = l.quic.Addr().String()
	}
	return log.WithFields(fields)
}

// Addr of the QUIC socket or nil.
func (l *Listener) Addr() net.Addr {
	if l.quic == nil {
		return nil
	}
	return l.quic.Addr()
}

// Connection returns a live Connection by its ID or nil.
func (l *Listener) Connection(id ConnectionID) *Connection {
	return l.engine.registry.get(id)
}

// Connections returns all live Connections.
func (l *Listener) Connections() []*Connection {
	return l.engine.registry.all()
}

// Stats returns a point-in-time snapshot of the counters of all accepted Connections, or nil for a closed Listener.
func (l *Listener) Stats() map[string]int64 {
	return l.engine.statsSnapshot()
}

// Registry exposes the statistics for Prometheus.
func (l *Listener) Registry() *prometheus.Registry {
	return l.engine.stats.registry
}

// startWorker registers a goroutine to be awaited by Close. It fails for a closing Listener.
func (l *Listener) startWorker() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closing {
		return false
	}
	l.workers.Add(1)
	return true
}

func (l *Listener) acceptLoop() {
	defer l.workers.Done()

	for {
		qc, err := l.quic.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.log().WithError(err).Warn("Accepting QUIC connections failed")
			}
			return
		}

		if !l.startWorker() {
			_ = qc.CloseWithError(quic.ApplicationErrorCode(transport.ApplicationShutdown), ReasonShutdown)
			return
		}

		go func() {
			defer l.workers.Done()

			ctx, cancel := context.WithTimeout(l.ctx, handshakeTimeout)
			defer cancel()

			tc, err := transport.AcceptSession(ctx, qc)
			if err != nil {
				l.log().WithError(err).WithField("remote", qc.RemoteAddr()).Info("Accepting session failed")
				return
			}
			l.serveConn(tc)
		}()
	}
}

// ServeHTTP upgrades a request to a WebSocket session.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if l.isClosing() {
		http.Error(w, ReasonShutdown, http.StatusServiceUnavailable)
		return
	}

	tc, err := l.upgrader.Upgrade(w, r)
	if err != nil {
		l.log().WithError(err).WithField("remote", r.RemoteAddr).Info("WebSocket upgrade failed")
		return
	}
	l.serveTransport(tc)
}

func (l *Listener) isClosing() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.closing
}

// serveTransport runs the handshake for a fresh transport on its own goroutine.
func (l *Listener) serveTransport(tc transport.Conn) {
	if !l.startWorker() {
		_ = tc.Close(transport.ApplicationShutdown, ReasonShutdown)
		return
	}

	go func() {
		defer l.workers.Done()
		l.serveConn(tc)
	}()
}

// serveConn runs the listener's side of the handshake on a fresh transport.
func (l *Listener) serveConn(tc transport.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, handshakeTimeout)
	defer cancel()

	logger := l.log().WithFields(log.Fields{
		"remote":   tc.RemoteAddr(),
		"protocol": tc.Protocol(),
	})

	if err := l.backlog.Acquire(ctx, 1); err != nil {
		logger.Warn("Backlog is exhausted")
		_ = tc.Close(transport.HandshakeTimeout, "backlog exhausted")
		return
	}
	defer l.backlog.Release(1)

	var msg packet.Message
	err := withDeadline(ctx, tc, func() (readErr error) {
		msg, readErr = tc.ReadMessage()
		return
	})
	if err != nil {
		logger.WithError(err).Info("Receiving HELLO failed")
		_ = tc.Close(transport.HandshakeTimeout, "no HELLO received")
		return
	}

	hello, ok := msg.(*packet.Hello)
	switch {
	case !ok:
		l.refuse(ctx, tc, transport.PeerError, fmt.Sprintf("expected HELLO, received %v", msg.Type()))
		return
	case hello.Version != packet.ProtocolVersion:
		l.refuse(ctx, tc, transport.Refused, fmt.Sprintf("unsupported protocol version %d", hello.Version))
		return
	case hello.ALPN != l.conf.ALPN:
		l.refuse(ctx, tc, transport.Refused, fmt.Sprintf("unsupported ALPN %q", hello.ALPN))
		return
	}

	conn, err := newConnection(l.engine, l.conf, nil, false)
	if errors.Is(err, ErrResourceExhausted) {
		l.refuse(ctx, tc, transport.TooManyConnections, "too many connections")
		return
	} else if err != nil {
		l.refuse(ctx, tc, transport.LocalError, err.Error())
		return
	}

	conn.mutex.Lock()
	conn.target = hello.Target
	conn.properties = hello.Properties
	conn.remoteAddr = tc.RemoteAddr()
	conn.mutex.Unlock()

	handler := l.accept(conn)
	if handler == nil {
		conn.abort()
		l.refuse(ctx, tc, transport.Refused, "refused")
		return
	}
	conn.mutex.Lock()
	conn.handler = handler
	conn.mutex.Unlock()

	ack := &packet.HelloAck{Code: 0, Message: "accepted"}
	if err := withDeadline(ctx, tc, func() error { return tc.WriteMessage(ack) }); err != nil {
		logger.WithError(err).Info("Sending HELLO_ACK failed")
		conn.abort()
		_ = tc.Close(transport.ConnectionError, "")
		return
	}

	logger.WithFields(log.Fields{
		"conn":   conn.id,
		"target": hello.Target,
	}).Debug("Accepted session")

	conn.establish(tc, ack.Message)
}

// accept asks the Acceptor for a handler; a panicking Acceptor refuses the session.
func (l *Listener) accept(conn *Connection) (handler ConnectionHandler) {
	defer func() {
		if r := recover(); r != nil {
			l.log().WithField("panic", r).Error("Acceptor panicked")
			handler = nil
		}
	}()
	return l.acceptor(conn)
}

// refuse a session with a HELLO_ACK and close the transport.
func (l *Listener) refuse(ctx context.Context, tc transport.Conn, code transport.ErrorCode, msg string) {
	l.log().WithFields(log.Fields{
		"remote": tc.RemoteAddr(),
		"code":   code,
		"reason": msg,
	}).Info("Refusing session")

	ack := &packet.HelloAck{Code: uint64(code), Message: msg}
	_ = withDeadline(ctx, tc, func() error { return tc.WriteMessage(ack) })
	_ = tc.Close(code, msg)
}

// Close the Listener and all accepted Connections, which observe ReasonShutdown.
func (l *Listener) Close() error {
	l.mutex.Lock()
	if l.closing {
		l.mutex.Unlock()
		return ErrClosed
	}
	l.closing = true
	l.mutex.Unlock()

	l.cancel()

	var errs error

	conns := l.engine.registry.all()
	for _, conn := range conns {
		conn.closeWith(ReasonShutdown, transport.ApplicationShutdown, true)
	}

	grace := time.NewTimer(shutdownGrace)
	defer grace.Stop()
	for _, conn := range conns {
		select {
		case <-conn.Done():
		case <-grace.C:
			errs = multierror.Append(errs, fmt.Errorf("%v did not shut down in time", conn))
			grace.Reset(0)
		}
	}

	if l.quic != nil {
		if err := l.quic.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	l.workers.Wait()

	// Sessions which finished their handshake during shutdown
	for _, conn := range l.engine.registry.all() {
		conn.closeWith(ReasonShutdown, transport.ApplicationShutdown, true)
	}

	l.engine.close()

	l.log().Info("Listener closed")
	return errs
}
