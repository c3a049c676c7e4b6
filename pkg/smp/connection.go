// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/difft/smp-go/pkg/congestion"
	"github.com/difft/smp-go/pkg/packet"
	"github.com/difft/smp-go/pkg/smp/internal/executor"
	"github.com/difft/smp-go/pkg/smp/internal/transport"
)

// State of a Connection's lifecycle.
type State int32

const (
	// Connecting is the initial State until the handshake has finished.
	Connecting State = iota
	// Open Connections exchange packets.
	Open
	// Closing Connections drain their pending callbacks.
	Closing
	// Closed Connections have released their transport.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	// handshakeTimeout bounds dialing, the HELLO and the HELLO_ACK.
	handshakeTimeout = 5 * time.Second

	// closeWriteTimeout bounds the CLOSE frame and every write still pending when a Connection closes.
	closeWriteTimeout = time.Second
)

// dialFunc establishes a transport to a target.
type dialFunc func(ctx context.Context, t target, conf Config) (transport.Conn, error)

func defaultDial(ctx context.Context, t target, conf Config) (transport.Conn, error) {
	tlsConf := transport.DialerTLSConfig(conf.SSL, t.serverName, conf.ALPN)
	if t.websocket {
		// The ALPN token is negotiated as subprotocol; TLS itself speaks HTTP
		tlsConf.NextProtos = []string{"http/1.1"}
		return transport.DialWebSocket(ctx, t.address, tlsConf, conf.ALPN)
	}
	return transport.DialQUIC(ctx, t.address, tlsConf, transport.QUICConfig(conf.IdleTimeout()))
}

// outgoingFrame is a queued frame of the send path.
type outgoingFrame struct {
	msg  packet.Message
	size int
	// gated frames are paced and accounted by the congestion controller
	gated bool
	// counted frames are application packets
	counted bool
}

// Connection is a session with a single peer, multiplexing many Streams.
//
// Connections are created by a Connector for outgoing sessions or by a Listener for incoming ones. All methods are
// safe for concurrent use and never block on the network; send methods queue their packets and return a Code.
type Connection struct {
	id       ConnectionID
	engine   *engine
	conf     Config
	handler  ConnectionHandler
	outgoing bool
	dial     dialFunc

	algorithm  congestion.Algorithm
	controller congestion.Controller
	pacer      *congestion.Pacer

	clock      clock.Clock
	strand     *executor.Strand
	dispatcher *dispatcher
	counters   counters

	refs *refCount
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mutex sync.Mutex

	state       State
	connecting  bool
	closeReason string
	transport   transport.Conn

	target     string
	properties string
	remoteAddr net.Addr

	queue    []outgoingFrame
	flushing bool
	// directWriting is set while a keepalive frame is being written
	directWriting bool

	idleTimer *executor.Timer
	pingTimer *executor.Timer

	lastReceive     time.Time
	lastSend        time.Time
	pingOutstanding bool
	pingSentAt      time.Time
	pingTransID     int32

	userObject interface{}
}

// newConnection registers a new Connection in the engine.
func newConnection(e *engine, conf Config, handler ConnectionHandler, outgoing bool) (*Connection, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	controller, err := congestion.New(conf.CongestCtrl, congestion.DefaultConfig())
	if err != nil {
		return nil, err
	}

	if handler == nil {
		handler = NopHandler{}
	}

	conn := &Connection{
		engine:     e,
		conf:       conf,
		handler:    handler,
		outgoing:   outgoing,
		dial:       defaultDial,
		algorithm:  conf.CongestCtrl,
		controller: controller,
		pacer:      congestion.NewPacer(controller),
		clock:      e.timers.Clock(),
		strand:     executor.NewStrand(e.tasks),
		done:       make(chan struct{}),
		state:      Connecting,
	}
	conn.dispatcher = newDispatcher(conn, outgoing)
	conn.refs = newRefCount(conn.destroy)
	conn.ctx, conn.cancel = context.WithCancel(context.Background())

	if _, err = e.register(conn); err != nil {
		conn.cancel()
		return nil, err
	}

	conn.log().WithFields(log.Fields{
		"outgoing":   outgoing,
		"congestion": conn.algorithm,
	}).Debug("Created connection")

	return conn, nil
}

func (conn *Connection) String() string {
	return conn.id.String()
}

func (conn *Connection) log() *log.Entry {
	fields := log.Fields{"conn": conn.id.String()}
	if !conn.outgoing {
		fields["side"] = "listener"
	}
	return log.WithFields(fields)
}

// ID of this Connection within its Connector or Listener.
func (conn *Connection) ID() ConnectionID {
	return conn.id
}

// State of this Connection.
func (conn *Connection) State() State {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.state
}

func (conn *Connection) isOpen() bool {
	return conn.State() == Open
}

// Algorithm of the congestion controller.
func (conn *Connection) Algorithm() congestion.Algorithm {
	return conn.algorithm
}

// RemoteAddr of the peer, or nil before the handshake.
func (conn *Connection) RemoteAddr() net.Addr {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.remoteAddr
}

// Target is the dialed target for outgoing Connections and the requested path for accepted ones.
func (conn *Connection) Target() string {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.target
}

// Properties are the connect properties, as passed to Connect or as received from the dialer.
func (conn *Connection) Properties() string {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.properties
}

// Done is closed after this Connection released its resources, i.e., after OnClosed has returned.
func (conn *Connection) Done() <-chan struct{} {
	return conn.done
}

// SetUserObject attaches an arbitrary value and returns the previous one.
func (conn *Connection) SetUserObject(obj interface{}) (old interface{}) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	old, conn.userObject = conn.userObject, obj
	return
}

// UserObject returns the attached value.
func (conn *Connection) UserObject() interface{} {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.userObject
}

// Stream returns a live Stream or nil.
func (conn *Connection) Stream(id int32) *Stream {
	return conn.dispatcher.lookup(id)
}

// Streams returns all live Streams, ordered by their id.
func (conn *Connection) Streams() []*Stream {
	return conn.dispatcher.all()
}

// Stats returns a point-in-time snapshot of this Connection's counters.
func (conn *Connection) Stats() map[string]int64 {
	m := make(map[string]int64, int(numCounters)+5)
	conn.counters.snapshot(m)

	m["congestion_control"] = int64(conn.algorithm.Code())
	m["congestion_window"] = int64(conn.controller.Window())
	m["bytes_in_flight"] = int64(conn.controller.InFlight())
	m["streams_active"] = int64(conn.dispatcher.len())
	m["state"] = int64(conn.State())
	return m
}

// count increments both this Connection's and its engine's counter.
func (conn *Connection) count(ctr counter, n int64) {
	conn.counters.add(ctr, n)
	conn.engine.stats.add(ctr, n)
}

// post a task on this Connection's strand. The task holds a reference, delaying the destroy step.
func (conn *Connection) post(task func()) bool {
	if !conn.refs.tryAcquire() {
		return false
	}

	err := conn.strand.Submit(func() {
		defer conn.refs.drop()
		task()
	})
	if err != nil {
		conn.refs.drop()
		conn.log().WithError(err).Warn("Dropping task of connection")
		return false
	}
	return true
}

// spawn a task on the engine's pool, outside of the strand's order.
func (conn *Connection) spawn(task func()) bool {
	if !conn.refs.tryAcquire() {
		return false
	}

	err := conn.engine.tasks.Submit(func() {
		defer conn.refs.drop()
		task()
	})
	if err != nil {
		conn.refs.drop()
		return false
	}
	return true
}

// afterFunc schedules a task on the engine's timer pool. An expired timer of a released Connection does nothing.
func (conn *Connection) afterFunc(d time.Duration, task func()) *executor.Timer {
	return conn.engine.timers.AfterFunc(d, func() {
		if !conn.refs.tryAcquire() {
			return
		}
		defer conn.refs.drop()
		task()
	})
}

// invoke a handler callback, reporting a panic through OnException.
func (conn *Connection) invoke(name string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			conn.log().WithFields(log.Fields{
				"callback": name,
				"panic":    r,
				"stack":    string(debug.Stack()),
			}).Error("Handler panicked")

			conn.reportException(fmt.Sprintf("%s panicked: %v", name, r))
		}
	}()

	callback()
}

func (conn *Connection) reportException(msg string) {
	defer func() {
		if r := recover(); r != nil {
			conn.log().WithField("panic", r).Error("OnException panicked")
		}
	}()

	conn.handler.OnException(conn, msg)
}

// Close this Connection gracefully. Only the first call has an effect; OnClosed follows asynchronously.
func (conn *Connection) Close() Code {
	if !conn.closeWith(ReasonClosed, transport.NoError, true) {
		return CodeAlreadyClosed
	}
	return CodeOK
}

// closeWith starts closing this Connection. Pending callbacks are drained before OnClosed is delivered, and the
// destroy step runs after the last reference was dropped. The result is false if the Connection was already closing.
func (conn *Connection) closeWith(reason string, code transport.ErrorCode, notifyPeer bool) bool {
	conn.mutex.Lock()
	if conn.state >= Closing {
		conn.mutex.Unlock()
		return false
	}

	conn.state = Closing
	conn.closeReason = reason
	conn.cancel()
	conn.stopTimersLocked()
	conn.queue = nil

	tc := conn.transport
	conn.mutex.Unlock()

	streams := conn.dispatcher.close()

	conn.log().WithFields(log.Fields{
		"reason":  reason,
		"streams": len(streams),
	}).Info("Closing connection")

	// Writers stuck on a peer which stopped reading might occupy every worker; release them without a task
	if tc != nil {
		if err := tc.SetWriteDeadline(time.Now().Add(closeWriteTimeout)); err != nil {
			conn.log().WithError(err).Debug("Setting write deadline failed")
		}
	}

	conn.post(func() {
		if tc != nil {
			if notifyPeer {
				if err := tc.WriteMessage(&packet.Close{Code: uint64(code), Reason: reason}); err != nil {
					conn.log().WithError(err).Debug("Sending CLOSE failed")
				}
			}
			if err := tc.Close(code, reason); err != nil {
				conn.log().WithError(err).Debug("Closing transport errored")
			}
		}

		conn.mutex.Lock()
		conn.state = Closed
		handler := conn.handler
		conn.mutex.Unlock()

		for _, s := range streams {
			if !s.markClosed(false) {
				continue
			}
			if h := s.Handler(); h != nil {
				conn.invoke("StreamHandler.OnClosed", func() { h.OnClosed(s, reason) })
			}
		}

		conn.invoke("OnClosed", func() { handler.OnClosed(conn, reason) })

		conn.refs.drop()
	})

	return true
}

// abort a Connection which never reached the Open state, without any callback.
func (conn *Connection) abort() {
	conn.mutex.Lock()
	if conn.state != Connecting {
		conn.mutex.Unlock()
		return
	}
	conn.state = Closed
	conn.cancel()
	conn.mutex.Unlock()

	conn.dispatcher.close()
	conn.refs.drop()
}

// destroy runs exactly once after the last reference was dropped.
func (conn *Connection) destroy() {
	conn.mutex.Lock()
	conn.state = Closed
	tc := conn.transport
	reason := conn.closeReason
	conn.mutex.Unlock()

	if tc != nil {
		_ = tc.Close(transport.NoError, reason)
	}

	conn.engine.unregister(conn)
	close(conn.done)

	conn.log().WithField("reason", reason).Debug("Connection destroyed")
}
