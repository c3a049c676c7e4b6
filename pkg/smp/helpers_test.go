// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/difft/smp-go/pkg/packet"
	"github.com/difft/smp-go/pkg/smp/internal/transport"
)

const eventTimeout = 2 * time.Second

func testConfig() Config {
	conf := DefaultConfig()
	conf.Port = 0
	conf.TaskThreads = 4
	conf.TimerThreads = 2
	conf.IdleTimeOut = 0
	conf.LogFile = ""
	return conf
}

func waitDone(t *testing.T, conn *Connection) {
	t.Helper()

	select {
	case <-conn.Done():
	case <-time.After(eventTimeout):
		t.Fatalf("%v was not released", conn)
	}
}

// event is a single recorded handler callback.
type event struct {
	kind    string
	code    int
	msg     string
	stream  int32
	transID int32
	payload string
}

func (e event) String() string {
	return fmt.Sprintf("%s(code=%d, msg=%q, stream=%d, trans=%d, payload=%q)",
		e.kind, e.code, e.msg, e.stream, e.transID, e.payload)
}

// recorder is a ConnectionHandler and StreamHandler recording all callbacks. It detects overlapping callbacks.
type recorder struct {
	events chan event

	inFlight atomic.Int32
	overlap  atomic.Bool

	// onEvent is called within the callback, e.g., to send a reply.
	onEvent func(conn *Connection, s *Stream, e event)
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 1024)}
}

func (r *recorder) record(conn *Connection, s *Stream, e event) {
	if r.inFlight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inFlight.Add(-1)

	if s != nil {
		e.stream = s.ID()
	}
	if r.onEvent != nil {
		r.onEvent(conn, s, e)
	}
	r.events <- e
}

func (r *recorder) OnConnectResult(conn *Connection, code int, msg string) {
	r.record(conn, nil, event{kind: "connect", code: code, msg: msg})
}

func (r *recorder) OnStreamCreated(conn *Connection, s *Stream) {
	r.record(conn, s, event{kind: "stream created"})
}

func (r *recorder) OnStreamClosed(conn *Connection, s *Stream) {
	r.record(conn, s, event{kind: "stream closed"})
}

func (r *recorder) OnRecvCmd(conn *Connection, _ int64, transID int32, s *Stream, payload []byte) {
	r.record(conn, s, event{kind: "cmd", transID: transID, payload: string(payload)})
}

func (r *recorder) OnRecvData(conn *Connection, _ int64, transID int32, s *Stream, payload []byte) {
	r.record(conn, s, event{kind: "data", transID: transID, payload: string(payload)})
}

func (r *recorder) OnClosed(conn *Connection, reason string) {
	r.record(conn, nil, event{kind: "closed", msg: reason})
}

func (r *recorder) OnException(conn *Connection, msg string) {
	r.record(conn, nil, event{kind: "exception", msg: msg})
}

func (r *recorder) OnRecvUserControl(conn *Connection, _ int64, transID, streamID int32, payload []byte) {
	r.record(conn, nil, event{kind: "user control", stream: streamID, transID: transID, payload: string(payload)})
}

// next waits for the next event.
func (r *recorder) next(t *testing.T) event {
	t.Helper()

	select {
	case e := <-r.events:
		return e
	case <-time.After(eventTimeout):
		t.Fatal("no event arrived in time")
		return event{}
	}
}

// expect waits for the next event, which must be of the given kind.
func (r *recorder) expect(t *testing.T, kind string) event {
	t.Helper()

	e := r.next(t)
	if e.kind != kind {
		t.Fatalf("expected %s event, got %v", kind, e)
	}
	return e
}

// quiet asserts that no further event arrives within a short time.
func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case e := <-r.events:
		t.Fatalf("unexpected event %v", e)
	case <-time.After(d):
	}

	if r.overlap.Load() {
		t.Fatal("callbacks overlapped")
	}
}

// streamRecorder is a StreamHandler which records into a recorder.
type streamRecorder struct {
	*recorder
}

func (sr streamRecorder) OnRecvCmd(s *Stream, _ int64, transID int32, payload []byte) {
	sr.record(s.Connection(), s, event{kind: "cmd", transID: transID, payload: string(payload)})
}

func (sr streamRecorder) OnRecvData(s *Stream, _ int64, transID int32, payload []byte) {
	sr.record(s.Connection(), s, event{kind: "data", transID: transID, payload: string(payload)})
}

func (sr streamRecorder) OnClosed(s *Stream, reason string) {
	sr.record(s.Connection(), s, event{kind: "stream handler closed", msg: reason})
}

// pipeSetup connects Connections of a Connector to a Listener through in-memory pipes.
type pipeSetup struct {
	connector *Connector
	listener  *Listener

	// accepted receives each Connection accepted by the listener.
	accepted chan *Connection
	// serverHandler returns the handler for accepted Connections.
	serverHandler func(conn *Connection) ConnectionHandler
}

func newPipeSetup(t *testing.T, clientConf, serverConf Config) *pipeSetup {
	t.Helper()

	ps := &pipeSetup{accepted: make(chan *Connection, 16)}
	ps.serverHandler = func(*Connection) ConnectionHandler { return newRecorder() }

	var err error
	ps.listener, err = newListener(serverConf, func(conn *Connection) ConnectionHandler {
		h := ps.serverHandler(conn)
		if h != nil {
			ps.accepted <- conn
		}
		return h
	})
	if err != nil {
		t.Fatal(err)
	}

	ps.connector, err = NewConnector(clientConf)
	if err != nil {
		t.Fatal(err)
	}
	ps.connector.dial = func(context.Context, target, Config) (transport.Conn, error) {
		client, server := transport.Pipe()
		ps.listener.serveTransport(server)
		return client, nil
	}

	t.Cleanup(func() {
		_ = ps.connector.Close()
		_ = ps.listener.Close()
	})
	return ps
}

// connect a new client Connection and wait for both sides to be open.
func (ps *pipeSetup) connect(t *testing.T, conf Config, client *recorder) (*Connection, *Connection) {
	t.Helper()

	conn, err := ps.connector.CreateConnection(conf, client)
	if err != nil {
		t.Fatal(err)
	}
	if code := conn.Connect("pipe.test/signal", `{"token":"secret"}`); code != CodeOK {
		t.Fatalf("Connect returned %v", code)
	}

	if e := client.expect(t, "connect"); e.code != ResultOK {
		t.Fatalf("connect failed: %v", e)
	}

	select {
	case server := <-ps.accepted:
		return conn, server
	case <-time.After(eventTimeout):
		t.Fatal("listener did not accept the connection")
		return nil, nil
	}
}

// rawPeer is the far end of a pipe, driven by the test itself.
type rawPeer struct {
	tc     transport.Conn
	frames chan packet.Message
}

// newRawPeer reads all incoming frames of tc into a channel.
func newRawPeer(tc transport.Conn) *rawPeer {
	rp := &rawPeer{tc: tc, frames: make(chan packet.Message, 1024)}
	go func() {
		defer close(rp.frames)
		for {
			msg, err := tc.ReadMessage()
			if err != nil {
				return
			}
			rp.frames <- msg
		}
	}()
	return rp
}

func (rp *rawPeer) write(t *testing.T, msg packet.Message) {
	t.Helper()

	if err := rp.tc.WriteMessage(msg); err != nil {
		t.Fatal(err)
	}
}

// expect the next frame of a type, skipping others listed in skip.
func (rp *rawPeer) expect(t *testing.T, typ packet.Type, skip ...packet.Type) packet.Message {
	t.Helper()

	timeout := time.After(eventTimeout)
	for {
		select {
		case msg, ok := <-rp.frames:
			if !ok {
				t.Fatalf("transport closed while waiting for %v", typ)
			}
			if msg.Type() == typ {
				return msg
			}

			skipped := false
			for _, s := range skip {
				skipped = skipped || msg.Type() == s
			}
			if !skipped {
				t.Fatalf("expected %v, got %v", typ, msg.Type())
			}

		case <-timeout:
			t.Fatalf("no %v arrived in time", typ)
			return nil
		}
	}
}

// dialRaw runs the dialer's handshake by hand against a Listener.
func dialRaw(t *testing.T, l *Listener, hello *packet.Hello) (*rawPeer, *packet.HelloAck) {
	t.Helper()

	client, server := transport.Pipe()
	l.serveTransport(server)

	rp := newRawPeer(client)
	rp.write(t, hello)

	ack, ok := rp.expect(t, packet.HELLO_ACK).(*packet.HelloAck)
	if !ok {
		t.Fatal("no HELLO_ACK")
	}
	return rp, ack
}

func testHello(conf Config) *packet.Hello {
	return &packet.Hello{
		Version: packet.ProtocolVersion,
		ALPN:    conf.ALPN,
		Target:  "/raw",
	}
}

// rawListener answers a Connector's HELLO by hand.
func rawListener(t *testing.T, connector *Connector) <-chan *rawPeer {
	t.Helper()

	peers := make(chan *rawPeer, 1)
	var once sync.Once

	connector.dial = func(context.Context, target, Config) (transport.Conn, error) {
		client, server := transport.Pipe()
		once.Do(func() {
			go func() {
				rp := newRawPeer(server)
				msg, ok := <-rp.frames
				if !ok || msg.Type() != packet.HELLO {
					_ = server.Close(transport.PeerError, "")
					return
				}
				if err := server.WriteMessage(&packet.HelloAck{Code: 0, Message: "raw"}); err != nil {
					return
				}
				peers <- rp
			}()
		})
		return client, nil
	}
	return peers
}

// stalledListener answers a Connector's HELLO and never reads again. Writes of the Connector block from then on.
func stalledListener(t *testing.T, connector *Connector) {
	t.Helper()

	connector.dial = func(context.Context, target, Config) (transport.Conn, error) {
		client, server := transport.Pipe()
		t.Cleanup(func() { _ = server.Close(transport.NoError, "") })

		go func() {
			if msg, err := server.ReadMessage(); err != nil || msg.Type() != packet.HELLO {
				_ = server.Close(transport.PeerError, "")
				return
			}
			_ = server.WriteMessage(&packet.HelloAck{Code: 0, Message: "stalled"})
		}()
		return client, nil
	}
}
