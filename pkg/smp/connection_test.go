// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/difft/smp-go/pkg/congestion"
	"github.com/difft/smp-go/pkg/packet"
	"github.com/difft/smp-go/pkg/smp/internal/transport"
)

func TestConnectExchange(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	server := newRecorder()
	ps.serverHandler = func(*Connection) ConnectionHandler { return server }

	client := newRecorder()
	conn, serverConn := ps.connect(t, conf, client)

	if e := server.expect(t, "connect"); e.code != ResultOK {
		t.Fatalf("server side reported %v", e)
	}
	if serverConn.Target() != "/signal" || serverConn.Properties() != `{"token":"secret"}` {
		t.Fatalf("server side sees target %q, properties %q", serverConn.Target(), serverConn.Properties())
	}
	if conn.State() != Open || serverConn.State() != Open {
		t.Fatalf("states are %v and %v", conn.State(), serverConn.State())
	}

	s, code := conn.OpenStream()
	if code != CodeOK {
		t.Fatalf("OpenStream returned %v", code)
	}
	if s.ID() != 1 {
		t.Fatalf("first dialer stream has id %d", s.ID())
	}

	if code := s.SendCmd(42, []byte("hello")); code != CodeOK {
		t.Fatalf("SendCmd returned %v", code)
	}
	if code := s.SendText("world"); code != CodeOK {
		t.Fatalf("SendText returned %v", code)
	}

	if e := server.expect(t, "stream created"); e.stream != 1 {
		t.Fatalf("unexpected %v", e)
	}
	if e := server.expect(t, "cmd"); e.stream != 1 || e.transID != 42 || e.payload != "hello" {
		t.Fatalf("unexpected %v", e)
	}
	if e := server.expect(t, "data"); e.stream != 1 || e.transID != 0 || e.payload != "world" {
		t.Fatalf("unexpected %v", e)
	}

	// The listener answers on the same stream
	serverStream := serverConn.Stream(1)
	if serverStream == nil {
		t.Fatal("server side does not know stream 1")
	}
	if code := serverStream.SendData([]byte("pong")); code != CodeOK {
		t.Fatalf("SendData returned %v", code)
	}
	if e := client.expect(t, "data"); e.stream != 1 || e.payload != "pong" {
		t.Fatalf("unexpected %v", e)
	}

	// A stream opened by the listener uses even ids
	ss, code := serverConn.OpenStream()
	if code != CodeOK || ss.ID() != 2 {
		t.Fatalf("listener stream %v, code %v", ss, code)
	}
	if code := ss.SendData([]byte("push")); code != CodeOK {
		t.Fatalf("SendData returned %v", code)
	}
	if e := client.expect(t, "stream created"); e.stream != 2 {
		t.Fatalf("unexpected %v", e)
	}
	if e := client.expect(t, "data"); e.stream != 2 || e.payload != "push" {
		t.Fatalf("unexpected %v", e)
	}

	stats := conn.Stats()
	if stats["packets_sent"] != 2 || stats["packets_received"] != 2 || stats["streams_active"] != 2 {
		t.Fatalf("unexpected client stats %v", stats)
	}

	client.quiet(t, 50*time.Millisecond)
	server.quiet(t, 50*time.Millisecond)
}

func TestConnectTwice(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	client := newRecorder()
	conn, _ := ps.connect(t, conf, client)

	if code := conn.Connect("pipe.test", ""); code != CodeNotPermitted {
		t.Fatalf("second Connect returned %v", code)
	}
	client.quiet(t, 50*time.Millisecond)
}

func TestConnectFailure(t *testing.T) {
	conf := testConfig()

	connector, err := NewConnector(conf)
	if err != nil {
		t.Fatal(err)
	}
	defer connector.Close()

	connector.dial = func(context.Context, target, Config) (transport.Conn, error) {
		return nil, transport.NewHandshakeError("no route", transport.Refused, nil)
	}

	client := newRecorder()
	conn, err := connector.CreateConnection(conf, client)
	if err != nil {
		t.Fatal(err)
	}
	if code := conn.Connect("unreachable.test", ""); code != CodeOK {
		t.Fatalf("Connect returned %v", code)
	}

	if e := client.expect(t, "connect"); e.code != ResultRefused {
		t.Fatalf("unexpected %v", e)
	}
	waitDone(t, conn)

	if code := conn.Close(); code != CodeAlreadyClosed {
		t.Fatalf("Close after a failed connect returned %v", code)
	}
	if code := conn.Connect("unreachable.test", ""); code != CodeAlreadyClosed {
		t.Fatalf("Connect after a failed connect returned %v", code)
	}

	// A failed connect is reported only once, without OnClosed
	client.quiet(t, 50*time.Millisecond)

	if n := connector.Stats()["connect_failures"]; n != 1 {
		t.Fatalf("%d connect failures", n)
	}
}

func TestConnectInvalidTarget(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	client := newRecorder()
	conn, err := ps.connector.CreateConnection(conf, client)
	if err != nil {
		t.Fatal(err)
	}
	if code := conn.Connect("tcp://somewhere.test", ""); code != CodeOK {
		t.Fatalf("Connect returned %v", code)
	}
	if e := client.expect(t, "connect"); e.code != ResultLocalError {
		t.Fatalf("unexpected %v", e)
	}
	waitDone(t, conn)
}

func TestConnectRefused(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)
	ps.serverHandler = func(*Connection) ConnectionHandler { return nil }

	client := newRecorder()
	conn, err := ps.connector.CreateConnection(conf, client)
	if err != nil {
		t.Fatal(err)
	}
	conn.Connect("pipe.test", "")

	if e := client.expect(t, "connect"); e.code != ResultRefused {
		t.Fatalf("unexpected %v", e)
	}
	waitDone(t, conn)
	client.quiet(t, 50*time.Millisecond)

	if n := ps.listener.Stats()["connections_active"]; n != 0 {
		t.Fatalf("refused connection is still active: %d", n)
	}
}

func TestConnectALPNMismatch(t *testing.T) {
	serverConf := testConfig()
	ps := newPipeSetup(t, testConfig(), serverConf)

	hello := testHello(serverConf)
	hello.ALPN = "other"

	rp, ack := dialRaw(t, ps.listener, hello)
	if ack.Code != uint64(transport.Refused) {
		t.Fatalf("unexpected %v", ack)
	}

	// The listener closes the transport after refusing
	select {
	case _, ok := <-rp.frames:
		if ok {
			t.Fatal("frame after refusal")
		}
	case <-time.After(eventTimeout):
		t.Fatal("transport was not closed")
	}
}

func TestCloseIdempotent(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	server := newRecorder()
	ps.serverHandler = func(*Connection) ConnectionHandler { return server }

	client := newRecorder()
	conn, serverConn := ps.connect(t, conf, client)
	server.expect(t, "connect")

	if code := conn.Close(); code != CodeOK {
		t.Fatalf("first Close returned %v", code)
	}
	for i := 0; i < 3; i++ {
		if code := conn.Close(); code != CodeAlreadyClosed {
			t.Fatalf("repeated Close returned %v", code)
		}
	}

	if e := client.expect(t, "closed"); e.msg != ReasonClosed {
		t.Fatalf("unexpected %v", e)
	}
	if e := server.expect(t, "closed"); e.msg != reasonClosedByPeer+": "+ReasonClosed {
		t.Fatalf("unexpected %v", e)
	}

	waitDone(t, conn)
	waitDone(t, serverConn)

	if conn.State() != Closed || serverConn.State() != Closed {
		t.Fatalf("states are %v and %v", conn.State(), serverConn.State())
	}
	if code := conn.SendData(0, 0, 1, []byte("late")); code != CodeAlreadyClosed {
		t.Fatalf("send on a closed connection returned %v", code)
	}
	if _, code := conn.OpenStream(); code == CodeOK {
		t.Fatal("opened a stream on a closed connection")
	}

	client.quiet(t, 100*time.Millisecond)
	server.quiet(t, 50*time.Millisecond)

	if ps.connector.Connection(conn.ID()) != nil {
		t.Fatal("closed connection is still registered")
	}
	if stats := ps.connector.Stats(); stats["connections_closed"] != 1 || stats["connections_active"] != 0 {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestCloseWhileConnecting(t *testing.T) {
	conf := testConfig()

	connector, err := NewConnector(conf)
	if err != nil {
		t.Fatal(err)
	}
	defer connector.Close()

	dialing := make(chan struct{})
	connector.dial = func(ctx context.Context, _ target, _ Config) (transport.Conn, error) {
		close(dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	client := newRecorder()
	conn, err := connector.CreateConnection(conf, client)
	if err != nil {
		t.Fatal(err)
	}
	conn.Connect("slow.test", "")
	<-dialing

	if code := conn.Close(); code != CodeOK {
		t.Fatalf("Close returned %v", code)
	}

	if e := client.expect(t, "closed"); e.msg != ReasonClosed {
		t.Fatalf("unexpected %v", e)
	}
	waitDone(t, conn)
	client.quiet(t, 50*time.Millisecond)
}

func TestSendAfterStreamClose(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	server := newRecorder()
	ps.serverHandler = func(*Connection) ConnectionHandler { return server }

	client := newRecorder()
	conn, serverConn := ps.connect(t, conf, client)
	server.expect(t, "connect")

	s, _ := conn.OpenStream()
	s.SetHandler(streamRecorder{client})
	s.SendText("before")

	server.expect(t, "stream created")
	server.expect(t, "data")

	s.Close()
	if !s.IsClosed() {
		t.Fatal("stream is not closed")
	}
	if e := client.expect(t, "stream handler closed"); e.stream != s.ID() || e.msg != reasonStreamClosedLocally {
		t.Fatalf("unexpected %v", e)
	}
	if e := server.expect(t, "stream closed"); e.stream != s.ID() {
		t.Fatalf("unexpected %v", e)
	}

	sent := conn.Stats()["packets_sent"]
	received := serverConn.Stats()["packets_received"]

	if code := s.SendText("after"); code != CodeStreamClosed {
		t.Fatalf("send on a closed stream returned %v", code)
	}
	if code := conn.SendCmd(0, 7, s.ID(), []byte("after")); code != CodeStreamClosed {
		t.Fatalf("send on a closed stream id returned %v", code)
	}
	if code := conn.CloseStream(s.ID()); code != CodeStreamClosed {
		t.Fatalf("second stream close returned %v", code)
	}

	server.quiet(t, 100*time.Millisecond)

	if n := conn.Stats()["packets_sent"]; n != sent {
		t.Fatalf("packets were sent after the stream close: %d != %d", n, sent)
	}
	if n := serverConn.Stats()["packets_received"]; n != received {
		t.Fatalf("packets were received after the stream close: %d != %d", n, received)
	}
	if serverConn.Stream(s.ID()) != nil {
		t.Fatal("server still knows the stream")
	}
}

func TestSendInvalid(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	conn, _ := ps.connect(t, conf, newRecorder())

	if code := conn.SendPacket(nil); code != CodeInvalidPacket {
		t.Fatalf("nil packet returned %v", code)
	}
	if code := conn.SendPacket(packet.NewPacket(packet.Type(0x42))); code != CodeInvalidPacket {
		t.Fatalf("unknown type returned %v", code)
	}

	// Even ids belong to the listener and cannot be opened by sending
	if code := conn.SendData(0, 0, 2, []byte("x")); code != CodeStreamClosed {
		t.Fatalf("send on a peer's unknown stream returned %v", code)
	}
}

func TestImplicitStreamOpen(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	server := newRecorder()
	ps.serverHandler = func(*Connection) ConnectionHandler { return server }

	conn, _ := ps.connect(t, conf, newRecorder())
	server.expect(t, "connect")

	if code := conn.SendData(0, 3, 5, []byte("implicit")); code != CodeOK {
		t.Fatalf("send on a fresh local id returned %v", code)
	}
	if e := server.expect(t, "stream created"); e.stream != 5 {
		t.Fatalf("unexpected %v", e)
	}
	if e := server.expect(t, "data"); e.stream != 5 || e.transID != 3 || e.payload != "implicit" {
		t.Fatalf("unexpected %v", e)
	}

	// Allocation continues after the implicitly opened id
	if s, _ := conn.OpenStream(); s == nil || s.ID() != 7 {
		t.Fatalf("next stream is %v", s)
	}
}

func TestUnknownStreamDropped(t *testing.T) {
	serverConf := testConfig()
	ps := newPipeSetup(t, testConfig(), serverConf)

	server := newRecorder()
	ps.serverHandler = func(*Connection) ConnectionHandler { return server }

	rp, ack := dialRaw(t, ps.listener, testHello(serverConf))
	if ack.Code != 0 {
		t.Fatalf("unexpected %v", ack)
	}
	server.expect(t, "connect")

	rp.write(t, packet.NewPacket(packet.DATA).SetStreamID(99).SetPayload([]byte("lost")))

	rp.write(t, &packet.StreamOpen{StreamID: 1})
	rp.write(t, packet.NewPacket(packet.DATA).SetStreamID(1).SetPayload([]byte("found")))

	if e := server.expect(t, "stream created"); e.stream != 1 {
		t.Fatalf("unexpected %v", e)
	}
	if e := server.expect(t, "data"); e.payload != "found" {
		t.Fatalf("unexpected %v", e)
	}
	server.quiet(t, 50*time.Millisecond)

	if n := ps.listener.Stats()["packets_dropped"]; n != 1 {
		t.Fatalf("%d packets dropped", n)
	}
}

func TestProtocolError(t *testing.T) {
	serverConf := testConfig()
	ps := newPipeSetup(t, testConfig(), serverConf)

	server := newRecorder()
	ps.serverHandler = func(*Connection) ConnectionHandler { return server }

	rp, _ := dialRaw(t, ps.listener, testHello(serverConf))
	server.expect(t, "connect")

	// A second HELLO is no valid frame within a session
	rp.write(t, testHello(serverConf))
	rp.write(t, packet.NewPacket(packet.PING).SetTransID(1))

	// The session survives and answers the PING
	pong := rp.expect(t, packet.PONG).(*packet.Packet)
	if pong.TransID() != 1 {
		t.Fatalf("unexpected %v", pong)
	}
	if n := ps.listener.Stats()["frame_errors"]; n != 1 {
		t.Fatalf("%d frame errors", n)
	}
	server.quiet(t, 50*time.Millisecond)
}

func TestHandlerPanic(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	server := newRecorder()
	server.onEvent = func(_ *Connection, _ *Stream, e event) {
		if e.kind == "data" && e.payload == "boom" {
			panic("boom")
		}
	}
	ps.serverHandler = func(*Connection) ConnectionHandler { return server }

	conn, serverConn := ps.connect(t, conf, newRecorder())
	server.expect(t, "connect")

	s, _ := conn.OpenStream()
	s.SendText("boom")
	s.SendText("after")

	server.expect(t, "stream created")
	if e := server.expect(t, "exception"); !strings.Contains(e.msg, "boom") {
		t.Fatalf("unexpected %v", e)
	}
	if e := server.expect(t, "data"); e.payload != "after" {
		t.Fatalf("unexpected %v", e)
	}
	if serverConn.State() != Open {
		t.Fatalf("connection is %v after a panic", serverConn.State())
	}
}

func TestUserControl(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	server := newRecorder()
	ps.serverHandler = func(*Connection) ConnectionHandler { return server }

	conn, _ := ps.connect(t, conf, newRecorder())
	server.expect(t, "connect")

	p := packet.NewPacket(packet.USER_CONTROL).SetTransID(9).SetStreamID(0).SetPayload([]byte("ctl"))
	if code := conn.SendPacket(p); code != CodeOK {
		t.Fatalf("SendPacket returned %v", code)
	}

	if e := server.expect(t, "user control"); e.transID != 9 || e.payload != "ctl" {
		t.Fatalf("unexpected %v", e)
	}
}

func TestStreamMultiplexing(t *testing.T) {
	const (
		streams  = 3
		messages = 30
	)

	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	server := newRecorder()
	perStream := make(map[int32]*recorder)
	for id := int32(1); id <= 2*streams; id += 2 {
		perStream[id] = newRecorder()
	}
	server.onEvent = func(_ *Connection, s *Stream, e event) {
		if e.kind == "stream created" {
			s.SetHandler(streamRecorder{perStream[s.ID()]})
		}
	}
	ps.serverHandler = func(*Connection) ConnectionHandler { return server }

	conn, _ := ps.connect(t, conf, newRecorder())
	server.expect(t, "connect")

	var ss []*Stream
	for i := 0; i < streams; i++ {
		s, code := conn.OpenStream()
		if code != CodeOK {
			t.Fatalf("OpenStream returned %v", code)
		}
		ss = append(ss, s)
	}

	for i := 0; i < messages; i++ {
		s := ss[i%streams]
		if code := s.SendCmd(int32(i), []byte(fmt.Sprintf("%d-%d", s.ID(), i))); code != CodeOK {
			t.Fatalf("SendCmd returned %v", code)
		}
	}

	for i := 0; i < streams; i++ {
		server.expect(t, "stream created")
	}

	for id, r := range perStream {
		for i := 0; i < messages; i++ {
			if int32(2*(i%streams)+1) != id {
				continue
			}
			e := r.expect(t, "cmd")
			if e.stream != id || e.transID != int32(i) || e.payload != fmt.Sprintf("%d-%d", id, i) {
				t.Fatalf("stream %d received %v", id, e)
			}
		}
		r.quiet(t, 10*time.Millisecond)
	}

	// Stream handlers take precedence over the connection's handler
	server.quiet(t, 50*time.Millisecond)
}

func TestIdleTimeout(t *testing.T) {
	clientConf := testConfig()
	clientConf.IdleTimeOut = 200

	ps := newPipeSetup(t, clientConf, testConfig())

	server := newRecorder()
	ps.serverHandler = func(*Connection) ConnectionHandler { return server }

	client := newRecorder()
	start := time.Now()
	conn, _ := ps.connect(t, clientConf, client)

	e := client.expect(t, "closed")
	elapsed := time.Since(start)

	if e.msg != ReasonIdleTimeout {
		t.Fatalf("unexpected %v", e)
	}
	if elapsed < 200*time.Millisecond || elapsed > 250*time.Millisecond {
		t.Fatalf("idle timeout fired after %v", elapsed)
	}

	server.expect(t, "connect")
	if e := server.expect(t, "closed"); e.msg != reasonClosedByPeer+": "+ReasonIdleTimeout {
		t.Fatalf("unexpected %v", e)
	}
	waitDone(t, conn)
}

func TestIdleTimeoutDeferredByTraffic(t *testing.T) {
	clientConf := testConfig()
	clientConf.IdleTimeOut = 200

	ps := newPipeSetup(t, clientConf, testConfig())

	client := newRecorder()
	conn, _ := ps.connect(t, clientConf, client)

	s, _ := conn.OpenStream()
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		if code := s.SendText("tick"); code != CodeOK {
			t.Fatalf("send %d returned %v", i, code)
		}
	}
	if conn.State() != Open {
		t.Fatalf("connection is %v despite traffic", conn.State())
	}

	if e := client.expect(t, "closed"); e.msg != ReasonIdleTimeout {
		t.Fatalf("unexpected %v", e)
	}
}

func TestKeepalive(t *testing.T) {
	conf := testConfig()
	conf.IdleTimeOut = 300
	conf.PingOn = true
	conf.PingInterval = 100

	// The listener only answers; its PONGs count as traffic for its idle timeout
	serverConf := testConfig()
	serverConf.IdleTimeOut = 300

	ps := newPipeSetup(t, conf, serverConf)

	client := newRecorder()
	conn, serverConn := ps.connect(t, conf, client)

	time.Sleep(600 * time.Millisecond)

	if conn.State() != Open || serverConn.State() != Open {
		t.Fatalf("states are %v and %v", conn.State(), serverConn.State())
	}

	stats := conn.Stats()
	if stats["pings_sent"] < 3 || stats["pongs_received"] < 2 {
		t.Fatalf("unexpected keepalive stats %v", stats)
	}
	client.quiet(t, 10*time.Millisecond)
}

func TestKeepaliveUnanswered(t *testing.T) {
	conf := testConfig()
	conf.PingOn = true
	conf.PingInterval = 100

	connector, err := NewConnector(conf)
	if err != nil {
		t.Fatal(err)
	}
	defer connector.Close()

	peers := rawListener(t, connector)

	client := newRecorder()
	conn, err := connector.CreateConnection(conf, client)
	if err != nil {
		t.Fatal(err)
	}
	conn.Connect("raw.test", "")

	if e := client.expect(t, "connect"); e.code != ResultOK {
		t.Fatalf("unexpected %v", e)
	}

	rp := <-peers
	rp.expect(t, packet.PING)

	if e := client.expect(t, "closed"); e.msg != ReasonKeepaliveUnanswered {
		t.Fatalf("unexpected %v", e)
	}
	if c := rp.expect(t, packet.CLOSE, packet.PING).(*packet.Close); c.Reason != ReasonKeepaliveUnanswered {
		t.Fatalf("unexpected %v", c)
	}
	waitDone(t, conn)
}

func TestIdleTimeoutStalledPeer(t *testing.T) {
	conf := testConfig()
	conf.IdleTimeOut = 200

	connector, err := NewConnector(conf)
	if err != nil {
		t.Fatal(err)
	}
	defer connector.Close()

	stalledListener(t, connector)

	client := newRecorder()
	conn, err := connector.CreateConnection(conf, client)
	if err != nil {
		t.Fatal(err)
	}
	conn.Connect("stalled.test", "")

	if e := client.expect(t, "connect"); e.code != ResultOK {
		t.Fatalf("unexpected %v", e)
	}

	start := time.Now()
	if code := conn.SendData(0, 1, 1, []byte("never read")); code != CodeOK {
		t.Fatalf("SendData returned %v", code)
	}

	if e := client.expect(t, "closed"); e.msg != ReasonIdleTimeout {
		t.Fatalf("unexpected %v", e)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond+closeWriteTimeout+500*time.Millisecond {
		t.Fatalf("closing took %v", elapsed)
	}
	waitDone(t, conn)
}

func TestKeepaliveStalledPeers(t *testing.T) {
	conf := testConfig()
	conf.TaskThreads = 2
	conf.PingOn = true
	conf.PingInterval = 100

	connector, err := NewConnector(conf)
	if err != nil {
		t.Fatal(err)
	}
	defer connector.Close()

	stalledListener(t, connector)

	// More stalled Connections than workers
	var conns []*Connection
	var clients []*recorder
	for i := 0; i < 2*conf.TaskThreads; i++ {
		client := newRecorder()
		conn, err := connector.CreateConnection(conf, client)
		if err != nil {
			t.Fatal(err)
		}
		conn.Connect(fmt.Sprintf("stalled-%d.test", i), "")

		conns = append(conns, conn)
		clients = append(clients, client)
	}

	for i, client := range clients {
		if e := client.expect(t, "connect"); e.code != ResultOK {
			t.Fatalf("connection %d: unexpected %v", i, e)
		}
	}
	for i, client := range clients {
		if e := client.expect(t, "closed"); e.msg != ReasonKeepaliveUnanswered {
			t.Fatalf("connection %d: unexpected %v", i, e)
		}
		waitDone(t, conns[i])
	}

	if n := connector.Stats()["pings_sent"]; n < int64(len(conns)) {
		t.Fatalf("%d pings were sent", n)
	}
}

func TestCongestionControlSelection(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	var conns []*Connection
	for _, alg := range congestion.Algorithms {
		connConf := conf
		connConf.CongestCtrl = alg

		conn, _ := ps.connect(t, connConf, newRecorder())
		conns = append(conns, conn)

		if conn.Algorithm() != alg {
			t.Fatalf("connection uses %v instead of %v", conn.Algorithm(), alg)
		}
		if code := conn.Stats()["congestion_control"]; code != int64(alg.Code()) {
			t.Fatalf("connection reports %d instead of %d", code, alg.Code())
		}
	}

	stats := ps.connector.Stats()
	for _, alg := range congestion.Algorithms {
		if n := stats[algorithmStatsKey(alg)]; n != 1 {
			t.Fatalf("%s is %d", algorithmStatsKey(alg), n)
		}
	}

	for _, conn := range conns {
		conn.Close()
		waitDone(t, conn)
	}
	for _, alg := range congestion.Algorithms {
		if n := ps.connector.Stats()[algorithmStatsKey(alg)]; n != 0 {
			t.Fatalf("%s is %d after close", algorithmStatsKey(alg), n)
		}
	}
}

func TestMaxConnections(t *testing.T) {
	conf := testConfig()
	conf.MaxConnections = 2

	connector, err := NewConnector(conf)
	if err != nil {
		t.Fatal(err)
	}
	defer connector.Close()

	var conns []*Connection
	for i := 0; i < 2; i++ {
		conn, err := connector.CreateConnection(conf, nil)
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, conn)
	}

	if _, err := connector.CreateConnection(conf, nil); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}

	conns[0].Close()
	waitDone(t, conns[0])

	if _, err := connector.CreateConnection(conf, nil); err != nil {
		t.Fatalf("released slot is unavailable: %v", err)
	}
}

func TestListenerTooManyConnections(t *testing.T) {
	clientConf := testConfig()
	serverConf := testConfig()
	serverConf.MaxConnections = 1

	ps := newPipeSetup(t, clientConf, serverConf)
	ps.connect(t, clientConf, newRecorder())

	client := newRecorder()
	conn, err := ps.connector.CreateConnection(clientConf, client)
	if err != nil {
		t.Fatal(err)
	}
	conn.Connect("pipe.test", "")

	if e := client.expect(t, "connect"); e.code != ResultTooManyConnections {
		t.Fatalf("unexpected %v", e)
	}
	waitDone(t, conn)
}

func TestConnectorClose(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	server := newRecorder()
	ps.serverHandler = func(*Connection) ConnectionHandler { return server }

	conn, _ := ps.connect(t, conf, newRecorder())
	server.expect(t, "connect")

	if err := ps.connector.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ps.connector.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close returned %v", err)
	}
	if ps.connector.Stats() != nil {
		t.Fatal("closed connector reports statistics")
	}
	if _, err := ps.connector.CreateConnection(conf, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed connector created a connection: %v", err)
	}

	// Handed-out connections stay usable
	s, _ := conn.OpenStream()
	s.SendText("still alive")
	server.expect(t, "stream created")
	if e := server.expect(t, "data"); e.payload != "still alive" {
		t.Fatalf("unexpected %v", e)
	}

	conn.Close()
	waitDone(t, conn)
}

func TestListenerClose(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	client := newRecorder()
	conn, _ := ps.connect(t, conf, client)

	if err := ps.listener.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ps.listener.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close returned %v", err)
	}

	if e := client.expect(t, "closed"); e.msg != reasonClosedByPeer+": "+ReasonShutdown {
		t.Fatalf("unexpected %v", e)
	}
	waitDone(t, conn)

	// New sessions are rejected
	late := newRecorder()
	lateConn, err := ps.connector.CreateConnection(conf, late)
	if err != nil {
		t.Fatal(err)
	}
	lateConn.Connect("pipe.test", "")
	if e := late.expect(t, "connect"); e.code == ResultOK {
		t.Fatalf("closed listener accepted a session: %v", e)
	}
}

func TestUserObjects(t *testing.T) {
	conf := testConfig()
	ps := newPipeSetup(t, conf, conf)

	conn, _ := ps.connect(t, conf, newRecorder())

	if old := conn.SetUserObject("a"); old != nil {
		t.Fatalf("unexpected previous object %v", old)
	}
	if old := conn.SetUserObject("b"); old != "a" || conn.UserObject() != "b" {
		t.Fatalf("unexpected objects %v/%v", old, conn.UserObject())
	}

	s, _ := conn.OpenStream()
	s.SetUserObject(42)
	if conn.Stream(s.ID()).UserObject() != 42 {
		t.Fatal("stream object was lost")
	}
	if len(conn.Streams()) != 1 {
		t.Fatalf("%d streams", len(conn.Streams()))
	}
}
