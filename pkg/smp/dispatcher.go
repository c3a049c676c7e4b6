// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"math"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/difft/smp-go/pkg/packet"
)

const (
	reasonStreamClosedLocally = "closed locally"
	reasonStreamClosedByPeer  = "closed by peer"
)

// dispatcher holds a Connection's stream table and translates inbound packets into Stream events.
//
// Stream ids are split by parity: the dialing side allocates odd ids starting at 1, the accepting side even ids
// starting at 2. Thus, both sides might open streams without any coordination.
type dispatcher struct {
	conn *Connection

	mutex   sync.Mutex
	streams map[int32]*Stream
	closed  bool

	parity    int32
	nextLocal int64
	maxRemote int32
}

func newDispatcher(conn *Connection, outgoing bool) *dispatcher {
	d := &dispatcher{
		conn:    conn,
		streams: make(map[int32]*Stream),
	}
	if outgoing {
		d.parity, d.nextLocal = 1, 1
	} else {
		d.parity, d.nextLocal = 0, 2
	}
	return d
}

func (d *dispatcher) isLocal(id int32) bool {
	return id > 0 && id%2 == d.parity
}

// lookup a live Stream.
func (d *dispatcher) lookup(id int32) *Stream {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.streams[id]
}

// all live Streams, ordered by their id.
func (d *dispatcher) all() []*Stream {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	streams := make([]*Stream, 0, len(d.streams))
	for _, s := range d.streams {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].id < streams[j].id })
	return streams
}

func (d *dispatcher) len() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.streams)
}

// allocate the next local Stream. The result is nil if the id space is exhausted or the table was closed.
func (d *dispatcher) allocate() *Stream {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed || d.nextLocal > math.MaxInt32 {
		return nil
	}

	s := newStream(int32(d.nextLocal), d.conn)
	d.streams[s.id] = s
	d.nextLocal += 2
	return s
}

// prepareSend resolves the Stream for an outgoing packet. A fresh local id opens its Stream implicitly, which is
// reported by opened.
func (d *dispatcher) prepareSend(id int32) (s *Stream, opened bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return nil, false
	}
	if s = d.streams[id]; s != nil {
		return s, false
	}
	if !d.isLocal(id) || int64(id) < d.nextLocal {
		return nil, false
	}

	s = newStream(id, d.conn)
	d.streams[id] = s
	d.nextLocal = int64(id) + 2
	return s, true
}

// remoteOpened registers a Stream announced by the peer. Stale, duplicate or misplaced announcements are ignored.
func (d *dispatcher) remoteOpened(id int32) *Stream {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed || id <= 0 || d.isLocal(id) || id <= d.maxRemote {
		return nil
	}

	s := newStream(id, d.conn)
	d.streams[id] = s
	d.maxRemote = id
	return s
}

// remove a Stream from the table, e.g., when it was closed.
func (d *dispatcher) remove(id int32) *Stream {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	s, ok := d.streams[id]
	if !ok {
		return nil
	}
	delete(d.streams, id)
	return s
}

// close the table, returning all remaining Streams. Afterwards, no Stream can be added.
func (d *dispatcher) close() []*Stream {
	d.mutex.Lock()
	d.closed = true
	d.mutex.Unlock()

	streams := d.all()

	d.mutex.Lock()
	d.streams = make(map[int32]*Stream)
	d.mutex.Unlock()

	return streams
}

// deliver a CMD or DATA packet, looked up on arrival, to the Stream's or the Connection's handler. This runs on the
// Connection's strand.
func (d *dispatcher) deliver(s *Stream, p *packet.Packet) {
	conn := d.conn
	if !conn.isOpen() || s.isClosedLocally() {
		conn.count(ctrPacketsDropped, 1)
		return
	}

	ts, transID, payload := p.Timestamp(), p.TransID(), p.Payload()

	if h := s.Handler(); h != nil {
		switch p.Type() {
		case packet.CMD:
			conn.invoke("OnRecvCmd", func() { h.OnRecvCmd(s, ts, transID, payload) })
		case packet.DATA:
			conn.invoke("OnRecvData", func() { h.OnRecvData(s, ts, transID, payload) })
		}
		return
	}

	switch p.Type() {
	case packet.CMD:
		conn.invoke("OnRecvCmd", func() { conn.handler.OnRecvCmd(conn, ts, transID, s, payload) })
	case packet.DATA:
		conn.invoke("OnRecvData", func() { conn.handler.OnRecvData(conn, ts, transID, s, payload) })
	}
}

// deliverUserControl to the handler, if it supports USER_CONTROL packets.
func (d *dispatcher) deliverUserControl(p *packet.Packet) {
	conn := d.conn
	if !conn.isOpen() {
		return
	}

	uch, ok := conn.handler.(UserControlHandler)
	if !ok {
		conn.log().WithField("packet", p).Debug("Dropping USER_CONTROL packet without a handler")
		return
	}
	conn.invoke("OnRecvUserControl", func() {
		uch.OnRecvUserControl(conn, p.Timestamp(), p.TransID(), p.StreamID(), p.Payload())
	})
}

// streamCreated announces a Stream opened by the peer.
func (d *dispatcher) streamCreated(s *Stream) {
	conn := d.conn
	if !conn.isOpen() {
		return
	}
	conn.invoke("OnStreamCreated", func() { conn.handler.OnStreamCreated(conn, s) })
}

// streamClosed announces a Stream's close to its own handler and, for a peer's close, to the ConnectionHandler.
func (d *dispatcher) streamClosed(s *Stream, byPeer bool) {
	conn := d.conn
	if !conn.isOpen() {
		return
	}

	reason := reasonStreamClosedLocally
	if byPeer {
		reason = reasonStreamClosedByPeer
	}

	if h := s.Handler(); h != nil {
		conn.invoke("StreamHandler.OnClosed", func() { h.OnClosed(s, reason) })
	}
	if byPeer {
		conn.invoke("OnStreamClosed", func() { conn.handler.OnStreamClosed(conn, s) })
	}

	conn.log().WithFields(log.Fields{
		"stream": s.id,
		"reason": reason,
	}).Debug("Stream closed")
}
