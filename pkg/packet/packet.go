// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/dtn7/cboring"
)

// Packet is the atomic unit exchanged on a connection.
//
// A Packet is mutable until it gets built. The first call of Build serializes the Packet; afterwards the Packet is
// immutable and every setter is a no-op. This allows a Packet to be handed to a send path while the application still
// holds a reference.
type Packet struct {
	mutex sync.Mutex

	typ            Type
	timestamp      int64
	transID        int32
	streamID       int32
	payload        []byte
	retryIntervals []int32

	built   bool
	encoded []byte
}

// NewPacket creates an unbuilt Packet of the given Type.
func NewPacket(t Type) *Packet {
	return &Packet{typ: t}
}

// Type returns this Packet's type code.
func (p *Packet) Type() Type {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.typ
}

// Timestamp in milliseconds since the epoch.
func (p *Packet) Timestamp() int64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.timestamp
}

// TransID is the transaction id.
func (p *Packet) TransID() int32 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.transID
}

// StreamID of the addressed stream.
func (p *Packet) StreamID() int32 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.streamID
}

// Payload returns the payload. The returned slice must not be altered.
func (p *Packet) Payload() []byte {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.payload
}

// RetryIntervals in milliseconds. A nil slice indicates best-effort delivery.
func (p *Packet) RetryIntervals() []int32 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.retryIntervals
}

// RetrySchedule returns the RetryIntervals as durations.
func (p *Packet) RetrySchedule() []time.Duration {
	intervals := p.RetryIntervals()
	if len(intervals) == 0 {
		return nil
	}

	schedule := make([]time.Duration, len(intervals))
	for i, interval := range intervals {
		schedule[i] = time.Duration(interval) * time.Millisecond
	}
	return schedule
}

// IsBuilt reports if this Packet was already built and is therefore immutable.
func (p *Packet) IsBuilt() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.built
}

// set executes f to alter this Packet, but only if it was not built yet.
func (p *Packet) set(f func()) *Packet {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.built {
		f()
	}
	return p
}

// SetType alters the type code of an unbuilt Packet.
func (p *Packet) SetType(t Type) *Packet {
	return p.set(func() { p.typ = t })
}

// SetTimestamp alters the timestamp of an unbuilt Packet.
func (p *Packet) SetTimestamp(timestamp int64) *Packet {
	return p.set(func() { p.timestamp = timestamp })
}

// SetTransID alters the transaction id of an unbuilt Packet.
func (p *Packet) SetTransID(transID int32) *Packet {
	return p.set(func() { p.transID = transID })
}

// SetStreamID alters the stream id of an unbuilt Packet.
func (p *Packet) SetStreamID(streamID int32) *Packet {
	return p.set(func() { p.streamID = streamID })
}

// SetPayload alters the payload of an unbuilt Packet.
func (p *Packet) SetPayload(payload []byte) *Packet {
	return p.set(func() { p.payload = payload })
}

// SetRetryIntervals alters the retry intervals of an unbuilt Packet.
func (p *Packet) SetRetryIntervals(intervals []int32) *Packet {
	return p.set(func() { p.retryIntervals = intervals })
}

// Build serializes this Packet once and returns its frame. Later calls return the same frame without serializing
// again, even if a setter was called in between.
func (p *Packet) Build() ([]byte, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.built {
		return p.encoded, nil
	}

	if !p.typ.IsPacket() {
		return nil, fmt.Errorf("type %v is not a packet type", p.typ)
	}
	if p.timestamp < 0 {
		return nil, fmt.Errorf("negative timestamp %d", p.timestamp)
	}
	for _, interval := range p.retryIntervals {
		if interval < 0 {
			return nil, fmt.Errorf("negative retry interval %d", interval)
		}
	}

	encoded, err := marshalFrame(packetFrame{p})
	if err != nil {
		return nil, err
	}

	p.encoded = encoded
	p.built = true
	return p.encoded, nil
}

// Len of the built frame in bytes, or zero for an unbuilt Packet.
func (p *Packet) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.encoded)
}

// MarshalCbor writes this Packet's CBOR body.
func (p *Packet) MarshalCbor(w io.Writer) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return packetFrame{p}.MarshalCbor(w)
}

// UnmarshalCbor reads this Packet's CBOR body. The type code must have been set beforehand.
func (p *Packet) UnmarshalCbor(r io.Reader) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.built {
		return fmt.Errorf("packet is already built")
	}

	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 5 {
		return fmt.Errorf("expected array with length 5, got %d", l)
	}

	fields := make([]uint64, 3)
	for i := range fields {
		if n, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			fields[i] = n
		}
	}
	if fields[0] > 1<<63-1 {
		return fmt.Errorf("timestamp %d overflows", fields[0])
	}
	// Ids are written as the two's complement of their int32 value
	for i, name := range []string{"trans id", "stream id"} {
		if fields[i+1] > math.MaxUint32 {
			return fmt.Errorf("%s %d overflows", name, fields[i+1])
		}
	}
	p.timestamp = int64(fields[0])
	p.transID = int32(uint32(fields[1]))
	p.streamID = int32(uint32(fields[2]))

	if payload, err := cboring.ReadByteString(r); err != nil {
		return err
	} else if len(payload) > 0 {
		p.payload = payload
	}

	retryLen, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	for i := uint64(0); i < retryLen; i++ {
		if n, err := cboring.ReadUInt(r); err != nil {
			return err
		} else if n > math.MaxInt32 {
			return fmt.Errorf("retry interval %d overflows", n)
		} else {
			p.retryIntervals = append(p.retryIntervals, int32(n))
		}
	}

	return nil
}

func (p *Packet) String() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return fmt.Sprintf("%v(stream=%d, trans=%d, timestamp=%d, payload=%d bytes, retries=%v)",
		p.typ, p.streamID, p.transID, p.timestamp, len(p.payload), p.retryIntervals)
}

// packetFrame serializes a Packet whose mutex is already held.
type packetFrame struct {
	p *Packet
}

func (pf packetFrame) Type() Type {
	return pf.p.typ
}

func (pf packetFrame) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}

	fields := []uint64{uint64(pf.p.timestamp), uint64(uint32(pf.p.transID)), uint64(uint32(pf.p.streamID))}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}

	if err := cboring.WriteByteString(pf.p.payload, w); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(pf.p.retryIntervals)), w); err != nil {
		return err
	}
	for _, interval := range pf.p.retryIntervals {
		if err := cboring.WriteUInt(uint64(interval), w); err != nil {
			return err
		}
	}

	return nil
}

func (pf packetFrame) UnmarshalCbor(r io.Reader) error {
	return fmt.Errorf("packetFrame is write only")
}
