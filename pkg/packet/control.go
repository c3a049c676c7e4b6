// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// ProtocolVersion is the session protocol's version, sent within a HELLO.
const ProtocolVersion uint64 = 1

// Hello is the first frame of a session, sent by the dialer.
type Hello struct {
	Version uint64
	ALPN    string

	// Target is the path and query of the dialed URL, if any.
	Target string
	// Properties are opaque connect properties, e.g., an authorization JSON object.
	Properties string

	// IdleTimeout and PingInterval in milliseconds as configured by the dialer.
	IdleTimeout  uint64
	PingInterval uint64

	// CongestCtrl is the dialer's congestion control algorithm code.
	CongestCtrl uint64
}

func (h Hello) String() string {
	return fmt.Sprintf("HELLO(version=%d, alpn=%q, target=%q, idle=%dms, ping=%dms, cc=%d)",
		h.Version, h.ALPN, h.Target, h.IdleTimeout, h.PingInterval, h.CongestCtrl)
}

func (_ *Hello) Type() Type { return HELLO }

func (h *Hello) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(7, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(h.Version, w); err != nil {
		return err
	}
	for _, s := range []string{h.ALPN, h.Target, h.Properties} {
		if err := cboring.WriteTextString(s, w); err != nil {
			return err
		}
	}
	for _, n := range []uint64{h.IdleTimeout, h.PingInterval, h.CongestCtrl} {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hello) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 7 {
		return fmt.Errorf("expected array with length 7, got %d", l)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		h.Version = n
	}

	for _, s := range []*string{&h.ALPN, &h.Target, &h.Properties} {
		if str, err := cboring.ReadTextString(r); err != nil {
			return err
		} else {
			*s = str
		}
	}

	for _, n := range []*uint64{&h.IdleTimeout, &h.PingInterval, &h.CongestCtrl} {
		if v, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			*n = v
		}
	}
	return nil
}

// HelloAck answers a Hello. A zero Code accepts the session, everything else refuses it.
type HelloAck struct {
	Code    uint64
	Message string
}

func (ha HelloAck) String() string {
	return fmt.Sprintf("HELLO_ACK(code=%d, message=%q)", ha.Code, ha.Message)
}

func (_ *HelloAck) Type() Type { return HELLO_ACK }

func (ha *HelloAck) MarshalCbor(w io.Writer) error {
	return marshalCodeText(ha.Code, ha.Message, w)
}

func (ha *HelloAck) UnmarshalCbor(r io.Reader) error {
	return unmarshalCodeText(&ha.Code, &ha.Message, r)
}

// StreamOpen announces a new stream.
type StreamOpen struct {
	StreamID int32
}

func (_ *StreamOpen) Type() Type { return STREAM_OPEN }

func (so *StreamOpen) MarshalCbor(w io.Writer) error {
	return cboring.WriteUInt(uint64(uint32(so.StreamID)), w)
}

func (so *StreamOpen) UnmarshalCbor(r io.Reader) error {
	return unmarshalStreamID(&so.StreamID, r)
}

// StreamClose announces that the sender closed a stream.
type StreamClose struct {
	StreamID int32
}

func (_ *StreamClose) Type() Type { return STREAM_CLOSE }

func (sc *StreamClose) MarshalCbor(w io.Writer) error {
	return cboring.WriteUInt(uint64(uint32(sc.StreamID)), w)
}

func (sc *StreamClose) UnmarshalCbor(r io.Reader) error {
	return unmarshalStreamID(&sc.StreamID, r)
}

// Close terminates a session with a reason.
type Close struct {
	Code   uint64
	Reason string
}

func (c Close) String() string {
	return fmt.Sprintf("CLOSE(code=%d, reason=%q)", c.Code, c.Reason)
}

func (_ *Close) Type() Type { return CLOSE }

func (c *Close) MarshalCbor(w io.Writer) error {
	return marshalCodeText(c.Code, c.Reason, w)
}

func (c *Close) UnmarshalCbor(r io.Reader) error {
	return unmarshalCodeText(&c.Code, &c.Reason, r)
}

func marshalCodeText(code uint64, text string, w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(code, w); err != nil {
		return err
	}
	return cboring.WriteTextString(text, w)
}

func unmarshalCodeText(code *uint64, text *string, r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("expected array with length 2, got %d", l)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		*code = n
	}

	if s, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		*text = s
	}
	return nil
}

func unmarshalStreamID(id *int32, r io.Reader) error {
	n, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	if n > 0xffffffff {
		return fmt.Errorf("stream id %d overflows", n)
	}
	*id = int32(uint32(n))
	return nil
}
