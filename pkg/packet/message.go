// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/dtn7/cboring"
)

// MaxFrameSize is the largest accepted frame body in bytes.
const MaxFrameSize = 16 << 20

// Message describes all kinds of frames, which have their CBOR serialization and deserialization in common.
type Message interface {
	cboring.CborMarshaler

	// Type returns this Message's type code.
	Type() Type
}

// messages maps the different type codes to an example instance of their type.
var messages = map[Type]Message{
	CMD:          &Packet{},
	DATA:         &Packet{},
	USER_CONTROL: &Packet{},
	PING:         &Packet{},
	PONG:         &Packet{},

	HELLO:        &Hello{},
	HELLO_ACK:    &HelloAck{},
	STREAM_OPEN:  &StreamOpen{},
	STREAM_CLOSE: &StreamClose{},
	CLOSE:        &Close{},
}

// NewMessage creates a new Message for a given type code.
func NewMessage(t Type) (msg Message, err error) {
	msgType, exists := messages[t]
	if !exists {
		err = fmt.Errorf("no Message registered for type code %#x", uint8(t))
		return
	}

	msgElem := reflect.TypeOf(msgType).Elem()
	msg = reflect.New(msgElem).Interface().(Message)

	if p, ok := msg.(*Packet); ok {
		p.typ = t
	}
	return
}

// marshalFrame serializes a Message's frame, including type code, body and checksum.
func marshalFrame(msg Message) ([]byte, error) {
	body := new(bytes.Buffer)
	if err := msg.MarshalCbor(body); err != nil {
		return nil, err
	}
	if body.Len() > MaxFrameSize {
		return nil, fmt.Errorf("frame body of %d bytes exceeds maximum of %d bytes", body.Len(), MaxFrameSize)
	}

	frame := new(bytes.Buffer)
	frame.WriteByte(byte(msg.Type()))
	if err := cboring.WriteByteString(body.Bytes(), frame); err != nil {
		return nil, err
	}

	crc := make([]byte, 2)
	binary.BigEndian.PutUint16(crc, checksum(frame.Bytes()))
	frame.Write(crc)

	return frame.Bytes(), nil
}

// WriteMessage writes a Message's frame to the Writer. A Packet will be built, if this did not happen before.
func WriteMessage(msg Message, w io.Writer) error {
	var data []byte
	var err error

	if p, ok := msg.(*Packet); ok {
		data, err = p.Build()
	} else {
		data, err = marshalFrame(msg)
	}
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	return err
}

// ReadMessage parses the next frame from the Reader.
//
// Errors of the underlying Reader before the first byte of a frame are returned unaltered, e.g., io.EOF. All other
// errors are *FrameErrors; check Desync to see if the Reader might still be used.
func ReadMessage(r io.Reader) (msg Message, err error) {
	typeBytes := make([]byte, 1)
	if _, err = io.ReadFull(r, typeBytes); err != nil {
		return
	}
	t := Type(typeBytes[0])

	// Replay the frame's start to validate the checksum and to keep a Packet's built form
	raw := new(bytes.Buffer)
	raw.WriteByte(typeBytes[0])

	bodyLen, lenErr := cboring.ReadByteStringLen(io.TeeReader(r, raw))
	if lenErr != nil {
		err = newDesyncError(t, "reading body length failed", lenErr)
		return
	} else if bodyLen > MaxFrameSize {
		err = newDesyncError(t, fmt.Sprintf("body length %d exceeds maximum of %d", bodyLen, MaxFrameSize), nil)
		return
	}

	body := make([]byte, bodyLen)
	if _, bodyErr := io.ReadFull(r, body); bodyErr != nil {
		err = newDesyncError(t, "reading body failed", bodyErr)
		return
	}
	raw.Write(body)

	crc := make([]byte, 2)
	if _, crcErr := io.ReadFull(r, crc); crcErr != nil {
		err = newDesyncError(t, "reading checksum failed", crcErr)
		return
	}

	if crcCalc := checksum(raw.Bytes()); crcCalc != binary.BigEndian.Uint16(crc) {
		err = newFrameError(t, fmt.Sprintf("invalid checksum %x instead of expected %04x", crc, crcCalc), nil)
		return
	}
	raw.Write(crc)

	if msg, err = NewMessage(t); err != nil {
		msg, err = nil, newFrameError(t, "unsupported type", err)
		return
	}

	if unmarshalErr := msg.UnmarshalCbor(bytes.NewReader(body)); unmarshalErr != nil {
		msg, err = nil, newFrameError(t, "malformed body", unmarshalErr)
		return
	}

	if p, ok := msg.(*Packet); ok {
		p.encoded = raw.Bytes()
		p.built = true
	}
	return
}
