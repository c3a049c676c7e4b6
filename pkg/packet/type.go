// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import "fmt"

// Type is the one-octet type code of a frame.
type Type uint8

const (
	// CMD is a command packet. CMD packets may carry retry intervals.
	CMD Type = 1

	// DATA is a plain data packet.
	DATA Type = 2

	// USER_CONTROL is an application defined control packet.
	USER_CONTROL Type = 3

	// PING requests a PONG from the peer.
	PING Type = 4

	// PONG answers a PING, echoing its timestamp and transaction id.
	PONG Type = 5
)

const (
	// HELLO is sent by the dialing endpoint to start a session.
	HELLO Type = 0x10

	// HELLO_ACK answers a HELLO and either accepts or refuses the session.
	HELLO_ACK Type = 0x11

	// STREAM_OPEN announces a new stream.
	STREAM_OPEN Type = 0x12

	// STREAM_CLOSE announces the local close of a stream.
	STREAM_CLOSE Type = 0x13

	// CLOSE terminates the session.
	CLOSE Type = 0x14
)

func (t Type) String() string {
	switch t {
	case CMD:
		return "CMD"
	case DATA:
		return "DATA"
	case USER_CONTROL:
		return "USER_CONTROL"
	case PING:
		return "PING"
	case PONG:
		return "PONG"
	case HELLO:
		return "HELLO"
	case HELLO_ACK:
		return "HELLO_ACK"
	case STREAM_OPEN:
		return "STREAM_OPEN"
	case STREAM_CLOSE:
		return "STREAM_CLOSE"
	case CLOSE:
		return "CLOSE"
	default:
		return fmt.Sprintf("UNKNOWN(%#x)", uint8(t))
	}
}

// IsPacket checks if this Type belongs to an application Packet, in contrast to a session control frame.
func (t Type) IsPacket() bool {
	return t >= CMD && t <= PONG
}

// CarriesPayload checks if packets of this Type are subject to congestion control. This is true for CMD and DATA.
func (t Type) CarriesPayload() bool {
	return t == CMD || t == DATA
}
