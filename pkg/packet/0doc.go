// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package packet provides the wire unit of an smp connection. This includes
// application Packets (CMD, DATA, USER_CONTROL, PING and PONG) as well as the
// session control frames exchanged between two connection endpoints.
//
// Every frame on the wire starts with a one-octet type code, followed by its
// body as a CBOR byte string and a CRC-16 checksum over both.
//
//	+------+---------------------+--------+
//	| type | body (CBOR bstr)    | CRC-16 |
//	+------+---------------------+--------+
//	|  1   | var                 |   2    |
//	+------+---------------------+--------+
//
// A Packet is built exactly once. After the first call of Build, its serialized
// form is fixed and all setters are silent no-ops.
//
//	p := packet.NewPacket(packet.DATA).
//	  SetTimestamp(time.Now().UnixMilli()).
//	  SetStreamID(1).
//	  SetPayload([]byte("hello world!"))
//	data, err := p.Build()
//
// Frames are read back by ReadMessage, which returns a *FrameError for unknown
// type codes, checksum mismatches and malformed bodies.
package packet
