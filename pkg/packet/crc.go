// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import "github.com/howeyc/crc16"

var crc16table = crc16.MakeTable(crc16.CCITT)

// checksum calculates a frame's CRC-16 over its type code and body.
func checksum(data []byte) uint16 {
	return crc16.Checksum(data, crc16table)
}
