// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !(linux || darwin || freebsd || netbsd || openbsd)
// +build !linux,!darwin,!freebsd,!netbsd,!openbsd

package transport

import (
	"net"

	log "github.com/sirupsen/logrus"
)

// listenUDP binds a UDP socket. Reuse port is not supported on this operating system and therefore ignored.
func listenUDP(address string, reusePort bool) (net.PacketConn, error) {
	if reusePort {
		log.WithField("address", address).Warn("SO_REUSEPORT is not supported on this platform, ignoring reusePort")
	}
	return net.ListenPacket("udp", address)
}
