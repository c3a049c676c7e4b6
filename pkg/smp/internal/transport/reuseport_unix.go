// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux || darwin || freebsd || netbsd || openbsd
// +build linux darwin freebsd netbsd openbsd

package transport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortControl sets SO_REUSEADDR and SO_REUSEPORT, allowing multiple processes to serve the same port.
func reusePortControl(_, _ string, rawConn syscall.RawConn) (err error) {
	opts := []int{unix.SO_REUSEADDR, unix.SO_REUSEPORT}

	ctrlErr := rawConn.Control(func(fd uintptr) {
		for _, opt := range opts {
			err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1)
			if err != nil {
				return
			}
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return
}

// listenUDP binds a UDP socket, optionally with reuse port semantics.
func listenUDP(address string, reusePort bool) (net.PacketConn, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = reusePortControl
	}
	return lc.ListenPacket(context.Background(), "udp", address)
}
