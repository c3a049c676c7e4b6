// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// target of an outgoing Connection, parsed from Connect's host argument.
type target struct {
	// websocket selects the WebSocket transport instead of QUIC.
	websocket bool

	// address is host:port for QUIC or the whole URL for WebSockets.
	address string
	// serverName for TLS verification.
	serverName string
	// path and query, sent within the HELLO.
	path string
}

func (t target) String() string {
	if t.websocket {
		return t.address
	}
	return "quic://" + t.address + t.path
}

// parseTarget accepts "host", "host:port", "quic://host[:port][/path]", "https://host[:port][/path]", "ws://..." and
// "wss://...". QUIC targets without a port use defaultPort, except for https which defaults to 443.
func parseTarget(s string, defaultPort int) (t target, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		err = fmt.Errorf("empty target")
		return
	}

	if !strings.Contains(s, "://") {
		s = "quic://" + s
	}

	u, parseErr := url.Parse(s)
	if parseErr != nil {
		err = fmt.Errorf("parsing target %q failed: %w", s, parseErr)
		return
	}
	if u.Hostname() == "" {
		err = fmt.Errorf("target %q misses a host", s)
		return
	}

	t.serverName = u.Hostname()
	t.path = u.EscapedPath()
	if u.RawQuery != "" {
		t.path += "?" + u.RawQuery
	}

	switch u.Scheme {
	case "ws", "wss":
		t.websocket = true
		t.address = u.String()
		return

	case "quic", "https":
		port := u.Port()
		if port == "" {
			if u.Scheme == "https" {
				port = "443"
			} else {
				port = strconv.Itoa(defaultPort)
			}
		} else if n, atoiErr := strconv.Atoi(port); atoiErr != nil || n <= 0 || n > 0xffff {
			err = fmt.Errorf("target %q has an invalid port", s)
			return
		}
		t.address = net.JoinHostPort(u.Hostname(), port)
		return

	default:
		err = fmt.Errorf("target %q has an unsupported scheme %q", s, u.Scheme)
		return
	}
}
