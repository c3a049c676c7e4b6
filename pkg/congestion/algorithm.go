// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package congestion

import (
	"fmt"
	"strconv"
	"strings"
)

// Algorithm identifies a congestion control algorithm. Its numeric value is the character code historically used for
// configuration, e.g., 'B' for BBR2.
type Algorithm uint8

const (
	// BBR is the bottleneck bandwidth and round-trip propagation time model, version 1.
	BBR Algorithm = 'b'

	// BBR2 is the second version of BBR, which additionally reacts to packet loss.
	BBR2 Algorithm = 'B'

	// CUBIC is the loss-based CUBIC algorithm.
	CUBIC Algorithm = 'c'

	// RENO is the classical loss-based NewReno algorithm.
	RENO Algorithm = 'r'
)

// Default algorithm if nothing else was configured.
const Default = BBR2

// Algorithms lists all known algorithms.
var Algorithms = []Algorithm{BBR, BBR2, CUBIC, RENO}

func (a Algorithm) String() string {
	switch a {
	case BBR:
		return "BBR"
	case BBR2:
		return "BBR2"
	case CUBIC:
		return "CUBIC"
	case RENO:
		return "RENO"
	default:
		return fmt.Sprintf("Algorithm(%d)", uint8(a))
	}
}

// IsValid checks if this Algorithm represents a known value.
func (a Algorithm) IsValid() bool {
	switch a {
	case BBR, BBR2, CUBIC, RENO:
		return true
	default:
		return false
	}
}

// Code returns the numeric code, as sent within a session's HELLO.
func (a Algorithm) Code() uint64 {
	return uint64(a)
}

// FromCode creates an Algorithm from its numeric code.
func FromCode(code int64) (Algorithm, error) {
	if code < 0 || code > 0xff || !Algorithm(code).IsValid() {
		return 0, fmt.Errorf("unknown congestion control code %d", code)
	}
	return Algorithm(code), nil
}

// Parse an Algorithm from its name ("BBR", "bbr2", ...), its one-character code ("b", "B", "c", "r") or its decimal
// code ("98", "66", "99", "114").
func Parse(s string) (Algorithm, error) {
	s = strings.TrimSpace(s)

	// Single characters are case-sensitive: 'b' is BBR, 'B' is BBR2.
	if len(s) == 1 {
		if a := Algorithm(s[0]); a.IsValid() {
			return a, nil
		}
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return FromCode(n)
	}

	switch strings.ToUpper(s) {
	case "BBR", "BBR1":
		return BBR, nil
	case "BBR2":
		return BBR2, nil
	case "CUBIC":
		return CUBIC, nil
	case "RENO", "NEWRENO":
		return RENO, nil
	default:
		return 0, fmt.Errorf("unknown congestion control algorithm %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.IsValid() {
		return nil, fmt.Errorf("invalid congestion control algorithm %d", uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// UnmarshalTOML normalizes a TOML value, which is either a string or an integer code.
func (a *Algorithm) UnmarshalTOML(value interface{}) error {
	switch v := value.(type) {
	case string:
		return a.UnmarshalText([]byte(v))
	case int64:
		parsed, err := FromCode(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	default:
		return fmt.Errorf("congestion control must be a string or an integer, not %T", value)
	}
}
