// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package congestion provides the congestion control strategy slot of an smp connection.
//
// The algorithm is selected once at connection creation and identified by an Algorithm. The connection consults its
// Controller before sending payload-bearing packets and feeds back acknowledgements, losses and RTT samples. The
// models in this package are compact approximations of the named algorithms: loss-based window models for RENO and
// CUBIC and a bandwidth-delay model for BBR and BBR2.
package congestion

import (
	"fmt"
	"time"
)

// Controller decides how many payload bytes may be in flight.
type Controller interface {
	// Algorithm this Controller implements.
	Algorithm() Algorithm

	// Window is the current congestion window in bytes.
	Window() int

	// InFlight is the amount of sent but not yet acknowledged bytes.
	InFlight() int

	// CanSend checks if a packet of the given size may be sent now.
	CanSend(bytes int) bool

	// OnSent registers a sent packet.
	OnSent(bytes int)

	// OnAck registers an acknowledged packet together with a current RTT sample, which might be zero.
	OnAck(bytes int, rtt time.Duration)

	// OnLoss registers a lost packet.
	OnLoss(bytes int)

	// PacingRate is the send rate in bytes per second. A zero value disables pacing.
	PacingRate() float64
}

// Config for a Controller; all sizes in bytes.
type Config struct {
	// InitialWindow is the window before any feedback was received.
	InitialWindow int
	// MinWindow is the lower bound of the window.
	MinWindow int
	// MaxWindow is the upper bound of the window.
	MaxWindow int
	// Pacing enables pacing for algorithms supporting it.
	Pacing bool
}

// DefaultConfig with ten initial and two minimal segments of 1400 bytes each.
func DefaultConfig() Config {
	return Config{
		InitialWindow: 10 * segmentSize,
		MinWindow:     2 * segmentSize,
		MaxWindow:     8 << 20,
		Pacing:        true,
	}
}

// segmentSize approximates a single packet's size for window arithmetic.
const segmentSize = 1400

// New creates a Controller for the given Algorithm.
func New(algorithm Algorithm, conf Config) (Controller, error) {
	if conf.MinWindow <= 0 || conf.InitialWindow < conf.MinWindow || conf.MaxWindow < conf.InitialWindow {
		return nil, fmt.Errorf("invalid window configuration: %+v", conf)
	}

	switch algorithm {
	case RENO:
		return newLossWindow(algorithm, conf, 0.5), nil
	case CUBIC:
		return newLossWindow(algorithm, conf, 0.7), nil
	case BBR:
		return newModelWindow(algorithm, conf, false), nil
	case BBR2:
		return newModelWindow(algorithm, conf, true), nil
	default:
		return nil, fmt.Errorf("unknown congestion control algorithm %v", algorithm)
	}
}

func clamp(v, lower, upper int) int {
	if v < lower {
		return lower
	}
	if v > upper {
		return upper
	}
	return v
}
