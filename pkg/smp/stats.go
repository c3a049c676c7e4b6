// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/difft/smp-go/pkg/congestion"
)

type counter int

const (
	ctrConnectionsCreated counter = iota
	ctrConnectionsClosed
	ctrConnectFailures
	ctrPacketsSent
	ctrPacketsReceived
	ctrBytesSent
	ctrBytesReceived
	ctrPacketsDropped
	ctrFrameErrors
	ctrStreamsOpened
	ctrStreamsClosed
	ctrPingsSent
	ctrPongsReceived

	numCounters
)

var counterNames = [numCounters]string{
	ctrConnectionsCreated: "connections_created",
	ctrConnectionsClosed:  "connections_closed",
	ctrConnectFailures:    "connect_failures",
	ctrPacketsSent:        "packets_sent",
	ctrPacketsReceived:    "packets_received",
	ctrBytesSent:          "bytes_sent",
	ctrBytesReceived:      "bytes_received",
	ctrPacketsDropped:     "packets_dropped",
	ctrFrameErrors:        "frame_errors",
	ctrStreamsOpened:      "streams_opened",
	ctrStreamsClosed:      "streams_closed",
	ctrPingsSent:          "pings_sent",
	ctrPongsReceived:      "pongs_received",
}

var counterHelp = [numCounters]string{
	ctrConnectionsCreated: "Connections created, including failed attempts.",
	ctrConnectionsClosed:  "Connections whose resources were released.",
	ctrConnectFailures:    "Connection attempts which did not reach the open state.",
	ctrPacketsSent:        "CMD, DATA and USER_CONTROL packets written to a transport.",
	ctrPacketsReceived:    "CMD, DATA and USER_CONTROL packets read from a transport.",
	ctrBytesSent:          "Frame bytes of sent packets.",
	ctrBytesReceived:      "Frame bytes of received packets.",
	ctrPacketsDropped:     "Received packets addressed to an unknown or closed stream.",
	ctrFrameErrors:        "Malformed or unknown frames received.",
	ctrStreamsOpened:      "Streams opened by either side.",
	ctrStreamsClosed:      "Streams closed by either side.",
	ctrPingsSent:          "Keepalive PINGs sent.",
	ctrPongsReceived:      "PONGs received for an outstanding PING.",
}

// counters is a fixed set of atomic counters.
type counters [numCounters]atomic.Int64

func (c *counters) add(ctr counter, n int64) {
	c[ctr].Add(n)
}

func (c *counters) get(ctr counter) int64 {
	return c[ctr].Load()
}

func (c *counters) snapshot(m map[string]int64) {
	for i := range c {
		m[counterNames[i]] = c[i].Load()
	}
}

// stats of an engine, shared by all its Connections.
type stats struct {
	counters

	active     atomic.Int64
	algorithms map[congestion.Algorithm]*atomic.Int64

	registry *prometheus.Registry
}

func algorithmStatsKey(alg congestion.Algorithm) string {
	return "connections_" + strings.ToLower(alg.String())
}

func newStats(role string) *stats {
	s := &stats{
		algorithms: make(map[congestion.Algorithm]*atomic.Int64, len(congestion.Algorithms)),
		registry:   prometheus.NewRegistry(),
	}
	for _, alg := range congestion.Algorithms {
		s.algorithms[alg] = new(atomic.Int64)
	}

	labels := prometheus.Labels{"role": role}

	for i := counter(0); i < numCounters; i++ {
		ctr := i
		s.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "smp",
			Name:        counterNames[ctr] + "_total",
			Help:        counterHelp[ctr],
			ConstLabels: labels,
		}, func() float64 { return float64(s.get(ctr)) }))
	}

	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "smp",
		Name:        "connections_active",
		Help:        "Connections which were created but not yet released.",
		ConstLabels: labels,
	}, func() float64 { return float64(s.active.Load()) }))

	for alg, gauge := range s.algorithms {
		g := gauge
		s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "smp",
			Name:        "connections_by_algorithm",
			Help:        "Active connections per congestion control algorithm.",
			ConstLabels: prometheus.Labels{"role": role, "algorithm": alg.String()},
		}, func() float64 { return float64(g.Load()) }))
	}

	return s
}

// connectionCreated registers a new Connection with its congestion control algorithm.
func (s *stats) connectionCreated(alg congestion.Algorithm) {
	s.add(ctrConnectionsCreated, 1)
	s.active.Add(1)
	if gauge, ok := s.algorithms[alg]; ok {
		gauge.Add(1)
	}
}

// connectionReleased undoes connectionCreated.
func (s *stats) connectionReleased(alg congestion.Algorithm) {
	s.add(ctrConnectionsClosed, 1)
	s.active.Add(-1)
	if gauge, ok := s.algorithms[alg]; ok {
		gauge.Add(-1)
	}
}

// snapshot as a point-in-time map of counter names to values.
func (s *stats) snapshot() map[string]int64 {
	m := make(map[string]int64, int(numCounters)+1+len(s.algorithms))
	s.counters.snapshot(m)

	m["connections_active"] = s.active.Load()
	for alg, gauge := range s.algorithms {
		m[algorithmStatsKey(alg)] = gauge.Load()
	}
	return m
}
