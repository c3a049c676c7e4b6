// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Connector creates outgoing Connections, sharing its pools and statistics among them.
type Connector struct {
	engine *engine
	dial   dialFunc
}

// NewConnector starts the task and timer pools, sized by the Config.
func NewConnector(conf Config) (*Connector, error) {
	e, err := newEngine(conf, "connector")
	if err != nil {
		return nil, err
	}
	return &Connector{engine: e, dial: defaultDial}, nil
}

// CreateConnection for a handler, which is not connected yet. The Config might differ from the Connector's, e.g., in
// its idle timeout or congestion control; its pool sizes are ignored.
//
// ErrResourceExhausted is returned at the maxConnections limit, ErrClosed for a closed Connector.
func (connector *Connector) CreateConnection(conf Config, handler ConnectionHandler) (*Connection, error) {
	conn, err := newConnection(connector.engine, conf, handler, true)
	if err != nil {
		log.WithError(err).Debug("Connector refused to create a connection")
		return nil, err
	}
	conn.dial = connector.dial
	return conn, nil
}

// Connection returns a live Connection by its ID or nil.
func (connector *Connector) Connection(id ConnectionID) *Connection {
	return connector.engine.registry.get(id)
}

// Connections returns all live Connections.
func (connector *Connector) Connections() []*Connection {
	return connector.engine.registry.all()
}

// Stats returns a point-in-time snapshot of the counters of all Connections, or nil for a closed Connector.
func (connector *Connector) Stats() map[string]int64 {
	return connector.engine.statsSnapshot()
}

// Registry exposes the statistics for Prometheus.
func (connector *Connector) Registry() *prometheus.Registry {
	return connector.engine.stats.registry
}

// Close this Connector. Handed-out Connections stay usable; the pools stop after the last one was released.
func (connector *Connector) Close() error {
	if connector.engine.isClosed() {
		return ErrClosed
	}
	connector.engine.close()
	return nil
}
