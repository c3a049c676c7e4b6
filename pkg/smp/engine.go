// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/difft/smp-go/pkg/smp/internal/executor"
)

// engine holds the resources shared by a Connector's or a Listener's Connections.
//
// The engine itself and every live Connection hold a reference. Thus, the pools keep running after the owning
// Connector was closed until its last handed-out Connection was released.
type engine struct {
	conf Config
	role string

	tasks  *executor.TaskPool
	timers *executor.TimerPool

	registry *registry
	stats    *stats

	refs *refCount

	closed    atomic.Bool
	closeOnce sync.Once
}

func newEngine(conf Config, role string) (*engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tasks, err := executor.NewTaskPool(role, conf.TaskThreads)
	if err != nil {
		return nil, err
	}

	timers, err := executor.NewTimerPool(conf.Clock, conf.TimerThreads)
	if err != nil {
		tasks.Close()
		return nil, err
	}

	e := &engine{
		conf:     conf,
		role:     role,
		tasks:    tasks,
		timers:   timers,
		registry: newRegistry(conf.MaxConnections),
		stats:    newStats(role),
	}
	e.refs = newRefCount(e.shutdown)

	e.log().WithFields(log.Fields{
		"task threads":    conf.TaskThreads,
		"timer threads":   conf.TimerThreads,
		"max connections": conf.MaxConnections,
	}).Debug("Started engine")

	return e, nil
}

func (e *engine) log() *log.Entry {
	return log.WithField("engine", e.role)
}

// shutdown the pools after the last reference was dropped.
func (e *engine) shutdown() {
	e.tasks.Close()
	e.timers.Close()

	e.log().Debug("Engine shut down")
}

// close drops the owner's reference. Later calls are no-ops.
func (e *engine) close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.refs.drop()
	})
}

// isClosed reports if the owner of this engine has closed it.
func (e *engine) isClosed() bool {
	return e.closed.Load()
}

// register a new Connection, acquiring a reference on this engine.
func (e *engine) register(conn *Connection) (ConnectionID, error) {
	if e.isClosed() || !e.refs.tryAcquire() {
		return 0, ErrClosed
	}

	id, err := e.registry.add(conn)
	if err != nil {
		e.refs.drop()
		return 0, err
	}

	e.stats.connectionCreated(conn.algorithm)
	return id, nil
}

// unregister a released Connection and drop its reference.
func (e *engine) unregister(conn *Connection) {
	if e.registry.remove(conn.id) {
		e.stats.connectionReleased(conn.algorithm)
		e.refs.drop()
	}
}

// statsSnapshot returns nil for a closed engine.
func (e *engine) statsSnapshot() map[string]int64 {
	if e.isClosed() {
		return nil
	}
	return e.stats.snapshot()
}
