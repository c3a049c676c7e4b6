// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"fmt"
	"sync"
)

// ConnectionID identifies a Connection within its Connector or Listener.
//
// The upper 32 bits carry the slot's generation, the lower 32 bits the slot's index plus one. Thus, an ID is never
// reused for another Connection and the zero value is invalid.
type ConnectionID uint64

func newConnectionID(index int, generation uint32) ConnectionID {
	return ConnectionID(uint64(generation)<<32 | uint64(index+1))
}

func (id ConnectionID) index() int {
	return int(uint32(id)) - 1
}

func (id ConnectionID) generation() uint32 {
	return uint32(id >> 32)
}

// IsValid checks if this ID might refer to a Connection at all.
func (id ConnectionID) IsValid() bool {
	return uint32(id) != 0
}

func (id ConnectionID) String() string {
	if !id.IsValid() {
		return "conn(invalid)"
	}
	return fmt.Sprintf("conn(%d.%d)", id.index(), id.generation())
}

type registrySlot struct {
	generation uint32
	conn       *Connection
}

// registry is an arena of Connection slots. Freed slots are reused with an increased generation.
type registry struct {
	mutex sync.RWMutex

	slots  []registrySlot
	free   []int
	active int

	// limit of concurrently registered Connections; zero means unlimited.
	limit int
}

func newRegistry(limit int) *registry {
	return &registry{limit: limit}
}

// add a Connection and assign its new ID, or return ErrResourceExhausted.
func (r *registry) add(conn *Connection) (ConnectionID, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.limit > 0 && r.active >= r.limit {
		return 0, ErrResourceExhausted
	}

	var index int
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = len(r.slots)
		r.slots = append(r.slots, registrySlot{})
	}

	id := newConnectionID(index, r.slots[index].generation)
	conn.id = id
	r.slots[index].conn = conn
	r.active++
	return id, nil
}

// remove a Connection by its ID. The result is false for an unknown or outdated ID.
func (r *registry) remove(id ConnectionID) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	index := id.index()
	if !id.IsValid() || index >= len(r.slots) {
		return false
	}

	slot := &r.slots[index]
	if slot.conn == nil || slot.generation != id.generation() {
		return false
	}

	slot.conn = nil
	slot.generation++
	r.free = append(r.free, index)
	r.active--
	return true
}

// get a registered Connection or nil.
func (r *registry) get(id ConnectionID) *Connection {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	index := id.index()
	if !id.IsValid() || index >= len(r.slots) {
		return nil
	}

	if slot := r.slots[index]; slot.generation == id.generation() {
		return slot.conn
	}
	return nil
}

// all currently registered Connections.
func (r *registry) all() []*Connection {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	conns := make([]*Connection, 0, r.active)
	for _, slot := range r.slots {
		if slot.conn != nil {
			conns = append(conns, slot.conn)
		}
	}
	return conns
}

func (r *registry) len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.active
}
