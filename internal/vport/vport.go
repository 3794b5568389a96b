// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package vport implements the virtual port pool, a de-duplicated and
// reference counted set of (gateway, port) forwarding decisions.
//
// Entries live in a flat arena and are addressed by uint16 index.
// Used entries are chained in a doubly linked list, unused entries in
// a singly linked free list. Index 0 is reserved: it is the decision of
// the default route and starts as "discard".
package vport

import (
	"errors"
	"net/netip"
)

// Discard is the port of a decision that drops the packet.
const Discard = -1

// Default is the reserved index owned by the default route.
const Default uint16 = 0

// MaxEntries is the largest pool the uint16 index space can address.
const MaxEntries = 1 << 16

// ErrFull is returned if the pool can't grow any further.
var ErrFull = errors.New("virtual port pool exhausted")

const none = -1

// entry is a single forwarding decision.
type entry struct {
	gw   netip.Addr
	port int32
	refs int32

	// list links, none terminates
	prev int32
	next int32
}

// Pool is a fixed limit arena of virtual ports.
//
// The zero value is not usable, see [New].
type Pool struct {
	entries []entry

	head  int32 // head of the used list
	free  int32 // head of the free list
	size  int   // arena high water mark
	live  int   // number of used entries
	limit int
}

// New returns a pool with initial capacity, growing by doubling up to limit.
// The pool is already reset.
func New(initial, limit int) *Pool {
	limit = min(max(limit, 1), MaxEntries)
	initial = min(max(initial, 1), limit)

	p := &Pool{
		entries: make([]entry, initial),
		limit:   limit,
	}
	p.Reset()
	return p
}

// Reset releases all entries but the reserved default, which is set to discard.
func (p *Pool) Reset() {
	clear(p.entries)

	p.entries[0] = entry{
		port: Discard,
		refs: 1, // the default route always points here
		prev: none,
		next: none,
	}

	p.head = 0
	p.free = none
	p.size = 1
	p.live = 1
}

// Get returns the decision stored at index i.
func (p *Pool) Get(i uint16) (gw netip.Addr, port int) {
	e := &p.entries[i]
	return e.gw, int(e.port)
}

// Set overwrites the decision at index i in place, all routes sharing it
// are retargeted at once. Used for the default route.
func (p *Pool) Set(i uint16, gw netip.Addr, port int) {
	e := &p.entries[i]
	e.gw = gw
	e.port = int32(port)
}

// Refs returns the reference count of index i.
func (p *Pool) Refs(i uint16) int {
	return int(p.entries[i].refs)
}

// find scans the used list for an equal decision, the reserved default is
// never shared since it is rewritten in place.
func (p *Pool) find(gw netip.Addr, port int) int32 {
	for i := p.head; i != none; i = p.entries[i].next {
		if i == int32(Default) {
			continue
		}
		if e := &p.entries[i]; e.gw == gw && int(e.port) == port {
			return i
		}
	}
	return none
}

// Available reports whether Acquire for (gw, port) would succeed.
func (p *Pool) Available(gw netip.Addr, port int) bool {
	if p.find(gw, port) != none {
		return true
	}
	return p.free != none || p.size < p.limit
}

// Acquire returns the index of the decision (gw, port) and increments
// its reference count, allocating a new entry if none is shared yet.
func (p *Pool) Acquire(gw netip.Addr, port int) (uint16, error) {
	if i := p.find(gw, port); i != none {
		p.entries[i].refs++
		return uint16(i), nil
	}

	i, err := p.alloc()
	if err != nil {
		return 0, err
	}

	e := &p.entries[i]
	*e = entry{
		gw:   gw,
		port: int32(port),
		refs: 1,
		prev: none,
		next: p.head,
	}

	// link in front of the used list
	if p.head != none {
		p.entries[p.head].prev = i
	}
	p.head = i
	p.live++

	return uint16(i), nil
}

// Release decrements the reference count of index i, an unreferenced
// entry moves to the free list. The reserved default is never released.
func (p *Pool) Release(i uint16) {
	if i == Default {
		return
	}

	e := &p.entries[i]
	if e.refs--; e.refs > 0 {
		return
	}

	// unlink from the used list
	if e.prev != none {
		p.entries[e.prev].next = e.next
	} else {
		p.head = e.next
	}
	if e.next != none {
		p.entries[e.next].prev = e.prev
	}

	*e = entry{prev: none, next: p.free}
	p.free = int32(i)
	p.live--
}

// alloc pops the free list or extends the arena, doubling its backing
// storage if needed.
func (p *Pool) alloc() (int32, error) {
	if p.free != none {
		i := p.free
		p.free = p.entries[i].next
		return i, nil
	}

	if p.size == p.limit {
		return none, ErrFull
	}

	if p.size == len(p.entries) {
		grown := make([]entry, min(2*len(p.entries), p.limit))
		copy(grown, p.entries)
		p.entries = grown
	}

	i := int32(p.size)
	p.size++
	return i, nil
}

// Len returns the number of used entries, including the reserved default.
func (p *Pool) Len() int {
	return p.live
}

// Cap returns the pool limit.
func (p *Pool) Cap() int {
	return p.limit
}
