// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package rtindex implements the exact match index over (prefix, length)
// used on route updates.
//
// Entries live in an arena and are chained per hash bucket with int32
// links, freed entries are recycled via a free list. Entry 0 is the
// permanent default route 0.0.0.0/0.
package rtindex

import (
	"errors"
	"iter"
)

// Default is the index of the permanent default route entry.
const Default int32 = 0

// None is returned by Find for a missing key.
const None int32 = -1

// number of hash buckets, must be a power of two
const buckets = 1 << 16

// ErrFull is returned if the index can't grow any further.
var ErrFull = errors.New("route index exhausted")

// Entry is a route in the index, prefix in host byte order.
type Entry struct {
	Prefix uint32
	Bits   uint8
	VPort  uint16

	prev int32
	next int32
}

// Index is a hash bucketed arena of route entries.
type Index struct {
	entries []Entry
	heads   []int32 // bucket -> first entry

	free  int32
	size  int // arena high water mark
	live  int
	limit int
}

// New returns an index with initial capacity, growing by doubling up to limit.
// The index is already reset.
func New(initial, limit int) *Index {
	limit = max(limit, 1)
	initial = min(max(initial, 1), limit)

	x := &Index{
		entries: make([]Entry, initial),
		heads:   make([]int32, buckets),
		limit:   limit,
	}
	x.Reset()
	return x
}

// hash spreads prefix and length over the buckets, fibonacci hashing.
func hash(prefix uint32, bits uint8) uint32 {
	h := prefix*0x9e3779b1 ^ uint32(bits)*0x85ebca6b
	h ^= h >> 15
	h *= 0x2c1b3c6d
	h ^= h >> 16
	return h & (buckets - 1)
}

// Reset drops all entries but the default route, pointing to vport 0.
func (x *Index) Reset() {
	clear(x.entries)
	for i := range x.heads {
		x.heads[i] = None
	}

	x.entries[Default] = Entry{prev: None, next: None}
	x.heads[hash(0, 0)] = Default

	x.free = None
	x.size = 1
	x.live = 1
}

// Find returns the entry index for the exact key or None.
func (x *Index) Find(prefix uint32, bits uint8) int32 {
	for i := x.heads[hash(prefix, bits)]; i != None; i = x.entries[i].next {
		if e := &x.entries[i]; e.Prefix == prefix && e.Bits == bits {
			return i
		}
	}
	return None
}

// Full reports whether Insert would fail.
func (x *Index) Full() bool {
	return x.free == None && x.size == x.limit
}

// Insert adds the key with its virtual port, the key must not exist.
func (x *Index) Insert(prefix uint32, bits uint8, vp uint16) (int32, error) {
	i, err := x.alloc()
	if err != nil {
		return None, err
	}

	h := hash(prefix, bits)
	x.entries[i] = Entry{
		Prefix: prefix,
		Bits:   bits,
		VPort:  vp,
		prev:   None,
		next:   x.heads[h],
	}
	if x.heads[h] != None {
		x.entries[x.heads[h]].prev = i
	}
	x.heads[h] = i
	x.live++

	return i, nil
}

// Delete unlinks entry i and recycles it. The default entry is never deleted.
func (x *Index) Delete(i int32) {
	if i == Default {
		return
	}

	e := &x.entries[i]
	if e.prev != None {
		x.entries[e.prev].next = e.next
	} else {
		x.heads[hash(e.Prefix, e.Bits)] = e.next
	}
	if e.next != None {
		x.entries[e.next].prev = e.prev
	}

	*e = Entry{prev: None, next: x.free}
	x.free = i
	x.live--
}

func (x *Index) alloc() (int32, error) {
	if x.free != None {
		i := x.free
		x.free = x.entries[i].next
		return i, nil
	}

	if x.size == x.limit {
		return None, ErrFull
	}

	if x.size == len(x.entries) {
		grown := make([]Entry, min(2*len(x.entries), x.limit))
		copy(grown, x.entries)
		x.entries = grown
	}

	i := int32(x.size)
	x.size++
	return i, nil
}

// Get returns a copy of entry i.
func (x *Index) Get(i int32) Entry {
	return x.entries[i]
}

// SetVPort points entry i to another virtual port.
func (x *Index) SetVPort(i int32, vp uint16) {
	x.entries[i].VPort = vp
}

// All returns an iterator over all entries in bucket order.
func (x *Index) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, head := range x.heads {
			for i := head; i != None; i = x.entries[i].next {
				if !yield(x.entries[i]) {
					return
				}
			}
		}
	}
}

// Len returns the number of entries including the default route.
func (x *Index) Len() int {
	return x.live
}

// Cap returns the index limit.
func (x *Index) Cap() int {
	return x.limit
}
