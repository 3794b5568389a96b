// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package golden implements a simple and slow IPv4 route table,
// a linear scan used as golden reference in tests.
package golden

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
)

// Discard is the port of an unmatched address.
const Discard = -1

// Table is a slice of routes, every lookup scans all of them.
type Table []Item

// Item is a route, an invalid Gw means no gateway.
type Item struct {
	Pfx  netip.Prefix
	Gw   netip.Addr
	Port int
}

func (g Item) String() string {
	return fmt.Sprintf("(%s, %s, %d)", g.Pfx, g.Gw, g.Port)
}

// Insert adds or replaces the route for pfx.
func (t *Table) Insert(pfx netip.Prefix, gw netip.Addr, port int) {
	pfx = pfx.Masked()
	for i, item := range *t {
		if item.Pfx == pfx {
			(*t)[i].Gw, (*t)[i].Port = gw, port
			return
		}
	}
	*t = append(*t, Item{pfx, gw, port})
}

// Delete removes the route for pfx and reports whether it existed.
func (t *Table) Delete(pfx netip.Prefix) (exists bool) {
	pfx = pfx.Masked()
	for i, item := range *t {
		if item.Pfx == pfx {
			*t = slices.Delete(*t, i, i+1)
			return true
		}
	}
	return false
}

// Get returns the route for pfx.
func (t Table) Get(pfx netip.Prefix) (Item, bool) {
	pfx = pfx.Masked()
	for _, item := range t {
		if item.Pfx == pfx {
			return item, true
		}
	}
	return Item{}, false
}

// Lookup returns port and gateway of the longest matching prefix,
// Discard if none matches.
func (t Table) Lookup(ip netip.Addr) (port int, gw netip.Addr) {
	bits := -1
	port = Discard
	for _, item := range t {
		if item.Pfx.Bits() > bits && item.Pfx.Contains(ip) {
			bits = item.Pfx.Bits()
			port, gw = item.Port, item.Gw
		}
	}
	return port, gw
}

// Sorted returns the routes sorted by address, then by prefix length.
func (t Table) Sorted() []Item {
	items := slices.Clone(t)
	slices.SortFunc(items, func(a, b Item) int {
		if c := a.Pfx.Addr().Compare(b.Pfx.Addr()); c != 0 {
			return c
		}
		return cmp.Compare(a.Pfx.Bits(), b.Pfx.Bits())
	})
	return items
}

// Probes returns the addresses where lookup results may change:
// first and last address of every prefix and their neighbors.
func (t Table) Probes() []netip.Addr {
	var probes []netip.Addr
	for _, item := range t {
		first := item.Pfx.Addr()
		last := lastAddr(item.Pfx)

		probes = append(probes, first, last)
		if prev := first.Prev(); prev.IsValid() {
			probes = append(probes, prev)
		}
		if next := last.Next(); next.IsValid() {
			probes = append(probes, next)
		}
	}
	return probes
}

// lastAddr returns the last address of an IPv4 prefix.
func lastAddr(pfx netip.Prefix) netip.Addr {
	a := pfx.Addr().As4()
	host := uint32(1)<<(32-pfx.Bits()) - 1
	for i := 3; i >= 0; i-- {
		a[i] |= byte(host)
		host >>= 8
	}
	return netip.AddrFrom4(a)
}
