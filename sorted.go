// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import (
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// degree of the btree nodes
const sortedDegree = 32

// sortedItem is a route in the SortedTable.
type sortedItem struct {
	prefix uint32
	bits   uint8
	gw     netip.Addr
	port   int
}

// lessSorted orders the most specific prefixes first, then by address.
func lessSorted(a, b sortedItem) bool {
	if a.bits != b.bits {
		return a.bits > b.bits
	}
	return a.prefix < b.prefix
}

// SortedTable is a memory light table with the same contract as the
// [DirectTable], the routes are kept in a btree ordered by prefix length.
//
// A lookup probes every prefix length in use, longest first, with an
// exact match search. It needs no preallocated arrays, updates are
// logarithmic, lookups are slow compared to the DirectTable.
//
// The SortedTable is not safe for concurrent use.
type SortedTable struct {
	// used by -copylocks checker from `go vet`.
	_ [0]sync.Mutex

	tree *btree.BTreeG[sortedItem]

	// number of routes per prefix length
	lens [33]int

	maxRoutes int
	log       logrus.FieldLogger
}

var _ RoutingTable = (*SortedTable)(nil)

// NewSortedTable returns an empty table, WithMaxRoutes limits its size.
func NewSortedTable(opts ...Option) *SortedTable {
	cfg := newConfig(opts)

	return &SortedTable{
		tree:      btree.NewG(sortedDegree, lessSorted),
		maxRoutes: cfg.maxRoutes,
		log:       cfg.log,
	}
}

// LookupRoute returns output port and gateway for ip.
func (t *SortedTable) LookupRoute(ip netip.Addr) (port int, gw netip.Addr) {
	a, ok := lookupKey(ip)
	if !ok {
		return DiscardPort, gw
	}

	for n := 32; n >= 0; n-- {
		if t.lens[n] == 0 {
			continue
		}
		if it, ok := t.tree.Get(sortedItem{prefix: a & prefixMask(n), bits: uint8(n)}); ok {
			return it.port, it.gw
		}
	}

	return DiscardPort, gw
}

// AddRoute adds r, see [RoutingTable].
func (t *SortedTable) AddRoute(r Route, replace bool) (old Route, err error) {
	r = r.normalize()
	if err = r.validate(); err != nil {
		return old, err
	}

	prefix, bits := prefixKey(r.Prefix)
	item := sortedItem{prefix: prefix, bits: bits, gw: r.Gateway, port: r.Port}

	if found, ok := t.tree.Get(item); ok {
		old = found.route()
		if !replace {
			return old, fmt.Errorf("%w: %s", ErrAlreadyExists, old)
		}
	} else if t.tree.Len() >= t.maxRoutes {
		return old, fmt.Errorf("%w: %d routes", ErrOutOfCapacity, t.maxRoutes)
	}

	if _, replaced := t.tree.ReplaceOrInsert(item); !replaced {
		t.lens[bits]++
	}

	t.log.WithFields(logrus.Fields{"route": r, "replaced": old.IsValid()}).Debug("route added")
	return old, nil
}

// RemoveRoute removes the route selected by r, see [RoutingTable].
func (t *SortedTable) RemoveRoute(r Route) (old Route, err error) {
	r = r.normalize()
	if !r.IsValid() {
		return old, fmt.Errorf("%w: %s is not an IPv4 prefix", ErrInvalidRoute, r.Prefix)
	}

	prefix, bits := prefixKey(r.Prefix)

	found, ok := t.tree.Get(sortedItem{prefix: prefix, bits: bits})
	if !ok || !r.Match(found.route()) {
		return old, fmt.Errorf("%w: %s", ErrNotFound, r)
	}

	t.tree.Delete(found)
	t.lens[bits]--

	old = found.route()
	t.log.WithField("route", old).Debug("route removed")
	return old, nil
}

// DumpRoutes returns all routes sorted by prefix.
func (t *SortedTable) DumpRoutes() []Route {
	routes := make([]Route, 0, t.tree.Len())
	t.tree.Ascend(func(it sortedItem) bool {
		routes = append(routes, it.route())
		return true
	})
	slices.SortFunc(routes, cmpRoute)
	return routes
}

// Flush removes all routes.
func (t *SortedTable) Flush() {
	t.tree.Clear(false)
	t.lens = [33]int{}
	t.log.Debug("routing table flushed")
}

// Stats returns the number of routes, the SortedTable has no
// virtual port and secondary pools.
func (t *SortedTable) Stats() Stats {
	return Stats{
		Routes:          t.tree.Len(),
		RouteEntries:    t.tree.Len(),
		RouteEntriesCap: t.maxRoutes,
	}
}

func (it sortedItem) route() Route {
	return Route{
		Prefix:  netip.PrefixFrom(uint32ToAddr(it.prefix), int(it.bits)),
		Gateway: it.gw,
		Port:    it.port,
	}
}
