// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import (
	"errors"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const (
	kickstartBits = 12
	kickstartSize = 1 << kickstartBits
	rangeShift    = 32 - kickstartBits
	rangeMask     = 1<<rangeShift - 1

	// primary slots per kickstart bucket
	bucketSlots = primarySlots / kickstartSize
)

// decision is a resolved forwarding decision, frozen in a ranges snapshot.
type decision struct {
	gw   netip.Addr
	port int
}

// ranges is an immutable snapshot of the address space, cut into
// maximal runs of addresses with the same decision.
//
// The runs of kickstart bucket k are bounds[base[k]:base[k+1]], each
// bucket starts with a run at offset 0. A bound is the offset of the
// first address of a run relative to the bucket.
type ranges struct {
	base      [kickstartSize + 1]uint32
	bounds    []uint32
	decisions []uint16 // parallel to bounds, index into table
	table     []decision
}

// RangeTable is a read optimized table with the same contract as the
// [DirectTable], all mutations go to an internal DirectTable.
//
// After each mutation the address space is scanned and compressed into
// sorted runs of equal decisions, a lookup is a kickstart array read and
// a binary search. The rebuild is expensive, use [RangeTable.Batch] for
// bulk updates.
//
// Lookups are safe for concurrent use with a single mutating goroutine,
// every rebuild is swapped in atomically.
type RangeTable struct {
	// used by -copylocks checker from `go vet`.
	_ [0]sync.Mutex

	direct   *DirectTable
	snap     atomic.Pointer[ranges]
	batching bool

	log logrus.FieldLogger
}

var (
	_ RoutingTable = (*RangeTable)(nil)
	_ Batcher      = (*RangeTable)(nil)
)

// NewRangeTable returns an empty table, all addresses resolve to the
// discarding default route.
func NewRangeTable(opts ...Option) *RangeTable {
	cfg := newConfig(opts)

	t := &RangeTable{
		direct: NewDirectTable(opts...),
		log:    cfg.log,
	}
	t.rebuild()

	return t
}

// LookupRoute returns output port and gateway for ip.
func (t *RangeTable) LookupRoute(ip netip.Addr) (port int, gw netip.Addr) {
	a, ok := lookupKey(ip)
	if !ok {
		return DiscardPort, gw
	}

	d := t.snap.Load().lookup(a)
	return d.port, d.gw
}

func (r *ranges) lookup(a uint32) decision {
	k := a >> rangeShift
	bounds := r.bounds[r.base[k]:r.base[k+1]]

	// greatest bound <= offset, bounds[0] is always 0
	i, found := slices.BinarySearch(bounds, a&rangeMask)
	if !found {
		i--
	}

	return r.table[r.decisions[int(r.base[k])+i]]
}

// AddRoute adds r, see [RoutingTable].
func (t *RangeTable) AddRoute(r Route, replace bool) (old Route, err error) {
	old, err = t.direct.AddRoute(r, replace)
	t.update(err)
	return old, err
}

// RemoveRoute removes the route selected by r, see [RoutingTable].
func (t *RangeTable) RemoveRoute(r Route) (old Route, err error) {
	old, err = t.direct.RemoveRoute(r)
	t.update(err)
	return old, err
}

// Flush resets the table to the single discarding default route.
func (t *RangeTable) Flush() {
	t.direct.Flush()
	t.update(nil)
}

// DumpRoutes returns all configured routes sorted by prefix.
func (t *RangeTable) DumpRoutes() []Route {
	return t.direct.DumpRoutes()
}

// Stats returns the pool usage of the internal DirectTable
// and the number of ranges.
func (t *RangeTable) Stats() Stats {
	s := t.direct.Stats()
	s.Ranges = len(t.snap.Load().bounds)
	return s
}

// Batch calls fn and defers all rebuilds until fn returns. The table is
// rebuilt once afterwards, even if fn fails, since fn may have applied
// some mutations. Nested batches are merged into the outermost.
func (t *RangeTable) Batch(fn func() error) error {
	if t.batching {
		return fn()
	}

	t.batching = true
	defer func() {
		t.batching = false
		t.rebuild()
	}()

	return fn()
}

// update rebuilds after a mutation unless a batch is open.
// A failed mutation left the arrays untouched, but an invariant
// violation may have changed them halfway.
func (t *RangeTable) update(err error) {
	if t.batching {
		return
	}
	if err == nil || errors.Is(err, ErrInvariant) {
		t.rebuild()
	}
}

// rebuild scans the direct table in address order and swaps in a new snapshot.
func (t *RangeTable) rebuild() {
	d := t.direct
	r := &ranges{
		bounds:    make([]uint32, 0, kickstartSize),
		decisions: make([]uint16, 0, kickstartSize),
	}

	// vport -> index into r.table
	local := make(map[uint16]uint16)
	intern := func(vp uint16) uint16 {
		if i, ok := local[vp]; ok {
			return i
		}
		gw, port := d.vports.Get(vp)
		i := uint16(len(r.table))
		r.table = append(r.table, decision{gw: gw, port: port})
		local[vp] = i
		return i
	}

	for k := range kickstartSize {
		r.base[k] = uint32(len(r.bounds))

		// every bucket starts a new run
		last := -1
		emit := func(a uint32, vp uint16) {
			if int(vp) == last {
				return
			}
			r.bounds = append(r.bounds, a&rangeMask)
			r.decisions = append(r.decisions, intern(vp))
			last = int(vp)
		}

		for i := k * bucketSlots; i < (k+1)*bucketSlots; i++ {
			p := d.primary[i]
			if p.kind != secondarySlot {
				emit(uint32(i)<<8, p.ref)
				continue
			}

			block := d.secondary[int(p.ref)<<8 : int(p.ref)<<8+secondarySlots]
			for j, s := range block {
				emit(uint32(i)<<8|uint32(j), s.ref)
			}
		}
	}
	r.base[kickstartSize] = uint32(len(r.bounds))

	t.snap.Store(r)
	t.log.WithFields(logrus.Fields{
		"ranges":    len(r.bounds),
		"decisions": len(r.table),
	}).Debug("range table rebuilt")
}
