// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import (
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gaissmai/dirlookup/internal/rtindex"
	"github.com/gaissmai/dirlookup/internal/vport"
)

const (
	primarySlots   = 1 << 24
	secondarySlots = 1 << 8
)

// slotKind tags the meaning of slot.ref.
type slotKind uint8

const (
	portSlot      slotKind = iota // ref is a virtual port index
	secondarySlot                 // ref is a secondary block index
)

// slot is an entry of the primary or secondary lookup array.
// bits is the length of the most specific prefix resolved here,
// unused for a primary slot delegating to a secondary block.
type slot struct {
	ref  uint16
	bits uint8
	kind slotKind
}

// DirectTable is the DIR-24-8 lookup table, every address is resolved
// with at most two array reads.
//
// The primary array is indexed by the upper 24 address bits. A slot holds
// the virtual port of the longest prefix covering the whole /24, or, if
// a prefix longer than /24 falls into it, delegates to a secondary block
// of 256 slots indexed by the lower 8 address bits.
//
// The primary array alone takes 64 MiB, independent of the number of routes.
//
// The DirectTable is not safe for concurrent use. A mutation may grow the
// secondary pool or the virtual port pool, both reallocate their backing
// arrays. Serialize lookups with mutations, e.g. by [Controller.Locker],
// or use a [RangeTable] for lookups concurrent to a single writer.
type DirectTable struct {
	// used by -copylocks checker from `go vet`.
	_ [0]sync.Mutex

	primary   []slot
	secondary []slot
	secFree   []uint16 // stack of free secondary blocks
	secUsed   int
	secLimit  int

	vports *vport.Pool
	index  *rtindex.Index

	log logrus.FieldLogger
}

var _ RoutingTable = (*DirectTable)(nil)

// NewDirectTable returns an empty table, all addresses resolve to the
// discarding default route.
func NewDirectTable(opts ...Option) *DirectTable {
	cfg := newConfig(opts)

	t := &DirectTable{
		primary:   make([]slot, primarySlots),
		secondary: make([]slot, min(initialSecondary, cfg.maxSecondary)*secondarySlots),
		secLimit:  cfg.maxSecondary,
		vports:    vport.New(initialVPorts, cfg.maxVPorts),
		index:     rtindex.New(initialRoutes, cfg.maxRoutes),
		log:       cfg.log,
	}
	t.Flush()

	return t
}

// Flush resets the table to the single discarding default route.
func (t *DirectTable) Flush() {
	// zero slots resolve to the default vport with length 0
	clear(t.primary)

	t.secFree = t.secFree[:0]
	for b := t.secondaryBlocks() - 1; b >= 0; b-- {
		t.secFree = append(t.secFree, uint16(b))
	}
	t.secUsed = 0

	t.vports.Reset()
	t.index.Reset()

	t.log.Debug("routing table flushed")
}

// LookupRoute returns output port and gateway for ip.
// Non IPv4 addresses resolve to DiscardPort.
func (t *DirectTable) LookupRoute(ip netip.Addr) (port int, gw netip.Addr) {
	a, ok := lookupKey(ip)
	if !ok {
		return DiscardPort, gw
	}

	gw, port = t.vports.Get(t.resolve(a))
	return port, gw
}

// resolve returns the virtual port for the address, two array reads max.
func (t *DirectTable) resolve(a uint32) uint16 {
	s := t.primary[a>>8]
	if s.kind == secondarySlot {
		s = t.secondary[int(s.ref)<<8|int(a&0xff)]
	}
	return s.ref
}

// AddRoute adds r, see [RoutingTable].
//
// The lookup arrays are only touched after all pools have been checked,
// an ErrOutOfCapacity leaves the table unchanged.
func (t *DirectTable) AddRoute(r Route, replace bool) (old Route, err error) {
	r = r.normalize()
	if err = r.validate(); err != nil {
		return old, err
	}

	prefix, bits := prefixKey(r.Prefix)

	rt := t.index.Find(prefix, bits)
	if rt != rtindex.None {
		old = t.routeAt(rt)

		// the default route owns vport 0, it is rewritten in place
		if rt == rtindex.Default {
			if old.Port != DiscardPort && !replace {
				return old, fmt.Errorf("%w: %s", ErrAlreadyExists, old)
			}
			if old.Port == DiscardPort {
				old = Route{}
			}
			t.vports.Set(vport.Default, r.Gateway, r.Port)
			t.log.WithField("route", r).Debug("default route set")
			return old, nil
		}

		if !replace {
			return old, fmt.Errorf("%w: %s", ErrAlreadyExists, old)
		}
	} else {
		if t.index.Full() {
			return old, fmt.Errorf("%w: route index, %d entries", ErrOutOfCapacity, t.index.Cap())
		}
		if bits > 24 && t.primary[prefix>>8].kind != secondarySlot && !t.secondaryAvailable() {
			return old, fmt.Errorf("%w: secondary pool, %d blocks", ErrOutOfCapacity, t.secLimit)
		}
	}

	if !t.vports.Available(r.Gateway, r.Port) {
		return old, fmt.Errorf("%w: virtual port pool, %d entries", ErrOutOfCapacity, t.vports.Cap())
	}

	vp, err := t.vports.Acquire(r.Gateway, r.Port)
	if err != nil {
		return old, t.invariant("virtual port acquire failed after capacity check", int(prefix))
	}

	// all memory is allocated, from here on the add can't fail but for bugs

	if rt != rtindex.None {
		oldVP := t.index.Get(rt).VPort
		t.index.SetVPort(rt, vp)
		err = t.propagateAdd(prefix, bits, vp, true)
		t.vports.Release(oldVP)
	} else {
		if _, err = t.index.Insert(prefix, bits, vp); err != nil {
			t.vports.Release(vp)
			return old, fmt.Errorf("%w: %w", ErrOutOfCapacity, err)
		}
		err = t.propagateAdd(prefix, bits, vp, false)
	}

	if err != nil {
		return old, err
	}

	t.log.WithFields(logrus.Fields{"route": r, "replaced": old.IsValid()}).Debug("route added")
	return old, nil
}

// propagateAdd writes vp into all slots covered by prefix/bits, unless
// a more specific prefix owns the slot.
func (t *DirectTable) propagateAdd(prefix uint32, bits uint8, vp uint16, replace bool) error {
	start, end := primaryRange(prefix, bits)

PRIMARY:
	for i := start; i < end; i++ {
		p := &t.primary[i]

		if p.kind == secondarySlot {
			base := int(p.ref) << 8
			lo, hi := secondaryRange(prefix, bits)

			for j := lo; j < hi; j++ {
				s := &t.secondary[base+j]

				switch {
				case bits > s.bits:
					*s = slot{ref: vp, bits: bits}

				case bits < s.bits:
					// skip the run of more specific entries
					if s.bits > 24 {
						j |= 0xff >> (s.bits - 24)
						continue
					}
					i |= 0xffffff >> s.bits
					continue PRIMARY

				case replace:
					s.ref = vp

				default:
					return t.invariant("secondary slot collision", base+j)
				}
			}
			continue
		}

		switch {
		case bits > p.bits:
			if bits > 24 {
				t.splitPrimary(p, prefix, bits, vp)
			} else {
				*p = slot{ref: vp, bits: bits}
			}

		case bits < p.bits:
			// skip the run of more specific entries
			i |= 0xffffff >> p.bits

		case replace:
			p.ref = vp

		default:
			return t.invariant("primary slot collision", int(i))
		}
	}

	return nil
}

// splitPrimary moves the decision of p into a new secondary block,
// overwritten by vp in the range of prefix/bits.
// The block is filled before p delegates to it.
func (t *DirectTable) splitPrimary(p *slot, prefix uint32, bits uint8, vp uint16) {
	b := t.allocSecondary()
	block := t.secondary[int(b)<<8 : int(b)<<8+secondarySlots]

	lo, hi := secondaryRange(prefix, bits)
	for j := range block {
		if j >= lo && j < hi {
			block[j] = slot{ref: vp, bits: bits}
		} else {
			block[j] = slot{ref: p.ref, bits: p.bits}
		}
	}

	*p = slot{ref: b, bits: p.bits, kind: secondarySlot}
}

// RemoveRoute removes the route selected by r, see [RoutingTable].
//
// The default route is never removed from the index,
// its decision is reset to discard.
func (t *DirectTable) RemoveRoute(r Route) (old Route, err error) {
	r = r.normalize()
	if !r.IsValid() {
		return old, fmt.Errorf("%w: %s is not an IPv4 prefix", ErrInvalidRoute, r.Prefix)
	}

	prefix, bits := prefixKey(r.Prefix)

	rt := t.index.Find(prefix, bits)
	if rt == rtindex.None {
		return old, fmt.Errorf("%w: %s", ErrNotFound, r.Prefix)
	}

	found := t.routeAt(rt)
	if found.Port == DiscardPort || !r.Match(found) {
		return old, fmt.Errorf("%w: %s", ErrNotFound, r)
	}

	if bits == 0 {
		t.vports.Set(vport.Default, netip.Addr{}, DiscardPort)
		t.log.WithField("route", found).Debug("default route reset to discard")
		return found, nil
	}

	vp := t.index.Get(rt).VPort
	t.index.Delete(rt)

	// the next most specific route takes over the range
	cover := t.index.Get(t.covering(prefix, bits))

	if err = t.propagateRemove(prefix, bits, cover.VPort, cover.Bits); err != nil {
		return found, err
	}
	t.vports.Release(vp)

	t.log.WithField("route", found).Debug("route removed")
	return found, nil
}

// covering returns the index entry of the longest prefix shorter
// than bits covering prefix, at least the default route.
func (t *DirectTable) covering(prefix uint32, bits uint8) int32 {
	for n := int(bits) - 1; n > 0; n-- {
		if rt := t.index.Find(prefix&prefixMask(n), uint8(n)); rt != rtindex.None {
			return rt
		}
	}
	return rtindex.Default
}

// propagateRemove replaces the decision of the removed prefix/bits
// with the covering vp/vbits in all slots owned by the removed prefix.
// Secondary blocks left with a single decision are collapsed.
func (t *DirectTable) propagateRemove(prefix uint32, bits uint8, vp uint16, vbits uint8) error {
	start, end := primaryRange(prefix, bits)

	for i := start; i < end; i++ {
		p := &t.primary[i]

		if p.kind == secondarySlot {
			pi := i
			base := int(p.ref) << 8
			lo, hi := secondaryRange(prefix, bits)

		SECONDARY:
			for j := lo; j < hi; j++ {
				s := &t.secondary[base+j]

				switch {
				case bits == s.bits:
					*s = slot{ref: vp, bits: vbits}

				case bits < s.bits:
					if s.bits > 24 {
						j |= 0xff >> (s.bits - 24)
						continue
					}
					i |= 0xffffff >> s.bits
					break SECONDARY

				default:
					return t.invariant("secondary slot not covered by removed route", base+j)
				}
			}

			t.collapse(pi)
			continue
		}

		switch {
		case bits == p.bits:
			*p = slot{ref: vp, bits: vbits}

		case bits < p.bits:
			i |= 0xffffff >> p.bits

		default:
			return t.invariant("primary slot not covered by removed route", int(i))
		}
	}

	return nil
}

// collapse returns the secondary block of primary slot pi to the pool
// if all its slots hold the same decision of a prefix not longer than /24.
func (t *DirectTable) collapse(pi uint32) {
	p := &t.primary[pi]
	b := p.ref
	block := t.secondary[int(b)<<8 : int(b)<<8+secondarySlots]

	first := block[0]
	if first.bits > 24 {
		return
	}
	for _, s := range block[1:] {
		if s != first {
			return
		}
	}

	*p = first
	t.freeSecondary(b)
}

// DumpRoutes returns all configured routes sorted by prefix.
// A discarding default route is not configured and not returned.
func (t *DirectTable) DumpRoutes() []Route {
	routes := make([]Route, 0, t.index.Len())
	for e := range t.index.All() {
		r := t.entryRoute(e)
		if r.Port == DiscardPort {
			continue
		}
		routes = append(routes, r)
	}
	slices.SortFunc(routes, cmpRoute)
	return routes
}

// Stats returns the pool usage.
func (t *DirectTable) Stats() Stats {
	routes := t.index.Len() - 1
	if _, port := t.vports.Get(vport.Default); port != DiscardPort {
		routes++
	}

	return Stats{
		Routes:             routes,
		RouteEntries:       t.index.Len(),
		RouteEntriesCap:    t.index.Cap(),
		VirtualPorts:       t.vports.Len(),
		VirtualPortsCap:    t.vports.Cap(),
		SecondaryBlocks:    t.secUsed,
		SecondaryBlocksCap: t.secLimit,
	}
}

func (t *DirectTable) routeAt(rt int32) Route {
	return t.entryRoute(t.index.Get(rt))
}

func (t *DirectTable) entryRoute(e rtindex.Entry) Route {
	gw, port := t.vports.Get(e.VPort)
	return Route{
		Prefix:  netip.PrefixFrom(uint32ToAddr(e.Prefix), int(e.Bits)),
		Gateway: gw,
		Port:    port,
	}
}

func (t *DirectTable) invariant(msg string, idx int) error {
	err := fmt.Errorf("%w: %s at %#x", ErrInvariant, msg, idx)
	t.log.WithError(err).Error("lookup arrays inconsistent, flush required")
	return err
}

// ###################################################################
// secondary block pool

func (t *DirectTable) secondaryBlocks() int {
	return len(t.secondary) / secondarySlots
}

func (t *DirectTable) secondaryAvailable() bool {
	return len(t.secFree) > 0 || t.secondaryBlocks() < t.secLimit
}

// allocSecondary pops a free block, the caller checked availability.
func (t *DirectTable) allocSecondary() uint16 {
	if len(t.secFree) == 0 {
		t.growSecondary()
	}

	b := t.secFree[len(t.secFree)-1]
	t.secFree = t.secFree[:len(t.secFree)-1]
	t.secUsed++

	return b
}

func (t *DirectTable) freeSecondary(b uint16) {
	t.secFree = append(t.secFree, b)
	t.secUsed--
}

// growSecondary doubles the secondary array up to the limit,
// the new blocks are pushed on the free stack, lowest on top.
func (t *DirectTable) growSecondary() {
	n := t.secondaryBlocks()
	grown := min(max(2*n, 1), t.secLimit)

	s := make([]slot, grown*secondarySlots)
	copy(s, t.secondary)
	t.secondary = s

	for b := grown - 1; b >= n; b-- {
		t.secFree = append(t.secFree, uint16(b))
	}

	t.log.WithField("blocks", grown).Debug("secondary pool grown")
}

// primaryRange returns the primary slots covered by prefix/bits.
func primaryRange(prefix uint32, bits uint8) (start, end uint32) {
	start = prefix >> 8
	if bits < 24 {
		return start, start + 1<<(24-bits)
	}
	return start, start + 1
}

// secondaryRange returns the secondary slots covered by prefix/bits,
// all 256 for prefixes not longer than /24.
func secondaryRange(prefix uint32, bits uint8) (lo, hi int) {
	if bits > 24 {
		lo = int(prefix & 0xff)
		return lo, lo + 1<<(32-bits)
	}
	return 0, secondarySlots
}
