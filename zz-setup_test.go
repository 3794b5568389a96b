// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"testing"

	"github.com/gaissmai/dirlookup/internal/golden"
	"github.com/gaissmai/dirlookup/internal/tests/random"
)

// this file contains helpers for other test functions

// workLoadN to adjust loops for tests with -short
func workLoadN() int {
	if testing.Short() {
		return 100
	}
	return 1_000
}

// abbreviation
var mpa = netip.MustParseAddr

// abbreviation and panic on non masked input
var mpp = func(s string) netip.Prefix {
	pfx := netip.MustParsePrefix(s)
	if pfx == pfx.Masked() {
		return pfx
	}
	panic(fmt.Sprintf("%s is not canonicalized as %s", s, pfx.Masked()))
}

// mpr, abbreviation, panics on parse errors
func mpr(s string) Route {
	r, err := ParseRoute(s, false)
	if err != nil {
		panic(err)
	}
	return r
}

// backends returns all table implementations by name.
// Every DirectTable and RangeTable allocates 64 MiB,
// tests using them must not run in parallel.
func backends(opts ...Option) map[string]func() RoutingTable {
	return map[string]func() RoutingTable{
		"direct": func() RoutingTable { return NewDirectTable(opts...) },
		"range":  func() RoutingTable { return NewRangeTable(opts...) },
		"sorted": func() RoutingTable { return NewSortedTable(opts...) },
	}
}

// batch runs fn deferring the range table rebuilds.
func batch(tbl RoutingTable, fn func() error) error {
	if b, ok := tbl.(Batcher); ok {
		return b.Batch(fn)
	}
	return fn()
}

// randomGateway returns no gateway in half of the cases.
func randomGateway(prng *rand.Rand) netip.Addr {
	if prng.IntN(2) == 0 {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte{10, 0, 0, byte(1 + prng.IntN(4))})
}

// randomRoutes returns n routes with distinct prefixes, the decisions
// are drawn from a small set to exercise the virtual port sharing.
func randomRoutes(prng *rand.Rand, n int) []Route {
	routes := make([]Route, 0, n)
	for _, pfx := range random.Prefixes4(prng, n) {
		routes = append(routes, Route{
			Prefix:  pfx,
			Gateway: randomGateway(prng),
			Port:    prng.IntN(8),
		})
	}
	return routes
}

// goldenFrom returns the reference table for routes.
func goldenFrom(routes []Route) *golden.Table {
	gold := new(golden.Table)
	for _, r := range routes {
		gold.Insert(r.Prefix, r.Gateway, r.Port)
	}
	return gold
}

// probes returns the boundary addresses of gold plus n random addresses.
func probes(prng *rand.Rand, gold *golden.Table, n int) []netip.Addr {
	ips := gold.Probes()
	for range n {
		ips = append(ips, random.IP4(prng))
	}
	return ips
}

// checkGolden compares all lookups of tbl with the reference.
func checkGolden(t *testing.T, tbl RoutingTable, gold *golden.Table, ips []netip.Addr) {
	t.Helper()

	for _, ip := range ips {
		wantPort, wantGw := gold.Lookup(ip)
		gotPort, gotGw := tbl.LookupRoute(ip)

		if gotPort != wantPort || gotGw != wantGw {
			t.Fatalf("LookupRoute(%s), want (%d, %s), got (%d, %s)", ip, wantPort, wantGw, gotPort, gotGw)
		}
	}
}
