// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package random generates IPv4 addresses and prefixes for tests.
package random

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
)

// mpp, abbreviation, panics on non masked input
var mpp = func(s string) netip.Prefix {
	pfx := netip.MustParsePrefix(s)
	if pfx == pfx.Masked() {
		return pfx
	}
	panic(fmt.Sprintf("%s is not canonicalized as %s", s, pfx.Masked()))
}

// IP4 returns a random IPv4 address.
func IP4(prng *rand.Rand) netip.Addr {
	var b [4]byte
	for i := range b {
		b[i] = byte(prng.Uint32() & 0xff)
	}
	return netip.AddrFrom4(b)
}

// Prefix4 returns a random masked IPv4 prefix, all lengths 0..32.
func Prefix4(prng *rand.Rand) netip.Prefix {
	bits := prng.IntN(33)
	pfx, err := IP4(prng).Prefix(bits)
	if err != nil {
		panic(err)
	}
	return pfx
}

// Prefixes4 returns n distinct random prefixes, all lengths 1..32.
// The default route is left out, tests add it explicitly.
func Prefixes4(prng *rand.Rand, n int) []netip.Prefix {
	set := make(map[netip.Prefix]bool, n)
	pfxs := make([]netip.Prefix, 0, n)

	for len(pfxs) < n {
		pfx := Prefix4(prng)
		if pfx.Bits() == 0 || set[pfx] {
			continue
		}
		set[pfx] = true
		pfxs = append(pfxs, pfx)
	}
	return pfxs
}

// RealWorldPrefixes4 returns n distinct prefixes with lengths 8..28,
// weighted like a full table, most of them /16 to /24.
// Nothing overlaps the reserved 240.0.0.0/8.
func RealWorldPrefixes4(prng *rand.Rand, n int) []netip.Prefix {
	reserved := mpp("240.0.0.0/8")

	set := make(map[netip.Prefix]bool, n)
	pfxs := make([]netip.Prefix, 0, n)

	for len(pfxs) < n {
		var bits int
		switch r := prng.IntN(100); {
		case r < 5:
			bits = 8 + prng.IntN(8) // 8..15
		case r < 90:
			bits = 16 + prng.IntN(9) // 16..24
		default:
			bits = 25 + prng.IntN(4) // 25..28
		}

		pfx, _ := IP4(prng).Prefix(bits)
		if pfx.Overlaps(reserved) || set[pfx] {
			continue
		}
		set[pfx] = true
		pfxs = append(pfxs, pfx)
	}
	return pfxs
}
