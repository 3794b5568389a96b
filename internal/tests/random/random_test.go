// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package random

import (
	"math/rand/v2"
	"net/netip"
	"testing"
)

func TestIP4(t *testing.T) {
	prng := rand.New(rand.NewPCG(0, 0))

	for range 100 {
		ip := IP4(prng)

		if !ip.Is4() {
			t.Errorf("IP4 generated non-IPv4: %v", ip)
		}

		if !ip.IsValid() {
			t.Errorf("IP4 generated invalid address: %v", ip)
		}
	}
}

func TestPrefix4(t *testing.T) {
	prng := rand.New(rand.NewPCG(0, 0))

	for range 100 {
		pfx := Prefix4(prng)

		// Must be IPv4
		if !pfx.Addr().Is4() {
			t.Errorf("Prefix4 generated non-IPv4: %v", pfx)
		}

		// Must be valid and masked
		if !pfx.IsValid() {
			t.Errorf("generated invalid prefix: %v", pfx)
		}
		if pfx != pfx.Masked() {
			t.Errorf("prefix not masked: %v != %v", pfx, pfx.Masked())
		}
	}
}

func TestPrefixes4(t *testing.T) {
	prng := rand.New(rand.NewPCG(0, 0))
	n := 500

	pfxs := Prefixes4(prng, n)
	if len(pfxs) != n {
		t.Fatalf("expected %d prefixes, got %d", n, len(pfxs))
	}

	long := 0
	seen := make(map[netip.Prefix]bool)
	for _, pfx := range pfxs {
		if pfx.Bits() == 0 {
			t.Errorf("default route generated")
		}
		if pfx.Bits() > 24 {
			long++
		}
		if seen[pfx] {
			t.Errorf("duplicate prefix generated: %v", pfx)
		}
		seen[pfx] = true
	}

	// about a quarter is longer than /24
	if long < n/8 {
		t.Errorf("too few prefixes longer than /24: %d/%d", long, n)
	}
}

func TestRealWorldPrefixes4(t *testing.T) {
	prng := rand.New(rand.NewPCG(0, 0))
	n := 50

	pfxs := RealWorldPrefixes4(prng, n)

	if len(pfxs) != n {
		t.Errorf("expected %d prefixes, got %d", n, len(pfxs))
	}

	seen := make(map[netip.Prefix]bool)
	for _, pfx := range pfxs {
		// Must be masked
		if pfx != pfx.Masked() {
			t.Errorf("prefix not masked: %v", pfx)
		}

		// Bits should be in range 8-28
		if pfx.Bits() < 8 || pfx.Bits() > 28 {
			t.Errorf("prefix bits %d out of real-world range 8-28", pfx.Bits())
		}

		// Should not overlap with 240.0.0.0/8
		reserved := mpp("240.0.0.0/8")
		if pfx.Overlaps(reserved) {
			t.Errorf("prefix overlaps with reserved range: %v", pfx)
		}

		// Should be unique
		if seen[pfx] {
			t.Errorf("duplicate prefix generated: %v", pfx)
		}
		seen[pfx] = true
	}
}

func TestMppPanicsOnNonCanonical(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("mpp should panic on non-canonical prefix")
		}
	}()

	// This should panic because 192.168.1.5/24 is not canonical
	_ = mpp("192.168.1.5/24")
}

func TestMppAcceptsCanonical(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("mpp should not panic on canonical prefix: %v", r)
		}
	}()

	pfx := mpp("192.168.1.0/24")
	expected := mpp("192.168.1.0/24")

	if pfx != expected {
		t.Errorf("mpp returned %v, want %v", pfx, expected)
	}
}
