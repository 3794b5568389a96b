// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import (
	"errors"
	"math/rand/v2"
	"net/netip"
	"slices"
	"testing"
)

// the contract tests run on all backends, not in parallel

func TestScenario(t *testing.T) {
	for name, newTable := range backends() {
		t.Run(name, func(t *testing.T) {
			tbl := newTable()

			for _, s := range []string{
				"0.0.0.0/0 0",
				"10.0.0.0/8 10.0.0.1 1",
				"10.1.0.0/16 2",
			} {
				if _, err := tbl.AddRoute(mpr(s), false); err != nil {
					t.Fatalf("AddRoute(%s): %v", s, err)
				}
			}

			tests := []struct {
				ip   string
				port int
				gw   netip.Addr
			}{
				{"10.1.2.3", 2, netip.Addr{}},
				{"10.2.0.0", 1, mpa("10.0.0.1")},
				{"192.0.2.1", 0, netip.Addr{}},
			}
			for _, tt := range tests {
				port, gw := tbl.LookupRoute(mpa(tt.ip))
				if port != tt.port || gw != tt.gw {
					t.Errorf("LookupRoute(%s), want (%d, %s), got (%d, %s)", tt.ip, tt.port, tt.gw, port, gw)
				}
			}

			old, err := tbl.RemoveRoute(Route{Prefix: mpp("10.1.0.0/16"), Port: DiscardPort})
			if err != nil {
				t.Fatal(err)
			}
			if old != mpr("10.1.0.0/16 2") {
				t.Errorf("RemoveRoute, want removed route 10.1.0.0/16, got %v", old)
			}

			port, gw := tbl.LookupRoute(mpa("10.1.2.3"))
			if port != 1 || gw != mpa("10.0.0.1") {
				t.Errorf("after remove, want (1, 10.0.0.1), got (%d, %s)", port, gw)
			}
		})
	}
}

func TestEmptyTable(t *testing.T) {
	for name, newTable := range backends() {
		t.Run(name, func(t *testing.T) {
			tbl := newTable()

			for _, ip := range []netip.Addr{mpa("0.0.0.0"), mpa("10.1.2.3"), mpa("255.255.255.255")} {
				if port, gw := tbl.LookupRoute(ip); port != DiscardPort || gw.IsValid() {
					t.Errorf("LookupRoute(%s), want discard, got (%d, %s)", ip, port, gw)
				}
			}

			// IPv6 never matches, not even a default route
			_, _ = tbl.AddRoute(mpr("0.0.0.0/0 1"), false)
			if port, _ := tbl.LookupRoute(mpa("2001:db8::1")); port != DiscardPort {
				t.Errorf("LookupRoute(IPv6), want discard, got %d", port)
			}
			if port, _ := tbl.LookupRoute(netip.Addr{}); port != DiscardPort {
				t.Errorf("LookupRoute(invalid), want discard, got %d", port)
			}

			if got := tbl.DumpRoutes(); len(got) != 1 {
				t.Errorf("DumpRoutes, want the default route, got %v", got)
			}
		})
	}
}

func TestAddReplace(t *testing.T) {
	for name, newTable := range backends() {
		t.Run(name, func(t *testing.T) {
			tbl := newTable()

			r1 := mpr("10.0.0.0/8 10.0.0.1 1")
			r2 := mpr("10.0.0.0/8 2")

			if _, err := tbl.AddRoute(r1, false); err != nil {
				t.Fatal(err)
			}

			old, err := tbl.AddRoute(r2, false)
			if !errors.Is(err, ErrAlreadyExists) {
				t.Errorf("add duplicate, want ErrAlreadyExists, got %v", err)
			}
			if old != r1 {
				t.Errorf("add duplicate, want existing %v, got %v", r1, old)
			}

			old, err = tbl.AddRoute(r2, true)
			if err != nil {
				t.Fatal(err)
			}
			if old != r1 {
				t.Errorf("replace, want old %v, got %v", r1, old)
			}

			if port, gw := tbl.LookupRoute(mpa("10.9.9.9")); port != 2 || gw.IsValid() {
				t.Errorf("after replace, want (2, invalid), got (%d, %s)", port, gw)
			}

			// replace of a missing route is an add
			old, err = tbl.AddRoute(mpr("11.0.0.0/8 3"), true)
			if err != nil || old.IsValid() {
				t.Errorf("replace missing, want zero old and no error, got %v, %v", old, err)
			}
		})
	}
}

func TestDefaultRoute(t *testing.T) {
	for name, newTable := range backends() {
		t.Run(name, func(t *testing.T) {
			tbl := newTable()
			sel := Route{Prefix: mpp("0.0.0.0/0"), Port: DiscardPort}

			if _, err := tbl.RemoveRoute(sel); !errors.Is(err, ErrNotFound) {
				t.Errorf("remove unset default, want ErrNotFound, got %v", err)
			}

			_, _ = tbl.AddRoute(mpr("10.0.0.0/8 1"), false)
			if _, err := tbl.AddRoute(mpr("0.0.0.0/0 192.0.2.1 7"), false); err != nil {
				t.Fatal(err)
			}
			if port, gw := tbl.LookupRoute(mpa("192.0.2.99")); port != 7 || gw != mpa("192.0.2.1") {
				t.Errorf("default, want (7, 192.0.2.1), got (%d, %s)", port, gw)
			}
			if port, _ := tbl.LookupRoute(mpa("10.0.0.1")); port != 1 {
				t.Errorf("more specific, want 1, got %d", port)
			}

			// same decision as the default, must not share its decision
			_, _ = tbl.AddRoute(mpr("172.16.0.0/12 192.0.2.1 7"), false)

			if _, err := tbl.AddRoute(mpr("0.0.0.0/0 8"), true); err != nil {
				t.Fatal(err)
			}
			if port, _ := tbl.LookupRoute(mpa("172.16.1.1")); port != 7 {
				t.Errorf("route sharing the default decision retargeted, want 7, got %d", port)
			}

			if _, err := tbl.RemoveRoute(sel); err != nil {
				t.Fatal(err)
			}
			if port, _ := tbl.LookupRoute(mpa("192.0.2.99")); port != DiscardPort {
				t.Errorf("removed default, want discard, got %d", port)
			}
			if port, _ := tbl.LookupRoute(mpa("172.16.1.1")); port != 7 {
				t.Errorf("after removed default, want 7, got %d", port)
			}
		})
	}
}

func TestRemoveSelector(t *testing.T) {
	for name, newTable := range backends() {
		t.Run(name, func(t *testing.T) {
			tbl := newTable()
			_, _ = tbl.AddRoute(mpr("10.0.0.0/8 10.0.0.1 1"), false)

			for _, s := range []string{"10.0.0.0/8 2", "10.0.0.0/8 10.0.0.2 1", "10.0.0.0/8 10.9.9.9", "10.0.0.0/9", "11.0.0.0/8"} {
				sel, _ := ParseRoute(s, true)
				if _, err := tbl.RemoveRoute(sel); !errors.Is(err, ErrNotFound) {
					t.Errorf("RemoveRoute(%s), want ErrNotFound, got %v", s, err)
				}
			}

			sel, _ := ParseRoute("10.0.0.0/8 10.0.0.1", true)
			if _, err := tbl.RemoveRoute(sel); err != nil {
				t.Errorf("RemoveRoute(10.0.0.0/8 10.0.0.1), %v", err)
			}
			if got := tbl.DumpRoutes(); len(got) != 0 {
				t.Errorf("DumpRoutes, want empty, got %v", got)
			}
		})
	}
}

func TestInvalidRoute(t *testing.T) {
	for name, newTable := range backends() {
		t.Run(name, func(t *testing.T) {
			tbl := newTable()

			bad := []Route{
				{},
				{Prefix: mpp("2001:db8::/32"), Port: 1},
				{Prefix: mpp("10.0.0.0/8"), Port: -1},
				{Prefix: mpp("10.0.0.0/8"), Port: MaxPort + 1},
			}
			for _, r := range bad {
				if _, err := tbl.AddRoute(r, false); !errors.Is(err, ErrInvalidRoute) {
					t.Errorf("AddRoute(%v), want ErrInvalidRoute, got %v", r, err)
				}
			}
			if s := tbl.Stats(); s.Routes != 0 {
				t.Errorf("Stats.Routes, want 0, got %d", s.Routes)
			}
		})
	}
}

func TestRemoveRestoresShadowed(t *testing.T) {
	for name, newTable := range backends() {
		t.Run(name, func(t *testing.T) {
			tbl := newTable()

			a := mpr("172.16.0.0/16 1")
			b := mpr("172.16.5.0/24 2")
			c := mpr("172.16.5.128/25 3")

			for _, r := range []Route{a, b, c} {
				if _, err := tbl.AddRoute(r, false); err != nil {
					t.Fatal(err)
				}
			}

			if _, err := tbl.RemoveRoute(b); err != nil {
				t.Fatal(err)
			}

			for _, s := range []string{"172.16.5.0", "172.16.5.127"} {
				if port, _ := tbl.LookupRoute(mpa(s)); port != 1 {
					t.Errorf("LookupRoute(%s), want shadowed port 1, got %d", s, port)
				}
			}
			if port, _ := tbl.LookupRoute(mpa("172.16.5.200")); port != 3 {
				t.Errorf("LookupRoute(172.16.5.200), want 3, got %d", port)
			}

			if _, err := tbl.RemoveRoute(c); err != nil {
				t.Fatal(err)
			}
			if port, _ := tbl.LookupRoute(mpa("172.16.5.200")); port != 1 {
				t.Errorf("LookupRoute(172.16.5.200), want 1, got %d", port)
			}
		})
	}
}

func TestFlush(t *testing.T) {
	prng := rand.New(rand.NewPCG(42, 42))
	routes := randomRoutes(prng, 200)
	ips := probes(prng, goldenFrom(routes), 100)

	for name, newTable := range backends() {
		t.Run(name, func(t *testing.T) {
			tbl := newTable()

			_ = batch(tbl, func() error {
				_, _ = tbl.AddRoute(mpr("0.0.0.0/0 1"), false)
				for _, r := range routes {
					if _, err := tbl.AddRoute(r, false); err != nil {
						return err
					}
				}
				return nil
			})

			tbl.Flush()
			tbl.Flush()

			for _, ip := range ips {
				if port, gw := tbl.LookupRoute(ip); port != DiscardPort || gw.IsValid() {
					t.Fatalf("after flush LookupRoute(%s), want discard, got (%d, %s)", ip, port, gw)
				}
			}
			if got := tbl.DumpRoutes(); len(got) != 0 {
				t.Errorf("after flush DumpRoutes, want empty, got %d routes", len(got))
			}
			if s := tbl.Stats(); s.Routes != 0 || s.SecondaryBlocks != 0 {
				t.Errorf("after flush Stats, want zero, got %+v", s)
			}

			// usable again
			_, _ = tbl.AddRoute(routes[0], false)
			checkGolden(t, tbl, goldenFrom(routes[:1]), ips)
		})
	}
}

func TestLongestPrefixMatch(t *testing.T) {
	prng := rand.New(rand.NewPCG(42, 42))
	n := workLoadN()

	routes := randomRoutes(prng, n)
	gold := goldenFrom(routes)
	ips := probes(prng, gold, n)

	for name, newTable := range backends() {
		t.Run(name, func(t *testing.T) {
			tbl := newTable()

			err := batch(tbl, func() error {
				for _, r := range routes {
					if _, err := tbl.AddRoute(r, false); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}

			checkGolden(t, tbl, gold, ips)

			got := tbl.DumpRoutes()
			var want []Route
			for _, item := range gold.Sorted() {
				want = append(want, Route{Prefix: item.Pfx, Gateway: item.Gw, Port: item.Port})
			}
			if !slices.Equal(got, want) {
				t.Errorf("DumpRoutes differs from reference, want %d, got %d routes", len(want), len(got))
			}
		})
	}
}

func TestRandomRemove(t *testing.T) {
	prng := rand.New(rand.NewPCG(4711, 4711))
	n := workLoadN()

	routes := randomRoutes(prng, n)

	for name, newTable := range backends() {
		t.Run(name, func(t *testing.T) {
			tbl := newTable()
			gold := goldenFrom(routes)

			_ = batch(tbl, func() error {
				for _, r := range routes {
					_, _ = tbl.AddRoute(r, false)
				}
				return nil
			})

			// remove every second route in random order
			perm := prng.Perm(len(routes))
			_ = batch(tbl, func() error {
				for _, i := range perm[:len(perm)/2] {
					r := routes[i]
					if _, err := tbl.RemoveRoute(r); err != nil {
						t.Fatalf("RemoveRoute(%s): %v", r, err)
					}
					gold.Delete(r.Prefix)
				}
				return nil
			})

			checkGolden(t, tbl, gold, probes(prng, goldenFrom(routes), n))

			if s := tbl.Stats(); s.Routes != len(*gold) {
				t.Errorf("Stats.Routes, want %d, got %d", len(*gold), s.Routes)
			}
		})
	}
}
