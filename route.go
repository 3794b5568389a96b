// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gaissmai/dirlookup/internal/vport"
)

// DiscardPort is the output port of a route that drops the packet.
// It is never configured directly, it is the decision of the default
// route as long as no default route is set.
const DiscardPort = vport.Discard

// MaxPort is the largest configurable output port.
const MaxPort = 1<<15 - 1

// Route is a single IPv4 forwarding entry.
//
// The Prefix is always masked, an invalid Gateway means "no gateway",
// the packet is delivered to the destination itself.
type Route struct {
	Prefix  netip.Prefix
	Gateway netip.Addr
	Port    int
}

// IsValid reports whether r holds an IPv4 prefix.
func (r Route) IsValid() bool {
	return r.Prefix.IsValid() && r.Prefix.Addr().Is4()
}

// Match reports whether the selector r matches the stored route.
//
// The prefixes must be equal. If the selector names a gateway the gateways
// must be equal, if it has a port >= 0 the ports too.
func (r Route) Match(stored Route) bool {
	if r.Prefix != stored.Prefix {
		return false
	}
	if r.Gateway.IsValid() && r.Gateway != stored.Gateway {
		return false
	}
	return r.Port < 0 || r.Port == stored.Port
}

// String returns the route in the configuration grammar, tab separated:
//
//	10.0.0.0/8	10.0.0.1	1
//	10.1.0.0/16	-	2
func (r Route) String() string {
	gw := "-"
	if r.Gateway.IsValid() {
		gw = r.Gateway.String()
	}
	return r.Prefix.String() + "\t" + gw + "\t" + strconv.Itoa(r.Port)
}

// normalize canonicalizes prefix and gateway.
// IPv4-mapped IPv6 input is unmapped, 0.0.0.0 as gateway means none.
func (r Route) normalize() Route {
	if r.Prefix.IsValid() && r.Prefix.Addr().Is4In6() {
		r.Prefix = netip.PrefixFrom(r.Prefix.Addr().Unmap(), r.Prefix.Bits()-96)
	}
	r.Prefix = r.Prefix.Masked()

	r.Gateway = r.Gateway.Unmap()
	if r.Gateway.IsValid() && (!r.Gateway.Is4() || r.Gateway.IsUnspecified()) {
		r.Gateway = netip.Addr{}
	}
	return r
}

// validate checks a route before it is added to a table.
func (r Route) validate() error {
	if !r.IsValid() {
		return fmt.Errorf("%w: %s is not an IPv4 prefix", ErrInvalidRoute, r.Prefix)
	}
	if r.Port < 0 || r.Port > MaxPort {
		return fmt.Errorf("%w: port %d out of range [0, %d]", ErrInvalidRoute, r.Port, MaxPort)
	}
	return nil
}

// cmpRoute sorts by address, then by prefix length.
func cmpRoute(a, b Route) int {
	if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Prefix.Bits(), b.Prefix.Bits())
}

// ParseRoute parses a route in the configuration grammar
//
//	ADDR/MASK [GATEWAY] OUTPUT
//
// MASK is a prefix length or a dotted quad netmask, a bare ADDR is a host
// route. GATEWAY "-" means no gateway. With forRemove the OUTPUT is optional
// and the returned selector has port DiscardPort if missing.
func ParseRoute(s string, forRemove bool) (Route, error) {
	words := strings.Fields(s)
	if len(words) == 0 || len(words) > 3 {
		return Route{}, fmt.Errorf("%w: expected 'ADDR/MASK [GATEWAY] OUTPUT', got %q", ErrParse, s)
	}

	pfx, err := ParsePrefix(words[0])
	if err != nil {
		return Route{}, err
	}
	r := Route{Prefix: pfx, Port: DiscardPort}
	words = words[1:]

	// a gateway is present if two words follow or the only word is an address
	if len(words) == 2 || (len(words) == 1 && isGateway(words[0])) {
		if r.Gateway, err = parseGateway(words[0]); err != nil {
			return Route{}, err
		}
		words = words[1:]
	}

	if len(words) == 0 {
		if !forRemove {
			return Route{}, fmt.Errorf("%w: missing OUTPUT in %q", ErrParse, s)
		}
		return r.normalize(), nil
	}

	port, err := strconv.Atoi(words[0])
	if err != nil || port < 0 || port > MaxPort {
		return Route{}, fmt.Errorf("%w: bad OUTPUT %q, expected port in range [0, %d]", ErrParse, words[0], MaxPort)
	}
	r.Port = port

	return r.normalize(), nil
}

// ParsePrefix parses ADDR/LEN, ADDR/NETMASK or a bare ADDR as host route.
// The result is masked.
func ParsePrefix(s string) (netip.Prefix, error) {
	addrStr, maskStr, found := strings.Cut(s, "/")

	addr, err := netip.ParseAddr(addrStr)
	if err != nil || !addr.Unmap().Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: bad IPv4 address %q", ErrParse, addrStr)
	}

	// the length of a mapped prefix counts the 96 bits of ::ffff:0:0/96
	mapped := addr.Is4In6()
	addr = addr.Unmap()

	if !found {
		return netip.PrefixFrom(addr, 32), nil
	}

	var plen int
	if strings.Contains(maskStr, ".") {
		mask, err := netip.ParseAddr(maskStr)
		if err != nil || !mask.Is4() {
			return netip.Prefix{}, fmt.Errorf("%w: bad netmask %q", ErrParse, maskStr)
		}
		if plen = maskLen(addrToUint32(mask)); plen < 0 {
			return netip.Prefix{}, fmt.Errorf("%w: netmask %q is not contiguous", ErrParse, maskStr)
		}
	} else {
		plen, err = strconv.Atoi(maskStr)
		if mapped {
			plen -= 96
		}
		if err != nil || plen < 0 || plen > 32 {
			return netip.Prefix{}, fmt.Errorf("%w: bad prefix length %q", ErrParse, maskStr)
		}
	}

	return netip.PrefixFrom(addr, plen).Masked(), nil
}

func isGateway(s string) bool {
	_, err := parseGateway(s)
	return err == nil
}

func parseGateway(s string) (netip.Addr, error) {
	if s == "-" {
		return netip.Addr{}, nil
	}
	gw, err := netip.ParseAddr(s)
	if err != nil || !gw.Unmap().Is4() {
		return netip.Addr{}, fmt.Errorf("%w: bad gateway %q", ErrParse, s)
	}
	return gw.Unmap(), nil
}

// ###################################################################

// maskLen returns the number of leading ones or -1 if m is not contiguous.
func maskLen(m uint32) int {
	n := bits.LeadingZeros32(^m)
	if m != prefixMask(n) {
		return -1
	}
	return n
}

// prefixMask returns the netmask for n leading ones, n in [0, 32].
func prefixMask(n int) uint32 {
	return ^(uint32(0xffff_ffff) >> n)
}

// addrToUint32, the address must be IPv4.
func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(u uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], u)
	return netip.AddrFrom4(b)
}

// lookupKey converts ip for table lookups, false for non IPv4.
func lookupKey(ip netip.Addr) (uint32, bool) {
	ip = ip.Unmap()
	if !ip.Is4() {
		return 0, false
	}
	return addrToUint32(ip), true
}

// prefixKey returns the masked prefix as uint32 and its length.
func prefixKey(pfx netip.Prefix) (uint32, uint8) {
	return addrToUint32(pfx.Masked().Addr()), uint8(pfx.Bits())
}
