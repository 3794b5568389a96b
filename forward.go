// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/sirupsen/logrus"
)

// ErrBadHeader is returned for packets without a valid IPv4 header
// and without a destination annotation.
var ErrBadHeader = errors.New("invalid IPv4 header")

// Packet is a raw IPv4 packet with its destination annotation.
//
// The annotation is the address the packet is delivered to next, it
// starts as the destination of the IPv4 header and is rewritten to
// the gateway on forwarding.
type Packet struct {
	Data []byte

	dst netip.Addr
}

// NewPacket returns a packet with an unset destination annotation.
func NewPacket(data []byte) *Packet {
	return &Packet{Data: data}
}

// DstAnno returns the destination annotation, invalid if unset.
func (p *Packet) DstAnno() netip.Addr {
	return p.dst
}

// SetDstAnno sets the destination annotation.
func (p *Packet) SetDstAnno(a netip.Addr) {
	p.dst = a
}

// Output receives forwarded packets.
type Output interface {
	Push(*Packet)
}

// OutputFunc is an adapter to use a function as Output.
type OutputFunc func(*Packet)

// Push calls f(p).
func (f OutputFunc) Push(p *Packet) { f(p) }

// Lookuper is the read side of a [RoutingTable].
type Lookuper interface {
	LookupRoute(ip netip.Addr) (port int, gw netip.Addr)
}

// Forwarder pushes packets to the output port of their route.
//
// Packets are dropped if the route is discarding or the port has no output.
// If the route has a gateway, the destination annotation is set to it.
//
// A Forwarder is safe for concurrent use if its table allows
// concurrent lookups.
type Forwarder struct {
	table   Lookuper
	outputs []Output

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	log logrus.FieldLogger
}

// NewForwarder returns a forwarder over table, port i pushes to outputs[i].
func NewForwarder(table Lookuper, outputs []Output, opts ...Option) *Forwarder {
	cfg := newConfig(opts)
	return &Forwarder{
		table:   table,
		outputs: outputs,
		log:     cfg.log,
	}
}

// Push forwards p and reports whether it was delivered to an output.
func (f *Forwarder) Push(p *Packet) bool {
	dst := p.DstAnno()
	if !dst.IsValid() {
		var err error
		if dst, err = headerDst(p.Data); err != nil {
			f.drop(p, dst, err.Error())
			return false
		}
		p.SetDstAnno(dst)
	}

	port, gw := f.table.LookupRoute(dst)
	if port < 0 || port >= len(f.outputs) || f.outputs[port] == nil {
		f.drop(p, dst, fmt.Sprintf("no output for port %d", port))
		return false
	}

	if gw.IsValid() {
		p.SetDstAnno(gw)
	}

	f.forwarded.Add(1)
	f.outputs[port].Push(p)
	return true
}

func (f *Forwarder) drop(p *Packet, dst netip.Addr, reason string) {
	f.dropped.Add(1)
	f.log.WithFields(logrus.Fields{
		"dst":    dst,
		"len":    len(p.Data),
		"reason": reason,
	}).Debug("packet dropped")
}

// Forwarded returns the number of packets pushed to an output.
func (f *Forwarder) Forwarded() uint64 {
	return f.forwarded.Load()
}

// Dropped returns the number of dropped packets.
func (f *Forwarder) Dropped() uint64 {
	return f.dropped.Load()
}

// headerDst returns the destination address of the IPv4 header in b.
func headerDst(b []byte) (netip.Addr, error) {
	if !header.IPv4(b).IsValid(len(b)) {
		return netip.Addr{}, ErrBadHeader
	}

	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	return hdr.Dst, nil
}
