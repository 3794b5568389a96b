// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import (
	"net/netip"
)

// RoutingTable is the contract of all lookup backends.
//
// Mutations must be serialized by the caller, see [Controller].
// LookupRoute never fails: an address without a matching route resolves
// to the decision of the default route 0.0.0.0/0, which is
// ([DiscardPort], invalid gateway) until a default route is configured.
type RoutingTable interface {
	// AddRoute adds r. If a route for the same prefix exists, it fails
	// with ErrAlreadyExists unless replace is set. The replaced route is
	// returned, or the zero Route if nothing was replaced.
	AddRoute(r Route, replace bool) (old Route, err error)

	// RemoveRoute removes the route selected by r, see [Route.Match].
	// It fails with ErrNotFound and returns the removed route on success.
	RemoveRoute(r Route) (old Route, err error)

	// LookupRoute returns output port and gateway for ip, longest prefix match.
	LookupRoute(ip netip.Addr) (port int, gw netip.Addr)

	// DumpRoutes returns all configured routes, sorted by prefix.
	DumpRoutes() []Route

	// Flush resets the table to the single discarding default route.
	Flush()

	// Stats returns the pool usage.
	Stats() Stats
}

// Batcher is implemented by tables with expensive per update work.
// The work is deferred until fn returns, see [RangeTable.Batch].
type Batcher interface {
	Batch(fn func() error) error
}

// Stats reports the usage of the fixed size pools of a table.
// Fields not backed by a pool in a table are zero.
type Stats struct {
	// Routes is the number of configured routes,
	// a discarding default route is not counted.
	Routes int

	// RouteEntries counts the route index entries in use, the permanent
	// default entry included.
	RouteEntries    int
	RouteEntriesCap int

	// VirtualPorts counts the distinct (gateway, port) decisions in use,
	// the reserved default entry included.
	VirtualPorts    int
	VirtualPortsCap int

	// SecondaryBlocks counts the 256 slot blocks for prefixes longer than /24.
	SecondaryBlocks    int
	SecondaryBlocksCap int

	// Ranges is the number of address ranges of a RangeTable.
	Ranges int
}
