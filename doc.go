// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package dirlookup provides IPv4 routing tables for fastest
// destination lookups in packet forwarding paths.
//
// All tables implement the [RoutingTable] contract, a lookup returns
// the output port and the optional gateway of the longest matching prefix:
//
//   - DirectTable: DIR-24-8, at most two array reads per lookup
//   - RangeTable:  compressed address ranges, kickstart array and binary search
//   - SortedTable: memory light btree, slow lookups
//
// The DirectTable resolves the upper 24 bits of the address in a primary
// array of 2^24 slots, prefixes longer than /24 delegate to secondary
// blocks of 256 slots. Forwarding decisions (gateway, port) are shared by
// all routes with equal decisions in a reference counted virtual port pool.
//
// Only the RangeTable allows lookups concurrent to mutations, it swaps
// immutable snapshots. The other tables must serialize lookups with
// mutations.
//
// Mutations must be serialized, the [Controller] does that and adds the
// textual control surface:
//
//	add    ADDR/MASK [GATEWAY] OUTPUT
//	set    ADDR/MASK [GATEWAY] OUTPUT
//	remove ADDR/MASK [GATEWAY] [OUTPUT]
//	ctrl   newline separated add, set and remove commands, all or nothing
//	flush
//
// The [Forwarder] pushes raw IPv4 packets to the output of their route.
package dirlookup
