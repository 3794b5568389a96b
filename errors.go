// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import "errors"

// Errors returned by the routing tables and the controller, wrapped with
// context. Test for them with [errors.Is].
var (
	// ErrAlreadyExists, add without replace on an existing prefix.
	ErrAlreadyExists = errors.New("route already exists")

	// ErrNotFound, remove of a missing prefix or a mismatching selector.
	ErrNotFound = errors.New("route not found")

	// ErrOutOfCapacity, a fixed size pool is exhausted, the table is unchanged.
	ErrOutOfCapacity = errors.New("out of capacity")

	// ErrInvariant signals an internal inconsistency of the lookup arrays.
	// This is a programming error, the table must be flushed.
	ErrInvariant = errors.New("invariant violation")

	// ErrInvalidRoute, the route is not an IPv4 route or the port is out of range.
	ErrInvalidRoute = errors.New("invalid route")

	// ErrParse, malformed input to the configuration grammar.
	ErrParse = errors.New("parse error")
)
