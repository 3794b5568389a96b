// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import (
	"cmp"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/sugawarayuuta/sonnet"
)

// Fprint writes the routes in the configuration grammar, one per line.
func Fprint(w io.Writer, routes []Route) error {
	for _, r := range routes {
		if _, err := fmt.Fprintln(w, r); err != nil {
			return err
		}
	}
	return nil
}

// Sprint returns the routes in the configuration grammar, one per line.
func Sprint(routes []Route) string {
	w := new(strings.Builder)
	_ = Fprint(w, routes)
	return w.String()
}

// JSONRoute is the JSON representation of a Route.
type JSONRoute struct {
	Prefix  netip.Prefix `json:"prefix"`
	Gateway string       `json:"gateway,omitempty"`
	Port    int          `json:"port"`
}

// MarshalRoutes dumps the routes as JSON list.
func MarshalRoutes(routes []Route) ([]byte, error) {
	list := make([]JSONRoute, 0, len(routes))
	for _, r := range routes {
		jr := JSONRoute{Prefix: r.Prefix, Port: r.Port}
		if r.Gateway.IsValid() {
			jr.Gateway = r.Gateway.String()
		}
		list = append(list, jr)
	}

	buf, err := sonnet.Marshal(list)
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// UnmarshalRoutes parses a JSON list of routes as written by
// [MarshalRoutes], the routes are validated and normalized.
func UnmarshalRoutes(data []byte) ([]Route, error) {
	var list []JSONRoute
	if err := sonnet.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	routes := make([]Route, 0, len(list))
	for i, jr := range list {
		gw, err := parseGateway(cmp.Or(jr.Gateway, "-"))
		if err != nil {
			return nil, fmt.Errorf("route #%d: %w", i, err)
		}

		r := Route{Prefix: jr.Prefix, Gateway: gw, Port: jr.Port}.normalize()
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("route #%d: %w", i, err)
		}
		routes = append(routes, r)
	}

	return routes, nil
}
