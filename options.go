// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/gaissmai/dirlookup/internal/vport"
)

// default pool limits
const (
	DefaultMaxRoutes       = 1 << 20
	DefaultMaxVirtualPorts = 1 << 15
	DefaultMaxSecondary    = 1 << 15
)

// initial pool sizes, the pools double on demand up to their limits
const (
	initialRoutes    = 2048
	initialVPorts    = 1024
	initialSecondary = 16
)

// maxSecondaryBlocks is the addressable number of secondary blocks.
const maxSecondaryBlocks = 1 << 16

type config struct {
	log          logrus.FieldLogger
	maxRoutes    int
	maxVPorts    int
	maxSecondary int
	outputs      int
}

// Option configures tables, controllers and forwarders.
// Options not meaningful for a component are ignored.
type Option func(*config)

func newConfig(opts []Option) config {
	cfg := config{
		maxRoutes:    DefaultMaxRoutes,
		maxVPorts:    DefaultMaxVirtualPorts,
		maxSecondary: DefaultMaxSecondary,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.log = l
	}

	cfg.maxRoutes = max(cfg.maxRoutes, 1)
	cfg.maxVPorts = min(max(cfg.maxVPorts, 1), vport.MaxEntries)
	cfg.maxSecondary = min(max(cfg.maxSecondary, 1), maxSecondaryBlocks)
	cfg.outputs = max(cfg.outputs, 0)

	return cfg
}

// WithLogger sets the log sink, default is a silent logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) { c.log = l }
}

// WithMaxRoutes limits the number of distinct prefixes, the default route included.
func WithMaxRoutes(n int) Option {
	return func(c *config) { c.maxRoutes = n }
}

// WithMaxVirtualPorts limits the number of distinct (gateway, port) decisions,
// the reserved discard entry included.
func WithMaxVirtualPorts(n int) Option {
	return func(c *config) { c.maxVPorts = n }
}

// WithMaxSecondary limits the number of 256 slot secondary blocks,
// one is needed for every /24 holding prefixes longer than /24.
func WithMaxSecondary(n int) Option {
	return func(c *config) { c.maxSecondary = n }
}

// WithOutputs sets the number of output ports, routes to ports
// beyond are rejected by the controller and dropped by the forwarder.
// Zero means any port in [0, MaxPort].
func WithOutputs(n int) Option {
	return func(c *config) { c.outputs = n }
}
