// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	routesDesc = prometheus.NewDesc(
		"dirlookup_routes",
		"Number of configured routes.",
		nil, nil,
	)
	poolUsedDesc = prometheus.NewDesc(
		"dirlookup_pool_used",
		"Entries in use per fixed size pool.",
		[]string{"pool"}, nil,
	)
	poolCapDesc = prometheus.NewDesc(
		"dirlookup_pool_capacity",
		"Entry limit per fixed size pool.",
		[]string{"pool"}, nil,
	)
	rangesDesc = prometheus.NewDesc(
		"dirlookup_ranges",
		"Number of address ranges of a range table.",
		nil, nil,
	)
	forwardedDesc = prometheus.NewDesc(
		"dirlookup_packets_forwarded_total",
		"Packets pushed to an output port.",
		nil, nil,
	)
	droppedDesc = prometheus.NewDesc(
		"dirlookup_packets_dropped_total",
		"Packets dropped, discard route or missing output.",
		nil, nil,
	)
)

// Collector exports the pool usage of a table and the packet counters
// of an optional forwarder as prometheus metrics.
//
// The table is read under mu, pass the mutex serializing the table
// mutations or nil if there are none concurrent to the scrape.
type Collector struct {
	table RoutingTable
	fwd   *Forwarder
	mu    sync.Locker
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for table and fwd, fwd may be nil.
func NewCollector(table RoutingTable, fwd *Forwarder, mu sync.Locker) *Collector {
	return &Collector{table: table, fwd: fwd, mu: mu}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- routesDesc
	ch <- poolUsedDesc
	ch <- poolCapDesc
	ch <- rangesDesc
	if c.fwd != nil {
		ch <- forwardedDesc
		ch <- droppedDesc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.mu != nil {
		c.mu.Lock()
	}
	s := c.table.Stats()
	if c.mu != nil {
		c.mu.Unlock()
	}

	ch <- prometheus.MustNewConstMetric(routesDesc, prometheus.GaugeValue, float64(s.Routes))

	pools := []struct {
		name      string
		used, cap int
	}{
		{"route_index", s.RouteEntries, s.RouteEntriesCap},
		{"virtual_port", s.VirtualPorts, s.VirtualPortsCap},
		{"secondary", s.SecondaryBlocks, s.SecondaryBlocksCap},
	}
	for _, p := range pools {
		if p.cap == 0 {
			continue
		}
		ch <- prometheus.MustNewConstMetric(poolUsedDesc, prometheus.GaugeValue, float64(p.used), p.name)
		ch <- prometheus.MustNewConstMetric(poolCapDesc, prometheus.GaugeValue, float64(p.cap), p.name)
	}

	if s.Ranges > 0 {
		ch <- prometheus.MustNewConstMetric(rangesDesc, prometheus.GaugeValue, float64(s.Ranges))
	}

	if c.fwd != nil {
		ch <- prometheus.MustNewConstMetric(forwardedDesc, prometheus.CounterValue, float64(c.fwd.Forwarded()))
		ch <- prometheus.MustNewConstMetric(droppedDesc, prometheus.CounterValue, float64(c.fwd.Dropped()))
	}
}
