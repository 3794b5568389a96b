// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package main

import (
	"bufio"
	"compress/gzip"
	"io"
	"math/rand/v2"
	"net/netip"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gaissmai/dirlookup"
)

// readRoutes returns the non empty, non comment lines of file.
// Files ending in .gz are decompressed.
func readRoutes(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(file, ".gz") {
		rgz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer rgz.Close()
		r = rgz
	}

	var lines []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}

	if err = scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

var prng = rand.New(rand.NewPCG(42, 42))

func randomIP4() netip.Addr {
	var b [4]byte
	for i := range b {
		b[i] = byte(prng.Uint32() & 0xff)
	}
	return netip.AddrFrom4(b)
}

// bench runs n lookups of random addresses and logs the port histogram.
func bench(table dirlookup.RoutingTable, n int, logger log.FieldLogger) {
	ips := make([]netip.Addr, 1024)
	for i := range ips {
		ips[i] = randomIP4()
	}

	hits := map[int]int{}
	start := time.Now()
	for i := range n {
		port, _ := table.LookupRoute(ips[i&1023])
		hits[port]++
	}
	elapsed := time.Since(start)

	logger.WithFields(log.Fields{
		"lookups":   n,
		"ns/lookup": elapsed.Nanoseconds() / int64(n),
		"discarded": hits[dirlookup.DiscardPort],
		"ports":     len(hits),
	}).Info("random lookups")
}
