// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Command dirlookup loads a route file into a routing table and
// executes control verbs read from stdin, one per line:
//
//	add 10.0.0.0/8 10.0.0.1 1
//	remove 10.0.0.0/8
//	lookup 10.1.2.3
//	table
//
// Multi line ctrl transactions are entered as 'ctrl' followed by the
// commands and terminated by a line with a single '.'.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	log "github.com/sirupsen/logrus"

	"github.com/gaissmai/dirlookup"
)

var (
	routesFile = flag.String("routes", "", "route file, one 'ADDR/MASK [GATEWAY] OUTPUT' per line, may be gzipped")
	backend    = flag.String("backend", "direct", "table backend: direct, range or sorted")
	outputs    = flag.Int("outputs", 0, "number of output ports, 0 for any")
	probes     = flag.Int("bench", 0, "number of random lookups to run after loading")
	verbose    = flag.Bool("v", false, "debug logging")
)

var readVerbs = map[string]bool{
	"table":  true,
	"json":   true,
	"lookup": true,
	"stats":  true,
}

func main() {
	flag.Parse()

	logger := log.New()
	logger.SetOutput(os.Stderr)
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	opts := []dirlookup.Option{
		dirlookup.WithLogger(logger),
		dirlookup.WithOutputs(*outputs),
	}

	table, err := newTable(*backend, opts)
	if err != nil {
		logger.Fatal(err)
	}
	ctl := dirlookup.NewController(table, opts...)

	if *routesFile != "" {
		lines, err := readRoutes(*routesFile)
		if err != nil {
			logger.Fatal(err)
		}
		if err := ctl.Configure(lines); err != nil {
			logger.Fatal(err)
		}
		logger.WithFields(log.Fields{
			"file":   *routesFile,
			"routes": table.Stats().Routes,
		}).Info("routes loaded")
	}

	if *probes > 0 {
		bench(table, *probes, logger)
	}

	if err := repl(ctl, os.Stdin, os.Stdout); err != nil {
		logger.Fatal(err)
	}
}

func newTable(name string, opts []dirlookup.Option) (dirlookup.RoutingTable, error) {
	switch name {
	case "direct":
		return dirlookup.NewDirectTable(opts...), nil
	case "range":
		return dirlookup.NewRangeTable(opts...), nil
	case "sorted":
		return dirlookup.NewSortedTable(opts...), nil
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}

// repl executes the verbs in r, results and errors go to w.
func repl(ctl *dirlookup.Controller, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		verb, arg := line, ""
		if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
			verb, arg = line[:i], strings.TrimSpace(line[i:])
		}

		if verb == "quit" || verb == "exit" {
			return nil
		}

		// collect the ctrl transaction
		if verb == "ctrl" && arg == "" {
			var b strings.Builder
			for scanner.Scan() {
				l := scanner.Text()
				if strings.TrimSpace(l) == "." {
					break
				}
				b.WriteString(l)
				b.WriteByte('\n')
			}
			arg = b.String()
		}

		if readVerbs[verb] {
			out, err := ctl.ReadHandler(verb, arg)
			if err != nil {
				fmt.Fprintln(w, "error:", err)
				continue
			}
			fmt.Fprint(w, out)
			if !strings.HasSuffix(out, "\n") {
				fmt.Fprintln(w)
			}
			continue
		}

		if err := ctl.WriteHandler(verb, arg); err != nil {
			fmt.Fprintln(w, "error:", err)
			continue
		}
		fmt.Fprintln(w, "ok")
	}

	return scanner.Err()
}
