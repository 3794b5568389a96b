// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package dirlookup

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/sirupsen/logrus"
)

type command int

const (
	cmdAdd command = iota
	cmdSet
	cmdRemove
)

var commandNames = map[string]command{
	"add":    cmdAdd,
	"set":    cmdSet,
	"remove": cmdRemove,
}

// undo records an applied command for the ctrl rollback.
type undo struct {
	cmd   command
	route Route // the route as applied
	old   Route // the replaced or removed route
}

// Controller is the textual control surface of a routing table.
//
// It parses routes in the configuration grammar, see [ParseRoute], and
// serializes all operations, the table must not be mutated elsewhere.
type Controller struct {
	mu      sync.Mutex
	table   RoutingTable
	outputs int

	log logrus.FieldLogger
}

// NewController returns a controller for table.
// WithOutputs rejects routes to non existing output ports.
func NewController(table RoutingTable, opts ...Option) *Controller {
	cfg := newConfig(opts)
	return &Controller{
		table:   table,
		outputs: cfg.outputs,
		log:     cfg.log,
	}
}

// Table returns the controlled routing table.
func (c *Controller) Table() RoutingTable {
	return c.table
}

// Locker returns the mutex serializing the table operations,
// see [NewCollector].
func (c *Controller) Locker() sync.Locker {
	return &c.mu
}

// Configure adds the initial routes, one route per argument.
// Duplicate prefixes are an error. All routes are tried, the
// errors are joined.
func (c *Controller) Configure(args []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.batch(func() error {
		var errs []error
		for i, arg := range args {
			if strings.TrimSpace(arg) == "" {
				continue
			}
			if err := c.run(cmdAdd, arg, nil); err != nil {
				errs = append(errs, fmt.Errorf("argument %d: %w", i+1, err))
			}
		}
		return errors.Join(errs...)
	})
}

// Add adds a route, it fails if the prefix exists.
func (c *Controller) Add(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run(cmdAdd, s, nil)
}

// Set adds or replaces a route.
func (c *Controller) Set(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run(cmdSet, s, nil)
}

// Remove removes a route, 'ADDR/MASK [GATEWAY] [OUTPUT]'.
func (c *Controller) Remove(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run(cmdRemove, s, nil)
}

// Ctrl applies newline separated add, set and remove commands as one
// transaction. On the first failure all applied commands are rolled back.
// Empty lines and lines starting with '#' are ignored.
func (c *Controller) Ctrl(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctrl(s)
}

func (c *Controller) ctrl(s string) error {
	var log []undo

	err := c.batch(func() error {
		for _, line := range strings.Split(s, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}

			verb, rest := line, ""
			if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
				verb, rest = line[:i], line[i:]
			}

			cmd, ok := commandNames[verb]
			if !ok {
				return fmt.Errorf("%w: bad command %q", ErrParse, verb)
			}

			if err := c.run(cmd, rest, &log); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}

	c.rollback(log)
	return err
}

// rollback undoes the applied commands in reverse order.
func (c *Controller) rollback(log []undo) {
	_ = c.batch(func() error {
		for i := len(log) - 1; i >= 0; i-- {
			u := log[i]

			var err error
			switch {
			case u.cmd == cmdRemove:
				_, err = c.table.AddRoute(u.old, false)
			case u.cmd == cmdSet && u.old.IsValid():
				_, err = c.table.AddRoute(u.old, true)
			default:
				_, err = c.table.RemoveRoute(u.route)
			}

			if err != nil {
				c.log.WithError(err).WithField("route", u.route).Error("ctrl rollback failed")
			}
		}
		return nil
	})

	c.log.WithField("commands", len(log)).Info("ctrl rolled back")
}

// Flush resets the table to the discarding default route.
func (c *Controller) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table.Flush()
	c.log.Info("routing table flushed")
}

// Routes returns the table in the configuration grammar.
func (c *Controller) Routes() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Sprint(c.table.DumpRoutes())
}

// JSON returns the table as JSON list.
func (c *Controller) JSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return MarshalRoutes(c.table.DumpRoutes())
}

// Load replaces all routes by the JSON list in data.
// On failure the table is left unchanged.
func (c *Controller) Load(data []byte) error {
	routes, err := UnmarshalRoutes(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	for _, r := range c.table.DumpRoutes() {
		fmt.Fprintf(&b, "remove %s\n", r)
	}
	for _, r := range routes {
		fmt.Fprintf(&b, "add %s\n", r)
	}

	return c.ctrl(b.String())
}

// Lookup returns 'PORT' or 'PORT GATEWAY' for the address in s.
func (c *Controller) Lookup(s string) (string, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !ip.Unmap().Is4() {
		return "", fmt.Errorf("%w: expected IPv4 address, not %q", ErrParse, s)
	}

	c.mu.Lock()
	port, gw := c.table.LookupRoute(ip)
	c.mu.Unlock()

	if gw.IsValid() {
		return strconv.Itoa(port) + " " + gw.String(), nil
	}
	return strconv.Itoa(port), nil
}

// Stats returns the pool usage as 'name value' lines.
func (c *Controller) Stats() string {
	c.mu.Lock()
	s := c.table.Stats()
	c.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "routes %d\n", s.Routes)
	fmt.Fprintf(&b, "route_entries %d/%d\n", s.RouteEntries, s.RouteEntriesCap)
	fmt.Fprintf(&b, "virtual_ports %d/%d\n", s.VirtualPorts, s.VirtualPortsCap)
	fmt.Fprintf(&b, "secondary_blocks %d/%d\n", s.SecondaryBlocks, s.SecondaryBlocksCap)
	fmt.Fprintf(&b, "ranges %d\n", s.Ranges)
	return b.String()
}

// WriteHandler dispatches the write verbs add, set, remove, ctrl, flush and load.
func (c *Controller) WriteHandler(verb, arg string) error {
	switch verb {
	case "add":
		return c.Add(arg)
	case "set":
		return c.Set(arg)
	case "remove":
		return c.Remove(arg)
	case "ctrl":
		return c.Ctrl(arg)
	case "flush":
		c.Flush()
		return nil
	case "load":
		return c.Load([]byte(arg))
	}
	return fmt.Errorf("%w: unknown write handler %q", ErrParse, verb)
}

// ReadHandler dispatches the read verbs table, json, lookup and stats.
func (c *Controller) ReadHandler(verb, arg string) (string, error) {
	switch verb {
	case "table":
		return c.Routes(), nil
	case "json":
		buf, err := c.JSON()
		return string(buf), err
	case "lookup":
		return c.Lookup(arg)
	case "stats":
		return c.Stats(), nil
	}
	return "", fmt.Errorf("%w: unknown read handler %q", ErrParse, verb)
}

// run parses and applies a single command, c.mu must be held.
// Applied commands are appended to log, if not nil.
func (c *Controller) run(cmd command, s string, log *[]undo) error {
	r, err := ParseRoute(s, cmd == cmdRemove)
	if err != nil {
		return err
	}

	if cmd != cmdRemove && c.outputs > 0 && r.Port >= c.outputs {
		return fmt.Errorf("%w: output %d out of range, %d outputs", ErrInvalidRoute, r.Port, c.outputs)
	}

	var old Route
	switch cmd {
	case cmdRemove:
		old, err = c.table.RemoveRoute(r)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("route '%s' not found: %w", selector(r), err)
		}
	default:
		old, err = c.table.AddRoute(r, cmd == cmdSet)
		if errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("conflict with existing route '%s': %w", old, err)
		}
	}

	if err != nil {
		return err
	}

	if log != nil {
		*log = append(*log, undo{cmd: cmd, route: r, old: old})
	}
	return nil
}

// batch runs fn deferring the table rebuilds, if supported.
func (c *Controller) batch(fn func() error) error {
	if b, ok := c.table.(Batcher); ok {
		return b.Batch(fn)
	}
	return fn()
}

// selector formats a remove selector, without the port if unset.
func selector(r Route) string {
	if r.Port < 0 {
		return r.Prefix.String()
	}
	return r.String()
}
