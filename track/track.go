// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package track wires the plan estimator and the fingerprint store
// together into the two execution hooks a host query engine calls:
// OnExecutionBegin and OnExecutionEnd. It owns the mode-gated Upsert
// decision and the optional plan-report callback that spec.md leaves
// as configuration behavior rather than store behavior.
package track

import (
	"sync"

	"github.com/sneller-labs/trackopt/fpstore"
)

// Config is the full runtime-settable surface from spec.md §6: the
// store's own Dir/Name/HashMemKB plus the decisions that live at this
// layer, Mode and LogMinError. AutoFlush is carried here but no code
// reads it: Context has no shutdown hook and never flushes on its own.
type Config struct {
	Mode        fpstore.Mode
	LogMinError float64
	HashMemKB   int
	AutoFlush   bool
	Dir, Name   string
	Logf        func(format string, args ...any)
}

func (c Config) storeConfig() fpstore.Config {
	return fpstore.Config{
		Mode:      c.Mode,
		HashMemKB: c.HashMemKB,
		Dir:       c.Dir,
		Name:      c.Name,
		Logf:      c.Logf,
	}
}

func (c Config) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

// ReportFunc is invoked from OnExecutionEnd when LogMinError gates an
// execution's avg_error in. The callback corresponds to
// emit_plan_report(handle, avg_error) in spec.md §4.4.
type ReportFunc func(tenantID uint32, fingerprint uint64, avgError float64)

// Context is the process-wide object a host process owns for its
// lifetime: one lazily-attached Store plus the Config governing
// whether and how it is used. Tests construct as many independent
// Contexts as they need; there is no package-level global.
type Context struct {
	cfg    Config
	report ReportFunc

	once      sync.Once
	store     *fpstore.Store
	attachErr error
}

// NewContext builds a Context that is not yet attached to a Store; the
// first call that needs the Store (an OnExecutionEnd that passes its
// gate, or Status, Scan, Reset, Flush) performs the attach.
func NewContext(cfg Config, report ReportFunc) *Context {
	return &Context{cfg: cfg, report: report}
}

// attach idempotently opens the underlying Store. It is a no-op,
// returning (nil, nil), when the context is Disabled.
func (c *Context) attach() (*fpstore.Store, error) {
	if c.cfg.Mode == fpstore.Disabled {
		return nil, nil
	}
	c.once.Do(func() {
		c.store, c.attachErr = fpstore.Open(c.cfg.storeConfig())
	})
	return c.store, c.attachErr
}

// OnExecutionBegin is a status no-op: enabling per-execution row,
// timer, and buffer instrumentation is the host engine's job (spec.md
// Non-goals), not this package's. It exists so callers have a single,
// symmetrical pair of hook points to wire into their executor, exactly
// as the original extension's explain_ExecutorStart did before
// delegating all real work to the end-of-execution hook.
func (c *Context) OnExecutionBegin() {}

// Status reports the underlying store's status, attaching first if
// necessary. A Disabled context always reports free_slots=0,
// is_synced=true.
func (c *Context) Status() (fpstore.Status, error) {
	s, err := c.attach()
	if err != nil {
		return fpstore.Status{}, err
	}
	if s == nil {
		return fpstore.Status{Mode: fpstore.Disabled, IsSynced: true}, nil
	}
	return s.Status(), nil
}

// Scan, Reset, and Flush forward to the underlying Store, attaching
// first if necessary. On a Disabled context they are no-ops.
func (c *Context) Scan() ([]fpstore.Row, error) {
	s, err := c.attach()
	if err != nil || s == nil {
		return nil, err
	}
	return s.Scan()
}

func (c *Context) Reset() (uint32, error) {
	s, err := c.attach()
	if err != nil || s == nil {
		return 0, err
	}
	return s.Reset()
}

func (c *Context) Flush() (uint32, error) {
	s, err := c.attach()
	if err != nil || s == nil {
		return 0, err
	}
	return s.Flush()
}
