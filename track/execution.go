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

package track

import (
	"github.com/sneller-labs/trackopt/fpstore"
	"github.com/sneller-labs/trackopt/planerr"
)

// Execution bundles everything OnExecutionEnd needs about one finished
// query: its instrumented plan tree, the executor's own wall-clock and
// cost totals, the aggregated I/O counters the walker does not derive,
// and the identity under which it should be tracked.
type Execution struct {
	Root          planerr.Node
	TotalTime     float64
	TotalCost     float64
	BlksAccessed  float64
	LocalBlks     float64
	TenantID      uint32
	Fingerprint   uint64
	QueryText     string
	WalkerOptions planerr.Options
}

// OnExecutionEnd walks exec's plan tree, then independently decides
// whether to report and whether to upsert: the two decisions do not
// gate each other, so a capacity-rejected upsert never suppresses a
// report that otherwise qualified. It mirrors track_ExecutorEnd
// calling store_data and _explain_statement back-to-back in the
// pre-distillation source, each making its own decision.
//
// A Disabled context is entirely inert: it does not even walk the
// tree. Normal mode upserts only when avg_error clears LogMinError (or
// log emission was requested some other way is not modeled here, since
// spec.md does not expose a second trigger); Forced always upserts.
func (c *Context) OnExecutionEnd(exec Execution) (accepted bool, err error) {
	if c.cfg.Mode == fpstore.Disabled {
		return false, nil
	}

	m, err := planerr.WalkWithOptions(exec.Root, exec.TotalTime, exec.TotalCost, exec.WalkerOptions)
	if err != nil {
		return false, err
	}

	shouldUpsert := c.cfg.Mode == fpstore.Forced || m.AvgError >= c.cfg.LogMinError
	if !shouldUpsert {
		return false, nil
	}

	s, err := c.attach()
	if err != nil {
		return false, err
	}

	obs := fpstore.Observation{
		AvgError:       m.AvgError,
		RmsError:       m.RmsError,
		TwaError:       m.TwaError,
		WcaError:       m.WcaError,
		BlksAccessed:   exec.BlksAccessed,
		LocalBlks:      exec.LocalBlks,
		ExecTimeMs:     exec.TotalTime * 1000,
		JoinFilter:     m.MaxJoinFilterFactor,
		ScanFilter:     m.MaxScanFilterFactor,
		WorstSubplan:   m.WorstSubplanFactor,
		NJoins:         float64(m.NJoins),
		EvaluatedNodes: int64(m.EvaluatedNodes),
		PlanNodes:      int64(m.PlanNodes),
	}

	if c.report != nil && c.cfg.LogMinError >= 0 && m.AvgError >= c.cfg.LogMinError {
		c.report(exec.TenantID, exec.Fingerprint, m.AvgError)
	}

	key := fpstore.Key{TenantID: exec.TenantID, Fingerprint: exec.Fingerprint}
	accepted, err = s.Upsert(key, exec.QueryText, obs)
	return accepted, err
}
