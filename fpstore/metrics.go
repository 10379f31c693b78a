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

package fpstore

import "github.com/sneller-labs/trackopt/rstats"

// metricCount is the number of RStats fields carried by one entry; it
// is also the layout driver for the on-disk record in checkpoint.go.
const metricCount = 11

// entrySize is the fixed-layout size in bytes of one on-disk record's
// Entry_raw portion (excluding its trailing text): key, eleven RStats,
// two row-count snapshots, the execution counter, and the text
// handle. It also stands in for sizeof(Entry) in the capacity formula
// (spec.md §4.3): both uses need a stable, platform-independent
// per-entry cost, and this is the only one this module defines.
const entrySize = 4 + 8 + metricCount*rstats.Size + 8 + 8 + 8 + 8

// Metrics is the per-key cumulative statistics record: one RStats per
// field listed in spec.md §4.3, folded across every execution of the
// matching fingerprint.
type Metrics struct {
	AvgError     rstats.RStats
	RmsError     rstats.RStats
	TwaError     rstats.RStats
	WcaError     rstats.RStats
	BlksAccessed rstats.RStats
	LocalBlks    rstats.RStats
	ExecTimeMs   rstats.RStats
	JoinFilter   rstats.RStats
	ScanFilter   rstats.RStats
	WorstSubplan rstats.RStats
	NJoins       rstats.RStats
}

// fold applies one Observation to m in place, gating the four error
// fields on non-negativity and folding everything else unconditionally.
func (m *Metrics) fold(obs Observation) {
	if obs.AvgError >= 0 {
		m.AvgError.Add(obs.AvgError)
	}
	if obs.RmsError >= 0 {
		m.RmsError.Add(obs.RmsError)
	}
	if obs.TwaError >= 0 {
		m.TwaError.Add(obs.TwaError)
	}
	if obs.WcaError >= 0 {
		m.WcaError.Add(obs.WcaError)
	}
	m.BlksAccessed.Add(obs.BlksAccessed)
	m.LocalBlks.Add(obs.LocalBlks)
	m.ExecTimeMs.Add(obs.ExecTimeMs)
	m.JoinFilter.Add(obs.JoinFilter)
	m.ScanFilter.Add(obs.ScanFilter)
	m.WorstSubplan.Add(obs.WorstSubplan)
	m.NJoins.Add(obs.NJoins)
}

// fields returns the eleven RStats in their declared, on-disk order.
func (m *Metrics) fields() [metricCount]*rstats.RStats {
	return [metricCount]*rstats.RStats{
		&m.AvgError, &m.RmsError, &m.TwaError, &m.WcaError,
		&m.BlksAccessed, &m.LocalBlks, &m.ExecTimeMs,
		&m.JoinFilter, &m.ScanFilter, &m.WorstSubplan, &m.NJoins,
	}
}
