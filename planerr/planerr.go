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

// Package planerr implements the plan-tree error estimator: a
// post-order walk over an externally supplied, already-instrumented
// plan tree that compares the planner's predicted row counts against
// the rows actually produced, and derives whole-plan error scalars and
// structural hotspot factors from the comparison.
//
// The walker owns no state beyond a single call to Walk: it borrows the
// tree for the duration of the call and never mutates it. Callers
// (typically a host query engine's executor-end hook) own the tree's
// lifetime.
package planerr

import "errors"

// ErrPrecondition is returned when the caller or the instrumented tree
// violates one of the walker's contracts (non-positive total time, a
// leader instrumentation total smaller than the sum of its workers').
var ErrPrecondition = errors.New("planerr: precondition violated")

// Instrumentation is the per-node runtime counters a plan node carries
// after execution: loops executed, tuples produced, tuples filtered by
// the two PostgreSQL-style filter classes, a secondary tuple count, and
// accumulated wall time.
type Instrumentation interface {
	// EndLoop finalizes any in-flight loop bookkeeping. It must be
	// idempotent: calling it more than once has no additional effect.
	EndLoop()
	NLoops() float64
	TotalTime() float64
	NTuples() float64
	NFiltered1() float64
	NFiltered2() float64
	NTuples2() float64
}

// WorkerInstrumentation is the per-worker instrumentation array
// attached to a parallel plan node.
type WorkerInstrumentation interface {
	NumWorkers() int
	Worker(i int) Instrumentation
}

// SubPlan is a correlated sub-plan referenced from an expression
// position inside a node. Its Root is a full plan tree with its own
// instrumentation, visited exactly once by the walker when it visits
// the owning node.
type SubPlan interface {
	Root() Node
}

// Node is one node of the instrumented plan tree. Implementations are
// supplied by the host query engine; the walker only reads from them.
type Node interface {
	// Children returns the regular (tree) children of this node.
	// Sub-plans are not included here.
	Children() []Node
	// SubPlans returns the correlated sub-plans attached to this
	// node's expressions.
	SubPlans() []SubPlan
	// PlanRows is the planner's predicted row count for this node.
	PlanRows() float64
	// PlanCost is the planner's estimated total cost for this node,
	// used to weight the cost-averaged error term.
	PlanCost() float64
	// Instrumentation returns the node's runtime counters, or
	// (nil, false) if the node was never instrumented (e.g. a
	// utility node, or instrumentation was disabled).
	Instrumentation() (Instrumentation, bool)
	// WorkerInstrumentation returns the per-worker counters for a
	// parallel node, or (nil, false) for a serial node.
	WorkerInstrumentation() (WorkerInstrumentation, bool)
	// IsJoin reports whether this node is a join variety (nested
	// loop, hash, or merge join) for the purposes of the join-filter
	// hotspot.
	IsJoin() bool
}

// Metrics is the transient, per-execution result of a Walk.
//
// AvgError, RmsError, TwaError, and WcaError are each non-negative, or
// -1.0 when no node contributed a measurable error; WcaError is
// additionally -1.0 whenever the plan's total cost is non-positive
// (there is no meaningful cost weighting to perform).
//
// BlksAccessed and LocalBlks are left zero by Walk: they are I/O
// counters aggregated by the caller from the executor, not derived
// from the plan tree.
type Metrics struct {
	AvgError float64
	RmsError float64
	TwaError float64
	WcaError float64

	MaxJoinFilterFactor float64
	MaxScanFilterFactor float64
	WorstSubplanFactor  float64

	// NJoins counts the evaluated join-variety nodes in the tree (the
	// same population step 8's max_join_filter_factor draws from).
	NJoins int64

	BlksAccessed int64
	LocalBlks    int64

	EvaluatedNodes int
	PlanNodes      int

	TotalTime float64
}
