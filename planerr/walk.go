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

package planerr

import (
	"fmt"
	"math"

	"github.com/sneller-labs/trackopt/ints"
)

// Options tunes behavior of Walk that is otherwise a host-engine
// configuration knob rather than a property of the plan tree itself.
type Options struct {
	// LeaderParticipation mirrors PostgreSQL's
	// parallel_leader_participation GUC: whether the leader process
	// contributes to a parallel node's effective worker count. Walk
	// always uses DefaultOptions, which sets this to true; the zero
	// value of Options, passed to WalkWithOptions, leaves it false.
	LeaderParticipation bool
}

// DefaultOptions matches the host engine's own default
// (parallel_leader_participation = on).
func DefaultOptions() Options {
	return Options{LeaderParticipation: true}
}

// Walk estimates planning error by comparing the predicted and actual
// row counts found in the instrumented plan tree rooted at root,
// against the given totalTime (query wall time, seconds) and totalCost
// (planner total cost estimate). It uses DefaultOptions.
func Walk(root Node, totalTime, totalCost float64) (Metrics, error) {
	return WalkWithOptions(root, totalTime, totalCost, DefaultOptions())
}

// WalkWithOptions is Walk with explicit Options.
func WalkWithOptions(root Node, totalTime, totalCost float64, opts Options) (Metrics, error) {
	if totalTime <= 0 {
		return Metrics{}, fmt.Errorf("%w: totaltime must be positive, got %v", ErrPrecondition, totalTime)
	}

	ctx := &walkContext{
		totaltime: totalTime,
		totalcost: totalCost,
		costValid: totalCost > 0,
		opts:      opts,
	}
	if err := ctx.visit(root); err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		MaxJoinFilterFactor: ctx.maxJoinFilter,
		MaxScanFilterFactor: ctx.maxScanFilter,
		WorstSubplanFactor:  ctx.worstSubplan,
		NJoins:              ctx.njoins,
		EvaluatedNodes:      ctx.nnodes,
		PlanNodes:           ctx.counter,
		TotalTime:           totalTime,
	}
	if ctx.nnodes > 0 {
		n := float64(ctx.nnodes)
		m.AvgError = ctx.avgError / n
		m.RmsError = math.Sqrt(ctx.rmsError / n)
		m.TwaError = ctx.twaError / n
		m.WcaError = ctx.wcaError / n
	} else {
		m.AvgError = -1
		m.RmsError = -1
		m.TwaError = -1
		m.WcaError = -1
	}
	if !ctx.costValid {
		// The plan's total cost is non-positive: there is no
		// meaningful cost weighting, regardless of how many nodes
		// were evaluated.
		m.WcaError = -1
	}
	return m, nil
}

// walkContext accumulates state across one post-order traversal. It is
// created fresh for every call to Walk and never reused.
type walkContext struct {
	totaltime float64
	totalcost float64
	costValid bool
	opts      Options

	counter int // total nodes visited (plan_nodes)
	nnodes  int // nodes that contributed an error term (evaluated_nodes)

	avgError float64
	rmsError float64
	twaError float64
	wcaError float64

	maxJoinFilter float64
	maxScanFilter float64
	worstSubplan  float64
	njoins        int64
}

// visit implements the post-order walk described in spec.md §4.2. It
// returns an error only on a precondition violation; plan nodes that
// simply lack usable instrumentation are skipped silently.
func (ctx *walkContext) visit(n Node) error {
	ctx.counter++
	preCounter := ctx.counter

	for _, child := range n.Children() {
		if err := ctx.visit(child); err != nil {
			return err
		}
	}
	isLeaf := preCounter == ctx.counter

	// Step 2: sub-plan handling, before this node's own
	// instrumentation is consulted. Each sub-plan is visited exactly
	// once, from its owning node, never as a regular child.
	for _, sp := range n.SubPlans() {
		subRoot := sp.Root()
		if err := ctx.visit(subRoot); err != nil {
			return err
		}
		subInst, ok := subRoot.Instrumentation()
		if !ok {
			continue
		}
		subInst.EndLoop()
		nloops := subInst.NLoops()
		subTotalTime := subInst.TotalTime()
		if nloops > 0 && subTotalTime > 0 {
			loopFactor := nloops / math.Log(nloops+1)
			timeRatio := subTotalTime / ctx.totaltime
			factor := loopFactor * timeRatio
			ctx.worstSubplan = ints.Max(ctx.worstSubplan, factor)
		}
	}

	inst, ok := n.Instrumentation()
	if !ok {
		return nil
	}
	inst.EndLoop()
	nloops := inst.NLoops()
	totalTime := inst.TotalTime()
	if nloops <= 0 || totalTime == 0 {
		// Never-executed node, or timing instrumentation disabled.
		return nil
	}

	planRows, realRows, err := ctx.rowCounts(n, inst, nloops, isLeaf)
	if err != nil {
		return err
	}
	planRows = ints.AtLeast(planRows, 1)
	if realRows <= 0 {
		realRows = 1 / nloops
	}

	nodeError := math.Abs(math.Log(realRows / planRows))
	relativeTime := (totalTime / nloops) / ctx.totaltime

	ctx.avgError += nodeError
	ctx.rmsError += nodeError * nodeError
	ctx.twaError += nodeError * relativeTime
	if ctx.costValid {
		ctx.wcaError += nodeError * (n.PlanCost() / ctx.totalcost)
	}
	ctx.nnodes++

	if n.IsJoin() {
		ctx.njoins++
		jf := (inst.NFiltered1() + inst.NFiltered2()) / nloops
		if jf > 0 {
			jf *= relativeTime / realRows
		}
		ctx.maxJoinFilter = ints.Max(ctx.maxJoinFilter, jf)
	}
	if isLeaf {
		jf := inst.NFiltered1() / nloops
		if jf > 0 {
			jf *= relativeTime / realRows
		}
		ctx.maxScanFilter = ints.Max(ctx.maxScanFilter, jf)
	}
	return nil
}

// rowCounts computes the planner-predicted and actual per-loop row
// counts for n, handling the serial and parallel cases described in
// spec.md §4.2 steps 4-5.
func (ctx *walkContext) rowCounts(n Node, inst Instrumentation, nloops float64, isLeaf bool) (planRows, realRows float64, err error) {
	workerInst, parallel := n.WorkerInstrumentation()
	if !parallel {
		planRows = n.PlanRows()
		realRows = inst.NTuples() / nloops
		if isLeaf {
			realRows += filteredTuples(inst) / nloops
		}
		return planRows, realRows, nil
	}

	w := float64(workerInst.NumWorkers())
	leaderShare := 0.0
	if ctx.opts.LeaderParticipation {
		leaderShare = ints.AtLeast(1-0.3*w, 0)
	}
	divisor := w + leaderShare
	planRows = n.PlanRows() * divisor

	var wntuples, wnloops float64
	for i := 0; i < workerInst.NumWorkers(); i++ {
		wi := workerInst.Worker(i)
		if wi.NLoops() <= 0 {
			continue
		}
		wt := wi.NTuples()
		if isLeaf {
			wt += filteredTuples(wi)
		}
		wntuples += wt
		wnloops += wi.NLoops()
		realRows += wi.NTuples() / wi.NLoops()
	}

	if nloops < wnloops {
		return 0, 0, fmt.Errorf("%w: leader nloops %v is less than worker total %v", ErrPrecondition, nloops, wnloops)
	}
	if nloops-wnloops > 0 {
		ntuples := inst.NTuples()
		if isLeaf {
			ntuples += filteredTuples(inst)
		}
		if ntuples < wntuples {
			return 0, 0, fmt.Errorf("%w: leader ntuples %v is less than worker total %v", ErrPrecondition, ntuples, wntuples)
		}
		realRows += (ntuples - wntuples) / (nloops - wnloops)
	}
	return planRows, realRows, nil
}

func filteredTuples(inst Instrumentation) float64 {
	return inst.NFiltered1() + inst.NFiltered2() + inst.NTuples2()
}
