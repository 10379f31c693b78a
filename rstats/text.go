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

package rstats

import "fmt"

// textFormat is the grammar accepted/produced by Parse and String:
//
//	(count:N,mean:M,min:MIN,max:MAX,variance:V)
const textFormat = "(count:%d,mean:%.17g,min:%.17g,max:%.17g,variance:%.17g)"

// String renders s in the canonical text grammar.
func (s RStats) String() string {
	return fmt.Sprintf(textFormat, s.count, s.mean, s.min, s.max, s.Variance())
}

// Parse parses the canonical text grammar
// "(count:N,mean:M,min:MIN,max:MAX,variance:V)" into an RStats value,
// validating the same invariants Decode enforces.
func Parse(str string) (RStats, error) {
	var count int64
	var mean, min, max, variance float64

	n, err := fmt.Sscanf(str, "(count:%d,mean:%g,min:%g,max:%g,variance:%g)",
		&count, &mean, &min, &max, &variance)
	if err != nil || n != 5 {
		return RStats{}, fmt.Errorf("%w: invalid rstats text %q", ErrBadInput, str)
	}
	if err := validate(count, mean, varianceToM2(count, variance), min, max); err != nil {
		return RStats{}, err
	}

	var m2 float64
	if count > 1 {
		m2 = variance * float64(count-1)
	}
	return RStats{count: count, mean: mean, m2: m2, min: min, max: max}, nil
}

func varianceToM2(count int64, variance float64) float64 {
	if count > 1 {
		return variance * float64(count-1)
	}
	return 0
}
