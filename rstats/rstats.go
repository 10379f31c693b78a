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

// Package rstats implements RStats, a fixed-size running-statistics
// accumulator that folds one float64 at a time into a numerically
// stable mean/variance/extrema using Welford's algorithm.
//
// RStats has a canonical empty state (count == 0 with every other
// field exactly 0.0). Every text and binary decode path validates that
// invariant and rejects anything else as corrupted, since a corrupted
// empty state is indistinguishable from a legitimate one without that
// check.
package rstats

import (
	"errors"
	"fmt"
	"math"
)

// ErrCorruption is returned when a value fails the canonical-empty-state
// or ordering invariants during decode or validation.
var ErrCorruption = errors.New("rstats: corrupted value")

// ErrBadInput is returned when text input does not parse, or a field
// name passed to GetField is not recognized.
var ErrBadInput = errors.New("rstats: bad input")

// RStats is a fixed-shape running-statistics accumulator:
// count, mean, and the sum of squared deviations from the mean (m2),
// plus tracked extrema. The zero value is the canonical empty state.
type RStats struct {
	count int64
	mean  float64
	m2    float64
	min   float64
	max   float64
}

// Empty returns the canonical empty RStats.
func Empty() RStats {
	return RStats{}
}

// FromValue returns an RStats initialized from a single observation.
func FromValue(x float64) RStats {
	return RStats{count: 1, mean: x, m2: 0, min: x, max: x}
}

// IsEmpty reports whether s is in the canonical empty state (count == 0).
// It returns ErrCorruption if count == 0 but any other field is non-zero,
// since that combination can only arise from memory corruption or a
// broken deserializer — canonical-empty is "all zero", never a sentinel.
func (s RStats) IsEmpty() (bool, error) {
	if s.count != 0 {
		return false, nil
	}
	if s.mean != 0.0 || s.m2 != 0.0 || s.min != 0.0 || s.max != 0.0 {
		return false, fmt.Errorf("%w: count=0 but mean=%g m2=%g min=%g max=%g",
			ErrCorruption, s.mean, s.m2, s.min, s.max)
	}
	return true, nil
}

// Add folds x into s using Welford's algorithm. If s is empty, it is
// initialized from x (rather than computing a delta against an
// undefined mean).
func (s *RStats) Add(x float64) {
	if s.count == 0 {
		*s = FromValue(x)
		return
	}
	n := s.count + 1
	delta := x - s.mean
	s.mean += delta / float64(n)
	delta2 := x - s.mean
	s.m2 += delta * delta2
	s.count = n
	if x < s.min {
		s.min = x
	}
	if x > s.max {
		s.max = x
	}
}

// Count returns the number of folded observations.
func (s RStats) Count() int64 { return s.count }

// Mean returns the running mean, 0 when empty.
func (s RStats) Mean() float64 { return s.mean }

// Min returns the running minimum, 0 when empty.
func (s RStats) Min() float64 { return s.min }

// Max returns the running maximum, 0 when empty.
func (s RStats) Max() float64 { return s.max }

// Variance returns the sample variance (m2/(count-1)), or 0 when
// count < 2.
func (s RStats) Variance() float64 {
	if s.count < 2 {
		return 0
	}
	return s.m2 / float64(s.count-1)
}

// Stddev returns the sample standard deviation, or 0 when count < 2.
func (s RStats) Stddev() float64 {
	if s.count < 2 {
		return 0
	}
	return math.Sqrt(s.Variance())
}

// Equal compares all five fields exactly (no epsilon): two RStats
// values are equal only if count, mean, m2, min, and max all match.
func (s RStats) Equal(other RStats) bool {
	return s.count == other.count &&
		s.mean == other.mean &&
		s.m2 == other.m2 &&
		s.min == other.min &&
		s.max == other.max
}

// GetField looks up one of {count, mean, variance, stddev, min, max} by
// name, returning ErrBadInput for anything else.
func (s RStats) GetField(name string) (float64, error) {
	switch name {
	case "count":
		return float64(s.count), nil
	case "mean":
		return s.mean, nil
	case "variance":
		return s.Variance(), nil
	case "stddev":
		return s.Stddev(), nil
	case "min":
		return s.min, nil
	case "max":
		return s.max, nil
	default:
		return 0, fmt.Errorf("%w: unknown field %q", ErrBadInput, name)
	}
}

// validate applies the cross-field invariants that both text and binary
// decode paths must enforce: count >= 0, canonical empty state, and
// (for count >= 1) min <= mean <= max with a non-negative variance.
func validate(count int64, mean, m2, min, max float64) error {
	if count < 0 {
		return fmt.Errorf("%w: count %d is negative", ErrCorruption, count)
	}
	if count == 0 {
		if mean != 0.0 || m2 != 0.0 || min != 0.0 || max != 0.0 {
			return fmt.Errorf("%w: count=0 but mean=%g m2=%g min=%g max=%g",
				ErrCorruption, mean, m2, min, max)
		}
		return nil
	}
	if m2 < 0 {
		return fmt.Errorf("%w: m2=%g is negative", ErrCorruption, m2)
	}
	if min > mean || mean > max {
		return fmt.Errorf("%w: expected min<=mean<=max, got min=%g mean=%g max=%g",
			ErrCorruption, min, mean, max)
	}
	return nil
}
