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

import (
	"errors"
	"math"
	"testing"
)

func TestEmptyCanonical(t *testing.T) {
	s := Empty()
	empty, err := s.IsEmpty()
	if err != nil || !empty {
		t.Fatalf("Empty() should be empty with no error, got empty=%v err=%v", empty, err)
	}
	if s.Mean() != 0 || s.Min() != 0 || s.Max() != 0 || s.Variance() != 0 {
		t.Fatalf("empty RStats must have all-zero fields, got %+v", s)
	}
}

func TestCorruptEmptyDetected(t *testing.T) {
	bad := RStats{count: 0, mean: 1.0}
	_, err := bad.IsEmpty()
	if !errors.Is(err, ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
}

// S5 from spec.md §8: fold [1,2,3,4,5] and check the closed-form result.
func TestFoldSequenceS5(t *testing.T) {
	s := Empty()
	for _, v := range []float64{1, 2, 3, 4, 5} {
		s.Add(v)
	}
	if s.Count() != 5 {
		t.Errorf("count = %d, want 5", s.Count())
	}
	if s.Mean() != 3.0 {
		t.Errorf("mean = %v, want 3.0", s.Mean())
	}
	if s.Min() != 1.0 || s.Max() != 5.0 {
		t.Errorf("min/max = %v/%v, want 1/5", s.Min(), s.Max())
	}
	if math.Abs(s.Variance()-2.5) > 1e-12 {
		t.Errorf("variance = %v, want 2.5", s.Variance())
	}
	if math.Abs(s.m2-10.0) > 1e-12 {
		t.Errorf("m2 = %v, want 10.0", s.m2)
	}
}

func TestAddSequenceMatchesClosedForm(t *testing.T) {
	xs := []float64{3.2, -1.5, 7.25, 0, 12.125, -4.4}
	s := Empty()
	for _, x := range xs {
		s.Add(x)
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if rel := math.Abs(s.Mean()-mean) / math.Max(1, math.Abs(mean)); rel > 1e-12 {
		t.Errorf("mean relative error %v too large", rel)
	}
	var sqDev float64
	for _, x := range xs {
		d := x - s.Mean()
		sqDev += d * d
	}
	got := s.Variance() * float64(len(xs)-1)
	if rel := math.Abs(got-sqDev) / math.Max(1, math.Abs(sqDev)); rel > 1e-10 {
		t.Errorf("sum-of-squares relative error %v too large", rel)
	}
	min, max := xs[0], xs[0]
	for _, x := range xs {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	if s.Min() != min || s.Max() != max {
		t.Errorf("min/max = %v/%v, want %v/%v", s.Min(), s.Max(), min, max)
	}
}

func TestInvariantMinMeanMax(t *testing.T) {
	s := Empty()
	for _, x := range []float64{5, -5, 100, -100, 3} {
		s.Add(x)
		if s.Min() > s.Mean() || s.Mean() > s.Max() {
			t.Fatalf("invariant violated after adding %v: %+v", x, s)
		}
		if s.m2 < 0 {
			t.Fatalf("m2 went negative: %+v", s)
		}
	}
}

func TestTextRoundTrip(t *testing.T) {
	s := Empty()
	for _, x := range []float64{1, 2, 3, 4, 5} {
		s.Add(x)
	}
	str := s.String()
	got, err := Parse(str)
	if err != nil {
		t.Fatalf("Parse(%q): %v", str, err)
	}
	if !got.Equal(s) {
		t.Fatalf("round trip mismatch: %+v != %+v", got, s)
	}
}

func TestTextRoundTripEmpty(t *testing.T) {
	s := Empty()
	got, err := Parse(s.String())
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(s) {
		t.Fatalf("round trip mismatch for empty: %+v != %+v", got, s)
	}
}

func TestParseRejectsNonCanonicalEmpty(t *testing.T) {
	_, err := Parse("(count:0,mean:1,min:0,max:0,variance:0)")
	if err == nil {
		t.Fatal("expected error for non-canonical empty")
	}
}

func TestParseRejectsBadGrammar(t *testing.T) {
	_, err := Parse("not a valid rstats string")
	if !errors.Is(err, ErrBadInput) {
		t.Fatalf("expected ErrBadInput, got %v", err)
	}
}

func TestBinaryRoundTripNonEmpty(t *testing.T) {
	s := Empty()
	for _, x := range []float64{10, 20, 30} {
		s.Add(x)
	}
	buf := s.Encode(nil)
	if len(buf) != Size {
		t.Fatalf("encoded length = %d, want %d", len(buf), Size)
	}
	got, n, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != Size {
		t.Errorf("consumed %d bytes, want %d", n, Size)
	}
	if !got.Equal(s) {
		t.Fatalf("binary round trip mismatch: %+v != %+v", got, s)
	}
}

func TestBinaryRoundTripEmpty(t *testing.T) {
	buf := Empty().Encode(nil)
	got, _, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(Empty()) {
		t.Fatalf("expected empty, got %+v", got)
	}
}

func TestDecodeCorruptEmpty(t *testing.T) {
	buf := FromValue(5).Encode(nil)
	// zero out the count field while leaving mean/min/max nonzero
	for i := 0; i < 8; i++ {
		buf[i] = 0
	}
	_, _, err := Decode(buf)
	if !errors.Is(err, ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	if !errors.Is(err, ErrCorruption) {
		t.Fatalf("expected ErrCorruption for short buffer, got %v", err)
	}
}

func TestGetField(t *testing.T) {
	s := Empty()
	for _, x := range []float64{1, 2, 3} {
		s.Add(x)
	}
	for _, name := range []string{"count", "mean", "variance", "stddev", "min", "max"} {
		if _, err := s.GetField(name); err != nil {
			t.Errorf("GetField(%q): %v", name, err)
		}
	}
	if _, err := s.GetField("nonsense"); !errors.Is(err, ErrBadInput) {
		t.Errorf("expected ErrBadInput for unknown field, got %v", err)
	}
}

func TestEqualExact(t *testing.T) {
	a := FromValue(1.0)
	b := FromValue(1.0)
	if !a.Equal(b) {
		t.Fatal("identical single-value RStats should be equal")
	}
	a.Add(2.0)
	if a.Equal(b) {
		t.Fatal("RStats should differ after Add")
	}
}

// unvalidatedAdd mirrors statistics_add from the pre-validation draft
// of this accumulator: the same Welford update, with no canonical-empty
// or ordering checks anywhere in the path.
func unvalidatedAdd(count int64, mean, m2, min, max, value float64) (int64, float64, float64, float64, float64) {
	newCount := count + 1
	delta := value - mean
	newMean := mean + delta/float64(newCount)
	delta2 := value - newMean
	newM2 := m2 + delta*delta2
	if value < min {
		min = value
	}
	if value > max {
		max = value
	}
	return newCount, newMean, newM2, min, max
}

// TestAddMatchesUnvalidatedDraft cross-checks RStats.Add against the
// draft accumulator's unguarded formula: the two must agree bit-for-bit
// on well-formed input, since Add's only addition over the draft is
// rejecting corrupted state, not a different update rule.
func TestAddMatchesUnvalidatedDraft(t *testing.T) {
	xs := []float64{3.2, -1.5, 7.25, 0, 12.125, -4.4, 9.9}
	s := Empty()
	var count int64
	var mean, m2, min, max float64
	for i, x := range xs {
		s.Add(x)
		if i == 0 {
			count, mean, m2, min, max = 1, x, 0, x, x
			continue
		}
		count, mean, m2, min, max = unvalidatedAdd(count, mean, m2, min, max, x)
		if s.count != count || s.mean != mean || s.m2 != m2 || s.min != min || s.max != max {
			t.Fatalf("after x=%v: Add gave %+v, draft gave count=%d mean=%v m2=%v min=%v max=%v",
				x, s, count, mean, m2, min, max)
		}
	}
}

func TestFromValueIsSingleSample(t *testing.T) {
	s := FromValue(42.5)
	if s.Count() != 1 || s.Mean() != 42.5 || s.Min() != 42.5 || s.Max() != 42.5 {
		t.Fatalf("unexpected FromValue result: %+v", s)
	}
	if s.Variance() != 0 || s.Stddev() != 0 {
		t.Fatalf("single-sample variance/stddev should be 0, got %v/%v", s.Variance(), s.Stddev())
	}
}
