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

package ints

import "testing"

func TestClampInt(t *testing.T) {
	cases := []struct{ x, lo, hi, want int }{
		{5, 0, 10, 5},
		{-5, 0, 10, 0},
		{50, 0, 10, 10},
	}
	for _, c := range cases {
		if got := Clamp(c.x, c.lo, c.hi); got != c.want {
			t.Errorf("Clamp(%d, %d, %d) = %d, want %d", c.x, c.lo, c.hi, got, c.want)
		}
	}
}

func TestClampFloat(t *testing.T) {
	if got := Clamp(0.5, 1.0, 100.0); got != 1.0 {
		t.Errorf("Clamp(0.5, 1, 100) = %v, want 1", got)
	}
	if got := AtLeast(0.0, 1.0); got != 1.0 {
		t.Errorf("AtLeast(0, 1) = %v, want 1", got)
	}
	if got := AtLeast(5.0, 1.0); got != 5.0 {
		t.Errorf("AtLeast(5, 1) = %v, want 5", got)
	}
}

func TestMinMax(t *testing.T) {
	if Min(3, 7) != 3 {
		t.Fatal("Min wrong")
	}
	if Max(3, 7) != 7 {
		t.Fatal("Max wrong")
	}
}
