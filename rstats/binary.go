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
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Size is the encoded width of an RStats value: five 8-byte fields.
const Size = 40

// Encode appends the big-endian binary encoding of s (count, mean, m2,
// min, max, in that declared order) to dst and returns the result.
func (s RStats) Encode(dst []byte) []byte {
	var buf [Size]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(s.count))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(s.mean))
	binary.BigEndian.PutUint64(buf[16:24], math.Float64bits(s.m2))
	binary.BigEndian.PutUint64(buf[24:32], math.Float64bits(s.min))
	binary.BigEndian.PutUint64(buf[32:40], math.Float64bits(s.max))
	return append(dst, buf[:]...)
}

// WriteTo writes the binary encoding of s to w, satisfying io.WriterTo.
func (s RStats) WriteTo(w io.Writer) (int64, error) {
	buf := s.Encode(nil)
	n, err := w.Write(buf)
	return int64(n), err
}

// Decode reads Size bytes from src and returns the decoded RStats along
// with the number of bytes consumed. It validates the canonical empty
// state and the min<=mean<=max / m2>=0 invariants, returning
// ErrCorruption on violation.
func Decode(src []byte) (RStats, int, error) {
	if len(src) < Size {
		return RStats{}, 0, fmt.Errorf("%w: need %d bytes, got %d", ErrCorruption, Size, len(src))
	}
	count := int64(binary.BigEndian.Uint64(src[0:8]))
	mean := math.Float64frombits(binary.BigEndian.Uint64(src[8:16]))
	m2 := math.Float64frombits(binary.BigEndian.Uint64(src[16:24]))
	min := math.Float64frombits(binary.BigEndian.Uint64(src[24:32]))
	max := math.Float64frombits(binary.BigEndian.Uint64(src[32:40]))

	if err := validate(count, mean, m2, min, max); err != nil {
		return RStats{}, Size, err
	}
	return RStats{count: count, mean: mean, m2: m2, min: min, max: max}, Size, nil
}
