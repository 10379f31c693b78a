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

import (
	"errors"
	"sync"
	"testing"
)

func testConfig(t *testing.T, hashMemKB int) Config {
	return Config{
		Mode:      Forced,
		HashMemKB: hashMemKB,
		Dir:       t.TempDir(),
		Name:      "checkpoint",
	}
}

// S6: capacity boundary.
func TestCapacityBoundary(t *testing.T) {
	s, err := Open(testConfig(t, 1)) // floor(1024/484) == 2
	if err != nil {
		t.Fatal(err)
	}
	keys := []Key{{1, 1}, {1, 2}, {1, 3}}
	var accepted []bool
	for _, k := range keys {
		ok, err := s.Upsert(k, "select 1", Observation{AvgError: 1})
		if err != nil {
			t.Fatal(err)
		}
		accepted = append(accepted, ok)
	}
	if accepted[0] != true || accepted[1] != true || accepted[2] != false {
		t.Fatalf("unexpected acceptance pattern: %v", accepted)
	}
	rows, err := s.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("scan returned %d rows, want 2", len(rows))
	}
	st := s.Status()
	if st.FreeSlots != 0 {
		t.Fatalf("free_slots = %d, want 0", st.FreeSlots)
	}
}

// S7: durability round-trip.
func TestDurabilityRoundTrip(t *testing.T) {
	cfg := testConfig(t, 64)
	s1, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}

	key1 := Key{TenantID: 1, Fingerprint: 100}
	for _, v := range []float64{0.5, 1.5, 2.5} {
		if _, err := s1.Upsert(key1, "select * from a", Observation{AvgError: v}); err != nil {
			t.Fatal(err)
		}
	}
	key2 := Key{TenantID: 1, Fingerprint: 200}
	if _, err := s1.Upsert(key2, "select * from b", Observation{AvgError: -1}); err != nil {
		t.Fatal(err)
	}

	if _, err := s1.Flush(); err != nil {
		t.Fatalf("Flush: %s", err)
	}

	s2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := s2.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("restored scan returned %d rows, want 2", len(rows))
	}
	byFP := map[uint64]Row{}
	for _, r := range rows {
		byFP[r.Fingerprint] = r
	}
	r1, ok := byFP[100]
	if !ok {
		t.Fatal("missing restored entry for fingerprint 100")
	}
	if r1.Metrics.AvgError.Count() != 3 || r1.Metrics.AvgError.Mean() != 1.5 ||
		r1.Metrics.AvgError.Min() != 0.5 || r1.Metrics.AvgError.Max() != 2.5 {
		t.Fatalf("restored avg_error mismatch: %+v", r1.Metrics.AvgError)
	}
	if r1.QueryText != "select * from a" {
		t.Fatalf("restored query text = %q", r1.QueryText)
	}

	r2, ok := byFP[200]
	if !ok {
		t.Fatal("missing restored entry for fingerprint 200")
	}
	empty, err := r2.Metrics.AvgError.IsEmpty()
	if err != nil || !empty {
		t.Fatalf("expected empty avg_error for fingerprint 200, got %+v err=%v", r2.Metrics.AvgError, err)
	}

	if !s2.Status().IsSynced {
		t.Fatal("freshly restored store should report is_synced == true")
	}
}

func TestUpsertRejectsZeroFingerprint(t *testing.T) {
	s, err := Open(testConfig(t, 64))
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Upsert(Key{TenantID: 1, Fingerprint: 0}, "x", Observation{})
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
}

func TestResetFreesEntriesAndFlushesEmpty(t *testing.T) {
	s, err := Open(testConfig(t, 64))
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		if _, err := s.Upsert(Key{TenantID: 1, Fingerprint: uint64(i)}, "q", Observation{AvgError: -1}); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := s.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 5 {
		t.Fatalf("removed = %d, want 5", removed)
	}
	rows, err := s.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty store after reset, got %d rows", len(rows))
	}
	if st := s.Status(); !st.IsSynced {
		t.Fatal("expected synced after reset's implicit flush")
	}
}

// Upserts on distinct keys must not race: this mainly exists for -race.
func TestConcurrentUpsertsDistinctKeys(t *testing.T) {
	s, err := Open(testConfig(t, 4096))
	if err != nil {
		t.Fatal(err)
	}
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Upsert(Key{TenantID: 1, Fingerprint: uint64(i + 1)}, "q", Observation{AvgError: 0.1})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	rows, err := s.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != n {
		t.Fatalf("scan returned %d rows, want %d", len(rows), n)
	}
}

func TestConcurrentUpsertsSameKey(t *testing.T) {
	s, err := Open(testConfig(t, 64))
	if err != nil {
		t.Fatal(err)
	}
	key := Key{TenantID: 1, Fingerprint: 1}
	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Upsert(key, "q", Observation{AvgError: 1}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	rows, err := s.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].NExecs != uint64(n) {
		t.Fatalf("nexecs = %d, want %d", rows[0].NExecs, n)
	}
	if rows[0].Metrics.AvgError.Count() != int64(n) {
		t.Fatalf("avg_error count = %d, want %d", rows[0].Metrics.AvgError.Count(), n)
	}
}
