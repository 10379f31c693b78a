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
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dchest/siphash"
	"golang.org/x/exp/slices"

	"github.com/sneller-labs/trackopt/ints"
)

// numShards is the partition count of the hash table. It is fixed
// rather than derived from capacity: the partitioning exists to bound
// lock contention between Upserts on unrelated keys, not to size the
// table.
const numShards = 64

// shard key hashing uses a fixed key pair rather than a random one:
// the store's partition assignment only needs to be internally
// consistent for the lifetime of one Store, never across processes or
// runs, so there is nothing gained from reseeding it.
const shardK0, shardK1 = 0x9e3779b97f4a7c15, 0xc2b2ae3d27d4eb4f

func shardIndex(k Key) int {
	var kb [12]byte
	binary.BigEndian.PutUint32(kb[0:4], k.TenantID)
	binary.BigEndian.PutUint64(kb[4:12], k.Fingerprint)
	h := siphash.Hash(shardK0, shardK1, kb[:])
	return int(h & (numShards - 1))
}

type entry struct {
	key            Key
	metrics        Metrics
	evaluatedNodes int64
	planNodes      int64
	nexecs         uint64
	text           handle
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// Store is a process-local realization of the shared fingerprint
// table: a partitioned hash table, an arena, a coarse reader/writer
// lock used only by Scan/Reset/Flush, and the two atomic counters
// spec.md §5 describes. See the track package for the
// once-per-process attach wrapper that multiple goroutines (standing
// in for the spec's multiple server processes) share.
type Store struct {
	coarse sync.RWMutex

	shards [numShards]*shard
	arena  *arena

	capacity    uint32
	htabCounter atomic.Uint32
	needSyncing atomic.Uint32

	cfg         Config
	hostVersion string
}

// Open constructs a Store from cfg and attempts to populate it from an
// existing checkpoint file at filepath.Join(cfg.Dir, cfg.Name), mirroring
// the Init+Restore sequence of spec.md §4.3. A missing checkpoint file
// is not an error; a corrupt one is logged and Open returns a fresh,
// empty Store rather than failing, matching the "discard partial state,
// reinstall an empty table" recovery spec.md §7 mandates.
func Open(cfg Config) (*Store, error) {
	capacity := uint32(cfg.HashMemKB) * 1024 / entrySize

	s := &Store{
		arena:       newArena(),
		capacity:    capacity,
		cfg:         cfg,
		hostVersion: hostVersionString(),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[Key]*entry)}
	}

	if err := s.restore(); err != nil {
		cfg.logf("fpstore: restore failed, starting empty: %s", err)
		for i := range s.shards {
			s.shards[i] = &shard{entries: make(map[Key]*entry)}
		}
		s.arena = newArena()
		s.htabCounter.Store(0)
	}
	return s, nil
}

// Upsert folds obs into the entry for key, creating it (and copying
// text into the arena) if this is the first observation of key.
// Per spec.md §4.3 step 1, Fingerprint must be non-zero.
func (s *Store) Upsert(key Key, text string, obs Observation) (accepted bool, err error) {
	if key.Fingerprint == 0 {
		return false, fmt.Errorf("%w: fingerprint must be non-zero", ErrPrecondition)
	}
	if s.htabCounter.Load() == ^uint32(0) {
		return false, nil
	}

	sh := s.shards[shardIndex(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, found := sh.entries[key]
	if !found {
		if s.htabCounter.Load() >= s.capacity {
			return false, nil
		}
		e = &entry{key: key, text: s.arena.alloc(text)}
		sh.entries[key] = e
		s.htabCounter.Add(1)
		s.needSyncing.Store(1)
	}

	e.evaluatedNodes = obs.EvaluatedNodes
	e.planNodes = obs.PlanNodes
	e.metrics.fold(obs)
	e.nexecs++
	return true, nil
}

// Scan materializes every live entry under the coarse lock's shared
// mode. The result is sorted by (TenantID, Fingerprint) for a
// deterministic iteration order; it may still interleave with
// concurrent Upserts to shards that have not yet been visited.
func (s *Store) Scan() ([]Row, error) {
	s.coarse.RLock()
	defer s.coarse.RUnlock()

	var rows []Row
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			text, ok := s.arena.text(e.text)
			if !ok {
				s.cfg.logf("fpstore: dangling text handle for key %+v, skipping (run Reset)", e.key)
				continue
			}
			rows = append(rows, Row{
				Key:            e.key,
				QueryText:      text,
				Metrics:        e.metrics,
				EvaluatedNodes: e.evaluatedNodes,
				PlanNodes:      e.planNodes,
				NExecs:         e.nexecs,
			})
		}
		sh.mu.Unlock()
	}

	slices.SortFunc(rows, func(a, b Row) bool {
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		return a.Fingerprint < b.Fingerprint
	})
	return rows, nil
}

// Reset empties the table, frees every entry's arena text, and emits
// an empty checkpoint file. It returns the number of entries actually
// removed.
func (s *Store) Reset() (uint32, error) {
	s.coarse.Lock()
	defer s.coarse.Unlock()

	var removed uint32
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			s.arena.freeHandle(e.text)
			delete(sh.entries, k)
			removed++
		}
		sh.mu.Unlock()
	}
	s.htabCounter.Add(-removed)

	if _, err := s.flushLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

// Flush writes the table's current contents to the checkpoint file
// via a temp-file-write, fsync, atomic-rename sequence, clearing
// needSyncing on success. It returns the number of entries written.
func (s *Store) Flush() (uint32, error) {
	s.coarse.Lock()
	defer s.coarse.Unlock()
	return s.flushLocked()
}

// Status reports the store's current mode, free capacity, and
// checkpoint freshness.
func (s *Store) Status() Status {
	counter := s.htabCounter.Load()
	free := uint32(0)
	if counter < s.capacity {
		free = s.capacity - counter
	}
	return Status{
		Mode:      s.cfg.Mode,
		FreeSlots: ints.AtLeast(free, 0),
		IsSynced:  s.needSyncing.Load() == 0,
	}
}
