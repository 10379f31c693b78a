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
	"bufio"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sneller-labs/trackopt/rstats"
)

// magic identifies a trackopt checkpoint file. format_version bumps
// whenever the on-disk record layout changes incompatibly.
const (
	magic         uint32 = 0x00BC6FB6
	formatVersion uint32 = 1
)

// nend is the byte order used throughout the checkpoint file. The spec
// deliberately uses native-endian integers here (portability across
// machine architectures is explicitly a non-goal for this file), so
// this is the one place in the module that does not use a fixed byte
// order.
var nend = binary.NativeEndian

func hostVersionString() string {
	return runtime.Version() + "/" + runtime.GOOS + "/" + runtime.GOARCH
}

func (s *Store) path() string {
	return filepath.Join(s.cfg.Dir, s.cfg.Name)
}

func (s *Store) tmpPath() string {
	return filepath.Join(s.cfg.Dir, s.cfg.Name+".tmp")
}

// crcTee wraps a writer so that every byte written also feeds a
// running CRC32C, matching spec.md §4.3's "incrementally write header
// fields while feeding each into a running CRC32C".
type crcTee struct {
	w   io.Writer
	crc hash.Hash32
}

func newCRCTee(w io.Writer) *crcTee {
	crc := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	return &crcTee{w: io.MultiWriter(w, crc), crc: crc}
}

func (c *crcTee) Write(p []byte) (int, error) { return c.w.Write(p) }

// encodeEntryFixed renders e's fixed-size portion (everything but its
// query text) in declared field order, with the text handle written
// as zero per spec.md §6.
func encodeEntryFixed(e *entry) []byte {
	buf := make([]byte, entrySize)
	off := 0
	nend.PutUint32(buf[off:], e.key.TenantID)
	off += 4
	nend.PutUint64(buf[off:], e.key.Fingerprint)
	off += 8
	for _, f := range e.metrics.fields() {
		rawBE := f.Encode(nil) // RStats.Encode is always big-endian (spec.md §4.1)
		copy(buf[off:], rawBE)
		off += rstats.Size
	}
	nend.PutUint64(buf[off:], uint64(e.evaluatedNodes))
	off += 8
	nend.PutUint64(buf[off:], uint64(e.planNodes))
	off += 8
	nend.PutUint64(buf[off:], e.nexecs)
	off += 8
	nend.PutUint64(buf[off:], 0) // text handle: not meaningful on disk
	return buf
}

func decodeEntryFixed(buf []byte) (entry, error) {
	if len(buf) < entrySize {
		return entry{}, fmt.Errorf("%w: short entry record", ErrCorruption)
	}
	var e entry
	off := 0
	e.key.TenantID = nend.Uint32(buf[off:])
	off += 4
	e.key.Fingerprint = nend.Uint64(buf[off:])
	off += 8
	for _, f := range e.metrics.fields() {
		v, _, err := rstats.Decode(buf[off : off+rstats.Size])
		if err != nil {
			return entry{}, fmt.Errorf("%w: %s", ErrCorruption, err)
		}
		*f = v
		off += rstats.Size
	}
	e.evaluatedNodes = int64(nend.Uint64(buf[off:]))
	off += 8
	e.planNodes = int64(nend.Uint64(buf[off:]))
	off += 8
	e.nexecs = nend.Uint64(buf[off:])
	off += 8
	return e, nil
}

// flushLocked implements Flush assuming s.coarse is already held
// exclusively.
func (s *Store) flushLocked() (uint32, error) {
	if err := os.MkdirAll(s.cfg.Dir, 0750); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
	}
	f, err := os.OpenFile(s.tmpPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
	}

	n, ferr := s.writeCheckpoint(f)
	if ferr != nil {
		f.Close()
		os.Remove(s.tmpPath())
		return 0, ferr
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(s.tmpPath())
		return 0, fmt.Errorf("%w: fsync: %s", ErrIoFailure, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(s.tmpPath())
		return 0, fmt.Errorf("%w: close: %s", ErrIoFailure, err)
	}
	if err := os.Rename(s.tmpPath(), s.path()); err != nil {
		os.Remove(s.tmpPath())
		return 0, fmt.Errorf("%w: rename: %s", ErrIoFailure, err)
	}
	s.needSyncing.Store(0)
	return n, nil
}

func (s *Store) writeCheckpoint(f *os.File) (uint32, error) {
	bw := bufio.NewWriter(f)
	tee := newCRCTee(bw)

	var hdr [4]byte
	nend.PutUint32(hdr[:], magic)
	if _, err := tee.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
	}
	nend.PutUint32(hdr[:], formatVersion)
	if _, err := tee.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
	}
	nend.PutUint32(hdr[:], uint32(len(s.hostVersion)))
	if _, err := tee.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
	}
	if _, err := tee.Write([]byte(s.hostVersion)); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
	}

	var count uint32
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			text, ok := s.arena.text(e.text)
			if !ok {
				s.cfg.logf("fpstore: dangling text handle for key %+v during flush, skipping", e.key)
				continue
			}
			if _, err := tee.Write(encodeEntryFixed(e)); err != nil {
				sh.mu.Unlock()
				return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
			}
			var tlen [4]byte
			nend.PutUint32(tlen[:], uint32(len(text)))
			if _, err := tee.Write(tlen[:]); err != nil {
				sh.mu.Unlock()
				return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
			}
			if _, err := tee.Write([]byte(text)); err != nil {
				sh.mu.Unlock()
				return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
			}
			count++
		}
		sh.mu.Unlock()
	}

	sentinel := encodeEntryFixed(&entry{})
	if _, err := tee.Write(sentinel); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
	}
	var cbuf [4]byte
	nend.PutUint32(cbuf[:], count)
	if _, err := tee.Write(cbuf[:]); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
	}

	var crcbuf [4]byte
	nend.PutUint32(crcbuf[:], tee.crc.Sum32())
	if _, err := bw.Write(crcbuf[:]); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrIoFailure, err)
	}
	return count, nil
}

// restore is called exactly once, during Open, with the table known
// to be empty. A missing file is not an error. A host-version mismatch
// logs a warning and leaves the table empty without failing Open. Any
// other read or validation failure is returned so Open can discard
// partial state and rebuild a fresh table.
func (s *Store) restore() error {
	f, err := os.Open(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrIoFailure, err)
	}
	defer f.Close()

	crc := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	tr := io.TeeReader(f, crc)

	var hdr [4]byte
	if _, err := io.ReadFull(tr, hdr[:]); err != nil {
		return fmt.Errorf("%w: magic: %s", ErrCorruption, err)
	}
	if nend.Uint32(hdr[:]) != magic {
		return fmt.Errorf("%w: bad magic", ErrCorruption)
	}
	if _, err := io.ReadFull(tr, hdr[:]); err != nil {
		return fmt.Errorf("%w: version: %s", ErrCorruption, err)
	}
	if nend.Uint32(hdr[:]) != formatVersion {
		return fmt.Errorf("%w: format version mismatch", ErrCorruption)
	}
	if _, err := io.ReadFull(tr, hdr[:]); err != nil {
		return fmt.Errorf("%w: host version length: %s", ErrCorruption, err)
	}
	hvlen := nend.Uint32(hdr[:])
	hvbuf := make([]byte, hvlen)
	if _, err := io.ReadFull(tr, hvbuf); err != nil {
		return fmt.Errorf("%w: host version: %s", ErrCorruption, err)
	}
	if string(hvbuf) != s.hostVersion {
		s.cfg.logf("fpstore: checkpoint host version %q does not match %q, discarding", hvbuf, s.hostVersion)
		return nil
	}

	fixed := make([]byte, entrySize)
	var loaded []entry
	for {
		if _, err := io.ReadFull(tr, fixed); err != nil {
			return fmt.Errorf("%w: entry record: %s", ErrCorruption, err)
		}
		e, err := decodeEntryFixed(fixed)
		if err != nil {
			return err
		}
		if e.key == (Key{}) {
			break // sentinel
		}
		if _, err := io.ReadFull(tr, hdr[:]); err != nil {
			return fmt.Errorf("%w: text length: %s", ErrCorruption, err)
		}
		tlen := nend.Uint32(hdr[:])
		tbuf := make([]byte, tlen)
		if _, err := io.ReadFull(tr, tbuf); err != nil {
			return fmt.Errorf("%w: text bytes: %s", ErrCorruption, err)
		}
		e.text = s.arena.alloc(string(tbuf))
		loaded = append(loaded, e)
	}

	if _, err := io.ReadFull(tr, hdr[:]); err != nil {
		return fmt.Errorf("%w: count: %s", ErrCorruption, err)
	}
	count := nend.Uint32(hdr[:])
	if int(count) != len(loaded) {
		return fmt.Errorf("%w: count %d does not match %d observed records", ErrCorruption, count, len(loaded))
	}

	computed := crc.Sum32()
	var crcbuf [4]byte
	if _, err := io.ReadFull(f, crcbuf[:]); err != nil {
		return fmt.Errorf("%w: crc: %s", ErrCorruption, err)
	}
	if nend.Uint32(crcbuf[:]) != computed {
		return fmt.Errorf("%w: crc mismatch", ErrCorruption)
	}

	for i := range loaded {
		e := loaded[i]
		sh := s.shards[shardIndex(e.key)]
		sh.entries[e.key] = &e
	}
	s.htabCounter.Store(count)
	return nil
}
