// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package flashconfig implements the FlashRead/Write/Remove/Erase service
// contract over a single backing file standing in for the embedded
// target's flash sector: a sequence of length-prefixed key/value records,
// the most recent one for a key winning; Erase discards every record. The
// file is fallocated to a fixed size at creation (go-fallocate) so its
// capacity is bounded the way a real flash sector's is, and
// flock-guarded (golang.org/x/sys/unix, the same package
// fuseops/common_op.go reaches for to poll a PID) for the duration of each
// Open replay, record append and Erase, so two processes' writes never
// interleave within one operation. The lock is not held between
// operations, and a second process may open the same file; single-writer
// remains a convention, matching the service contract.
package flashconfig

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/detailyang/go-fallocate"
	"golang.org/x/sys/unix"

	"github.com/m-labs/artiq-comms/internal/wire"
)

// Store is an opened flash config backing file.
type Store struct {
	mu     sync.Mutex
	path   string
	size   int64
	offset int64 // end of the written log, where the next record is appended

	entries map[string][]byte
}

// Open creates (if needed) and loads the backing file at path, fallocated
// to size bytes, and replays its records into memory. size bounds how
// much config data the "sector" can hold; writes past it fail.
func Open(path string, size int64) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := lock(f); err != nil {
		return nil, err
	}
	defer unlock(f)

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < size {
		if err := fallocate.Fallocate(f, info.Size(), size-info.Size()); err != nil {
			return nil, err
		}
	}

	s := &Store{path: path, size: size, entries: make(map[string][]byte)}
	if err := s.load(f); err != nil {
		return nil, err
	}
	return s, nil
}

func lock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// load replays every record in the file, last write for a key winning. An
// empty key marks the unwritten, still-zeroed tail of the fallocated
// region (a real record's key is never empty) and ends the replay; its
// position becomes the append point for the next Write/Remove.
func (s *Store) load(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := wire.NewReader(f)
	for {
		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}

		key, err := r.ReadString()
		if err != nil || key == "" {
			s.offset = pos
			return nil
		}
		value, err := r.ReadBytes()
		if err != nil {
			s.offset = pos
			return nil
		}
		if len(value) == 0 {
			delete(s.entries, key)
		} else {
			s.entries[key] = value
		}
	}
}

// Read returns the value stored under key, or ok=false if absent.
func (s *Store) Read(key string) (value []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Write stores value under key, appending a record to the backing file.
func (s *Store) Write(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendRecord(key, value); err != nil {
		return err
	}
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

// Remove deletes key, appending a tombstone record.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendRecord(key, nil); err != nil {
		return err
	}
	delete(s.entries, key)
	return nil
}

// Erase clears every key and compacts the backing file back to empty.
func (s *Store) Erase() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := lock(f); err != nil {
		return err
	}
	defer unlock(f)

	if err := f.Truncate(0); err != nil {
		return err
	}
	if err := fallocate.Fallocate(f, 0, s.size); err != nil {
		return err
	}

	s.entries = make(map[string][]byte)
	s.offset = 0
	return nil
}

func (s *Store) appendRecord(key string, value []byte) error {
	w := wire.NewWriter()
	w.WriteString(key)
	w.WriteBytes(value)
	record := w.Bytes()

	if s.offset+int64(len(record)) > s.size {
		return fmt.Errorf("flashconfig: record for key %q would exceed the %d byte config sector", key, s.size)
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := lock(f); err != nil {
		return err
	}
	defer unlock(f)

	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(record); err != nil {
		return err
	}

	s.offset += int64(len(record))
	return nil
}
