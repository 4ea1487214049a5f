// Package local implements a filesystem-backed Repository: blobs are
// appended to a sequence of packed segment files, and a bbolt database
// maps each chunk id to its (segment, offset, length) location. This
// avoids the one-file-per-chunk overhead a naive local backend would pay.
package local

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/bbolt"

	"atticore/internal/chunkid"
	"atticore/internal/repository"
)

var bucketName = []byte("locations")

// maxSegmentSize bounds how large a single segment file grows before a
// new one is started.
const maxSegmentSize = 256 << 20

type location struct {
	segment uint32
	offset  int64
	length  int64
}

func encodeLocation(l location) []byte {
	buf := make([]byte, 4+8+8)
	binary.LittleEndian.PutUint32(buf[0:], l.segment)
	binary.LittleEndian.PutUint64(buf[4:], uint64(l.offset))
	binary.LittleEndian.PutUint64(buf[12:], uint64(l.length))
	return buf
}

func decodeLocation(buf []byte) (location, error) {
	if len(buf) != 20 {
		return location{}, fmt.Errorf("local: corrupt location record (%d bytes)", len(buf))
	}
	return location{
		segment: binary.LittleEndian.Uint32(buf[0:]),
		offset:  int64(binary.LittleEndian.Uint64(buf[4:])),
		length:  int64(binary.LittleEndian.Uint64(buf[12:])),
	}, nil
}

// Store is a local packed-segment Repository.
type Store struct {
	id   chunkid.ID
	root string
	db   *bbolt.DB

	mu         sync.Mutex
	curSegment uint32
	curFile    *os.File
	curSize    int64
}

// Open opens (creating if necessary) a local repository rooted at root,
// identified by id.
func Open(root string, id chunkid.ID) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("local: mkdir %s: %w", root, err)
	}
	db, err := bbolt.Open(filepath.Join(root, "locations.db"), 0o640, nil)
	if err != nil {
		return nil, fmt.Errorf("local: open bbolt: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("local: create bucket: %w", err)
	}

	s := &Store{id: id, root: root, db: db}
	if err := s.openCurrentSegment(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) segmentPath(n uint32) string {
	return filepath.Join(s.root, fmt.Sprintf("segment-%08d.blob", n))
}

// openCurrentSegment finds the highest-numbered existing segment (or
// starts segment 0) and opens it for appending.
func (s *Store) openCurrentSegment() error {
	var highest uint32
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("local: readdir %s: %w", s.root, err)
	}
	for _, e := range entries {
		var n uint32
		if _, err := fmt.Sscanf(e.Name(), "segment-%08d.blob", &n); err == nil && n > highest {
			highest = n
		}
	}
	return s.openSegment(highest)
}

func (s *Store) openSegment(n uint32) error {
	if s.curFile != nil {
		s.curFile.Close()
	}
	path := s.segmentPath(n)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return fmt.Errorf("local: open segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("local: stat segment %s: %w", path, err)
	}
	s.curSegment = n
	s.curFile = f
	s.curSize = info.Size()
	return nil
}

func (s *Store) ID() chunkid.ID { return s.id }

func (s *Store) Get(_ context.Context, id chunkid.ID) ([]byte, error) {
	var loc location
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(id[:])
		if raw == nil {
			return fmt.Errorf("local: get %s: %w", id, repository.ErrNotFound)
		}
		l, err := decodeLocation(raw)
		if err != nil {
			return err
		}
		loc = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.segmentPath(loc.segment))
	if err != nil {
		return nil, fmt.Errorf("local: open segment %d: %w", loc.segment, err)
	}
	defer f.Close()

	buf := make([]byte, loc.length)
	if _, err := f.ReadAt(buf, loc.offset); err != nil {
		return nil, fmt.Errorf("local: read segment %d at %d: %w", loc.segment, loc.offset, err)
	}
	return buf, nil
}

func (s *Store) GetMany(ctx context.Context, ids []chunkid.ID, fn func(chunkid.ID, []byte) error) error {
	for _, id := range ids {
		data, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(id, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Put(_ context.Context, id chunkid.ID, ciphertext []byte, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.curSize+int64(len(ciphertext)) > maxSegmentSize && s.curSize > 0 {
		if err := s.openSegment(s.curSegment + 1); err != nil {
			return err
		}
	}

	off, err := s.curFile.Seek(0, os.SEEK_END)
	if err != nil {
		return fmt.Errorf("local: seek segment %d: %w", s.curSegment, err)
	}
	if _, err := s.curFile.Write(ciphertext); err != nil {
		return fmt.Errorf("local: write segment %d: %w", s.curSegment, err)
	}
	s.curSize = off + int64(len(ciphertext))

	loc := location{segment: s.curSegment, offset: off, length: int64(len(ciphertext))}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(id[:], encodeLocation(loc))
	})
}

func (s *Store) Delete(_ context.Context, id chunkid.ID, _ bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(id[:])
	})
}

// Close closes the segment file and the location database.
func (s *Store) Close() error {
	var errs []error
	if s.curFile != nil {
		if err := s.curFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
