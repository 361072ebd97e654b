// Package objstore implements the "object store" downward collaborator
// referenced by spec.md §6 (obj_alloc/obj_write/obj_truncate/obj_free/
// obj_bonus). The real aistore object-set/B-tree layer underneath a
// space-map object is explicitly out of scope (spec.md §1); this package
// is a minimal, real implementation sufficient to load/write/truncate
// space-map logs end to end in tests and in a single-process deployment,
// grounded in the teacher's dbdriver/bunt.go (same buntdb collection/key
// conventions, same Set/Get/Delete/List shape).
package objstore

import (
	"fmt"
	"sync"

	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/aismetaslab/cmn"
)

// Store is the interface the space-map package depends on. One Store
// instance backs an entire pool; each space-map object is one key.
type Store interface {
	// Alloc reserves a new object id and returns it.
	Alloc() (objID uint64, err error)
	// Write appends bytes at the given (logical) offset within the object.
	Write(objID uint64, off int64, p []byte) error
	// Truncate discards all bytes of the object.
	Truncate(objID uint64) error
	// Free releases the object entirely.
	Free(objID uint64) error
	// Read returns the full current contents of the object.
	Read(objID uint64) ([]byte, error)
	// Bonus returns small out-of-band bytes attached to the object, as
	// last stored by SetBonus. No package in this module calls either.
	Bonus(objID uint64) ([]byte, error)
	SetBonus(objID uint64, b []byte) error
}

const (
	collData  = "sm.data"
	collBonus = "sm.bonus"
	collMeta  = "sm.meta"
	nextIDKey = "next_id"
)

// BuntStore is a Store backed by an in-process buntdb database, following
// the teacher's dbdriver.BuntDriver configuration (periodic fsync,
// size-triggered auto-shrink).
type BuntStore struct {
	mu sync.Mutex
	db *buntdb.DB
}

var _ Store = (*BuntStore)(nil)

// Open creates or opens a BuntStore at path. Use ":memory:" for a
// non-persistent store (tests).
func Open(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cmn.WrapIoErr(err, "open object store %q", path)
	}
	db.SetConfig(buntdb.Config{
		SyncPolicy:           buntdb.EverySecond,
		AutoShrinkMinSize:    1 * cmn.MiB,
		AutoShrinkPercentage: 50,
	})
	return &BuntStore{db: db}, nil
}

func (s *BuntStore) Close() error { return s.db.Close() }

func key(coll string, id uint64) string { return fmt.Sprintf("%s##%016x", coll, id) }

func (s *BuntStore) Alloc() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id uint64
	err := s.db.Update(func(tx *buntdb.Tx) error {
		cur, err := tx.Get(key(collMeta, 0))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if cur != "" {
			fmt.Sscanf(cur, "%d", &id)
		}
		id++
		_, _, err = tx.Set(key(collMeta, 0), fmt.Sprintf("%d", id), nil)
		return err
	})
	if err != nil {
		return 0, cmn.WrapIoErr(err, "alloc object")
	}
	return id, nil
}

func (s *BuntStore) Write(objID uint64, off int64, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *buntdb.Tx) error {
		cur, err := tx.Get(key(collData, objID))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		buf := []byte(cur)
		need := int(off) + len(p)
		if need > len(buf) {
			grown := make([]byte, need)
			copy(grown, buf)
			buf = grown
		}
		copy(buf[off:], p)
		_, _, err = tx.Set(key(collData, objID), string(buf), nil)
		return err
	})
}

func (s *BuntStore) Read(objID uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key(collData, objID))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		out = []byte(v)
		return nil
	})
	if err != nil {
		return nil, cmn.WrapIoErr(err, "read object %d", objID)
	}
	return out, nil
}

func (s *BuntStore) Truncate(objID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key(collData, objID))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return cmn.WrapIoErr(err, "truncate object %d", objID)
	}
	return nil
}

func (s *BuntStore) Free(objID uint64) error {
	if err := s.Truncate(objID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key(collBonus, objID))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return cmn.WrapIoErr(err, "free object %d", objID)
	}
	return nil
}

func (s *BuntStore) Bonus(objID uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key(collBonus, objID))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		out = []byte(v)
		return nil
	})
	if err != nil {
		return nil, cmn.WrapIoErr(err, "read bonus %d", objID)
	}
	return out, nil
}

func (s *BuntStore) SetBonus(objID uint64, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key(collBonus, objID), string(b), nil)
		return err
	})
	if err != nil {
		return cmn.WrapIoErr(err, "set bonus %d", objID)
	}
	return nil
}
