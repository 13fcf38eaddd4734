package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/syssam/orbit/dialect"
)

// ErrTxDone is returned when committing or rolling back a finished
// transaction.
var ErrTxDone = errors.New("memory: transaction has already been committed or rolled back")

// ErrWriteConflict is returned by Commit when a document written in the
// transaction was changed by someone else since the transaction began.
var ErrWriteConflict = errors.New("memory: write conflict")

// record is one stored document. Records are immutable; writes replace them.
type record struct {
	doc dialect.Document
	rev uint64 // store revision of the last committed write
	seq uint64 // insertion order
}

// space holds collections of records keyed by identifier key.
type space map[string]map[string]*record

func (s space) collection(name string) map[string]*record {
	c, ok := s[name]
	if !ok {
		c = make(map[string]*record)
		s[name] = c
	}
	return c
}

// clone copies the maps; records are shared.
func (s space) clone() space {
	out := make(space, len(s))
	for name, c := range s {
		cc := make(map[string]*record, len(c))
		for k, r := range c {
			cc[k] = r
		}
		out[name] = cc
	}
	return out
}

// sorted returns the records of a collection in insertion order.
func (s space) sorted(name string) []*record {
	c := s[name]
	out := make([]*record, 0, len(c))
	for _, r := range c {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// uniqueIndex is an index created by EnsureIndexes.
type uniqueIndex struct {
	name   string
	fields []string
}

// store is the shared database of one Driver.
type store struct {
	mu   sync.RWMutex
	data space
	rev  uint64

	aux     sync.Mutex // guards seq, counter and indexes
	seq     uint64
	counter map[string]int64 // integer key sequences per collection
	indexes map[string][]uniqueIndex
}

func newStore() *store {
	return &store{
		data:    make(space),
		counter: make(map[string]int64),
		indexes: make(map[string][]uniqueIndex),
	}
}

func (s *store) nextSeq() uint64 {
	s.aux.Lock()
	defer s.aux.Unlock()
	s.seq++
	return s.seq
}

func (s *store) nextInt(collection string) int64 {
	s.aux.Lock()
	defer s.aux.Unlock()
	s.counter[collection]++
	return s.counter[collection]
}

// observe moves the sequence of a collection past a supplied integer key.
func (s *store) observe(collection string, id int64) {
	s.aux.Lock()
	defer s.aux.Unlock()
	if id > s.counter[collection] {
		s.counter[collection] = id
	}
}

func (s *store) uniques(collection string) []uniqueIndex {
	s.aux.Lock()
	defer s.aux.Unlock()
	return s.indexes[collection]
}

// addIndex registers a unique index. It reports false when an index of the
// same name exists.
func (s *store) addIndex(collection string, idx uniqueIndex) bool {
	s.aux.Lock()
	defer s.aux.Unlock()
	for _, cur := range s.indexes[collection] {
		if cur.name == idx.name {
			return false
		}
	}
	s.indexes[collection] = append(s.indexes[collection], idx)
	return true
}

// session is the view a driver call operates on: the store itself or an
// open transaction.
type session interface {
	read(fn func(space))
	write(fn func(space, func(collection, key string)) error) error
}

// storeSession applies writes directly to the store.
type storeSession struct{ s *store }

func (ss storeSession) read(fn func(space)) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()
	fn(ss.s.data)
}

func (ss storeSession) write(fn func(space, func(collection, key string)) error) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	s := ss.s
	// Writes stamp the records they touch with a new revision.
	var touched []struct{ c, k string }
	err := fn(s.data, func(c, k string) { touched = append(touched, struct{ c, k string }{c, k}) })
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		s.rev++
		for _, t := range touched {
			if r, ok := s.data[t.c][t.k]; ok {
				r.rev = s.rev
			}
		}
	}
	return nil
}

// Tx is an open transaction. Reads see the store as of Begin plus the
// transaction's own writes; Commit fails with ErrWriteConflict when a
// written document changed in the store meanwhile.
type Tx struct {
	mu   sync.Mutex
	s    *store
	view space
	base map[string]map[string]uint64 // revision seen by the first write, 0 if absent
	id   uuid.UUID
	done bool
}

func (s *store) begin() *Tx {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Tx{
		s:    s,
		view: s.data.clone(),
		base: make(map[string]map[string]uint64),
		id:   uuid.New(),
	}
}

// ID returns the transaction identifier.
func (tx *Tx) ID() uuid.UUID { return tx.id }

func (tx *Tx) read(fn func(space)) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	fn(tx.view)
}

func (tx *Tx) write(fn func(space, func(collection, key string)) error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	return fn(tx.view, func(c, k string) {
		b, ok := tx.base[c]
		if !ok {
			b = make(map[string]uint64)
			tx.base[c] = b
		}
		if _, seen := b[k]; !seen {
			b[k] = tx.rev(c, k)
		}
	})
}

// rev returns the revision of a record as of Begin. It must be called
// before the transaction first replaces the record.
func (tx *Tx) rev(c, k string) uint64 {
	if r, ok := tx.view[c][k]; ok {
		return r.rev
	}
	return 0
}

// Commit applies the transaction's writes to the store.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, keys := range tx.base {
		for k, rev := range keys {
			var cur uint64
			if r, ok := s.data[c][k]; ok {
				cur = r.rev
			}
			if cur != rev {
				return fmt.Errorf("%w: %s %s", ErrWriteConflict, c, k)
			}
		}
	}
	s.rev++
	for c, keys := range tx.base {
		coll := s.data.collection(c)
		for k := range keys {
			r, ok := tx.view[c][k]
			if !ok {
				delete(coll, k)
				continue
			}
			coll[k] = &record{doc: r.doc, rev: s.rev, seq: r.seq}
		}
	}
	return nil
}

// Rollback discards the transaction's writes.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.view = nil
	return nil
}

var _ dialect.Tx = (*Tx)(nil)
