package queue

import (
	"time"

	"github.com/tidwall/btree"
)

type entry struct {
	at  time.Time
	req *Request
}

// entryLess orders by enqueue time, then by ascending ID.
func entryLess(a, b entry) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.req.ID < b.req.ID
}

// orderedSet keeps requests in FIFO order with an ID index. It is not safe
// for concurrent use; the owning queue holds the lock.
type orderedSet struct {
	tree  *btree.BTreeG[entry]
	index map[ID]entry
}

func newOrderedSet() *orderedSet {
	return &orderedSet{
		tree:  btree.NewBTreeGOptions(entryLess, btree.Options{NoLocks: true}),
		index: make(map[ID]entry),
	}
}

func (s *orderedSet) insert(at time.Time, r *Request) {
	e := entry{at: at, req: r}
	s.tree.Set(e)
	s.index[r.ID] = e
}

func (s *orderedSet) has(id ID) bool {
	_, ok := s.index[id]
	return ok
}

func (s *orderedSet) remove(id ID) (*Request, bool) {
	e, ok := s.index[id]
	if !ok {
		return nil, false
	}
	s.tree.Delete(e)
	delete(s.index, id)
	return e.req, true
}

func (s *orderedSet) popMin() (entry, bool) {
	e, ok := s.tree.PopMin()
	if !ok {
		return entry{}, false
	}
	delete(s.index, e.req.ID)
	return e, true
}

func (s *orderedSet) min() (entry, bool) {
	return s.tree.Min()
}

func (s *orderedSet) len() int { return len(s.index) }

// position returns the 1-based distance of id from the head, or 0.
func (s *orderedSet) position(id ID) int {
	if !s.has(id) {
		return 0
	}
	pos := 0
	found := false
	s.tree.Scan(func(e entry) bool {
		pos++
		if e.req.ID == id {
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0
	}
	return pos
}

// newest walks entries from the tail towards the head.
func (s *orderedSet) newest(fn func(e entry) bool) {
	s.tree.Reverse(fn)
}

func (s *orderedSet) items() []*Request {
	out := make([]*Request, 0, s.len())
	s.tree.Scan(func(e entry) bool {
		out = append(out, e.req)
		return true
	})
	return out
}

func (s *orderedSet) clear() []*Request {
	out := s.items()
	s.tree.Clear()
	s.index = make(map[ID]entry)
	return out
}
