package cachedstore

import "container/list"

// lru is an intrusive-style recency list: pages map[Address]*page.Page owns
// the data, this just orders addresses by last access, front = least
// recently used (next to be evicted).
type lru struct {
	l        *list.List
	elements map[uint64]*list.Element
}

func newLRU() *lru {
	return &lru{l: list.New(), elements: make(map[uint64]*list.Element)}
}

func (r *lru) touch(addr uint64) {
	if e, ok := r.elements[addr]; ok {
		r.l.MoveToBack(e)
		return
	}
	r.elements[addr] = r.l.PushBack(addr)
}

func (r *lru) remove(addr uint64) {
	if e, ok := r.elements[addr]; ok {
		r.l.Remove(e)
		delete(r.elements, addr)
	}
}

func (r *lru) front() (uint64, bool) {
	e := r.l.Front()
	if e == nil {
		return 0, false
	}
	return e.Value.(uint64), true
}

func (r *lru) len() int { return r.l.Len() }

func (r *lru) reset() {
	r.l = list.New()
	r.elements = make(map[uint64]*list.Element)
}
