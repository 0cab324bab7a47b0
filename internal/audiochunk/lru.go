package audiochunk

import "container/list"

type lruEntry struct {
	index int
	data  []byte
}

// lru is the per-session memory tier. The front of order is the most
// recently touched chunk. Evicted slices stay valid for readers that already
// hold them.
type lru struct {
	cap     int
	order   *list.List
	entries map[int]*list.Element
}

func newLRU(capacity int) *lru {
	return &lru{cap: capacity, order: list.New(), entries: make(map[int]*list.Element)}
}

func (l *lru) get(index int) ([]byte, bool) {
	el, ok := l.entries[index]
	if !ok {
		return nil, false
	}
	l.order.MoveToFront(el)
	return el.Value.(*lruEntry).data, true
}

func (l *lru) contains(index int) bool {
	_, ok := l.entries[index]
	return ok
}

// put stores data and returns the indices evicted to stay within cap.
func (l *lru) put(index int, data []byte) []int {
	if el, ok := l.entries[index]; ok {
		el.Value.(*lruEntry).data = data
		l.order.MoveToFront(el)
		return nil
	}
	l.entries[index] = l.order.PushFront(&lruEntry{index: index, data: data})

	var evicted []int
	for l.order.Len() > l.cap {
		oldest := l.order.Back()
		e := oldest.Value.(*lruEntry)
		l.order.Remove(oldest)
		delete(l.entries, e.index)
		evicted = append(evicted, e.index)
	}
	return evicted
}

func (l *lru) remove(index int) bool {
	el, ok := l.entries[index]
	if !ok {
		return false
	}
	l.order.Remove(el)
	delete(l.entries, index)
	return true
}

func (l *lru) indices() []int {
	out := make([]int, 0, len(l.entries))
	for el := l.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*lruEntry).index)
	}
	return out
}

func (l *lru) len() int {
	return l.order.Len()
}
