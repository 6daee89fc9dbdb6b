package orderbook

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// Handle addresses an entry inside one PriceLevel. The generation makes a
// handle to a removed entry stale even after its slot is reused.
type Handle struct {
	slot int32
	gen  uint32
}

const none int32 = -1

type slot struct {
	entry      *Entry
	gen        uint32
	prev, next int32
}

// PriceLevel is the FIFO queue of entries sharing one exact price. Entries
// live in a slot arena and are linked by slot index, so append and remove
// are O(1) without pointers between entries.
type PriceLevel struct {
	price  domain.Price
	slots  []slot
	free   []int32
	head   int32
	tail   int32
	length int
	depth  *big.Int
}

// NewPriceLevel returns an empty level at price.
func NewPriceLevel(price domain.Price) *PriceLevel {
	return &PriceLevel{price: price, head: none, tail: none, depth: new(big.Int)}
}

func (l *PriceLevel) Price() domain.Price { return l.price }

// Len is the number of entries in the level.
func (l *PriceLevel) Len() int { return l.length }

// Depth is the summed remaining first-asset quantity of all entries.
func (l *PriceLevel) Depth() *big.Int { return new(big.Int).Set(l.depth) }

// Append adds e at the tail.
func (l *PriceLevel) Append(e *Entry) Handle {
	var idx int32
	if n := len(l.free); n > 0 {
		idx = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		l.slots = append(l.slots, slot{})
		idx = int32(len(l.slots) - 1)
	}
	s := &l.slots[idx]
	s.entry = e
	s.prev, s.next = l.tail, none
	if l.tail != none {
		l.slots[l.tail].next = idx
	} else {
		l.head = idx
	}
	l.tail = idx
	l.length++
	l.depth.Add(l.depth, e.tick.Remaining())
	return Handle{slot: idx, gen: s.gen}
}

// Remove unlinks the entry at h.
func (l *PriceLevel) Remove(h Handle) (*Entry, error) {
	if !l.live(h) {
		return nil, fmt.Errorf("%w: entry not in level %s", domain.ErrNotFound, l.price)
	}
	s := &l.slots[h.slot]
	e := s.entry
	if s.prev != none {
		l.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != none {
		l.slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.entry = nil
	s.gen++
	s.prev, s.next = none, none
	l.free = append(l.free, h.slot)
	l.length--
	l.depth.Sub(l.depth, e.tick.Remaining())
	return e, nil
}

// Get returns the entry at h, if h is still live.
func (l *PriceLevel) Get(h Handle) (*Entry, bool) {
	if !l.live(h) {
		return nil, false
	}
	return l.slots[h.slot].entry, true
}

// Front returns the oldest entry's handle.
func (l *PriceLevel) Front() (Handle, bool) { return l.handle(l.head) }

// Next returns the handle after h in FIFO order.
func (l *PriceLevel) Next(h Handle) (Handle, bool) {
	if !l.live(h) {
		return Handle{}, false
	}
	return l.handle(l.slots[h.slot].next)
}

// Prev returns the handle before h in FIFO order.
func (l *PriceLevel) Prev(h Handle) (Handle, bool) {
	if !l.live(h) {
		return Handle{}, false
	}
	return l.handle(l.slots[h.slot].prev)
}

// Entries returns the entries in FIFO order.
func (l *PriceLevel) Entries() []*Entry {
	out := make([]*Entry, 0, l.length)
	for i := l.head; i != none; i = l.slots[i].next {
		out = append(out, l.slots[i].entry)
	}
	return out
}

// addTraded books quantity against the entry at h and keeps depth in step.
// The counter never runs past the tick's first-asset amount.
func (l *PriceLevel) addTraded(h Handle, quantity *big.Int) (*Entry, error) {
	e, ok := l.Get(h)
	if !ok {
		return nil, fmt.Errorf("%w: entry not in level %s", domain.ErrNotFound, l.price)
	}
	applied := new(big.Int).Set(quantity)
	if rem := e.tick.Remaining(); applied.Cmp(rem) > 0 {
		applied = rem
	}
	e.tick.Traded.Add(e.tick.Traded, applied)
	l.depth.Sub(l.depth, applied)
	return e, nil
}

func (l *PriceLevel) handle(idx int32) (Handle, bool) {
	if idx == none {
		return Handle{}, false
	}
	return Handle{slot: idx, gen: l.slots[idx].gen}, true
}

func (l *PriceLevel) live(h Handle) bool {
	if h.slot < 0 || int(h.slot) >= len(l.slots) {
		return false
	}
	s := l.slots[h.slot]
	return s.entry != nil && s.gen == h.gen
}

func (l *PriceLevel) String() string {
	var b strings.Builder
	for i := l.head; i != none; i = l.slots[i].next {
		b.WriteString(l.slots[i].entry.String())
		b.WriteString("\n")
	}
	return b.String()
}
