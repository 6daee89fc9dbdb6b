package orderbook

import (
	"bytes"
	"container/heap"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

type expiryItem struct {
	deadline domain.Timestamp
	id       domain.OrderID
	isAsk    bool
	index    int
}

// expiryQueue is a min-heap of tick deadlines ordered by (deadline, order
// id), with an index so a removed tick can drop its item directly.
type expiryQueue struct {
	items []*expiryItem
	byID  map[domain.OrderID]*expiryItem
}

func newExpiryQueue() *expiryQueue {
	return &expiryQueue{byID: make(map[domain.OrderID]*expiryItem)}
}

func (q *expiryQueue) Len() int { return len(q.items) }

func (q *expiryQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	if c := bytes.Compare(a.id.TraderID[:], b.id.TraderID[:]); c != 0 {
		return c < 0
	}
	return a.id.OrderNumber < b.id.OrderNumber
}

func (q *expiryQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *expiryQueue) Push(x any) {
	item := x.(*expiryItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *expiryQueue) Pop() any {
	n := len(q.items)
	item := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	item.index = -1
	return item
}

func (q *expiryQueue) schedule(id domain.OrderID, deadline domain.Timestamp, isAsk bool) {
	if item, ok := q.byID[id]; ok {
		item.deadline = deadline
		item.isAsk = isAsk
		heap.Fix(q, item.index)
		return
	}
	item := &expiryItem{deadline: deadline, id: id, isAsk: isAsk}
	heap.Push(q, item)
	q.byID[id] = item
}

func (q *expiryQueue) cancel(id domain.OrderID) bool {
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(q, item.index)
	delete(q.byID, id)
	return true
}

// popDue removes and returns every item whose deadline is at or before now.
func (q *expiryQueue) popDue(now domain.Timestamp) []*expiryItem {
	var due []*expiryItem
	for len(q.items) > 0 && q.items[0].deadline <= now {
		item := heap.Pop(q).(*expiryItem)
		delete(q.byID, item.id)
		due = append(due, item)
	}
	return due
}

// next is the earliest pending deadline.
func (q *expiryQueue) next() (domain.Timestamp, bool) {
	if len(q.items) == 0 {
		return 0, false
	}
	return q.items[0].deadline, true
}

func (q *expiryQueue) clear() int {
	n := len(q.items)
	q.items = nil
	clear(q.byID)
	return n
}
