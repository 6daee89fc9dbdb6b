package orderbook

import (
	"time"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// Entry is a tick resting in a price level. Its position in the level is
// held by the level's arena, not by the entry itself.
type Entry struct {
	tick    *domain.Tick
	blocked map[domain.OrderID]domain.Timestamp // counterparty -> block lapses at
}

func newEntry(tick *domain.Tick) *Entry {
	return &Entry{tick: tick, blocked: make(map[domain.OrderID]domain.Timestamp)}
}

// Tick returns a copy of the resting tick.
func (e *Entry) Tick() *domain.Tick { return e.tick.Clone() }

// IsValidAt reports whether the tick still has quantity and has not expired.
func (e *Entry) IsValidAt(now domain.Timestamp) bool { return e.tick.IsValidAt(now) }

// BlockForMatching pledges the tick to counterparty until now+ttl. It returns
// false, and changes nothing, when an unexpired block is already in place.
func (e *Entry) BlockForMatching(counterparty domain.OrderID, now domain.Timestamp, ttl time.Duration) bool {
	if until, ok := e.blocked[counterparty]; ok && now < until {
		return false
	}
	e.blocked[counterparty] = now + domain.Timestamp(ttl.Milliseconds())
	return true
}

func (e *Entry) IsBlockedForMatching(counterparty domain.OrderID, now domain.Timestamp) bool {
	until, ok := e.blocked[counterparty]
	return ok && now < until
}

func (e *Entry) UnblockForMatching(counterparty domain.OrderID) {
	delete(e.blocked, counterparty)
}

// BlockedCount counts blocks, lapsed ones included.
func (e *Entry) BlockedCount() int { return len(e.blocked) }

func (e *Entry) String() string { return e.tick.String() }
