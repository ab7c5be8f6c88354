package gossip

import (
	"sync"
	"time"
)

// FeedItem is a validated announcement received from a peer.
type FeedItem struct {
	ID         string                   `json:"id"`
	Type       MessageType              `json:"type"`
	SenderID   string                   `json:"sender_id"`
	ReceivedAt time.Time                `json:"received_at"`
	Payout     *PayoutAnnouncePayload   `json:"payout,omitempty"`
	Settlement *SettlementUpdatePayload `json:"settlement,omitempty"`
}

// Feed keeps the most recent announcements in a ring buffer. It also
// remembers message hashes so that relayed duplicates are dropped; the
// remembered set is bounded to a multiple of the buffer size.
type Feed struct {
	mu    sync.Mutex
	items []FeedItem
	next  int
	full  bool

	seen      map[string]struct{}
	seenOrder []string
	seenNext  int
}

const seenFactor = 4

// NewFeed creates a feed holding up to size items. size <= 0 means 100.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 100
	}
	return &Feed{
		items:     make([]FeedItem, size),
		seen:      make(map[string]struct{}, size*seenFactor),
		seenOrder: make([]string, size*seenFactor),
	}
}

// MarkSeen records hash and reports whether it was new.
func (f *Feed) MarkSeen(hash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markSeenLocked(hash)
}

func (f *Feed) markSeenLocked(hash string) bool {
	if _, ok := f.seen[hash]; ok {
		return false
	}
	if old := f.seenOrder[f.seenNext]; old != "" {
		delete(f.seen, old)
	}
	f.seenOrder[f.seenNext] = hash
	f.seenNext = (f.seenNext + 1) % len(f.seenOrder)
	f.seen[hash] = struct{}{}
	return true
}

// Add appends item to the buffer, evicting the oldest when full.
func (f *Feed) Add(item FeedItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[f.next] = item
	f.next = (f.next + 1) % len(f.items)
	if f.next == 0 {
		f.full = true
	}
}

// Len returns the number of buffered items.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return len(f.items)
	}
	return f.next
}

// Recent returns up to limit items, newest first. limit <= 0 returns all.
func (f *Feed) Recent(limit int) []FeedItem {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.next
	if f.full {
		n = len(f.items)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]FeedItem, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (f.next - i + len(f.items)) % len(f.items)
		out = append(out, f.items[idx])
	}
	return out
}
