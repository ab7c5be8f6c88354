// Package ledger holds the operator balance and its payout history. Every
// balance mutation goes through one mutex so accrual ticks and withdrawal
// debits never interleave.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrNegativeAmount = errors.New("amount must not be negative")

// Entry types recorded in the journal.
const (
	EntryCredit = "credit"
	EntryDebit  = "debit"
)

// historySize bounds the in-memory entry history; the journal keeps the rest.
const historySize = 500

// Entry is one balance mutation.
type Entry struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
	Reference string          `json:"reference"`
	CreatedAt time.Time       `json:"created_at"`
}

// PayoutEvent is an informational record of a stochastic bonus. It never
// changes the balance on its own.
type PayoutEvent struct {
	ID        uuid.UUID       `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// Snapshot is a consistent copy of the ledger totals.
type Snapshot struct {
	Balance       decimal.Decimal `json:"balance"`
	TotalCredited decimal.Decimal `json:"total_credited"`
	TotalDebited  decimal.Decimal `json:"total_debited"`
	PayoutCount   int             `json:"payout_count"`
	LastPayout    *PayoutEvent    `json:"last_payout,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ReferenceLookup is implemented by journals that can find entries by
// reference.
type ReferenceLookup interface {
	HasReference(ref string) (bool, error)
}

// Journal durably records entries and payouts.
type Journal interface {
	AppendEntry(Entry) error
	AppendPayout(PayoutEvent) error
}

// Ledger is safe for concurrent use.
type Ledger struct {
	logger  *zap.Logger
	journal Journal
	now     func() time.Time

	mu        sync.Mutex
	balance   decimal.Decimal
	credited  decimal.Decimal
	debited   decimal.Decimal
	entries   []Entry
	payouts   []PayoutEvent
	updatedAt time.Time
	listeners []func(Snapshot)
}

// New creates an empty ledger. journal may be nil.
func New(logger *zap.Logger, journal Journal) *Ledger {
	return &Ledger{
		logger:  logger.Named("ledger"),
		journal: journal,
		now:     time.Now,
		balance: decimal.Zero,
	}
}

// Restore seeds the ledger from persisted state. It is meant for boot, before
// any credit or debit, and does not journal anything.
func (l *Ledger) Restore(balance decimal.Decimal, payouts []PayoutEvent) error {
	if balance.IsNegative() {
		return fmt.Errorf("restore balance %s: %w", balance, ErrNegativeAmount)
	}
	l.mu.Lock()
	l.balance = balance
	l.payouts = append([]PayoutEvent(nil), payouts...)
	l.updatedAt = l.now()
	l.mu.Unlock()
	l.logger.Info("Ledger restored",
		zap.String("balance", balance.String()),
		zap.Int("payouts", len(payouts)))
	return nil
}

// OnChange registers fn to receive a snapshot after each mutation.
func (l *Ledger) OnChange(fn func(Snapshot)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Credit adds amount to the balance. Zero credits are accepted and ignored.
func (l *Ledger) Credit(amount decimal.Decimal, ref string) error {
	if amount.IsNegative() {
		return fmt.Errorf("credit %s: %w", amount, ErrNegativeAmount)
	}
	if amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	l.balance = l.balance.Add(amount)
	l.credited = l.credited.Add(amount)
	l.appendLocked(EntryCredit, amount, ref)
	snap, listeners := l.snapshotLocked(), l.listeners
	l.mu.Unlock()

	notify(listeners, snap)
	return nil
}

// TryDebit removes amount from the balance when it is covered. It reports
// false without mutating anything when amount is not positive or exceeds the
// balance.
func (l *Ledger) TryDebit(amount decimal.Decimal, ref string) bool {
	if !amount.IsPositive() {
		return false
	}
	l.mu.Lock()
	if amount.GreaterThan(l.balance) {
		bal := l.balance
		l.mu.Unlock()
		l.logger.Info("Debit refused, insufficient balance",
			zap.String("amount", amount.String()),
			zap.String("balance", bal.String()),
			zap.String("ref", ref))
		return false
	}
	l.balance = l.balance.Sub(amount)
	l.debited = l.debited.Add(amount)
	l.appendLocked(EntryDebit, amount, ref)
	snap, listeners := l.snapshotLocked(), l.listeners
	l.mu.Unlock()

	notify(listeners, snap)
	return true
}

// RecordPayout appends a payout event to the history.
func (l *Ledger) RecordPayout(ev PayoutEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	l.mu.Lock()
	l.payouts = append(l.payouts, ev)
	l.updatedAt = ev.Timestamp
	if l.journal != nil {
		if err := l.journal.AppendPayout(ev); err != nil {
			l.logger.Warn("Failed to journal payout", zap.Error(err))
		}
	}
	snap, listeners := l.snapshotLocked(), l.listeners
	l.mu.Unlock()

	notify(listeners, snap)
}

func (l *Ledger) Balance() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Payouts returns up to limit payouts, newest first. limit <= 0 returns all.
func (l *Ledger) Payouts(limit int) []PayoutEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.payouts)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]PayoutEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.payouts[i])
	}
	return out
}

// Entries returns up to limit recent entries, newest first.
func (l *Ledger) Entries(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// HasEntry reports whether an entry with reference ref was recorded. The
// in-memory history is bounded, so older references are looked up in the
// journal when it implements ReferenceLookup.
func (l *Ledger) HasEntry(ref string) (bool, error) {
	l.mu.Lock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Reference == ref {
			l.mu.Unlock()
			return true, nil
		}
	}
	journal := l.journal
	l.mu.Unlock()

	if lookup, ok := journal.(ReferenceLookup); ok {
		return lookup.HasReference(ref)
	}
	return false, nil
}

func (l *Ledger) LastPayout() (PayoutEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.payouts) == 0 {
		return PayoutEvent{}, false
	}
	return l.payouts[len(l.payouts)-1], true
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) appendLocked(typ string, amount decimal.Decimal, ref string) {
	e := Entry{
		ID:        uuid.New(),
		Type:      typ,
		Amount:    amount,
		Balance:   l.balance,
		Reference: ref,
		CreatedAt: l.now(),
	}
	l.updatedAt = e.CreatedAt
	l.entries = append(l.entries, e)
	if len(l.entries) > historySize {
		l.entries = append(l.entries[:0:0], l.entries[len(l.entries)-historySize:]...)
	}
	if l.journal != nil {
		if err := l.journal.AppendEntry(e); err != nil {
			l.logger.Warn("Failed to journal ledger entry",
				zap.String("type", typ),
				zap.String("ref", ref),
				zap.Error(err))
		}
	}
}

func (l *Ledger) snapshotLocked() Snapshot {
	s := Snapshot{
		Balance:       l.balance,
		TotalCredited: l.credited,
		TotalDebited:  l.debited,
		PayoutCount:   len(l.payouts),
		UpdatedAt:     l.updatedAt,
	}
	if n := len(l.payouts); n > 0 {
		last := l.payouts[n-1]
		s.LastPayout = &last
	}
	return s
}

func notify(listeners []func(Snapshot), snap Snapshot) {
	for _, fn := range listeners {
		fn(snap)
	}
}
