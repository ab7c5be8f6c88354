// Package settlement drives withdrawals from request to a terminal state
// through external verification, processing and staged confirmation.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRequest      = errors.New("invalid withdrawal request")
	ErrRejected            = errors.New("withdrawal rejected by verifier")
	ErrProcessingFailed    = errors.New("withdrawal processing failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("withdrawal not found")
	ErrClosed              = errors.New("settlement pipeline closed")
)

// Status is a withdrawal's stage.
type Status string

const (
	StatusRequested          Status = "requested"
	StatusVerified           Status = "verified"
	StatusSubmitted          Status = "submitted"
	StatusPending            Status = "pending"
	StatusPartiallyConfirmed Status = "partially_confirmed"
	StatusConfirmed          Status = "confirmed"
	StatusRejected           Status = "rejected"
	StatusFailed             Status = "failed"
)

// Terminal reports whether no further change is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Rank orders stages; a stored record never moves to a lower rank.
func (s Status) Rank() int {
	switch s {
	case StatusRequested:
		return 0
	case StatusVerified:
		return 1
	case StatusSubmitted:
		return 2
	case StatusPending:
		return 3
	case StatusPartiallyConfirmed:
		return 4
	case StatusConfirmed, StatusRejected, StatusFailed:
		return 5
	}
	return -1
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

// Transaction is one withdrawal attempt.
type Transaction struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Address       string          `json:"address"`
	Status        Status          `json:"status"`
	Confirmations int             `json:"confirmations"`
	Receipt       string          `json:"receipt,omitempty"`
	Error         string          `json:"error,omitempty"`
	Debited       bool            `json:"debited"`
	Compensated   bool            `json:"compensated"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MergeAllowed is the write rule every store applies: terminal records are
// sticky, confirmations never decrease, stages never regress, and a write
// that changes neither stage nor confirmations is discarded.
func MergeAllowed(cur, next Transaction) bool {
	if cur.Status.Terminal() {
		return false
	}
	if !next.Status.Valid() || next.Confirmations < cur.Confirmations {
		return false
	}
	if next.Status.Rank() < cur.Status.Rank() {
		return false
	}
	return next.Status.Rank() > cur.Status.Rank() || next.Confirmations > cur.Confirmations
}

// Store is durable keyed storage for transactions.
type Store interface {
	Insert(ctx context.Context, tx Transaction) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Transaction, error)
	// Merge writes next when MergeAllowed against the stored record and
	// returns the record as stored afterwards.
	Merge(ctx context.Context, next Transaction) (Transaction, bool, error)
	// List returns the newest transactions first.
	List(ctx context.Context, limit int) ([]Transaction, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Transaction, error)
}

// Request is what the external services see.
type Request struct {
	TxID    string          `json:"txid"`
	Amount  decimal.Decimal `json:"amount"`
	Address string          `json:"address"`
}

// Verifier approves or declines a withdrawal. A nil error is approval.
type Verifier interface {
	Verify(ctx context.Context, req Request) error
}

// Processor executes a withdrawal and returns an opaque receipt.
type Processor interface {
	Process(ctx context.Context, req Request) (string, error)
}

// Compensator undoes a processed withdrawal that could not be settled.
// Processors may implement it.
type Compensator interface {
	Compensate(ctx context.Context, req Request, reason string) error
}

// Debiter is the ledger surface the pipeline needs.
type Debiter interface {
	TryDebit(amount decimal.Decimal, ref string) bool
	Credit(amount decimal.Decimal, ref string) error
}

// EntryLookup finds journaled ledger entries by reference. Resume uses it
// when the Debiter implements it.
type EntryLookup interface {
	HasEntry(ref string) (bool, error)
}

func (tx Transaction) request() Request {
	return Request{TxID: tx.ID, Amount: tx.Amount, Address: tx.Address}
}
