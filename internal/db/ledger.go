package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/b0ase/path402/apps/hashdash/internal/ledger"
)

// LedgerJournal implements ledger.Journal on the ledger_entries and payouts
// tables.
type LedgerJournal struct{}

func (LedgerJournal) AppendEntry(e ledger.Entry) error {
	_, err := db.Exec(`
		INSERT INTO ledger_entries (id, type, amount, balance, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Type, e.Amount.String(), e.Balance.String(), e.Reference, e.CreatedAt.UnixMilli())
	return err
}

func (LedgerJournal) AppendPayout(p ledger.PayoutEvent) error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO payouts (id, amount, source, created_at)
		VALUES (?, ?, ?, ?)`,
		p.ID.String(), p.Amount.String(), p.Source, p.Timestamp.UnixMilli())
	return err
}

func (LedgerJournal) HasReference(ref string) (bool, error) {
	var found bool
	err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE reference = ?)`, ref).Scan(&found)
	return found, err
}

// LastLedgerBalance returns the running balance after the most recent
// journal entry, or zero when the journal is empty.
func LastLedgerBalance() (decimal.Decimal, error) {
	var raw string
	err := db.QueryRow(`SELECT balance FROM ledger_entries ORDER BY seq DESC LIMIT 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// ListLedgerEntries returns up to limit entries, newest first.
func ListLedgerEntries(limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT id, type, amount, balance, reference, created_at
		FROM ledger_entries ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e                   ledger.Entry
			id, amount, balance string
			created             int64
		)
		if err := rows.Scan(&id, &e.Type, &amount, &balance, &e.Reference, &created); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("ledger entry id %q: %w", id, err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ledger entry %s amount: %w", id, err)
		}
		if e.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("ledger entry %s balance: %w", id, err)
		}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListPayouts returns payouts oldest first; limit keeps the newest ones.
func ListPayouts(limit int) ([]ledger.PayoutEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT id, amount, source, created_at FROM (
			SELECT seq, id, amount, source, created_at FROM payouts ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.PayoutEvent
	for rows.Next() {
		var (
			p          ledger.PayoutEvent
			id, amount string
			created    int64
		)
		if err := rows.Scan(&id, &amount, &p.Source, &created); err != nil {
			return nil, err
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("payout id %q: %w", id, err)
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("payout %s amount: %w", id, err)
		}
		p.Timestamp = time.UnixMilli(created)
		out = append(out, p)
	}
	return out, rows.Err()
}
