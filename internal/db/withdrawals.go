package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/b0ase/path402/apps/hashdash/internal/settlement"
)

const withdrawalColumns = `txid, amount, address, status, confirmations, receipt, error,
	debited, compensated, created_at, updated_at`

func InsertWithdrawal(ctx context.Context, tx settlement.Transaction) error {
	if !tx.Status.Valid() {
		return fmt.Errorf("insert withdrawal %s: unknown status %q", tx.ID, tx.Status)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO withdrawals (txid, amount, address, status, stage, confirmations, receipt, error,
			debited, compensated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Amount.String(), tx.Address, string(tx.Status), tx.Status.Rank(), tx.Confirmations,
		tx.Receipt, tx.Error, tx.Debited, tx.Compensated,
		tx.CreatedAt.UnixMilli(), tx.UpdatedAt.UnixMilli())
	return err
}

// GetWithdrawal returns settlement.ErrNotFound for unknown ids.
func GetWithdrawal(ctx context.Context, id string) (settlement.Transaction, error) {
	row := db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE txid = ?`, id)
	tx, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Transaction{}, settlement.ErrNotFound
	}
	return tx, err
}

// ListWithdrawals returns up to limit withdrawals, newest first.
func ListWithdrawals(ctx context.Context, limit int) ([]settlement.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

func ListWithdrawalsByStatus(ctx context.Context, statuses ...settlement.Status) ([]settlement.Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	rows, err := db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status IN (`+placeholders+`)
		ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, err
	}
	return collectWithdrawals(rows)
}

// MergeWithdrawal writes next only when the stored row allows it: the row
// is not terminal, confirmations do not decrease, the stage does not
// regress, and at least one of them moves forward. The guard lives in the
// UPDATE itself so concurrent writers cannot interleave between read and
// write. It returns the row as stored afterwards.
func MergeWithdrawal(ctx context.Context, next settlement.Transaction) (settlement.Transaction, bool, error) {
	if !next.Status.Valid() {
		return settlement.Transaction{}, false, fmt.Errorf("merge withdrawal %s: unknown status %q", next.ID, next.Status)
	}
	stage := next.Status.Rank()
	res, err := db.ExecContext(ctx, `
		UPDATE withdrawals SET
			status = ?, stage = ?, confirmations = ?, receipt = ?, error = ?,
			debited = ?, compensated = ?, updated_at = ?
		WHERE txid = ?
			AND stage < ?
			AND confirmations <= ?
			AND stage <= ?
			AND (stage < ? OR confirmations < ?)`,
		string(next.Status), stage, next.Confirmations, next.Receipt, next.Error,
		next.Debited, next.Compensated, next.UpdatedAt.UnixMilli(),
		next.ID,
		settlement.StatusConfirmed.Rank(),
		next.Confirmations,
		stage,
		stage, next.Confirmations)
	if err != nil {
		return settlement.Transaction{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return settlement.Transaction{}, false, err
	}
	stored, err := GetWithdrawal(ctx, next.ID)
	if err != nil {
		return settlement.Transaction{}, false, err
	}
	return stored, n == 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(s scanner) (settlement.Transaction, error) {
	var (
		tx                   settlement.Transaction
		amount, status       string
		created, updated     int64
		debited, compensated bool
	)
	if err := s.Scan(&tx.ID, &amount, &tx.Address, &status, &tx.Confirmations, &tx.Receipt, &tx.Error,
		&debited, &compensated, &created, &updated); err != nil {
		return settlement.Transaction{}, err
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return settlement.Transaction{}, fmt.Errorf("withdrawal %s amount: %w", tx.ID, err)
	}
	tx.Amount = amt
	tx.Status = settlement.Status(status)
	tx.Debited = debited
	tx.Compensated = compensated
	tx.CreatedAt = time.UnixMilli(created)
	tx.UpdatedAt = time.UnixMilli(updated)
	return tx, nil
}

func collectWithdrawals(rows *sql.Rows) ([]settlement.Transaction, error) {
	defer rows.Close()
	var out []settlement.Transaction
	for rows.Next() {
		tx, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// WithdrawalStore adapts the withdrawal functions to settlement.Store.
type WithdrawalStore struct{}

func (WithdrawalStore) Insert(ctx context.Context, tx settlement.Transaction) error {
	return InsertWithdrawal(ctx, tx)
}

func (WithdrawalStore) Get(ctx context.Context, id string) (settlement.Transaction, error) {
	return GetWithdrawal(ctx, id)
}

func (WithdrawalStore) Merge(ctx context.Context, next settlement.Transaction) (settlement.Transaction, bool, error) {
	return MergeWithdrawal(ctx, next)
}

func (WithdrawalStore) List(ctx context.Context, limit int) ([]settlement.Transaction, error) {
	return ListWithdrawals(ctx, limit)
}

func (WithdrawalStore) ListByStatus(ctx context.Context, statuses ...settlement.Status) ([]settlement.Transaction, error) {
	return ListWithdrawalsByStatus(ctx, statuses...)
}
