package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/b0ase/path402/apps/hashdash/internal/ledger"
	"github.com/b0ase/path402/apps/hashdash/internal/rates"
	"github.com/b0ase/path402/apps/hashdash/internal/settlement"
)

func setupTestDB(t *testing.T) func() {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	if err := Open(zap.NewNop(), path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return func() {
		Close()
		os.Remove(path)
	}
}

func TestOpenClose(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	if DB() == nil {
		t.Fatal("DB() returned nil after Open")
	}
}

func TestGetNodeID(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	id, err := GetNodeID()
	if err != nil {
		t.Fatalf("GetNodeID: %v", err)
	}
	if len(id) != 32 {
		t.Errorf("node_id length = %d, want 32 (hex of 16 random bytes)", len(id))
	}
}

func TestConfigGetSet(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	if err := SetConfig("test_key", "test_value"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	SetConfig("test_key", "new_value")
	val, _ := GetConfig("test_key")
	if val != "new_value" {
		t.Errorf("after overwrite: %q, want %q", val, "new_value")
	}
}

func TestRateConfigStore(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	var s RateConfigStore
	if _, ok, err := s.LoadRateConfig(); err != nil || ok {
		t.Fatalf("LoadRateConfig on empty db: ok=%v err=%v", ok, err)
	}
	want := rates.AggregateConfiguration{HardwareID: "rig", PoolID: "pool", Override: "8300000"}
	if err := s.SaveRateConfig(want); err != nil {
		t.Fatalf("SaveRateConfig: %v", err)
	}
	got, ok, err := s.LoadRateConfig()
	if err != nil || !ok {
		t.Fatalf("LoadRateConfig: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestWalletAndMiningFlags(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	if wif, err := GetWalletWIF(); err != nil || wif != "" {
		t.Fatalf("GetWalletWIF on empty db: %q %v", wif, err)
	}
	SetWalletWIF("L1abc")
	if wif, _ := GetWalletWIF(); wif != "L1abc" {
		t.Errorf("wif = %q", wif)
	}

	if on, set, err := GetMiningEnabled(); err != nil || on || set {
		t.Fatalf("GetMiningEnabled on empty db: %v %v %v", on, set, err)
	}
	SetMiningEnabled(true)
	if on, set, _ := GetMiningEnabled(); !on || !set {
		t.Error("mining flag not persisted")
	}
}

func newTx(id string) settlement.Transaction {
	now := time.Now()
	return settlement.Transaction{
		ID:        id,
		Amount:    decimal.RequireFromString("0.0002"),
		Address:   "1LoVGDgRs9hTfTNJNuXKSpywcbdvwRXpmK",
		Status:    settlement.StatusRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWithdrawalInsertGet(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tx := newTx("w-1")
	if err := InsertWithdrawal(ctx, tx); err != nil {
		t.Fatalf("InsertWithdrawal: %v", err)
	}
	if err := InsertWithdrawal(ctx, tx); err == nil {
		t.Error("duplicate txid accepted")
	}

	got, err := GetWithdrawal(ctx, "w-1")
	if err != nil {
		t.Fatalf("GetWithdrawal: %v", err)
	}
	if !got.Amount.Equal(tx.Amount) || got.Address != tx.Address || got.Status != settlement.StatusRequested {
		t.Errorf("got %+v", got)
	}
	if got.CreatedAt.UnixMilli() != tx.CreatedAt.UnixMilli() {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, tx.CreatedAt)
	}

	if _, err := GetWithdrawal(ctx, "missing"); !errors.Is(err, settlement.ErrNotFound) {
		t.Errorf("missing withdrawal: err = %v, want ErrNotFound", err)
	}
}

func TestMergeWithdrawal(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tx := newTx("w-1")
	InsertWithdrawal(ctx, tx)

	step := func(status settlement.Status, confs int) (settlement.Transaction, bool) {
		t.Helper()
		next := tx
		next.Status, next.Confirmations = status, confs
		next.Receipt = "r"
		stored, applied, err := MergeWithdrawal(ctx, next)
		if err != nil {
			t.Fatalf("MergeWithdrawal(%s, %d): %v", status, confs, err)
		}
		return stored, applied
	}

	if _, ok := step(settlement.StatusVerified, 0); !ok {
		t.Fatal("requested -> verified rejected")
	}
	if _, ok := step(settlement.StatusPending, 0); !ok {
		t.Fatal("verified -> pending rejected")
	}
	if _, ok := step(settlement.StatusPending, 0); ok {
		t.Error("identical write applied twice")
	}
	if _, ok := step(settlement.StatusPartiallyConfirmed, 1); !ok {
		t.Fatal("pending -> partially confirmed rejected")
	}
	if stored, ok := step(settlement.StatusPending, 1); ok || stored.Status != settlement.StatusPartiallyConfirmed {
		t.Errorf("stage regressed: applied=%v stored=%s", ok, stored.Status)
	}
	if stored, ok := step(settlement.StatusConfirmed, 3); !ok || stored.Confirmations != 3 {
		t.Fatalf("confirm failed: applied=%v stored=%+v", ok, stored)
	}
	if stored, ok := step(settlement.StatusFailed, 3); ok || stored.Status != settlement.StatusConfirmed {
		t.Errorf("terminal record overwritten: %s", stored.Status)
	}
	if stored, ok := step(settlement.StatusConfirmed, 9); ok || stored.Confirmations != 3 {
		t.Errorf("terminal confirmations changed: %d", stored.Confirmations)
	}

	if _, _, err := MergeWithdrawal(ctx, settlement.Transaction{ID: "missing", Status: settlement.StatusPending}); !errors.Is(err, settlement.ErrNotFound) {
		t.Errorf("merge of missing row: %v", err)
	}
}

func TestMergeWithdrawal_ConcurrentWriters(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tx := newTx("w-race")
	tx.Status = settlement.StatusPending
	InsertWithdrawal(ctx, tx)

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := tx
			next.Status, next.Confirmations = settlement.StatusConfirmed, 3
			if _, ok, err := MergeWithdrawal(ctx, next); err == nil && ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Errorf("applied = %d, want exactly 1", applied)
	}
}

func TestWithdrawalStore_Lists(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	var s WithdrawalStore

	base := time.Now()
	for i, st := range []settlement.Status{settlement.StatusPending, settlement.StatusConfirmed, settlement.StatusSubmitted} {
		tx := newTx(uuid.NewString())
		tx.Status = st
		tx.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.Insert(ctx, tx); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	all, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].Status != settlement.StatusSubmitted {
		t.Errorf("List not newest first: %+v", all)
	}
	two, _ := s.List(ctx, 2)
	if len(two) != 2 {
		t.Errorf("List(2) returned %d", len(two))
	}

	open, err := s.ListByStatus(ctx, settlement.StatusPending, settlement.StatusSubmitted)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(open) != 2 {
		t.Errorf("ListByStatus returned %d, want 2", len(open))
	}
	none, _ := s.ListByStatus(ctx)
	if len(none) != 0 {
		t.Errorf("ListByStatus() with no statuses returned %d", len(none))
	}
}

func TestLedgerJournal(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	bal, err := LastLedgerBalance()
	if err != nil || !bal.IsZero() {
		t.Fatalf("empty journal balance = %s, %v", bal, err)
	}

	l := ledger.New(zap.NewNop(), LedgerJournal{})
	l.Credit(decimal.RequireFromString("0.0005"), "tick")
	l.TryDebit(decimal.RequireFromString("0.0002"), "withdrawal:w-1")
	l.RecordPayout(ledger.PayoutEvent{Amount: decimal.RequireFromString("0.00004"), Source: "tick"})
	l.RecordPayout(ledger.PayoutEvent{Amount: decimal.RequireFromString("0.00001"), Source: "start"})

	bal, err = LastLedgerBalance()
	if err != nil {
		t.Fatalf("LastLedgerBalance: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("0.0003")) {
		t.Errorf("balance = %s, want 0.0003", bal)
	}

	entries, err := ListLedgerEntries(0)
	if err != nil {
		t.Fatalf("ListLedgerEntries: %v", err)
	}
	if len(entries) != 2 || entries[0].Type != ledger.EntryDebit || entries[0].Reference != "withdrawal:w-1" {
		t.Errorf("entries = %+v", entries)
	}

	payouts, err := ListPayouts(1)
	if err != nil {
		t.Fatalf("ListPayouts: %v", err)
	}
	if len(payouts) != 1 || payouts[0].Source != "start" {
		t.Errorf("ListPayouts(1) = %+v, want the newest payout", payouts)
	}
	all, _ := ListPayouts(0)
	if len(all) != 2 || all[0].Source != "tick" {
		t.Errorf("ListPayouts(0) = %+v, want oldest first", all)
	}

	// A fresh ledger restored from the journal picks up where it left off.
	restored := ledger.New(zap.NewNop(), LedgerJournal{})
	if err := restored.Restore(bal, all); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if last, ok := restored.LastPayout(); !ok || last.Source != "start" {
		t.Errorf("restored last payout = %+v", last)
	}
}

// cancelingVerifier cancels the caller's context before answering.
type cancelingVerifier struct {
	cancel context.CancelFunc
	err    error
}

func (v cancelingVerifier) Verify(context.Context, settlement.Request) error {
	v.cancel()
	return v.err
}

type approveAll struct{}

func (approveAll) Verify(context.Context, settlement.Request) error { return nil }

// cancelingProcessor cancels the caller's context after processing.
type cancelingProcessor struct{ cancel context.CancelFunc }

func (p cancelingProcessor) Process(_ context.Context, req settlement.Request) (string, error) {
	p.cancel()
	return "receipt-" + req.TxID, nil
}

func slowPolicy() settlement.Policy {
	p := settlement.DefaultPolicy()
	p.FirstDelay = time.Hour
	p.SecondDelay = time.Hour
	p.CallTimeout = time.Second
	return p
}

func TestPipeline_CanceledCallerStillReachesTerminal(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	l := ledger.New(zap.NewNop(), LedgerJournal{})
	l.Credit(decimal.RequireFromString("1"), "seed")

	ctx, cancel := context.WithCancel(context.Background())
	p := settlement.New(zap.NewNop(), slowPolicy(), WithdrawalStore{},
		cancelingVerifier{cancel: cancel, err: errors.New("declined")}, cancelingProcessor{cancel: cancel}, l)
	defer p.Close()

	tx, err := p.Request(ctx, decimal.RequireFromString("0.1"), "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH")
	if !errors.Is(err, settlement.ErrRejected) {
		t.Fatalf("Request error = %v, want ErrRejected", err)
	}
	stored, err := GetWithdrawal(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("GetWithdrawal: %v", err)
	}
	if stored.Status != settlement.StatusRejected {
		t.Errorf("stored status = %s, want rejected", stored.Status)
	}
	if !l.Balance().Equal(decimal.RequireFromString("1")) {
		t.Errorf("balance = %s, want 1", l.Balance())
	}
}

func TestPipeline_CanceledAfterProcessingKeepsDebitConsistent(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	l := ledger.New(zap.NewNop(), LedgerJournal{})
	l.Credit(decimal.RequireFromString("1"), "seed")

	ctx, cancel := context.WithCancel(context.Background())
	p := settlement.New(zap.NewNop(), slowPolicy(), WithdrawalStore{}, approveAll{}, cancelingProcessor{cancel: cancel}, l)

	tx, err := p.Request(ctx, decimal.RequireFromString("0.1"), "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if tx.Status != settlement.StatusPending {
		t.Errorf("returned status = %s, want pending", tx.Status)
	}
	stored, err := GetWithdrawal(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("GetWithdrawal: %v", err)
	}
	if stored.Status != settlement.StatusPending || !stored.Debited || stored.Receipt == "" {
		t.Errorf("stored = %+v, want a debited pending record with a receipt", stored)
	}
	p.Close()

	// A restart reschedules it instead of failing it.
	restarted := ledger.New(zap.NewNop(), LedgerJournal{})
	bal, err := LastLedgerBalance()
	if err != nil {
		t.Fatalf("LastLedgerBalance: %v", err)
	}
	restarted.Restore(bal, nil)
	p = settlement.New(zap.NewNop(), slowPolicy(), WithdrawalStore{}, approveAll{}, cancelingProcessor{cancel: func() {}}, restarted)
	defer p.Close()
	if err := p.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	stored, _ = GetWithdrawal(context.Background(), tx.ID)
	if stored.Status != settlement.StatusPending {
		t.Errorf("status after Resume = %s, want pending", stored.Status)
	}
	if !restarted.Balance().Equal(decimal.RequireFromString("0.9")) {
		t.Errorf("balance after Resume = %s, want 0.9", restarted.Balance())
	}
}

func TestPipeline_ResumeRefundsJournaledDebit(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	// The debit was journaled but the process died before the record said so.
	tx := newTx(uuid.NewString())
	tx.Status = settlement.StatusSubmitted
	if err := InsertWithdrawal(ctx, tx); err != nil {
		t.Fatalf("InsertWithdrawal: %v", err)
	}
	before := ledger.New(zap.NewNop(), LedgerJournal{})
	before.Credit(decimal.RequireFromString("1"), "seed")
	if !before.TryDebit(tx.Amount, "withdrawal:"+tx.ID) {
		t.Fatal("seed debit refused")
	}

	after := ledger.New(zap.NewNop(), LedgerJournal{})
	bal, err := LastLedgerBalance()
	if err != nil {
		t.Fatalf("LastLedgerBalance: %v", err)
	}
	after.Restore(bal, nil)

	p := settlement.New(zap.NewNop(), slowPolicy(), WithdrawalStore{}, approveAll{}, cancelingProcessor{cancel: func() {}}, after)
	defer p.Close()
	if err := p.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	stored, _ := GetWithdrawal(ctx, tx.ID)
	if stored.Status != settlement.StatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
	if !after.Balance().Equal(decimal.RequireFromString("1")) {
		t.Errorf("balance = %s, want the debit refunded", after.Balance())
	}
	refunded, err := LedgerJournal{}.HasReference("refund:" + tx.ID)
	if err != nil || !refunded {
		t.Errorf("HasReference(refund) = %v, %v", refunded, err)
	}
}

func TestLedgerJournal_HasReference(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	l := ledger.New(zap.NewNop(), LedgerJournal{})
	l.Credit(decimal.RequireFromString("1"), "seed")

	var j LedgerJournal
	if ok, err := j.HasReference("seed"); err != nil || !ok {
		t.Errorf("HasReference(seed) = %v, %v", ok, err)
	}
	if ok, err := j.HasReference("withdrawal:none"); err != nil || ok {
		t.Errorf("HasReference(withdrawal:none) = %v, %v", ok, err)
	}

	// A fresh ledger finds old references through the journal.
	fresh := ledger.New(zap.NewNop(), j)
	if ok, err := fresh.HasEntry("seed"); err != nil || !ok {
		t.Errorf("HasEntry(seed) = %v, %v", ok, err)
	}
}
