package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/b0ase/path402/apps/hashdash/internal/ledger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const addr = "1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH"

type fakeVerifier struct{ err error }

func (f *fakeVerifier) Verify(context.Context, Request) error { return f.err }

type fakeProcessor struct {
	mu           sync.Mutex
	err          error
	processed    []Request
	compensated  []Request
	compensateOK bool
	block        chan struct{}
}

func (f *fakeProcessor) Process(ctx context.Context, req Request) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.processed = append(f.processed, req)
	return "receipt-" + req.TxID, nil
}

func (f *fakeProcessor) Compensate(_ context.Context, req Request, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compensated = append(f.compensated, req)
	if !f.compensateOK {
		return errors.New("cannot cancel")
	}
	return nil
}

// plainProcessor has no compensation support.
type plainProcessor struct{}

func (plainProcessor) Process(_ context.Context, req Request) (string, error) {
	return "ok", nil
}

func fastPolicy() Policy {
	p := DefaultPolicy()
	p.FirstDelay = 20 * time.Millisecond
	p.SecondDelay = 20 * time.Millisecond
	p.CallTimeout = time.Second
	return p
}

type harness struct {
	pipe  *Pipeline
	store *MemoryStore
	led   *ledger.Ledger
	proc  *fakeProcessor
	ver   *fakeVerifier

	mu   sync.Mutex
	seen map[string][]Transaction
}

func newHarness(t *testing.T, balance string, policy Policy) *harness {
	t.Helper()
	h := &harness{
		store: NewMemoryStore(),
		led:   ledger.New(zap.NewNop(), nil),
		proc:  &fakeProcessor{compensateOK: true},
		ver:   &fakeVerifier{},
		seen:  make(map[string][]Transaction),
	}
	require.NoError(t, h.led.Credit(d(balance), "seed"))
	h.pipe = New(zap.NewNop(), policy, h.store, h.ver, h.proc, h.led)
	h.pipe.OnTransition(func(tx Transaction) {
		h.mu.Lock()
		h.seen[tx.ID] = append(h.seen[tx.ID], tx)
		h.mu.Unlock()
	})
	t.Cleanup(h.pipe.Close)
	return h
}

func (h *harness) statuses(id string) []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Status
	for _, tx := range h.seen[id] {
		out = append(out, tx.Status)
	}
	return out
}

func (h *harness) waitStatus(t *testing.T, id string, want Status) Transaction {
	t.Helper()
	var tx Transaction
	require.Eventually(t, func() bool {
		var err error
		tx, err = h.pipe.Get(context.Background(), id)
		return err == nil && tx.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	return tx
}

func TestRequest_CompletesAndConfirms(t *testing.T) {
	h := newHarness(t, "0.0005", fastPolicy())

	tx, err := h.pipe.Request(context.Background(), d("0.0002"), addr)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)
	assert.Equal(t, 0, tx.Confirmations)
	assert.True(t, tx.Debited)
	assert.Equal(t, "receipt-"+tx.ID, tx.Receipt)
	assert.True(t, h.led.Balance().Equal(d("0.0003")))

	final := h.waitStatus(t, tx.ID, StatusConfirmed)
	assert.Equal(t, 3, final.Confirmations)
	assert.Equal(t, []Status{
		StatusRequested, StatusVerified, StatusSubmitted, StatusPending,
		StatusPartiallyConfirmed, StatusConfirmed,
	}, h.statuses(tx.ID))

	h.mu.Lock()
	var confs []int
	for _, s := range h.seen[tx.ID] {
		confs = append(confs, s.Confirmations)
	}
	h.mu.Unlock()
	assert.Equal(t, []int{0, 0, 0, 0, 1, 3}, confs)
	assert.True(t, h.led.Balance().Equal(d("0.0003")))
}

func TestRequest_InsufficientBalanceAtDebit(t *testing.T) {
	h := newHarness(t, "0.0005", fastPolicy())

	tx, err := h.pipe.Request(context.Background(), d("0.0008"), addr)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, StatusFailed, tx.Status)
	assert.True(t, tx.Compensated)
	assert.False(t, tx.Debited)
	assert.True(t, h.led.Balance().Equal(d("0.0005")))

	require.Len(t, h.proc.processed, 1, "processing succeeded before the debit check")
	require.Len(t, h.proc.compensated, 1)
	assert.Equal(t, tx.ID, h.proc.compensated[0].TxID)
	assert.Equal(t, []Status{StatusRequested, StatusVerified, StatusSubmitted, StatusFailed}, h.statuses(tx.ID))
}

func TestRequest_InsufficientBalanceWithoutCompensator(t *testing.T) {
	led := ledger.New(zap.NewNop(), nil)
	p := New(zap.NewNop(), fastPolicy(), NewMemoryStore(), &fakeVerifier{}, plainProcessor{}, led)
	t.Cleanup(p.Close)

	tx, err := p.Request(context.Background(), d("1"), addr)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, StatusFailed, tx.Status)
	assert.False(t, tx.Compensated)
}

func TestRequest_RacingWithdrawals(t *testing.T) {
	h := newHarness(t, "0.0005", fastPolicy())

	amounts := []decimal.Decimal{d("0.0003"), d("0.0004")}
	txs := make([]Transaction, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range amounts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txs[i], errs[i] = h.pipe.Request(context.Background(), amounts[i], addr)
		}(i)
	}
	wg.Wait()

	winner := -1
	for i := range txs {
		if errs[i] == nil {
			require.Equal(t, -1, winner, "only one withdrawal may pass the debit")
			winner = i
		} else {
			assert.ErrorIs(t, errs[i], ErrInsufficientBalance)
			assert.Equal(t, StatusFailed, txs[i].Status)
		}
	}
	require.NotEqual(t, -1, winner)

	h.waitStatus(t, txs[winner].ID, StatusConfirmed)
	want := d("0.0005").Sub(amounts[winner])
	assert.True(t, h.led.Balance().Equal(want), "balance %s want %s", h.led.Balance(), want)
}

func TestRequest_Rejected(t *testing.T) {
	h := newHarness(t, "0.0005", fastPolicy())
	h.ver.err = errors.New("address on blocklist")

	tx, err := h.pipe.Request(context.Background(), d("0.0001"), addr)
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, StatusRejected, tx.Status)
	assert.Contains(t, tx.Error, "blocklist")
	assert.Empty(t, h.proc.processed)
	assert.True(t, h.led.Balance().Equal(d("0.0005")))
}

func TestRequest_ProcessingFailed(t *testing.T) {
	h := newHarness(t, "0.0005", fastPolicy())
	h.proc.err = errors.New("processor offline")

	tx, err := h.pipe.Request(context.Background(), d("0.0001"), addr)
	require.ErrorIs(t, err, ErrProcessingFailed)
	assert.Equal(t, StatusFailed, tx.Status)
	assert.True(t, h.led.Balance().Equal(d("0.0005")))
	assert.Equal(t, []Status{StatusRequested, StatusVerified, StatusSubmitted, StatusFailed}, h.statuses(tx.ID))
}

func TestRequest_ProcessingTimesOut(t *testing.T) {
	policy := fastPolicy()
	policy.CallTimeout = 30 * time.Millisecond
	h := newHarness(t, "0.0005", policy)
	h.proc.block = make(chan struct{})

	tx, err := h.pipe.Request(context.Background(), d("0.0001"), addr)
	require.ErrorIs(t, err, ErrProcessingFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusFailed, tx.Status)
}

func TestRequest_Invalid(t *testing.T) {
	h := newHarness(t, "1", fastPolicy())
	for _, c := range []struct {
		amount  decimal.Decimal
		address string
	}{
		{decimal.Zero, addr},
		{d("-1"), addr},
		{d("0.1"), "   "},
	} {
		_, err := h.pipe.Request(context.Background(), c.amount, c.address)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	all, err := h.pipe.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReserveMode(t *testing.T) {
	policy := fastPolicy()
	policy.DebitMode = DebitReserve

	t.Run("debits before processing", func(t *testing.T) {
		h := newHarness(t, "0.0005", policy)
		tx, err := h.pipe.Request(context.Background(), d("0.0002"), addr)
		require.NoError(t, err)
		assert.True(t, tx.Debited)
		assert.True(t, h.led.Balance().Equal(d("0.0003")))
		h.waitStatus(t, tx.ID, StatusConfirmed)
	})

	t.Run("insufficient balance never reaches the processor", func(t *testing.T) {
		h := newHarness(t, "0.0005", policy)
		tx, err := h.pipe.Request(context.Background(), d("0.0008"), addr)
		require.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, StatusFailed, tx.Status)
		assert.Empty(t, h.proc.processed)
		assert.Empty(t, h.proc.compensated)
	})

	t.Run("refunds when processing fails", func(t *testing.T) {
		h := newHarness(t, "0.0005", policy)
		h.proc.err = errors.New("declined")
		tx, err := h.pipe.Request(context.Background(), d("0.0002"), addr)
		require.ErrorIs(t, err, ErrProcessingFailed)
		assert.False(t, tx.Debited)
		assert.True(t, h.led.Balance().Equal(d("0.0005")))
	})
}

func TestAdvance_IdempotentAndSticky(t *testing.T) {
	policy := fastPolicy()
	policy.FirstDelay = time.Hour
	h := newHarness(t, "1", policy)

	tx, err := h.pipe.Request(context.Background(), d("0.1"), addr)
	require.NoError(t, err)
	ctx := context.Background()

	got, applied, err := h.pipe.Advance(ctx, tx.ID, StatusPartiallyConfirmed, 1)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, got.Confirmations)

	_, applied, err = h.pipe.Advance(ctx, tx.ID, StatusPartiallyConfirmed, 1)
	require.NoError(t, err)
	assert.False(t, applied, "repeating a step is a no-op")

	got, applied, err = h.pipe.Advance(ctx, tx.ID, StatusConfirmed, 0)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 3, got.Confirmations, "confirmed always carries the threshold")

	got, applied, err = h.pipe.Advance(ctx, tx.ID, StatusPartiallyConfirmed, 1)
	require.NoError(t, err)
	assert.False(t, applied, "terminal records are sticky")
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, 3, got.Confirmations)

	_, _, err = h.pipe.Advance(ctx, tx.ID, StatusFailed, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, _, err = h.pipe.Advance(ctx, "missing", StatusConfirmed, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfirmationsNeverDecrease(t *testing.T) {
	h := newHarness(t, "1", fastPolicy())
	var ids []string
	for i := 0; i < 5; i++ {
		tx, err := h.pipe.Request(context.Background(), d("0.01"), addr)
		require.NoError(t, err)
		ids = append(ids, tx.ID)
		// A concurrent actor racing the scheduled steps.
		go h.pipe.Advance(context.Background(), tx.ID, StatusConfirmed, 3)
	}
	for _, id := range ids {
		h.waitStatus(t, id, StatusConfirmed)
	}
	time.Sleep(60 * time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		last := -1
		terminal := false
		for _, tx := range h.seen[id] {
			assert.False(t, terminal, "no change after a terminal state")
			assert.GreaterOrEqual(t, tx.Confirmations, last)
			last = tx.Confirmations
			terminal = tx.Status.Terminal()
		}
	}
}

func TestResume(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	seed := []Transaction{
		{ID: "pending", Amount: d("0.1"), Address: addr, Status: StatusPending, Debited: true},
		{ID: "partial", Amount: d("0.1"), Address: addr, Status: StatusPartiallyConfirmed, Confirmations: 1, Debited: true},
		{ID: "requested", Amount: d("0.1"), Address: addr, Status: StatusRequested},
		{ID: "submitted", Amount: d("0.1"), Address: addr, Status: StatusSubmitted},
		{ID: "reserved", Amount: d("0.2"), Address: addr, Status: StatusSubmitted, Debited: true},
		{ID: "done", Amount: d("0.1"), Address: addr, Status: StatusConfirmed, Confirmations: 3},
	}
	for _, tx := range seed {
		tx.CreatedAt, tx.UpdatedAt = now, now
		require.NoError(t, store.Insert(ctx, tx))
	}

	led := ledger.New(zap.NewNop(), nil)
	proc := &fakeProcessor{compensateOK: true}
	p := New(zap.NewNop(), fastPolicy(), store, &fakeVerifier{}, proc, led)
	t.Cleanup(p.Close)
	require.NoError(t, p.Resume(ctx))

	for _, id := range []string{"pending", "partial"} {
		require.Eventually(t, func() bool {
			tx, _ := store.Get(ctx, id)
			return tx.Status == StatusConfirmed && tx.Confirmations == 3
		}, 3*time.Second, 5*time.Millisecond, id)
	}
	for _, id := range []string{"requested", "submitted", "reserved"} {
		tx, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, tx.Status, id)
	}
	sub, _ := store.Get(ctx, "submitted")
	assert.True(t, sub.Compensated)
	req, _ := store.Get(ctx, "requested")
	assert.False(t, req.Compensated, "nothing reached the processor")
	assert.Len(t, proc.compensated, 2)
	assert.True(t, led.Balance().Equal(d("0.2")), "reserved debit refunded")
}

func TestClose_StopsContinuations(t *testing.T) {
	policy := fastPolicy()
	policy.FirstDelay = 50 * time.Millisecond
	h := newHarness(t, "1", policy)

	tx, err := h.pipe.Request(context.Background(), d("0.1"), addr)
	require.NoError(t, err)
	h.pipe.Close()
	time.Sleep(100 * time.Millisecond)

	got, err := h.pipe.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "left for the next Resume")

	_, err = h.pipe.Request(context.Background(), d("0.1"), addr)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOnCall(t *testing.T) {
	h := newHarness(t, "1", fastPolicy())
	var mu sync.Mutex
	var calls []string
	h.pipe.OnCall(func(call string, _ time.Duration, _ error) {
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()
	})
	_, err := h.pipe.Request(context.Background(), d("0.1"), addr)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"verify", "process"}, calls)
}

func TestMergeAllowed(t *testing.T) {
	base := Transaction{ID: "x", Status: StatusPending}
	with := func(s Status, c int) Transaction {
		tx := base
		tx.Status, tx.Confirmations = s, c
		return tx
	}
	cases := []struct {
		name string
		cur  Transaction
		next Transaction
		want bool
	}{
		{"forward stage", with(StatusPending, 0), with(StatusPartiallyConfirmed, 1), true},
		{"skip to confirmed", with(StatusPending, 0), with(StatusConfirmed, 3), true},
		{"same write twice", with(StatusPartiallyConfirmed, 1), with(StatusPartiallyConfirmed, 1), false},
		{"fewer confirmations", with(StatusPartiallyConfirmed, 2), with(StatusConfirmed, 1), false},
		{"stage regression", with(StatusPartiallyConfirmed, 1), with(StatusPending, 1), false},
		{"terminal sticky", with(StatusConfirmed, 3), with(StatusConfirmed, 4), false},
		{"failed sticky", with(StatusFailed, 0), with(StatusPending, 0), false},
		{"more confirmations same stage", with(StatusPartiallyConfirmed, 1), with(StatusPartiallyConfirmed, 2), true},
		{"unknown status", with(StatusPending, 0), with("lost", 0), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, MergeAllowed(c.cur, c.next))
		})
	}
}

// flakyStore honors ctx and fails merges into the listed statuses.
type flakyStore struct {
	*MemoryStore
	mu   sync.Mutex
	fail map[Status]bool
}

func (s *flakyStore) Merge(ctx context.Context, next Transaction) (Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, false, err
	}
	s.mu.Lock()
	fail := s.fail[next.Status]
	s.mu.Unlock()
	if fail {
		return Transaction{}, false, errors.New("disk full")
	}
	return s.MemoryStore.Merge(ctx, next)
}

func (s *flakyStore) heal() {
	s.mu.Lock()
	s.fail = nil
	s.mu.Unlock()
}

// cancelOnVerify cancels the caller's context while verifying.
type cancelOnVerify struct {
	cancel context.CancelFunc
	err    error
}

func (v cancelOnVerify) Verify(context.Context, Request) error {
	v.cancel()
	return v.err
}

func TestRequest_CallerCancelDuringVerify(t *testing.T) {
	for _, tc := range []struct {
		name   string
		err    error
		status Status
	}{
		{"declined", errors.New("no"), StatusRejected},
		{"approved", nil, StatusPending},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := &flakyStore{MemoryStore: NewMemoryStore()}
			led := ledger.New(zap.NewNop(), nil)
			require.NoError(t, led.Credit(d("1"), "seed"))
			ctx, cancel := context.WithCancel(context.Background())
			p := New(zap.NewNop(), fastPolicy(), store, cancelOnVerify{cancel: cancel, err: tc.err},
				&fakeProcessor{compensateOK: true}, led)
			t.Cleanup(p.Close)

			tx, _ := p.Request(ctx, d("0.1"), addr)
			stored, err := store.Get(context.Background(), tx.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, stored.Status)
			assert.Equal(t, tc.status, tx.Status)
		})
	}
}

func TestRequest_PendingWriteFailureUndoesDebit(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), fail: map[Status]bool{StatusPending: true}}
	led := ledger.New(zap.NewNop(), nil)
	require.NoError(t, led.Credit(d("1"), "seed"))
	proc := &fakeProcessor{compensateOK: true}
	p := New(zap.NewNop(), fastPolicy(), store, &fakeVerifier{}, proc, led)
	t.Cleanup(p.Close)

	tx, err := p.Request(context.Background(), d("0.1"), addr)
	require.ErrorIs(t, err, ErrProcessingFailed)
	assert.Equal(t, StatusFailed, tx.Status)
	assert.True(t, tx.Compensated)
	assert.True(t, led.Balance().Equal(d("1")))
	assert.Len(t, proc.compensated, 1)
}

func TestResume_AfterFailedWritesDoesNotRefundTwice(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), fail: map[Status]bool{StatusPending: true, StatusFailed: true}}
	led := ledger.New(zap.NewNop(), nil)
	require.NoError(t, led.Credit(d("1"), "seed"))
	p := New(zap.NewNop(), fastPolicy(), store, &fakeVerifier{}, &fakeProcessor{compensateOK: true}, led)

	tx, err := p.Request(context.Background(), d("0.1"), addr)
	require.ErrorIs(t, err, ErrProcessingFailed)
	p.Close()

	stored, err := store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, stored.Status, "nothing after submit was written")
	require.True(t, led.Balance().Equal(d("1")))

	store.heal()
	p = New(zap.NewNop(), fastPolicy(), store, &fakeVerifier{}, &fakeProcessor{compensateOK: true}, led)
	t.Cleanup(p.Close)
	require.NoError(t, p.Resume(context.Background()))

	stored, _ = store.Get(context.Background(), tx.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.True(t, led.Balance().Equal(d("1")), "refund already applied")
}

func TestResume_RefundsDebitMissingFromRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	tx := Transaction{ID: "crashed", Amount: d("0.3"), Address: addr, Status: StatusSubmitted, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.Insert(ctx, tx))

	led := ledger.New(zap.NewNop(), nil)
	require.NoError(t, led.Credit(d("1"), "seed"))
	require.True(t, led.TryDebit(d("0.3"), "withdrawal:crashed"))

	p := New(zap.NewNop(), fastPolicy(), store, &fakeVerifier{}, &fakeProcessor{compensateOK: true}, led)
	t.Cleanup(p.Close)
	require.NoError(t, p.Resume(ctx))

	got, _ := store.Get(ctx, "crashed")
	assert.Equal(t, StatusFailed, got.Status)
	assert.True(t, got.Compensated)
	assert.True(t, led.Balance().Equal(d("1")))
}
