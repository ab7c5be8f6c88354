package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Debit modes.
const (
	// DebitAfterSubmit debits at Submitted -> Pending, after the processor
	// has accepted the withdrawal.
	DebitAfterSubmit = "after_submit"
	// DebitReserve debits after verification, before the processor call,
	// and refunds when processing fails.
	DebitReserve = "reserve"
)

// Policy holds the confirmation schedule and call limits.
type Policy struct {
	Threshold            int
	PartialConfirmations int
	FirstDelay           time.Duration
	SecondDelay          time.Duration
	CallTimeout          time.Duration
	DebitMode            string
}

// DefaultPolicy mirrors the stock confirmation schedule.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:            3,
		PartialConfirmations: 1,
		FirstDelay:           8 * time.Second,
		SecondDelay:          15 * time.Second,
		CallTimeout:          30 * time.Second,
		DebitMode:            DebitAfterSubmit,
	}
}

// CallObserver receives the outcome of each external call.
type CallObserver func(call string, took time.Duration, err error)

// Pipeline owns every withdrawal's state machine. Confirmation steps run as
// scheduled continuations under the pipeline's own context; Close cancels
// them.
type Pipeline struct {
	logger    *zap.Logger
	policy    Policy
	store     Store
	verifier  Verifier
	processor Processor
	ledger    Debiter
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	listeners []func(Transaction)
	observers []CallObserver
}

// New creates a pipeline.
func New(logger *zap.Logger, policy Policy, store Store, v Verifier, p Processor, l Debiter) *Pipeline {
	def := DefaultPolicy()
	if policy.Threshold <= 0 {
		policy.Threshold = def.Threshold
	}
	if policy.PartialConfirmations <= 0 || policy.PartialConfirmations >= policy.Threshold {
		policy.PartialConfirmations = min(def.PartialConfirmations, policy.Threshold-1)
	}
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = def.CallTimeout
	}
	if policy.DebitMode == "" {
		policy.DebitMode = DebitAfterSubmit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		logger:    logger.Named("settlement"),
		policy:    policy,
		store:     store,
		verifier:  v,
		processor: p,
		ledger:    l,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Policy returns the effective policy.
func (p *Pipeline) Policy() Policy { return p.policy }

// OnTransition registers fn to run after each persisted change.
func (p *Pipeline) OnTransition(fn func(Transaction)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// OnCall registers an observer for verifier, processor and compensator calls.
func (p *Pipeline) OnCall(fn CallObserver) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// Request creates a withdrawal and runs it synchronously up to Pending (or a
// terminal failure). The returned transaction reflects the last stored
// state; on failure it is returned together with an error wrapping one of
// ErrRejected, ErrProcessingFailed or ErrInsufficientBalance.
//
// Once admitted, a withdrawal runs to Pending or a terminal state even if
// ctx is canceled; only the policy's CallTimeout bounds external calls.
func (p *Pipeline) Request(ctx context.Context, amount decimal.Decimal, address string) (Transaction, error) {
	ctx = context.WithoutCancel(ctx)
	address = strings.TrimSpace(address)
	if !amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if address == "" {
		return Transaction{}, fmt.Errorf("%w: destination address is required", ErrInvalidRequest)
	}
	if p.isClosed() {
		return Transaction{}, ErrClosed
	}

	now := p.now()
	tx := Transaction{
		ID:        uuid.NewString(),
		Amount:    amount,
		Address:   address,
		Status:    StatusRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.Insert(ctx, tx); err != nil {
		return Transaction{}, fmt.Errorf("store withdrawal: %w", err)
	}
	p.notify(tx)
	log := p.logger.With(zap.String("txid", tx.ID), zap.String("amount", amount.String()))
	log.Info("Withdrawal requested", zap.String("address", address))

	if err := p.call(ctx, "verify", func(cctx context.Context) error {
		return p.verifier.Verify(cctx, tx.request())
	}); err != nil {
		log.Info("Withdrawal rejected", zap.Error(err))
		tx, _ = p.move(ctx, tx, StatusRejected, func(t *Transaction) { t.Error = err.Error() })
		return tx, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	var err error
	if tx, err = p.move(ctx, tx, StatusVerified, nil); err != nil {
		return tx, err
	}

	reserve := p.policy.DebitMode == DebitReserve
	if reserve {
		if !p.ledger.TryDebit(amount, "withdrawal:"+tx.ID) {
			log.Info("Withdrawal failed, balance does not cover it")
			tx, _ = p.move(ctx, tx, StatusFailed, func(t *Transaction) { t.Error = ErrInsufficientBalance.Error() })
			return tx, ErrInsufficientBalance
		}
	}
	if tx, err = p.move(ctx, tx, StatusSubmitted, func(t *Transaction) { t.Debited = reserve }); err != nil {
		if reserve {
			p.refund(tx)
		}
		return tx, err
	}

	var receipt string
	if err := p.call(ctx, "process", func(cctx context.Context) error {
		var perr error
		receipt, perr = p.processor.Process(cctx, tx.request())
		return perr
	}); err != nil {
		log.Warn("Withdrawal processing failed", zap.Error(err))
		if reserve {
			p.refund(tx)
		}
		tx, _ = p.move(ctx, tx, StatusFailed, func(t *Transaction) {
			t.Error = err.Error()
			t.Debited = false
		})
		return tx, fmt.Errorf("%w: %w", ErrProcessingFailed, err)
	}

	if !reserve && !p.ledger.TryDebit(amount, "withdrawal:"+tx.ID) {
		log.Warn("Withdrawal processed but balance no longer covers it")
		compensated := p.compensate(ctx, tx, ErrInsufficientBalance.Error())
		tx, _ = p.move(ctx, tx, StatusFailed, func(t *Transaction) {
			t.Receipt = receipt
			t.Error = ErrInsufficientBalance.Error()
			t.Compensated = compensated
		})
		return tx, ErrInsufficientBalance
	}

	pending, err := p.move(ctx, tx, StatusPending, func(t *Transaction) {
		t.Receipt = receipt
		t.Debited = true
		t.Confirmations = 0
	})
	if err != nil {
		// Without a stored Pending record nothing would ever confirm it.
		log.Error("Failed to persist pending withdrawal, undoing it", zap.Error(err))
		p.refund(tx)
		compensated := p.compensate(ctx, tx, "pending write failed")
		tx, _ = p.move(ctx, tx, StatusFailed, func(t *Transaction) {
			t.Receipt = receipt
			t.Error = err.Error()
			t.Debited = false
			t.Compensated = compensated
		})
		return tx, fmt.Errorf("%w: %w", ErrProcessingFailed, err)
	}
	tx = pending
	log.Info("Withdrawal pending confirmation")
	p.schedule(tx)
	return tx, nil
}

// Advance moves a confirmation stage forward. It re-reads the stored
// record first, so a stale or repeated call is a no-op reported as
// applied == false.
func (p *Pipeline) Advance(ctx context.Context, id string, status Status, confirmations int) (Transaction, bool, error) {
	switch status {
	case StatusPartiallyConfirmed:
	case StatusConfirmed:
		confirmations = max(confirmations, p.policy.Threshold)
	default:
		return Transaction{}, false, fmt.Errorf("%w: cannot advance to %s", ErrInvalidRequest, status)
	}

	cur, err := p.store.Get(ctx, id)
	if err != nil {
		return Transaction{}, false, err
	}
	next := cur
	next.Status = status
	next.Confirmations = confirmations
	next.UpdatedAt = p.now()
	if !MergeAllowed(cur, next) {
		return cur, false, nil
	}
	stored, applied, err := p.store.Merge(ctx, next)
	if err != nil {
		return cur, false, fmt.Errorf("advance %s: %w", id, err)
	}
	if applied {
		p.notify(stored)
		p.logger.Info("Withdrawal advanced",
			zap.String("txid", id),
			zap.String("status", string(stored.Status)),
			zap.Int("confirmations", stored.Confirmations))
	}
	return stored, applied, nil
}

// Resume picks up records left behind by a previous run. Pending and
// partially confirmed withdrawals get their continuations back; records
// interrupted before they were settled are failed, refunded when already
// debited and compensated when the processor may have acted.
func (p *Pipeline) Resume(ctx context.Context) error {
	waiting, err := p.store.ListByStatus(ctx, StatusPending, StatusPartiallyConfirmed)
	if err != nil {
		return fmt.Errorf("list pending withdrawals: %w", err)
	}
	for _, tx := range waiting {
		p.schedule(tx)
	}

	stuck, err := p.store.ListByStatus(ctx, StatusRequested, StatusVerified, StatusSubmitted)
	if err != nil {
		return fmt.Errorf("list interrupted withdrawals: %w", err)
	}
	for _, tx := range stuck {
		compensated := false
		if tx.Status == StatusSubmitted {
			compensated = p.compensate(ctx, tx, "interrupted")
		}
		if p.debitOutstanding(tx) {
			p.refund(tx)
		}
		if _, err := p.move(ctx, tx, StatusFailed, func(t *Transaction) {
			t.Error = "interrupted before settlement"
			t.Compensated = compensated
			t.Debited = false
		}); err != nil {
			p.logger.Warn("Failed to close interrupted withdrawal", zap.String("txid", tx.ID), zap.Error(err))
		}
	}
	p.logger.Info("Settlement resumed", zap.Int("rescheduled", len(waiting)), zap.Int("failed", len(stuck)))
	return nil
}

// Get returns a stored withdrawal.
func (p *Pipeline) Get(ctx context.Context, id string) (Transaction, error) {
	return p.store.Get(ctx, id)
}

// List returns up to limit withdrawals, newest first.
func (p *Pipeline) List(ctx context.Context, limit int) ([]Transaction, error) {
	return p.store.List(ctx, limit)
}

// Close cancels scheduled continuations and waits for them to return.
// Withdrawals left pending are picked up again by Resume.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) schedule(tx Transaction) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if tx.Status.Rank() < StatusPartiallyConfirmed.Rank() {
			if !p.sleep(p.policy.FirstDelay) {
				return
			}
			if _, _, err := p.Advance(p.ctx, tx.ID, StatusPartiallyConfirmed, p.policy.PartialConfirmations); err != nil {
				p.logger.Warn("Confirmation step failed", zap.String("txid", tx.ID), zap.Error(err))
			}
		}
		if !p.sleep(p.policy.SecondDelay) {
			return
		}
		if _, _, err := p.Advance(p.ctx, tx.ID, StatusConfirmed, p.policy.Threshold); err != nil {
			p.logger.Warn("Confirmation step failed", zap.String("txid", tx.ID), zap.Error(err))
		}
	}()
}

func (p *Pipeline) sleep(d time.Duration) bool {
	if d <= 0 {
		return p.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// move persists a synchronous stage change. The stored record wins when a
// concurrent writer got there first.
func (p *Pipeline) move(ctx context.Context, tx Transaction, status Status, mutate func(*Transaction)) (Transaction, error) {
	next := tx
	next.Status = status
	next.UpdatedAt = p.now()
	if mutate != nil {
		mutate(&next)
	}
	stored, applied, err := p.store.Merge(ctx, next)
	if err != nil {
		p.logger.Warn("Failed to persist withdrawal",
			zap.String("txid", tx.ID), zap.String("status", string(status)), zap.Error(err))
		return next, fmt.Errorf("persist %s: %w", status, err)
	}
	if !applied {
		return stored, fmt.Errorf("withdrawal %s already %s", tx.ID, stored.Status)
	}
	p.notify(stored)
	return stored, nil
}

// debitOutstanding reports whether tx holds a debit that was never refunded.
// When the ledger can look up its journal, that is the authority, since a
// crash may land between the debit and the write recording it.
func (p *Pipeline) debitOutstanding(tx Transaction) bool {
	lookup, ok := p.ledger.(EntryLookup)
	if !ok {
		return tx.Debited
	}
	debited := tx.Debited
	if !debited {
		found, err := lookup.HasEntry("withdrawal:" + tx.ID)
		if err != nil {
			p.logger.Warn("Debit lookup failed", zap.String("txid", tx.ID), zap.Error(err))
		}
		debited = found
	}
	if !debited {
		return false
	}
	refunded, err := lookup.HasEntry("refund:" + tx.ID)
	if err != nil {
		p.logger.Warn("Refund lookup failed", zap.String("txid", tx.ID), zap.Error(err))
		return false
	}
	return !refunded
}

func (p *Pipeline) refund(tx Transaction) {
	if err := p.ledger.Credit(tx.Amount, "refund:"+tx.ID); err != nil {
		p.logger.Error("Refund failed", zap.String("txid", tx.ID), zap.Error(err))
	}
}

// compensate asks the processor to undo tx and reports whether it did.
func (p *Pipeline) compensate(ctx context.Context, tx Transaction, reason string) bool {
	c, ok := p.processor.(Compensator)
	if !ok {
		p.logger.Warn("Processor cannot compensate, withdrawal needs manual review", zap.String("txid", tx.ID))
		return false
	}
	err := p.call(ctx, "compensate", func(cctx context.Context) error {
		return c.Compensate(cctx, tx.request(), reason)
	})
	if err != nil {
		p.logger.Error("Compensation failed", zap.String("txid", tx.ID), zap.Error(err))
		return false
	}
	return true
}

func (p *Pipeline) call(ctx context.Context, name string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, p.policy.CallTimeout)
	defer cancel()
	start := time.Now()
	err := fn(cctx)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%s timed out after %s: %w", name, p.policy.CallTimeout, err)
	}

	p.mu.Lock()
	observers := p.observers
	p.mu.Unlock()
	for _, fn := range observers {
		fn(name, time.Since(start), err)
	}
	return err
}

func (p *Pipeline) notify(tx Transaction) {
	p.mu.Lock()
	listeners := p.listeners
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(tx)
	}
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
