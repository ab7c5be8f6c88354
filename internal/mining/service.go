// Package mining turns the effective rate into balance increments on a
// periodic tick while mining is enabled.
package mining

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/b0ase/path402/apps/hashdash/internal/ledger"
	"github.com/b0ase/path402/apps/hashdash/internal/rates"
)

// Payout sources recorded on PayoutEvent.Source.
const (
	PayoutSourceTick  = "tick"
	PayoutSourceStart = "start"
)

// incrementPlaces keeps enough precision for sub-satoshi per-tick credits.
const incrementPlaces = 24

// bonusPlaces rounds payout and bonus draws to whole satoshis.
const bonusPlaces = 8

var twoPow32 = decimal.NewFromInt(1 << 32)

// Config holds engine parameters.
type Config struct {
	Interval          time.Duration
	BlockReward       decimal.Decimal
	SecondsPerBlock   int64
	VarianceMin       float64
	VarianceMax       float64
	PayoutProbability float64
	PayoutMin         decimal.Decimal
	PayoutMax         decimal.Decimal
	StartBonusMin     decimal.Decimal
	StartBonusMax     decimal.Decimal
}

// RateSource yields the current effective rate.
type RateSource interface {
	Resolve() rates.Rate
}

// Ledger is the part of the ledger the engine writes to.
type Ledger interface {
	Credit(amount decimal.Decimal, ref string) error
	RecordPayout(ev ledger.PayoutEvent)
}

// TickEvent describes one completed tick.
type TickEvent struct {
	Rate       rates.Rate
	Difficulty decimal.Decimal
	Variance   float64
	Increment  decimal.Decimal
	Timestamp  time.Time
}

// Status is a point-in-time view of the engine.
type Status struct {
	Mining         bool            `json:"mining"`
	Rate           rates.Rate      `json:"rate"`
	NormalizedRate decimal.Decimal `json:"normalized_rate"`
	Difficulty     decimal.Decimal `json:"difficulty"`
	Ticks          uint64          `json:"ticks"`
	LastIncrement  decimal.Decimal `json:"last_increment"`
	Accrued        decimal.Decimal `json:"accrued"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
}

// Engine runs the accrual loop. Ticks run on a single goroutine, so they
// never overlap.
type Engine struct {
	cfg        Config
	logger     *zap.Logger
	rates      RateSource
	ledger     Ledger
	difficulty DifficultySource
	rng        Random

	mu            sync.Mutex
	mining        bool
	cancel        context.CancelFunc
	done          chan struct{}
	ticks         uint64
	lastIncrement decimal.Decimal
	accrued       decimal.Decimal
	startedAt     time.Time
	onTick        []func(TickEvent)
	onPayout      []func(ledger.PayoutEvent)
}

// NewEngine creates a stopped engine. A nil rng uses a time-seeded source.
func NewEngine(logger *zap.Logger, cfg Config, src RateSource, l Ledger, diff DifficultySource, rng Random) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.VarianceMax < cfg.VarianceMin {
		cfg.VarianceMin, cfg.VarianceMax = cfg.VarianceMax, cfg.VarianceMin
	}
	if rng == nil {
		rng = NewRandom(uint64(time.Now().UnixNano()))
	}
	return &Engine{
		cfg:        cfg,
		logger:     logger.Named("mining"),
		rates:      src,
		ledger:     l,
		difficulty: diff,
		rng:        &lockedRandom{src: rng},
	}
}

// OnTick registers a callback run after each tick's credit.
func (e *Engine) OnTick(fn func(TickEvent)) {
	e.mu.Lock()
	e.onTick = append(e.onTick, fn)
	e.mu.Unlock()
}

// OnPayout registers a callback for payout events, start bonuses included.
func (e *Engine) OnPayout(fn func(ledger.PayoutEvent)) {
	e.mu.Lock()
	e.onPayout = append(e.onPayout, fn)
	e.mu.Unlock()
}

// SetMining switches mining on or off and reports whether the state
// changed. Only a false to true edge credits the start bonus.
func (e *Engine) SetMining(enabled bool) bool {
	if enabled {
		return e.start()
	}
	return e.stop()
}

func (e *Engine) IsMining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mining
}

// Close stops the loop if it is running.
func (e *Engine) Close() {
	e.stop()
}

func (e *Engine) start() bool {
	e.mu.Lock()
	if e.mining {
		e.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.mining = true
	e.cancel = cancel
	e.done = done
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.logger.Info("Mining started", zap.Duration("interval", e.cfg.Interval))
	e.creditStartBonus()
	go e.loop(ctx, done)
	return true
}

func (e *Engine) stop() bool {
	e.mu.Lock()
	if !e.mining {
		e.mu.Unlock()
		return false
	}
	cancel, done := e.cancel, e.done
	e.mining = false
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	cancel()
	<-done
	e.logger.Info("Mining stopped")
	return true
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick runs one accrual step. The loop calls it; tests may call it directly.
func (e *Engine) Tick() TickEvent {
	rate := e.rates.Resolve()
	diff := e.currentDifficulty()
	variance := e.uniform(e.cfg.VarianceMin, e.cfg.VarianceMax)

	raw := ComputeIncrement(rate, e.cfg.BlockReward, diff, e.cfg.SecondsPerBlock)
	inc := raw.Mul(decimal.NewFromFloat(variance)).Round(incrementPlaces)
	if err := e.ledger.Credit(inc, "tick"); err != nil {
		e.logger.Warn("Tick credit failed", zap.Error(err))
		inc = decimal.Zero
	}

	ev := TickEvent{Rate: rate, Difficulty: diff, Variance: variance, Increment: inc, Timestamp: time.Now()}

	e.mu.Lock()
	e.ticks++
	e.lastIncrement = inc
	e.accrued = e.accrued.Add(inc)
	tickFns := e.onTick
	e.mu.Unlock()

	if e.rng.Float64() < e.cfg.PayoutProbability {
		e.recordPayout(e.uniformDecimal(e.cfg.PayoutMin, e.cfg.PayoutMax), PayoutSourceTick)
	}
	for _, fn := range tickFns {
		fn(ev)
	}
	return ev
}

func (e *Engine) creditStartBonus() {
	bonus := e.uniformDecimal(e.cfg.StartBonusMin, e.cfg.StartBonusMax)
	if err := e.ledger.Credit(bonus, "start-bonus"); err != nil {
		e.logger.Warn("Start bonus credit failed", zap.Error(err))
		return
	}
	e.mu.Lock()
	e.accrued = e.accrued.Add(bonus)
	e.mu.Unlock()
	e.recordPayout(bonus, PayoutSourceStart)
}

func (e *Engine) recordPayout(amount decimal.Decimal, source string) {
	ev := ledger.PayoutEvent{Amount: amount, Source: source, Timestamp: time.Now()}
	e.ledger.RecordPayout(ev)
	e.logger.Info("Payout", zap.String("amount", amount.String()), zap.String("source", source))

	e.mu.Lock()
	fns := e.onPayout
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Status reports the engine state with a freshly resolved rate.
func (e *Engine) Status() Status {
	rate := e.rates.Resolve()
	diff := e.currentDifficulty()

	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		Mining:         e.mining,
		Rate:           rate,
		NormalizedRate: rates.Normalize(rate),
		Difficulty:     diff,
		Ticks:          e.ticks,
		LastIncrement:  e.lastIncrement,
		Accrued:        e.accrued,
	}
	if e.mining {
		started := e.startedAt
		s.StartedAt = &started
	}
	return s
}

func (e *Engine) currentDifficulty() decimal.Decimal {
	if e.difficulty == nil {
		return decimal.Zero
	}
	return e.difficulty.Difficulty()
}

func (e *Engine) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*e.rng.Float64()
}

func (e *Engine) uniformDecimal(lo, hi decimal.Decimal) decimal.Decimal {
	span := hi.Sub(lo)
	return lo.Add(span.Mul(decimal.NewFromFloat(e.rng.Float64()))).Round(bonusPlaces)
}

// ComputeIncrement is the deterministic reward for one tick before
// variance: normalized rate times block reward over
// difficulty * 2^32 * secondsPerBlock. It is zero when the denominator is
// not positive.
func ComputeIncrement(rate rates.Rate, blockReward, difficulty decimal.Decimal, secondsPerBlock int64) decimal.Decimal {
	if !difficulty.IsPositive() || secondsPerBlock <= 0 {
		return decimal.Zero
	}
	num := rates.Normalize(rate).Mul(blockReward)
	den := difficulty.Mul(twoPow32).Mul(decimal.NewFromInt(secondsPerBlock))
	return num.DivRound(den, incrementPlaces)
}
