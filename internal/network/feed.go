// Package network follows the chain tip through a Block Headers Service and
// feeds the observed difficulty to the accrual engine.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker/headers_client"
	"go.uber.org/zap"

	"github.com/b0ase/path402/apps/hashdash/internal/mining"
)

// FeedConfig configures the difficulty feed.
type FeedConfig struct {
	BHSURL       string
	BHSAPIKey    string
	PollInterval time.Duration
}

// Observation is the chain tip seen on the last successful poll.
type Observation struct {
	Height     uint32    `json:"height"`
	Bits       uint32    `json:"bits"`
	Difficulty string    `json:"difficulty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Progress describes the state of the feed.
type Progress struct {
	Enabled     bool        `json:"enabled"`
	Polls       int         `json:"polls"`
	Failures    int         `json:"failures"`
	LastError   string      `json:"last_error,omitempty"`
	LastPollAt  int64       `json:"last_poll_at"`
	Observation Observation `json:"observation"`
}

// Feed polls the longest-chain tip and records its compact bits in a
// DifficultyTracker.
type Feed struct {
	cfg       FeedConfig
	tracker   *mining.DifficultyTracker
	client    *headers_client.Client
	logger    *zap.Logger
	mu        sync.RWMutex
	progress  Progress
	listeners []func(Observation)
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	started   bool
}

// NewFeed creates a feed. A zero PollInterval defaults to five minutes.
func NewFeed(logger *zap.Logger, cfg FeedConfig, tracker *mining.DifficultyTracker) *Feed {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		cfg:      cfg,
		tracker:  tracker,
		client:   &headers_client.Client{Url: cfg.BHSURL, ApiKey: cfg.BHSAPIKey},
		logger:   logger.Named("network"),
		progress: Progress{Enabled: cfg.BHSURL != ""},
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// OnObserve registers fn to run after every successful poll.
func (f *Feed) OnObserve(fn func(Observation)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

// Start polls once immediately and then every PollInterval. Without a BHS
// URL the feed stays idle and the tracker keeps its fallback.
func (f *Feed) Start() {
	f.startOnce.Do(func() {
		f.mu.Lock()
		f.started = true
		f.mu.Unlock()
		if f.cfg.BHSURL == "" {
			f.logger.Info("No BHS URL configured, using static difficulty")
			close(f.done)
			return
		}
		go f.run()
	})
}

// Stop cancels polling and waits for the loop to exit. It returns at once
// when Start was never called.
func (f *Feed) Stop() {
	f.cancel()
	f.mu.RLock()
	started := f.started
	f.mu.RUnlock()
	if started {
		<-f.done
	}
}

func (f *Feed) Progress() Progress {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.progress
}

func (f *Feed) run() {
	defer close(f.done)

	f.Poll(f.ctx)

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.Poll(f.ctx)
		}
	}
}

// Poll fetches the tip header once and updates the tracker.
func (f *Feed) Poll(ctx context.Context) (Observation, error) {
	obs, err := f.poll(ctx)

	f.mu.Lock()
	f.progress.Polls++
	f.progress.LastPollAt = time.Now().Unix()
	if err != nil {
		f.progress.Failures++
		f.progress.LastError = err.Error()
	} else {
		f.progress.LastError = ""
		f.progress.Observation = obs
	}
	listeners := append([]func(Observation){}, f.listeners...)
	f.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			f.logger.Warn("Difficulty poll failed", zap.Error(err))
		}
		return Observation{}, err
	}
	for _, fn := range listeners {
		fn(obs)
	}
	return obs, nil
}

func (f *Feed) poll(ctx context.Context) (Observation, error) {
	tip, err := f.client.CurrentHeight(ctx)
	if err != nil {
		return Observation{}, err
	}
	header, err := f.client.BlockByHeight(ctx, tip)
	if err != nil {
		return Observation{}, err
	}
	height, bits := uint32(header.Height), uint32(header.Bits)
	d, err := f.tracker.Observe(height, bits)
	if err != nil {
		return Observation{}, err
	}
	obs := Observation{
		Height:     height,
		Bits:       bits,
		Difficulty: d.String(),
		ObservedAt: time.Now(),
	}
	f.logger.Debug("Observed chain tip",
		zap.Uint32("height", obs.Height),
		zap.String("difficulty", obs.Difficulty))
	return obs, nil
}
