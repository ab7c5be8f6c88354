package daemon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/b0ase/path402/apps/hashdash/internal/catalog"
	"github.com/b0ase/path402/apps/hashdash/internal/config"
	"github.com/b0ase/path402/apps/hashdash/internal/db"
	"github.com/b0ase/path402/apps/hashdash/internal/gossip"
	"github.com/b0ase/path402/apps/hashdash/internal/ledger"
	"github.com/b0ase/path402/apps/hashdash/internal/mcpserver"
	"github.com/b0ase/path402/apps/hashdash/internal/metrics"
	"github.com/b0ase/path402/apps/hashdash/internal/mining"
	"github.com/b0ase/path402/apps/hashdash/internal/network"
	"github.com/b0ase/path402/apps/hashdash/internal/payments"
	"github.com/b0ase/path402/apps/hashdash/internal/rates"
	"github.com/b0ase/path402/apps/hashdash/internal/server"
	"github.com/b0ase/path402/apps/hashdash/internal/settlement"
	"github.com/b0ase/path402/apps/hashdash/internal/wallet"
)

const (
	keyNetworkTip  = "network_tip"
	keyLibp2pKey   = "libp2p_identity_key"
	statusInterval = 60 * time.Second
)

// Daemon orchestrates all HashDash subsystems.
type Daemon struct {
	cfg       *config.Config
	base      *zap.Logger
	logger    *zap.Logger
	nodeID    string
	startTime time.Time

	wallet     *wallet.Wallet
	rates      *rates.Manager
	ledger     *ledger.Ledger
	difficulty *mining.DifficultyTracker
	engine     *mining.Engine
	pipeline   *settlement.Pipeline
	recorder   *metrics.Recorder
	netFeed    *network.Feed
	watcher    *catalog.Watcher
	gossipNode *gossip.Node
	gossipFeed *gossip.Feed
	hub        *server.Hub
	httpSrv    *server.Server

	miningMu sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new daemon instance.
func New(cfg *config.Config, logger *zap.Logger) (*Daemon, error) {
	return &Daemon{cfg: cfg, base: logger, logger: logger.Named("daemon"), stopCh: make(chan struct{})}, nil
}

// Start initializes and starts all subsystems in order.
func (d *Daemon) Start() error {
	d.startTime = time.Now()
	root := d.base

	// 1. Open database
	if err := os.MkdirAll(d.cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := db.Open(root, d.cfg.DBPath()); err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	nodeID, err := db.GetNodeID()
	if err != nil {
		return fmt.Errorf("get node id: %w", err)
	}
	d.nodeID = nodeID
	d.logger.Info("Node identity", zap.String("node_id", nodeID[:min(16, len(nodeID))]))

	// 2. Wallet: config key, then persisted key, then a fresh one
	if err := d.loadWallet(); err != nil {
		return err
	}

	// 3. Rate catalog and configuration
	cat, err := d.loadCatalog()
	if err != nil {
		return err
	}
	d.rates = rates.NewManager(root, cat, db.RateConfigStore{})
	if w, err := catalog.NewWatcher(root, d.cfg.CatalogPath, 0, d.rates.SetCatalog); err != nil {
		d.logger.Warn("Catalog hot reload disabled", zap.Error(err))
	} else if err := w.Start(); err != nil {
		d.logger.Warn("Catalog hot reload disabled", zap.Error(err))
	} else {
		d.watcher = w
	}

	// 4. Ledger, restored from the journal
	d.ledger = ledger.New(root, db.LedgerJournal{})
	if err := d.restoreLedger(); err != nil {
		return err
	}

	// 5. Difficulty tracker and live feed
	mcfg, err := engineConfig(d.cfg.Mining)
	if err != nil {
		return fmt.Errorf("mining config: %w", err)
	}
	fallback, err := decimal.NewFromString(d.cfg.Mining.NetworkDifficulty)
	if err != nil {
		return fmt.Errorf("mining config: network_difficulty: %w", err)
	}
	d.difficulty = mining.NewDifficultyTracker(fallback)
	d.restoreNetworkTip()
	d.netFeed = network.NewFeed(root, network.FeedConfig{
		BHSURL:       d.cfg.Network.BHSURL,
		BHSAPIKey:    d.cfg.Network.BHSAPIKey,
		PollInterval: d.cfg.Network.PollInterval,
	}, d.difficulty)

	// 6. Accrual engine
	d.engine = mining.NewEngine(root, mcfg, d.rates, d.ledger, d.difficulty, mining.NewRandom(uint64(time.Now().UnixNano())))

	// 7. Settlement pipeline
	policy, err := settlementPolicy(d.cfg.Settlement)
	if err != nil {
		return fmt.Errorf("settlement config: %w", err)
	}
	verifier, processor, err := d.collaborators()
	if err != nil {
		return fmt.Errorf("settlement config: %w", err)
	}
	d.pipeline = settlement.New(root, policy, db.WithdrawalStore{}, verifier, processor, d.ledger)

	// 8. Gossip
	if d.cfg.Gossip.Enabled {
		d.startGossip()
	}

	// 9. Observers: metrics, live stream and gossip announcements
	d.recorder = metrics.New()
	d.hub = server.NewHub(root)
	d.wire()

	if err := d.pipeline.Resume(context.Background()); err != nil {
		d.logger.Warn("Failed to resume withdrawals", zap.Error(err))
	}
	d.netFeed.Start()

	// 10. Restore the mining switch
	on, set, err := db.GetMiningEnabled()
	if err != nil {
		d.logger.Warn("Failed to read mining switch", zap.Error(err))
	}
	if !set {
		on = d.cfg.Mining.Enabled
	}
	if on {
		d.engine.SetMining(true)
	}
	d.recorder.SetMining(d.engine.IsMining())

	go d.statusLoop()

	// 11. HTTP API
	var metricsHandler http.Handler
	if d.cfg.Metrics.Enabled {
		metricsHandler = d.recorder.Handler()
	}
	d.httpSrv = server.New(root, d.cfg.API.Bind, d.cfg.API.Port, server.Deps{
		Daemon:     d,
		Rates:      d.rates,
		Engine:     d.engine,
		Ledger:     d.ledger,
		Pipeline:   d.pipeline,
		Difficulty: d.difficulty,
		Hub:        d.hub,
		Feed:       d.gossipFeed,
		Metrics:    metricsHandler,
	})
	if port, err := d.httpSrv.Start(); err != nil {
		d.logger.Warn("HTTP API failed to start, continuing without it", zap.Error(err))
		d.httpSrv = nil
	} else {
		d.logger.Info("HTTP API ready", zap.Int("port", port))
	}

	d.logger.Info("All systems online", zap.Bool("mining", d.engine.IsMining()))
	return nil
}

func (d *Daemon) loadWallet() error {
	if d.cfg.Wallet.Key != "" {
		w, err := wallet.Load(d.cfg.Wallet.Key)
		if err != nil {
			d.logger.Warn("Configured wallet key is invalid, falling back to the stored one", zap.Error(err))
		} else {
			d.wallet = w
			d.logger.Info("Loaded signing key", zap.String("address", w.Address))
			return nil
		}
	}
	if saved, err := db.GetWalletWIF(); err == nil && saved != "" {
		w, err := wallet.Load(saved)
		if err != nil {
			d.logger.Warn("Stored wallet key is invalid, regenerating", zap.Error(err))
		} else {
			d.wallet = w
			d.logger.Info("Loaded persisted wallet", zap.String("address", w.Address))
			return nil
		}
	}
	w, err := wallet.Generate()
	if err != nil {
		return fmt.Errorf("generate wallet: %w", err)
	}
	if err := db.SetWalletWIF(w.WIF); err != nil {
		d.logger.Warn("Failed to persist wallet key", zap.Error(err))
	}
	d.wallet = w
	d.logger.Info("Generated and saved new wallet", zap.String("address", w.Address))
	return nil
}

// loadCatalog reads the catalog file, or the built-in catalog when the file
// is missing. A malformed file is an error.
func (d *Daemon) loadCatalog() (*catalog.Catalog, error) {
	cat, err := catalog.LoadFile(d.cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", d.cfg.CatalogPath, err)
	}
	d.logger.Info("Loaded rate catalog", zap.String("path", d.cfg.CatalogPath), zap.Int("sources", cat.Len()))
	return cat, nil
}

func (d *Daemon) restoreLedger() error {
	balance, err := db.LastLedgerBalance()
	if err != nil {
		return fmt.Errorf("read ledger balance: %w", err)
	}
	payouts, err := db.ListPayouts(0)
	if err != nil {
		return fmt.Errorf("read payouts: %w", err)
	}
	if err := d.ledger.Restore(balance, payouts); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if balance.IsPositive() || len(payouts) > 0 {
		d.logger.Info("Restored ledger", zap.String("balance", balance.String()), zap.Int("payouts", len(payouts)))
	}
	return nil
}

// restoreNetworkTip seeds the tracker with the last observed tip so a
// restart does not fall back to the static difficulty.
func (d *Daemon) restoreNetworkTip() {
	var obs network.Observation
	ok, err := db.GetConfigJSON(keyNetworkTip, &obs)
	if err != nil || !ok {
		return
	}
	if _, err := d.difficulty.Observe(obs.Height, obs.Bits); err != nil {
		d.logger.Warn("Ignoring stored network tip", zap.Error(err))
	}
}

func (d *Daemon) collaborators() (settlement.Verifier, settlement.Processor, error) {
	s := d.cfg.Settlement
	var verifier settlement.Verifier
	switch s.VerifierMode {
	case "", "local":
		lo, err := optionalDecimal(s.MinWithdrawal)
		if err != nil {
			return nil, nil, fmt.Errorf("min_withdrawal: %w", err)
		}
		hi, err := optionalDecimal(s.MaxWithdrawal)
		if err != nil {
			return nil, nil, fmt.Errorf("max_withdrawal: %w", err)
		}
		verifier = payments.LocalVerifier{Min: lo, Max: hi}
	case "http":
		if s.VerifierURL == "" {
			return nil, nil, errors.New("verifier_mode http requires verifier_url")
		}
		verifier = payments.NewHTTPVerifier(d.base, s.VerifierURL)
	default:
		return nil, nil, fmt.Errorf("unknown verifier_mode %q", s.VerifierMode)
	}

	var processor settlement.Processor
	switch s.ProcessorMode {
	case "", "wallet":
		processor = payments.NewWalletProcessor(d.base, d.wallet)
	case "http":
		if s.ProcessorURL == "" {
			return nil, nil, errors.New("processor_mode http requires processor_url")
		}
		processor = payments.NewHTTPProcessor(s.ProcessorURL, s.CompensateURL)
	default:
		return nil, nil, fmt.Errorf("unknown processor_mode %q", s.ProcessorMode)
	}
	d.logger.Info("Settlement collaborators",
		zap.String("verifier", orDefault(s.VerifierMode, "local")),
		zap.String("processor", orDefault(s.ProcessorMode, "wallet")))
	return verifier, processor, nil
}

func (d *Daemon) startGossip() {
	identityKey, err := d.loadOrCreateLibp2pIdentity()
	if err != nil {
		d.logger.Warn("Failed to load or create libp2p identity, using an ephemeral one", zap.Error(err))
	}
	d.gossipFeed = gossip.NewFeed(d.cfg.Gossip.FeedSize)
	node := gossip.NewNode(d.base, gossip.NodeConfig{
		NodeID:      d.nodeID,
		Port:        d.cfg.Gossip.Port,
		EnableDHT:   d.cfg.Gossip.EnableDHT,
		IdentityKey: identityKey,
	})
	handler := gossip.NewHandler(d.base, d.nodeID, d.gossipFeed)
	handler.SetPayoutObserver(func(senderID string, p *gossip.PayoutAnnouncePayload) {
		d.broadcast(server.EventFeed, gossip.FeedItem{Type: gossip.MsgPayoutAnnounce, SenderID: senderID, ReceivedAt: time.Now(), Payout: p})
	})
	handler.SetSettlementObserver(func(senderID string, p *gossip.SettlementUpdatePayload) {
		d.broadcast(server.EventFeed, gossip.FeedItem{Type: gossip.MsgSettlementUpdate, SenderID: senderID, ReceivedAt: time.Now(), Settlement: p})
	})
	node.SetHandler(handler.HandleMessage)

	if err := node.Start(); err != nil {
		d.logger.Warn("Gossip failed to start, continuing without it", zap.Error(err))
		return
	}
	if len(d.cfg.Gossip.BootstrapPeers) > 0 {
		node.BootstrapDHT(d.cfg.Gossip.BootstrapPeers)
	}
	d.gossipNode = node
}

// wire connects component events to metrics, the live stream and gossip.
func (d *Daemon) wire() {
	d.ledger.OnChange(func(s ledger.Snapshot) {
		d.recorder.ObserveLedger(s)
		d.broadcast(server.EventLedger, s)
	})
	d.rates.OnChange(func(cfg rates.AggregateConfiguration, rate rates.Rate) {
		d.recorder.ObserveRate(rate)
		d.broadcast(server.EventRate, map[string]interface{}{
			"config":     cfg,
			"rate":       rate,
			"normalized": rates.Normalize(rate),
		})
	})
	d.engine.OnTick(func(ev mining.TickEvent) {
		d.recorder.ObserveTick(ev)
		d.broadcast(server.EventMining, d.engine.Status())
	})
	d.engine.OnPayout(func(ev ledger.PayoutEvent) {
		d.recorder.ObservePayout(ev)
		d.broadcast(server.EventPayout, ev)
		d.publish(func() (*gossip.GossipMessage, error) { return gossip.NewPayoutAnnounce(d.nodeID, ev) })
	})
	d.pipeline.OnTransition(func(tx settlement.Transaction) {
		d.recorder.ObserveTransition(tx)
		d.broadcast(server.EventWithdrawal, tx)
		d.publish(func() (*gossip.GossipMessage, error) { return gossip.NewSettlementUpdate(d.nodeID, tx) })
	})
	d.pipeline.OnCall(d.recorder.ObserveCall)
	d.netFeed.OnObserve(func(obs network.Observation) {
		d.recorder.SetDifficulty(d.difficulty.Difficulty())
		if err := db.SetConfigJSON(keyNetworkTip, obs); err != nil {
			d.logger.Warn("Failed to persist network tip", zap.Error(err))
		}
	})

	d.recorder.ObserveLedger(d.ledger.Snapshot())
	d.recorder.ObserveRate(d.rates.Resolve())
	d.recorder.SetDifficulty(d.difficulty.Difficulty())
}

func (d *Daemon) broadcast(typ string, data interface{}) {
	if d.hub != nil {
		d.hub.Broadcast(typ, data)
	}
}

func (d *Daemon) publish(build func() (*gossip.GossipMessage, error)) {
	if d.gossipNode == nil {
		return
	}
	msg, err := build()
	if err != nil {
		d.logger.Warn("Failed to build gossip message", zap.Error(err))
		return
	}
	if err := d.gossipNode.Publish(msg); err != nil {
		d.logger.Debug("Failed to publish gossip message", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

func (d *Daemon) statusLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			snap := d.ledger.Snapshot()
			st := d.engine.Status()
			d.logger.Info("Status",
				zap.Bool("mining", st.Mining),
				zap.String("rate", humanize.SIWithDigits(st.NormalizedRate.InexactFloat64(), 2, "H/s")),
				zap.String("balance", snap.Balance.String()),
				zap.Int("payouts", snap.PayoutCount),
				zap.Int("peers", d.PeerCount()),
				zap.String("uptime", humanize.RelTime(d.startTime, time.Now(), "", "")))
			d.publish(func() (*gossip.GossipMessage, error) {
				return gossip.NewHello(d.nodeID, d.cfg.Gossip.Port, st.Mining)
			})
		}
	}
}

// Stop shuts down all subsystems.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Info("Shutting down")
		close(d.stopCh)

		if d.httpSrv != nil {
			d.httpSrv.Stop()
		}
		if d.engine != nil {
			d.engine.Close()
		}
		if d.pipeline != nil {
			d.pipeline.Close()
		}
		if d.netFeed != nil {
			d.netFeed.Stop()
		}
		if d.watcher != nil {
			d.watcher.Stop()
		}
		if d.gossipNode != nil {
			d.gossipNode.Stop()
		}
		db.Close()

		d.logger.Info("Shutdown complete")
	})
}

// MCP returns an MCP server over the running daemon.
func (d *Daemon) MCP(version string) *mcpserver.MCPServer {
	return mcpserver.New(version, mcpserver.Deps{
		Daemon:     d,
		Rates:      d.rates,
		Engine:     d.engine,
		Ledger:     d.ledger,
		Pipeline:   d.pipeline,
		Difficulty: d.difficulty,
	})
}

// --- Status accessors (used by the HTTP API and MCP) ---

func (d *Daemon) NodeID() string        { return d.nodeID }
func (d *Daemon) Uptime() time.Duration { return time.Since(d.startTime) }

func (d *Daemon) PeerCount() int {
	if d.gossipNode != nil {
		return d.gossipNode.PeerCount()
	}
	return 0
}

func (d *Daemon) WalletAddress() string {
	if d.wallet != nil {
		return d.wallet.Address
	}
	return ""
}

func (d *Daemon) NetworkStatus() map[string]interface{} {
	status := map[string]interface{}{
		"difficulty_feed": d.netFeed.Progress(),
		"gossip":          d.gossipNode != nil,
	}
	if d.gossipNode != nil {
		status["peer_id"] = d.gossipNode.PeerID()
		status["peers"] = d.gossipNode.PeerCount()
		status["feed_size"] = d.gossipFeed.Len()
	}
	return status
}

// SetMining toggles the engine and persists the switch.
func (d *Daemon) SetMining(on bool) (bool, error) {
	d.miningMu.Lock()
	defer d.miningMu.Unlock()
	changed := d.engine.SetMining(on)
	d.recorder.SetMining(d.engine.IsMining())
	if err := db.SetMiningEnabled(on); err != nil {
		return changed, fmt.Errorf("persist mining switch: %w", err)
	}
	if changed {
		d.broadcast(server.EventMining, d.engine.Status())
	}
	return changed, nil
}

// loadOrCreateLibp2pIdentity loads a persisted Ed25519 key from the DB,
// or generates a new one and saves it. This gives the node a stable peer ID
// across restarts.
func (d *Daemon) loadOrCreateLibp2pIdentity() (libp2pcrypto.PrivKey, error) {
	if saved, err := db.GetConfig(keyLibp2pKey); err == nil && saved != "" {
		raw, err := hex.DecodeString(saved)
		if err != nil {
			return nil, fmt.Errorf("hex decode identity: %w", err)
		}
		key, err := libp2pcrypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("unmarshal identity: %w", err)
		}
		d.logger.Info("Loaded persisted libp2p identity")
		return key, nil
	}

	key, _, err := libp2pcrypto.GenerateKeyPair(libp2pcrypto.Ed25519, 0)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	raw, err := libp2pcrypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}
	if err := db.SetConfig(keyLibp2pKey, hex.EncodeToString(raw)); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	d.logger.Info("Generated and saved new libp2p identity")
	return key, nil
}
