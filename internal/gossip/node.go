package gossip

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

const (
	mdnsServiceTag = "hashdash-gossip"
	dhtRendezvous  = "hashdash-gossip-v1"
)

// NodeConfig configures a gossip node.
type NodeConfig struct {
	NodeID      string
	Port        int
	EnableDHT   bool
	IdentityKey libp2pcrypto.PrivKey // optional; gives a stable peer ID
}

// MessageHandler is called for every message read from a topic.
type MessageHandler func(msg *GossipMessage) bool

// Node wraps a libp2p host with GossipSub pub/sub.
type Node struct {
	cfg     NodeConfig
	logger  *zap.Logger
	host    host.Host
	dht     *dht.IpfsDHT
	ps      *pubsub.PubSub
	topics  map[string]*pubsub.Topic
	subs    map[string]*pubsub.Subscription
	handler MessageHandler
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
}

func NewNode(logger *zap.Logger, cfg NodeConfig) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:    cfg,
		logger: logger.Named("gossip"),
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetHandler registers the message handler. Call before Start.
func (n *Node) SetHandler(h MessageHandler) {
	n.handler = h
}

// Start creates the libp2p host, joins GossipSub and subscribes to all
// topics. Discovery runs over mDNS and, when enabled, the Kademlia DHT.
func (n *Node) Start() error {
	listenAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", n.cfg.Port))
	if err != nil {
		return fmt.Errorf("multiaddr: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrs(listenAddr),
	}
	if n.cfg.IdentityKey != nil {
		opts = append(opts, libp2p.Identity(n.cfg.IdentityKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("libp2p new: %w", err)
	}
	n.host = h

	for _, addr := range h.Addrs() {
		n.logger.Info("Listening", zap.String("addr", fmt.Sprintf("%s/p2p/%s", addr, h.ID())))
	}

	var gossipOpts []pubsub.Option
	if n.cfg.EnableDHT {
		kadDHT, err := dht.New(n.ctx, h, dht.Mode(dht.ModeAutoServer))
		if err != nil {
			return fmt.Errorf("dht new: %w", err)
		}
		if err := kadDHT.Bootstrap(n.ctx); err != nil {
			return fmt.Errorf("dht bootstrap: %w", err)
		}
		n.dht = kadDHT
		gossipOpts = append(gossipOpts, pubsub.WithDiscovery(drouting.NewRoutingDiscovery(kadDHT)))
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h, gossipOpts...)
	if err != nil {
		return fmt.Errorf("gossipsub: %w", err)
	}
	n.ps = ps

	for _, topicName := range AllTopics() {
		topic, err := ps.Join(topicName)
		if err != nil {
			return fmt.Errorf("join topic %s: %w", topicName, err)
		}
		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topicName, err)
		}
		n.mu.Lock()
		n.topics[topicName] = topic
		n.subs[topicName] = sub
		n.mu.Unlock()

		go n.readLoop(topicName, sub)
	}

	mdnsService := mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{node: n})
	if err := mdnsService.Start(); err != nil {
		n.logger.Warn("mDNS start failed", zap.Error(err))
	}

	if n.dht != nil {
		go n.dhtDiscoveryLoop(drouting.NewRoutingDiscovery(n.dht))
	}

	n.logger.Info("GossipSub ready",
		zap.String("peer_id", h.ID().String()),
		zap.Int("port", n.cfg.Port),
		zap.Bool("dht", n.dht != nil))
	return nil
}

// Stop shuts down the gossip node.
func (n *Node) Stop() {
	n.cancel()
	n.mu.Lock()
	for _, sub := range n.subs {
		sub.Cancel()
	}
	for _, topic := range n.topics {
		topic.Close()
	}
	n.mu.Unlock()
	if n.dht != nil {
		n.dht.Close()
	}
	if n.host != nil {
		n.host.Close()
	}
	n.logger.Info("Stopped")
}

func (n *Node) PeerCount() int {
	if n.host == nil {
		return 0
	}
	return len(n.host.Network().Peers())
}

func (n *Node) PeerID() string {
	if n.host == nil {
		return ""
	}
	return n.host.ID().String()
}

// Publish sends a message on the topic for its type.
func (n *Node) Publish(msg *GossipMessage) error {
	data, err := Serialize(msg)
	if err != nil {
		return err
	}
	topicName := TopicForType(msg.Type)
	n.mu.RLock()
	topic, ok := n.topics[topicName]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("not subscribed to %s", topicName)
	}
	return topic.Publish(n.ctx, data)
}

func (n *Node) readLoop(topicName string, sub *pubsub.Subscription) {
	for {
		pmsg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if pmsg.ReceivedFrom == n.host.ID() {
			continue
		}

		msg, err := Deserialize(pmsg.Data)
		if err != nil {
			n.logger.Debug("Bad message", zap.String("topic", topicName), zap.Error(err))
			continue
		}
		if n.handler != nil {
			n.handler(msg)
		}
	}
}

// BootstrapDHT connects to the given multiaddr peers and keeps retrying
// every 30 seconds while no peers are connected.
func (n *Node) BootstrapDHT(peers []string) {
	if n.dht == nil || n.host == nil {
		return
	}

	peerInfos := n.parseBootstrapPeers(peers)
	n.connectToPeers(peerInfos)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				if len(n.host.Network().Peers()) == 0 {
					n.logger.Info("No peers connected, reconnecting to bootstrap")
					n.connectToPeers(peerInfos)
				}
			}
		}
	}()
}

func (n *Node) parseBootstrapPeers(peers []string) []peer.AddrInfo {
	var infos []peer.AddrInfo
	for _, addr := range peers {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.logger.Warn("Bad bootstrap multiaddr", zap.String("addr", addr), zap.Error(err))
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			n.logger.Warn("Bootstrap addr missing peer ID", zap.String("addr", addr), zap.Error(err))
			continue
		}
		infos = append(infos, *pi)
	}
	return infos
}

func (n *Node) connectToPeers(peers []peer.AddrInfo) {
	for _, pi := range peers {
		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, 15*time.Second)
			defer cancel()
			if err := n.host.Connect(ctx, pi); err != nil {
				n.logger.Debug("Peer connect failed", zap.Stringer("peer", pi.ID), zap.Error(err))
				return
			}
			n.logger.Info("Connected to peer", zap.Stringer("peer", pi.ID))
		}(pi)
	}
}

// dhtDiscoveryLoop advertises on the rendezvous namespace and connects to
// peers found there.
func (n *Node) dhtDiscoveryLoop(routingDisc *drouting.RoutingDiscovery) {
	select {
	case <-n.ctx.Done():
		return
	case <-time.After(5 * time.Second):
	}

	if _, err := routingDisc.Advertise(n.ctx, dhtRendezvous); err != nil {
		n.logger.Debug("DHT advertise failed", zap.Error(err))
	}
	n.findRendezvousPeers(routingDisc)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findRendezvousPeers(routingDisc)
			routingDisc.Advertise(n.ctx, dhtRendezvous)
		}
	}
}

func (n *Node) findRendezvousPeers(routingDisc *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	peerCh, err := routingDisc.FindPeers(ctx, dhtRendezvous)
	if err != nil {
		return
	}
	var found []peer.AddrInfo
	for pi := range peerCh {
		if pi.ID == n.host.ID() || pi.ID == "" {
			continue
		}
		if n.host.Network().Connectedness(pi.ID) == network.Connected {
			continue
		}
		found = append(found, pi)
	}
	n.connectToPeers(found)
}

type mdnsNotifee struct {
	node *Node
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if m.node.host.ID() == pi.ID {
		return
	}
	if err := m.node.host.Connect(m.node.ctx, pi); err != nil {
		// Stale records from an earlier identity on this machine.
		if strings.Contains(err.Error(), "dial to self attempted") {
			return
		}
		m.node.logger.Debug("mDNS connect failed", zap.Stringer("peer", pi.ID), zap.Error(err))
		return
	}
	m.node.logger.Info("mDNS discovered peer", zap.Stringer("peer", pi.ID))
}
