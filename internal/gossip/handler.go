package gossip

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// PayoutObserver is called for every new payout announcement from a peer.
type PayoutObserver func(senderID string, payload *PayoutAnnouncePayload)

// SettlementObserver is called for every new settlement update from a peer.
type SettlementObserver func(senderID string, payload *SettlementUpdatePayload)

// Handler validates incoming messages, drops duplicates and records
// announcements in the feed.
type Handler struct {
	nodeID             string
	feed               *Feed
	logger             *zap.Logger
	payoutObserver     PayoutObserver
	settlementObserver SettlementObserver
}

func NewHandler(logger *zap.Logger, nodeID string, feed *Feed) *Handler {
	return &Handler{nodeID: nodeID, feed: feed, logger: logger.Named("gossip")}
}

func (h *Handler) SetPayoutObserver(fn PayoutObserver) {
	h.payoutObserver = fn
}

func (h *Handler) SetSettlementObserver(fn SettlementObserver) {
	h.settlementObserver = fn
}

// HandleMessage processes an incoming GossipMessage. It reports whether the
// message was accepted.
func (h *Handler) HandleMessage(msg *GossipMessage) bool {
	if msg.SenderID == h.nodeID {
		return false
	}
	if !h.feed.MarkSeen(HashMessage(msg)) {
		return false
	}
	if res := ValidateMessage(msg); !res.Valid {
		h.logger.Debug("Dropping invalid message",
			zap.String("type", string(msg.Type)),
			zap.String("sender", msg.SenderID),
			zap.String("reason", res.Error))
		return false
	}

	switch msg.Type {
	case MsgHello:
		var payload HelloPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return false
		}
		h.logger.Info("HELLO",
			zap.String("node", payload.NodeID),
			zap.String("version", payload.Version),
			zap.Bool("mining", payload.Mining))
	case MsgPayoutAnnounce:
		var payload PayoutAnnouncePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return false
		}
		h.feed.Add(FeedItem{
			ID:         msg.ID,
			Type:       msg.Type,
			SenderID:   msg.SenderID,
			ReceivedAt: time.Now(),
			Payout:     &payload,
		})
		if h.payoutObserver != nil {
			h.payoutObserver(msg.SenderID, &payload)
		}
	case MsgSettlementUpdate:
		var payload SettlementUpdatePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return false
		}
		h.feed.Add(FeedItem{
			ID:         msg.ID,
			Type:       msg.Type,
			SenderID:   msg.SenderID,
			ReceivedAt: time.Now(),
			Settlement: &payload,
		})
		if h.settlementObserver != nil {
			h.settlementObserver(msg.SenderID, &payload)
		}
	case MsgPing:
		h.logger.Debug("PING", zap.String("sender", msg.SenderID))
	}
	return true
}
