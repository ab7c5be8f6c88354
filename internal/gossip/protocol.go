package gossip

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/b0ase/path402/apps/hashdash/internal/ledger"
	"github.com/b0ase/path402/apps/hashdash/internal/settlement"
)

const (
	ProtocolVersion = "1"
	MaxMessageSize  = 16 * 1024
	MessageTTL      = 300 // seconds
	MaxHops         = 10
)

// MessageType enumerates the gossip message types.
type MessageType string

const (
	MsgHello            MessageType = "HELLO"
	MsgPayoutAnnounce   MessageType = "PAYOUT_ANNOUNCE"
	MsgSettlementUpdate MessageType = "SETTLEMENT_UPDATE"
	MsgPing             MessageType = "PING"
)

var validTypes = map[MessageType]bool{
	MsgHello:            true,
	MsgPayoutAnnounce:   true,
	MsgSettlementUpdate: true,
	MsgPing:             true,
}

// GossipMessage is the envelope for all gossip communication.
type GossipMessage struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Version   string          `json:"version"`
	SenderID  string          `json:"sender_id"`
	Timestamp int64           `json:"timestamp"`
	TTL       int             `json:"ttl"`
	Hops      int             `json:"hops"`
	Payload   json.RawMessage `json:"payload"`
}

type HelloPayload struct {
	NodeID        string `json:"node_id"`
	Version       string `json:"version"`
	Mining        bool   `json:"mining"`
	ListeningPort int    `json:"listening_port"`
}

// PayoutAnnouncePayload advertises a payout event. Amounts are decimal
// strings.
type PayoutAnnouncePayload struct {
	PayoutID  string `json:"payout_id"`
	Amount    string `json:"amount"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// SettlementUpdatePayload advertises a withdrawal status change. The
// destination address is never gossiped.
type SettlementUpdatePayload struct {
	TxID          string `json:"txid"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	Confirmations int    `json:"confirmations"`
	Timestamp     int64  `json:"timestamp"`
}

func newMessage(msgType MessageType, senderID string, payload interface{}, ttl int) (*GossipMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &GossipMessage{
		ID:        uuid.NewString(),
		Type:      msgType,
		Version:   ProtocolVersion,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
		TTL:       ttl,
		Hops:      0,
		Payload:   data,
	}, nil
}

func NewHello(nodeID string, port int, mining bool) (*GossipMessage, error) {
	return newMessage(MsgHello, nodeID, &HelloPayload{
		NodeID:        nodeID,
		Version:       ProtocolVersion,
		Mining:        mining,
		ListeningPort: port,
	}, MessageTTL)
}

func NewPayoutAnnounce(nodeID string, ev ledger.PayoutEvent) (*GossipMessage, error) {
	return newMessage(MsgPayoutAnnounce, nodeID, &PayoutAnnouncePayload{
		PayoutID:  ev.ID.String(),
		Amount:    ev.Amount.String(),
		Source:    ev.Source,
		Timestamp: ev.Timestamp.UnixMilli(),
	}, MessageTTL)
}

func NewSettlementUpdate(nodeID string, tx settlement.Transaction) (*GossipMessage, error) {
	return newMessage(MsgSettlementUpdate, nodeID, &SettlementUpdatePayload{
		TxID:          tx.ID,
		Amount:        tx.Amount.String(),
		Status:        string(tx.Status),
		Confirmations: tx.Confirmations,
		Timestamp:     tx.UpdatedAt.UnixMilli(),
	}, MessageTTL)
}

// Validation

type ValidationResult struct {
	Valid bool
	Error string
}

func ValidateMessage(msg *GossipMessage) ValidationResult {
	if msg.ID == "" {
		return ValidationResult{false, "missing id"}
	}
	if !validTypes[msg.Type] {
		return ValidationResult{false, fmt.Sprintf("invalid type: %s", msg.Type)}
	}
	if msg.Version == "" {
		return ValidationResult{false, "missing version"}
	}
	if msg.SenderID == "" {
		return ValidationResult{false, "missing sender_id"}
	}
	if msg.Timestamp == 0 {
		return ValidationResult{false, "missing timestamp"}
	}
	if msg.TTL < 0 {
		return ValidationResult{false, "invalid ttl"}
	}
	if msg.Hops < 0 {
		return ValidationResult{false, "invalid hops"}
	}
	if msg.Payload == nil {
		return ValidationResult{false, "missing payload"}
	}

	ageSeconds := float64(time.Now().UnixMilli()-msg.Timestamp) / 1000.0
	if ageSeconds > float64(msg.TTL) {
		return ValidationResult{false, "message expired (TTL exceeded)"}
	}
	if msg.Hops > MaxHops {
		return ValidationResult{false, "max hops exceeded"}
	}

	switch msg.Type {
	case MsgPayoutAnnounce:
		var p PayoutAnnouncePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return ValidationResult{false, "bad payload: " + err.Error()}
		}
		if p.PayoutID == "" {
			return ValidationResult{false, "missing payout_id"}
		}
		if amt, err := decimal.NewFromString(p.Amount); err != nil || !amt.IsPositive() {
			return ValidationResult{false, "invalid payout amount"}
		}
	case MsgSettlementUpdate:
		var p SettlementUpdatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return ValidationResult{false, "bad payload: " + err.Error()}
		}
		if p.TxID == "" {
			return ValidationResult{false, "missing txid"}
		}
		if !settlement.Status(p.Status).Valid() {
			return ValidationResult{false, fmt.Sprintf("invalid status: %s", p.Status)}
		}
		if p.Confirmations < 0 {
			return ValidationResult{false, "invalid confirmations"}
		}
	}

	return ValidationResult{Valid: true}
}

// HashMessage produces a deduplication key. Relayed copies of a message
// hash identically since hops are excluded.
func HashMessage(msg *GossipMessage) string {
	content := fmt.Sprintf(`{"type":"%s","sender_id":"%s","payload":%s}`, msg.Type, msg.SenderID, string(msg.Payload))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(content)).String()
}

func Serialize(msg *GossipMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", len(data), MaxMessageSize)
	}
	return data, nil
}

func Deserialize(data []byte) (*GossipMessage, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", len(data), MaxMessageSize)
	}
	var msg GossipMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
