package gossip

// GossipSub topic names.
const (
	TopicPresence    = "hashdash/presence/v1"
	TopicPayouts     = "hashdash/payouts/v1"
	TopicSettlements = "hashdash/settlements/v1"
)

// AllTopics returns the topics a node subscribes to.
func AllTopics() []string {
	return []string{
		TopicPresence,
		TopicPayouts,
		TopicSettlements,
	}
}

// TopicForType maps a MessageType to its GossipSub topic.
func TopicForType(mt MessageType) string {
	switch mt {
	case MsgPayoutAnnounce:
		return TopicPayouts
	case MsgSettlementUpdate:
		return TopicSettlements
	default:
		return TopicPresence
	}
}
