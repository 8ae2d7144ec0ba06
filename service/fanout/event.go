package fanout

import "encoding/json"

// Event kinds carried across the broker.
const (
	KindChatMessage = "chat_message"
	KindUserTyping  = "user_typing"
	KindReadReceipt = "read_receipt"
	KindPresence    = "presence"
)

// Event is one published conversation event. Payload is the final wire
// frame, already encoded, so subscribing gateways relay it verbatim.
// SequenceNumber is zero for kinds that carry no total order (typing,
// presence); those are delivered best-effort.
type Event struct {
	ConversationID string          `json:"conversation_id"`
	Kind           string          `json:"kind"`
	SequenceNumber int64           `json:"sequence_number,omitempty"`
	Origin         string          `json:"origin"`
	Payload        json.RawMessage `json:"payload"`
}
