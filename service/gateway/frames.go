package gateway

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"chatgate/model"
	errs "chatgate/tools/errs"

	"github.com/mitchellh/mapstructure"
)

// Inbound frame kinds. The set is closed: anything else is rejected at the
// boundary with a typed error event, the connection stays open.
const (
	InMessage     = "message"
	InTyping      = "typing"
	InReadReceipt = "read_receipt"
	InPing        = "ping"
	InSubscribe   = "subscribe"
	InUnsubscribe = "unsubscribe"
)

// Outbound frame kinds.
const (
	OutChatMessage     = "chat_message"
	OutUserTyping      = "user_typing"
	OutReadReceipt     = "read_receipt"
	OutConnEstablished = "connection_established"
	OutRateLimited     = "rate_limit_exceeded"
	OutError           = "error"
	OutPong            = "pong"
	OutPresence        = "presence"
)

type MessagePayload struct {
	ConversationID string `mapstructure:"conversation_id"`
	Content        string `mapstructure:"content"`
	MessageType    string `mapstructure:"message_type"`
	IdempotencyKey string `mapstructure:"idempotency_key"`
}

type TypingPayload struct {
	ConversationID string `mapstructure:"conversation_id"`
	IsTyping       bool   `mapstructure:"is_typing"`
}

type ReadReceiptPayload struct {
	ConversationID string `mapstructure:"conversation_id"`
	MessageID      string `mapstructure:"message_id"`
}

type SubscribePayload struct {
	ConversationID string `mapstructure:"conversation_id"`
	// nil when the client did not ask for catch-up replay.
	LastSeenSequence *int64 `mapstructure:"last_seen_sequence"`
}

// ParseInbound decodes a raw websocket text frame into one of the closed
// set of payloads. The returned kind is always a valid In* constant when
// err is nil.
func ParseInbound(raw []byte) (kind string, payload any, err error) {
	var m map[string]any
	if jerr := json.Unmarshal(raw, &m); jerr != nil {
		return "", nil, errs.ErrValidation.WrapMsg("invalid JSON")
	}
	t, _ := m["type"].(string)
	switch t {
	case InMessage:
		var p MessagePayload
		if derr := mapstructure.Decode(m, &p); derr != nil {
			return "", nil, errs.ErrValidation.WrapMsg("malformed message frame")
		}
		return InMessage, &p, nil
	case InTyping:
		var p TypingPayload
		if derr := mapstructure.Decode(m, &p); derr != nil {
			return "", nil, errs.ErrValidation.WrapMsg("malformed typing frame")
		}
		return InTyping, &p, nil
	case InReadReceipt:
		var p ReadReceiptPayload
		if derr := mapstructure.Decode(m, &p); derr != nil {
			return "", nil, errs.ErrValidation.WrapMsg("malformed read_receipt frame")
		}
		return InReadReceipt, &p, nil
	case InSubscribe, InUnsubscribe:
		var p SubscribePayload
		if derr := mapstructure.Decode(m, &p); derr != nil {
			return "", nil, errs.ErrValidation.WrapMsg("malformed %s frame", t)
		}
		return t, &p, nil
	case InPing:
		return InPing, nil, nil
	default:
		return "", nil, errs.ErrValidation.WrapMsg("unknown message type: %s", t)
	}
}

// ValidateMessage normalises and bounds-checks an inbound chat message.
func ValidateMessage(p *MessagePayload, maxContent int) error {
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" {
		return errs.ErrValidation.WrapMsg("message content cannot be empty")
	}
	if maxContent > 0 && len(p.Content) > maxContent {
		return errs.ErrContentTooLong.WrapMsg("content exceeds %d bytes", maxContent)
	}
	if p.MessageType == "" {
		p.MessageType = model.MessageTypeText
	}
	if !model.ValidMessageType(p.MessageType) {
		return errs.ErrInvalidMessageType.WrapMsg("message type %q", p.MessageType)
	}
	return nil
}

// ---- outbound builders ----

type ChatMessageEvent struct {
	Type                 string  `json:"type"`
	MessageID            string  `json:"message_id"`
	ConversationID       string  `json:"conversation_id"`
	SequenceNumber       int64   `json:"sequence_number"`
	Content              string  `json:"content"`
	SenderID             string  `json:"sender_id"`
	SenderName           string  `json:"sender_name"`
	MessageType          string  `json:"message_type"`
	CreatedAt            string  `json:"created_at"`
	Timestamp            string  `json:"timestamp"`
	MicrosecondTimestamp float64 `json:"microsecond_timestamp"`
}

func BuildChatMessage(msg *model.Message) []byte {
	now := time.Now().UTC()
	b, _ := json.Marshal(ChatMessageEvent{
		Type:                 OutChatMessage,
		MessageID:            msg.MessageID,
		ConversationID:       msg.ConversationID,
		SequenceNumber:       msg.SequenceNumber,
		Content:              msg.Content,
		SenderID:             msg.SenderID,
		SenderName:           msg.SenderName,
		MessageType:          msg.MessageType,
		CreatedAt:            msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		Timestamp:            now.Format(time.RFC3339Nano),
		MicrosecondTimestamp: float64(msg.CreatedAt.UnixMicro()) / 1e6,
	})
	return b
}

type typingEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name"`
	IsTyping       bool   `json:"is_typing"`
	Timestamp      string `json:"timestamp"`
}

func BuildUserTyping(conversationID, userID, userName string, isTyping bool) []byte {
	b, _ := json.Marshal(typingEvent{
		Type:           OutUserTyping,
		ConversationID: conversationID,
		UserID:         userID,
		UserName:       userName,
		IsTyping:       isTyping,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	return b
}

type readReceiptEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	ReadBy         string `json:"read_by"`
	ReadAt         string `json:"read_at"`
}

func BuildReadReceipt(conversationID, messageID, readBy string) []byte {
	b, _ := json.Marshal(readReceiptEvent{
		Type:           OutReadReceipt,
		ConversationID: conversationID,
		MessageID:      messageID,
		ReadBy:         readBy,
		ReadAt:         time.Now().UTC().Format(time.RFC3339Nano),
	})
	return b
}

type connEstablishedEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
	Timestamp      string `json:"timestamp"`
}

func BuildConnectionEstablished(conversationID, userID string) []byte {
	b, _ := json.Marshal(connEstablishedEvent{
		Type:           OutConnEstablished,
		ConversationID: conversationID,
		UserID:         userID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	return b
}

type rateLimitEvent struct {
	Type       string `json:"type"`
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retry_after"`
	Message    string `json:"message"`
}

func BuildRateLimitExceeded(reason string, retryAfter time.Duration) []byte {
	b, _ := json.Marshal(rateLimitEvent{
		Type:       OutRateLimited,
		Reason:     reason,
		RetryAfter: int(retryAfter / time.Second),
		Message:    "rate limit exceeded, slow down",
	})
	return b
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func BuildError(err error) []byte {
	msg := "internal server error"
	var ce *errs.CodeError
	if errors.As(err, &ce) {
		msg = ce.Msg
		if ce.Detail != "" {
			msg = ce.Detail
		}
	}
	b, _ := json.Marshal(errorEvent{Type: OutError, Message: msg, Code: errs.Code(err)})
	return b
}

type pongEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

func BuildPong() []byte {
	b, _ := json.Marshal(pongEvent{Type: OutPong, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	return b
}

type presenceEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Online         bool   `json:"online"`
	Timestamp      string `json:"timestamp"`
}

func BuildPresence(conversationID, userID string, online bool) []byte {
	b, _ := json.Marshal(presenceEvent{
		Type:           OutPresence,
		ConversationID: conversationID,
		UserID:         userID,
		Online:         online,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	return b
}
