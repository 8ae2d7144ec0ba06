package store

import (
	"context"

	"chatgate/model"
)

// MessageStore is the durable message collaborator: authoritative append and
// read, behind the cache. The gateway only ever reads through the cache or
// for replay; it never trusts the cache over this store.
type MessageStore interface {
	Append(ctx context.Context, msg *model.Message) error
	Recent(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	// After returns messages with sequence_number > afterSeq, ascending,
	// used for reconnect catch-up.
	After(ctx context.Context, conversationID string, afterSeq int64) ([]model.Message, error)
	MarkRead(ctx context.Context, conversationID, messageID string) error
	Summaries(ctx context.Context, userID string) ([]model.ConversationSummary, error)
}

// Membership is the conversation/membership collaborator used for subscribe
// and post authorisation.
type Membership interface {
	ConversationExists(ctx context.Context, conversationID string) (bool, error)
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)
	// Participants lists user ids, used for summary-cache invalidation.
	Participants(ctx context.Context, conversationID string) ([]string, error)
}
