package seq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Assignment is atomic in one script run: either the dedup key already holds
// an assigned number (second path of a REST/WS race) and that assignment is
// returned, or the conversation counter is incremented exactly once and the
// assignment recorded under the dedup key. First writer wins.
var luaAssign = redis.NewScript(`
  local seqKey   = KEYS[1]
  local dedupKey = KEYS[2]
  local msgID    = ARGV[1]
  local ttlMs    = tonumber(ARGV[2])

  local hit = redis.call('GET', dedupKey)
  if hit then
    return {1, hit}
  end

  local seq = redis.call('INCR', seqKey)
  local rec = seq .. '|' .. msgID
  redis.call('SET', dedupKey, rec, 'PX', ttlMs)
  return {0, rec}
`)

// Assignment is the outcome of Assign. On Duplicate the caller must reuse
// MessageID instead of creating a new message record.
type Assignment struct {
	SequenceNumber int64
	MessageID      string
	Duplicate      bool
}

// Sequencer owns the per-conversation monotonic counters and the short-lived
// dedup index, both in the shared store so every gateway process agrees.
type Sequencer struct {
	rdb         redis.UniversalClient
	dedupWindow time.Duration
}

func NewSequencer(rdb redis.UniversalClient, dedupWindow time.Duration) *Sequencer {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Second
	}
	return &Sequencer{rdb: rdb, dedupWindow: dedupWindow}
}

func seqKey(conversationID string) string { return "chat:seq:" + conversationID }

func dedupIndexKey(conversationID, dedupKey string) string {
	return "chat:dedup:" + conversationID + ":" + dedupKey
}

// Assign allocates the next sequence number for conversationID, or returns
// the previously assigned one when dedupKey was already seen inside the
// dedup window. candidateMsgID becomes the stored message id only if this
// call is the first writer.
func (s *Sequencer) Assign(ctx context.Context, conversationID, dedupKey, candidateMsgID string) (Assignment, error) {
	res, err := luaAssign.Run(ctx, s.rdb,
		[]string{seqKey(conversationID), dedupIndexKey(conversationID, dedupKey)},
		candidateMsgID, s.dedupWindow.Milliseconds(),
	).Result()
	if err != nil {
		return Assignment{}, errors.Wrap(err, "seq assign")
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return Assignment{}, errors.Errorf("seq assign: unexpected reply %v", res)
	}
	dup, _ := arr[0].(int64)
	rec, _ := arr[1].(string)

	n, msgID, err := parseRecord(rec)
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{SequenceNumber: n, MessageID: msgID, Duplicate: dup == 1}, nil
}

// LastSequence reports the highest assigned number for a conversation, zero
// when no message was ever sequenced.
func (s *Sequencer) LastSequence(ctx context.Context, conversationID string) (int64, error) {
	val, err := s.rdb.Get(ctx, seqKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "seq last")
	}
	return strconv.ParseInt(val, 10, 64)
}

func parseRecord(rec string) (int64, string, error) {
	i := strings.IndexByte(rec, '|')
	if i <= 0 {
		return 0, "", errors.Errorf("seq assign: malformed record %q", rec)
	}
	n, err := strconv.ParseInt(rec[:i], 10, 64)
	if err != nil {
		return 0, "", errors.Wrapf(err, "seq assign: malformed record %q", rec)
	}
	return n, rec[i+1:], nil
}

// DedupKey derives the identifier used to recognise two submissions as the
// same logical send: the explicit client token when present, otherwise a
// hash of sender, content and a 2s timestamp bucket.
func DedupKey(idempotencyKey, senderID, content string, now time.Time) string {
	if idempotencyKey != "" {
		return "tok:" + idempotencyKey
	}
	bucket := now.Unix() / 2
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", senderID, content, bucket)))
	return "sha:" + hex.EncodeToString(sum[:])
}
