package gateway

import (
	"context"
	"time"

	"chatgate/logger"
	"chatgate/model"
	"chatgate/service/fanout"
	"chatgate/service/metrics"
	"chatgate/service/ratelimit"
	"chatgate/service/seq"
	errs "chatgate/tools/errs"

	"github.com/google/uuid"
)

func (s *Server) dispatch(ctx context.Context, cl *Client, kind string, payload any) {
	switch kind {
	case InMessage:
		s.handleMessage(ctx, cl, payload.(*MessagePayload))
	case InTyping:
		s.handleTyping(ctx, cl, payload.(*TypingPayload))
	case InReadReceipt:
		s.handleReadReceipt(ctx, cl, payload.(*ReadReceiptPayload))
	case InSubscribe:
		p := payload.(*SubscribePayload)
		lastSeen := int64(-1) // no replay unless asked
		if p.LastSeenSequence != nil {
			lastSeen = *p.LastSeenSequence
		}
		if err := s.subscribe(ctx, cl, p.ConversationID, lastSeen); err != nil {
			cl.Enqueue(BuildError(err))
		}
	case InUnsubscribe:
		p := payload.(*SubscribePayload)
		s.unsubscribe(cl, p.ConversationID)
	case InPing:
		cl.Enqueue(BuildPong())
	}
}

// resolveConv picks the target conversation for a frame that may omit it:
// explicit id wins, otherwise the socket's single subscription.
func (cl *Client) resolveConv(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	subs := cl.Subscriptions()
	if len(subs) == 1 {
		return subs[0], nil
	}
	return "", errs.ErrValidation.WrapMsg("conversation_id required")
}

// subscribe validates membership, registers local and broker interest, acks
// with connection_established, then replays everything after lastSeen when
// the client asked for catch-up (lastSeen >= 0).
func (s *Server) subscribe(ctx context.Context, cl *Client, conversationID string, lastSeen int64) error {
	if conversationID == "" {
		return errs.ErrValidation.WrapMsg("conversation_id required")
	}
	exists, err := s.deps.Members.ConversationExists(ctx, conversationID)
	if err != nil {
		return errs.ErrInternal.WrapMsg("membership lookup failed")
	}
	if !exists {
		return errs.ErrConversationNotFound.WithDetail(conversationID)
	}
	member, err := s.deps.Members.IsParticipant(ctx, cl.UserID, conversationID)
	if err != nil {
		return errs.ErrInternal.WrapMsg("membership lookup failed")
	}
	if !member {
		// Denied, but the connection stays open.
		return errs.ErrPermissionDenied.WrapMsg("not a participant of %s", conversationID)
	}

	// Buffer live events before the socket becomes fanout-eligible, so a
	// message committed mid-replay cannot outrun the catch-up and push the
	// high-water mark past messages the replay has not enqueued yet.
	if lastSeen >= 0 {
		cl.BeginReplay(conversationID)
	}
	fresh := s.mgr.AddSub(cl, conversationID)
	// A repeated subscribe frame must not bump the broker refcount; Remove
	// releases each conversation once per connection.
	if fresh && s.broker != nil {
		if berr := s.broker.Subscribe(conversationID); berr != nil {
			logger.Errorf("[gateway] broker subscribe failed conv=%s err=%v (local-only)", conversationID, berr)
		}
	}
	cl.Enqueue(BuildConnectionEstablished(conversationID, cl.UserID))

	if lastSeen >= 0 {
		msgs, rerr := s.deps.Messages.After(ctx, conversationID, lastSeen)
		if rerr != nil {
			logger.Errorf("[gateway] replay failed conv=%s err=%v", conversationID, rerr)
			cl.EndReplay(conversationID)
			return nil
		}
		for i := range msgs {
			if cl.ShouldDeliver(conversationID, msgs[i].SequenceNumber) {
				cl.Enqueue(BuildChatMessage(&msgs[i]))
			}
		}
		cl.EndReplay(conversationID)
	}
	return nil
}

func (s *Server) unsubscribe(cl *Client, conversationID string) {
	if conversationID == "" || !cl.Subscribed(conversationID) {
		return
	}
	s.mgr.RemoveSub(cl, conversationID)
	if s.broker != nil {
		s.broker.Unsubscribe(conversationID)
	}
}

func (s *Server) handleMessage(ctx context.Context, cl *Client, p *MessagePayload) {
	conv, err := cl.resolveConv(p.ConversationID)
	if err != nil {
		cl.Enqueue(BuildError(err))
		return
	}
	if !cl.Subscribed(conv) {
		cl.Enqueue(BuildError(errs.ErrPermissionDenied.WrapMsg("not subscribed to %s", conv)))
		return
	}
	if err := ValidateMessage(p, s.conf.MaxContentLength); err != nil {
		cl.Enqueue(BuildError(err))
		return
	}

	res := s.deps.Limiter.Check(ctx, cl.UserID, ratelimit.ActionMessage)
	if !res.Allowed {
		metrics.RateLimited.WithLabelValues(string(ratelimit.ActionMessage)).Inc()
		cl.Enqueue(BuildRateLimitExceeded(res.Reason, res.RetryAfter))
		return
	}
	if p.MessageType == model.MessageTypeImage || p.MessageType == model.MessageTypeFile {
		up := s.deps.Limiter.Check(ctx, cl.UserID, ratelimit.ActionUpload)
		if !up.Allowed {
			metrics.RateLimited.WithLabelValues(string(ratelimit.ActionUpload)).Inc()
			cl.Enqueue(BuildRateLimitExceeded(up.Reason, up.RetryAfter))
			return
		}
	}

	ident := Identity{UserID: cl.UserID, UserName: cl.UserName}
	msg, dup, serr := s.commitMessage(ctx, ident, conv, p)
	if serr != nil {
		cl.Enqueue(BuildError(serr))
		return
	}

	payload := BuildChatMessage(msg)
	if dup {
		// Same logical send arrived twice; the original event already went
		// out. Offer it to this socket only; per-socket dedup drops it if
		// the original was delivered here already.
		if cl.ShouldDeliver(conv, msg.SequenceNumber) {
			cl.Enqueue(payload)
		}
		return
	}
	s.publish(ctx, &fanout.Event{
		ConversationID: conv,
		Kind:           fanout.KindChatMessage,
		SequenceNumber: msg.SequenceNumber,
		Origin:         s.conf.GatewayID,
		Payload:        payload,
	})
}

// commitMessage is the shared send pipeline behind both the websocket and
// REST submission paths: sequence/dedup, durable write, cache invalidation,
// archival enqueue. The fanout publish stays with the caller.
func (s *Server) commitMessage(ctx context.Context, ident Identity, conversationID string, p *MessagePayload) (*model.Message, bool, error) {
	now := time.Now().UTC()
	dedupKey := seq.DedupKey(p.IdempotencyKey, ident.UserID, p.Content, now)

	asg, err := s.deps.Sequencer.Assign(ctx, conversationID, dedupKey, uuid.NewString())
	if err != nil {
		logger.Errorf("[gateway] sequence assignment failed conv=%s err=%v", conversationID, err)
		return nil, false, errs.ErrInternal.WrapMsg("message could not be sequenced")
	}

	msg := &model.Message{
		MessageID:      asg.MessageID,
		ConversationID: conversationID,
		SequenceNumber: asg.SequenceNumber,
		SenderID:       ident.UserID,
		SenderName:     ident.UserName,
		Content:        p.Content,
		MessageType:    p.MessageType,
		CreatedAt:      now,
	}

	if asg.Duplicate {
		metrics.Duplicates.Inc()
		return msg, true, nil
	}

	if err := s.deps.Messages.Append(ctx, msg); err != nil {
		logger.Errorf("[gateway] durable write failed conv=%s seq=%d err=%v",
			conversationID, msg.SequenceNumber, err)
		return nil, false, errs.ErrInternal.WrapMsg("message could not be stored")
	}

	// Invalidate before the fanout publish fires so a subscriber reacting
	// to the event cannot read a stale window.
	s.deps.Cache.Invalidate(ctx, conversationID)

	if s.deps.Archive != nil {
		if aerr := s.deps.Archive.Enqueue(msg); aerr != nil {
			logger.Warnf("[gateway] archive enqueue failed msg=%s err=%v", msg.MessageID, aerr)
		}
	}
	metrics.MessagesIn.Inc()
	return msg, false, nil
}

func (s *Server) handleTyping(ctx context.Context, cl *Client, p *TypingPayload) {
	conv, err := cl.resolveConv(p.ConversationID)
	if err != nil {
		cl.Enqueue(BuildError(err))
		return
	}
	if !cl.Subscribed(conv) {
		cl.Enqueue(BuildError(errs.ErrPermissionDenied.WrapMsg("not subscribed to %s", conv)))
		return
	}

	res := s.deps.Limiter.Check(ctx, cl.UserID, ratelimit.ActionTyping)
	if !res.Allowed {
		metrics.RateLimited.WithLabelValues(string(ratelimit.ActionTyping)).Inc()
		cl.Enqueue(BuildRateLimitExceeded(res.Reason, res.RetryAfter))
		return
	}

	if terr := s.deps.Typing.Set(ctx, conv, cl.UserID, p.IsTyping); terr != nil {
		logger.Warnf("[gateway] typing state degraded conv=%s err=%v", conv, terr)
	}
	s.publish(ctx, &fanout.Event{
		ConversationID: conv,
		Kind:           fanout.KindUserTyping,
		Origin:         s.conf.GatewayID,
		Payload:        BuildUserTyping(conv, cl.UserID, cl.UserName, p.IsTyping),
	})
}

func (s *Server) handleReadReceipt(ctx context.Context, cl *Client, p *ReadReceiptPayload) {
	conv, err := cl.resolveConv(p.ConversationID)
	if err != nil {
		cl.Enqueue(BuildError(err))
		return
	}
	if !cl.Subscribed(conv) {
		cl.Enqueue(BuildError(errs.ErrPermissionDenied.WrapMsg("not subscribed to %s", conv)))
		return
	}
	if p.MessageID == "" {
		cl.Enqueue(BuildError(errs.ErrValidation.WrapMsg("message_id required")))
		return
	}

	if merr := s.deps.Messages.MarkRead(ctx, conv, p.MessageID); merr != nil {
		logger.Errorf("[gateway] mark read failed msg=%s err=%v", p.MessageID, merr)
		cl.Enqueue(BuildError(errs.ErrInternal.WrapMsg("could not mark message read")))
		return
	}
	s.deps.Cache.Invalidate(ctx, conv)
	s.publish(ctx, &fanout.Event{
		ConversationID: conv,
		Kind:           fanout.KindReadReceipt,
		Origin:         s.conf.GatewayID,
		Payload:        BuildReadReceipt(conv, p.MessageID, cl.UserID),
	})
}
