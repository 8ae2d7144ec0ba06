package gateway

import (
	"net/http"
	"strconv"
	"time"

	"chatgate/model"
	"chatgate/service/fanout"
	"chatgate/service/metrics"
	"chatgate/service/ratelimit"
	errs "chatgate/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/mitchellh/mapstructure"
)

const identityKey = "gateway.identity"

// AuthMiddleware resolves the bearer token through the identity collaborator
// and stashes the actor on the request context.
func AuthMiddleware(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, err := auth.Authenticate(c.Request.Context(), bearerToken(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "AUTHENTICATION_REQUIRED"})
			return
		}
		c.Set(identityKey, ident)
		c.Next()
	}
}

func identityFrom(c *gin.Context) *Identity {
	v, _ := c.Get(identityKey)
	ident, _ := v.(*Identity)
	return ident
}

func userActor(c *gin.Context) string {
	if ident := identityFrom(c); ident != nil {
		return ident.UserID
	}
	return ratelimit.IPActor(c)
}

// RegisterRoutes wires the websocket endpoint and the REST surface onto the
// router. The REST send path shares commitMessage with the socket path, so
// a REST call racing a socket send for the same logical message collapses
// to one sequence number.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws/chat/:conversation_id", s.HandleWS)

	api := r.Group("/api", AuthMiddleware(s.deps.Auth))
	api.GET("/presence/:user_id", s.handlePresence)
	api.GET("/conversations", s.handleSummaries)
	api.GET("/conversations/:conversation_id/messages", s.handleRecent)
	api.POST("/conversations/:conversation_id/messages",
		ratelimit.Middleware(s.deps.Limiter, ratelimit.ActionMessage, userActor),
		s.handleSendREST,
	)
}

func (s *Server) handlePresence(c *gin.Context) {
	userID := c.Param("user_id")
	gwID, online, err := s.deps.Presence.Lookup(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "online": online, "gateway_id": gwID})
}

func (s *Server) handleSummaries(c *gin.Context) {
	ident := identityFrom(c)
	sums, err := s.deps.Cache.GetSummaries(c.Request.Context(), ident.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": sums})
}

func (s *Server) handleRecent(c *gin.Context) {
	ident := identityFrom(c)
	conv := c.Param("conversation_id")

	if err := s.authorizeMember(c, ident.UserID, conv); err != nil {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.deps.Cache.GetRecent(c.Request.Context(), conv, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleSendREST(c *gin.Context) {
	ident := identityFrom(c)
	conv := c.Param("conversation_id")

	if err := s.authorizeMember(c, ident.UserID, conv); err != nil {
		return
	}

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "invalid JSON"})
		return
	}
	var p MessagePayload
	if err := mapstructure.Decode(body, &p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "malformed body"})
		return
	}
	if err := ValidateMessage(&p, s.conf.MaxContentLength); err != nil {
		c.JSON(errs.HTTPStatus(errs.Code(err)), gin.H{"error": "VALIDATION_ERROR", "message": err.Error()})
		return
	}
	if p.MessageType == model.MessageTypeImage || p.MessageType == model.MessageTypeFile {
		up := s.deps.Limiter.Check(c.Request.Context(), ident.UserID, ratelimit.ActionUpload)
		if !up.Allowed {
			metrics.RateLimited.WithLabelValues(string(ratelimit.ActionUpload)).Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "RATE_LIMIT_EXCEEDED",
				"reason":      up.Reason,
				"retry_after": int(up.RetryAfter / time.Second),
			})
			return
		}
	}

	msg, dup, err := s.commitMessage(c.Request.Context(), *ident, conv, &p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	if !dup {
		s.publish(c.Request.Context(), &fanout.Event{
			ConversationID: conv,
			Kind:           fanout.KindChatMessage,
			SequenceNumber: msg.SequenceNumber,
			Origin:         s.conf.GatewayID,
			Payload:        BuildChatMessage(msg),
		})
	}
	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"message": msg, "duplicate": dup, "timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
}

// authorizeMember writes the error response itself and returns non-nil when
// the request must not proceed.
func (s *Server) authorizeMember(c *gin.Context, userID, conversationID string) error {
	exists, err := s.deps.Members.ConversationExists(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return err
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "CONVERSATION_NOT_FOUND"})
		return errs.ErrConversationNotFound
	}
	member, err := s.deps.Members.IsParticipant(c.Request.Context(), userID, conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return err
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "PERMISSION_DENIED"})
		return errs.ErrPermissionDenied
	}
	return nil
}
