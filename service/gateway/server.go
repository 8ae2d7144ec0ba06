package gateway

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatgate/logger"
	"chatgate/service/cache"
	"chatgate/service/dispatcher"
	"chatgate/service/fanout"
	"chatgate/service/metrics"
	"chatgate/service/ratelimit"
	"chatgate/service/seq"
	"chatgate/service/storage"
	"chatgate/service/store"
	"chatgate/tools/ids"
	"chatgate/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	maxFrameSize  = 64 << 10
	writeTimeout  = 5 * time.Second
	pingInterval  = 25 * time.Second
	handlerBudget = 5 * time.Second
)

type Conf struct {
	GatewayID        string
	SendQueueSize    int
	MaxContentLength int
	IdleTimeout      time.Duration
	PresenceGrace    time.Duration
}

// Deps are the collaborators the gateway mediates between. All of them are
// passed in explicitly; the package holds no global state.
type Deps struct {
	Auth      Authenticator
	Limiter   *ratelimit.Limiter
	Sequencer *seq.Sequencer
	Cache     *cache.MessageCache
	Messages  store.MessageStore
	Members   store.Membership
	Presence  *storage.Presence
	Typing    *storage.Typing
	Archive   *dispatcher.Producer // optional
}

// Server owns every websocket of this process and the dispatch pipeline
// behind send: validation, admission, sequencing, durable write, cache
// invalidation, fanout.
type Server struct {
	conf  Conf
	deps  Deps
	mgr   *Manager
	local *localFanout

	broker fanout.Broker // nil or unavailable degrades to local-only
}

func NewServer(conf Conf, deps Deps) *Server {
	if conf.GatewayID == "" {
		conf.GatewayID = "gw-" + ids.GenerateString()
	}
	if conf.PresenceGrace <= 0 {
		conf.PresenceGrace = 3 * time.Second
	}
	s := &Server{
		conf:  conf,
		deps:  deps,
		local: newLocalFanout(4, 1024),
	}
	s.mgr = NewManager(ManagerConf{IdleTimeout: conf.IdleTimeout}, conf.GatewayID)
	return s
}

// SetBroker attaches the cross-process fanout. Constructed after the server
// because the broker needs OnEvent as its handler.
func (s *Server) SetBroker(b fanout.Broker) { s.broker = b }

func (s *Server) Manager() *Manager { return s.mgr }

func (s *Server) Close() {
	s.mgr.Close()
}

// HandleWS runs one connection end to end:
// CONNECTING -> AUTHENTICATING -> ESTABLISHED -> CLOSING -> CLOSED.
func (s *Server) HandleWS(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[gateway] upgrade failed: %v", err)
		return
	}

	cl := NewClient(ids.GenerateString(), ws, s.conf.SendQueueSize)
	cl.setState(StateAuthenticating)

	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerBudget)
	ident, err := s.deps.Auth.Authenticate(ctx, bearerToken(c))
	cancel()
	if err != nil {
		s.refuse(ws, BuildError(err))
		return
	}

	// Admission: per-IP first, then per-user.
	ctx, cancel = context.WithTimeout(context.Background(), handlerBudget)
	ipRes := s.deps.Limiter.Check(ctx, c.ClientIP(), ratelimit.ActionIPConnect)
	userRes := s.deps.Limiter.Check(ctx, ident.UserID, ratelimit.ActionConnect)
	cancel()
	if !ipRes.Allowed {
		metrics.RateLimited.WithLabelValues(string(ratelimit.ActionIPConnect)).Inc()
		s.refuse(ws, BuildRateLimitExceeded(ipRes.Reason, ipRes.RetryAfter))
		return
	}
	if !userRes.Allowed {
		metrics.RateLimited.WithLabelValues(string(ratelimit.ActionConnect)).Inc()
		s.refuse(ws, BuildRateLimitExceeded(userRes.Reason, userRes.RetryAfter))
		return
	}

	cl.UserID = ident.UserID
	cl.UserName = ident.UserName
	s.mgr.Add(cl)
	cl.setState(StateEstablished)

	go s.writePump(cl)

	ctx, cancel = context.WithTimeout(context.Background(), handlerBudget)
	if err := s.deps.Presence.Online(ctx, cl.UserID, s.conf.GatewayID); err != nil {
		logger.Warnf("[gateway] presence online failed user=%s err=%v", cl.UserID, err)
	}
	cancel()

	cl.Enqueue(BuildConnectionEstablished("", cl.UserID))

	if conversationID != "" {
		lastSeen := int64(-1)
		if raw := c.Query("last_seen_sequence"); raw != "" {
			if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				lastSeen = n
			}
		}
		ctx, cancel = context.WithTimeout(context.Background(), handlerBudget)
		if serr := s.subscribe(ctx, cl, conversationID, lastSeen); serr != nil {
			cl.Enqueue(BuildError(serr))
		}
		cancel()
	}

	logger.Infof("[gateway] connected conn=%s user=%s", cl.ConnID, cl.UserID)
	s.readLoop(cl)
	s.disconnect(cl)
}

// refuse writes a terminal frame to a connection that never reached
// ESTABLISHED, then closes it.
func (s *Server) refuse(ws *websocket.Conn, payload []byte) {
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = ws.WriteMessage(websocket.TextMessage, payload)
	_ = ws.Close()
}

func (s *Server) readLoop(cl *Client) {
	cl.ws.SetReadLimit(maxFrameSize)
	_ = cl.ws.SetReadDeadline(time.Now().Add(s.mgr.conf.IdleTimeout))
	cl.ws.SetPongHandler(func(string) error {
		cl.Touch()
		return cl.ws.SetReadDeadline(time.Now().Add(s.mgr.conf.IdleTimeout))
	})

	for {
		mt, data, err := cl.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[gateway] peer closed conn=%s", cl.ConnID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[gateway] read timeout conn=%s", cl.ConnID)
			} else {
				logger.Infof("[gateway] read err conn=%s err=%v", cl.ConnID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		cl.Touch()
		_ = cl.ws.SetReadDeadline(time.Now().Add(s.mgr.conf.IdleTimeout))

		if !cl.governor.Allow() {
			cl.Enqueue(BuildRateLimitExceeded("read_burst_exceeded", time.Second))
			continue
		}

		kind, payload, perr := ParseInbound(data)
		if perr != nil {
			cl.Enqueue(BuildError(perr))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerBudget)
		s.dispatch(ctx, cl, kind, payload)
		cancel()
	}
}

func (s *Server) writePump(cl *Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		cl.Close()
	}()

	for {
		select {
		case payload := <-cl.send:
			_ = cl.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cl.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Infof("[gateway] write err conn=%s err=%v", cl.ConnID, err)
				return
			}
		case <-ticker.C:
			_ = cl.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cl.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.done:
			return
		}
	}
}

// disconnect runs on every exit path: releases indexes and broker
// subscriptions immediately, defers the presence-offline broadcast by a
// short grace so rapid reconnects don't flap presence.
func (s *Server) disconnect(cl *Client) {
	cl.setState(StateClosing)
	convs := s.mgr.Remove(cl.ConnID)
	if s.broker != nil {
		for _, conv := range convs {
			s.broker.Unsubscribe(conv)
		}
	}
	cl.Close()
	logger.Infof("[gateway] disconnected conn=%s user=%s", cl.ConnID, cl.UserID)

	userID := cl.UserID
	if userID == "" {
		return
	}
	grace := s.conf.PresenceGrace
	safe.Go(func() {
		time.Sleep(grace)
		if s.mgr.UserOnline(userID) {
			return // reconnected within the grace window
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.deps.Presence.Offline(ctx, userID); err != nil {
			logger.Warnf("[gateway] presence offline failed user=%s err=%v", userID, err)
		}
		for _, conv := range convs {
			s.publish(ctx, &fanout.Event{
				ConversationID: conv,
				Kind:           fanout.KindPresence,
				Origin:         s.conf.GatewayID,
				Payload:        BuildPresence(conv, userID, false),
			})
		}
	})
}

// OnEvent is the broker callback: relay a fanned-out event to the local
// sockets subscribed to its conversation.
func (s *Server) OnEvent(ev *fanout.Event) {
	s.deliverLocal(ev)
}

func (s *Server) deliverLocal(ev *fanout.Event) {
	conns := s.mgr.ClientsByConv(ev.ConversationID)
	if len(conns) == 0 {
		return
	}
	eligible := conns[:0:0]
	for _, c := range conns {
		deliver, dropped := c.OfferLive(ev.ConversationID, ev.SequenceNumber, ev.Payload)
		if deliver {
			eligible = append(eligible, c)
		} else if dropped {
			metrics.RedeliveriesDropped.Inc()
		}
	}
	s.local.Broadcast(eligible, ev.Payload)
}

// publish pushes an event through the broker; on broker failure it degrades
// to best-effort local-only delivery rather than dropping the event.
func (s *Server) publish(ctx context.Context, ev *fanout.Event) {
	if s.broker != nil {
		err := s.broker.Publish(ctx, ev)
		if err == nil {
			return
		}
		logger.Errorf("[gateway] broker unavailable, local-only delivery conv=%s kind=%s err=%v",
			ev.ConversationID, ev.Kind, err)
	}
	s.deliverLocal(ev)
}

func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
