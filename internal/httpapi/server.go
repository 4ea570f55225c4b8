package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/threadbot/internal/chat"
	"github.com/ent0n29/threadbot/internal/config"
	"github.com/ent0n29/threadbot/internal/nodecache"
	"github.com/ent0n29/threadbot/internal/observability"
	"github.com/ent0n29/threadbot/internal/protocol"
	"github.com/ent0n29/threadbot/internal/session"
	"github.com/ent0n29/threadbot/internal/surface"
)

// Dispatcher handles an inbound chat message.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg chat.Message) bool
}

type Deps struct {
	Sessions   *session.Manager
	Hub        *surface.Hub
	Dispatcher Dispatcher
	Cache      *nodecache.Cache
	Persister  *nodecache.Persister
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	hub        *surface.Hub
	dispatcher Dispatcher
	cache      *nodecache.Cache
	persister  *nodecache.Persister
	metrics    *observability.Metrics
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
	static     http.Handler

	// mu guards closed and conns; dispatches register with inflight under it.
	mu       sync.RWMutex
	closed   bool
	conns    map[*websocket.Conn]struct{}
	inflight sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:        cfg,
		sessions:   deps.Sessions,
		hub:        deps.Hub,
		dispatcher: deps.Dispatcher,
		cache:      deps.Cache,
		persister:  deps.Persister,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		static:     newStaticHandler(),
		conns:      make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/chat/session", s.handleCreateSession)
	r.Post("/v1/chat/session/{id}/end", s.handleEndSession)
	r.Get("/v1/chat/ws", s.handleSessionWS)

	r.Get("/v1/cache", s.handleCacheStatus)
	r.Post("/v1/cache/snapshot", s.handleCacheSnapshot)

	return r
}

// Close stops accepting dispatches and closes every websocket connection.
// http.Server.Shutdown leaves hijacked connections open.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Wait blocks until every dispatched invocation has finished. Call Close first.
func (s *Server) Wait() {
	s.inflight.Wait()
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"completion_mode": s.cfg.CompletionMode,
		"cache_store":     s.cfg.CacheStore,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.hub == nil || s.dispatcher == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "chat surface not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
		"model":           s.cfg.Model,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	sess := s.sessions.Create(req.UserID, strings.TrimSpace(req.ChannelID))
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		ChannelID:       sess.ChannelID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.hub == nil || s.dispatcher == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat surface not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.hub.Subscribe(sess.ChannelID)
	defer unsubscribe()
	direct := make(chan any, 16)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				msg = ev
			case ev := <-direct:
				msg = ev
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}()

	_ = s.queue(direct, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sess.ID,
		Code:      "connected",
		Detail:    sess.ChannelID,
	})

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.queue(direct, s.errorEvent(sess.ID, "invalid_client_message", err))
			continue
		}
		create, ok := parsed.(protocol.MessageCreate)
		if !ok {
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(create.Type)).Inc()
		if create.SessionID != sess.ID {
			s.queue(direct, s.errorEvent(sess.ID, "session_mismatch", errors.New("session_id does not match connection")))
			continue
		}
		if err := s.sessions.RecordMessage(sess.ID); err != nil {
			s.queue(direct, s.errorEvent(sess.ID, "session_ended", err))
			break
		}

		msg := s.hub.Post(sess.UserID, sess.ChannelID, sess.DirectMessage, create)
		if !s.dispatch(ctx, msg) {
			break
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// dispatch runs the invocation past the lifetime of the connection so the
// conversation still completes and gets cached. It refuses once the server is closed.
func (s *Server) dispatch(ctx context.Context, msg chat.Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.dispatcher.Dispatch(context.WithoutCancel(ctx), msg)
	}()
	return true
}

func (s *Server) queue(out chan<- any, msg any) bool {
	select {
	case out <- msg:
		return true
	default:
		// Keep websocket writes single-threaded; drop if the queue is saturated.
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.WSMessages.WithLabelValues("dropped", string(t)).Inc()
		}
		return false
	}
}

func (s *Server) errorEvent(sessionID, code string, err error) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "gateway",
		Retryable: false,
		Detail:    err.Error(),
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.MessageCreate:
		return m.Type, true
	case protocol.MessageCreated:
		return m.Type, true
	case protocol.MessageUpdated:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
