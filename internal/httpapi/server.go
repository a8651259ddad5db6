package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voxnote/internal/apperr"
	"github.com/ent0n29/voxnote/internal/config"
	"github.com/ent0n29/voxnote/internal/observability"
	"github.com/ent0n29/voxnote/internal/protocol"
	"github.com/ent0n29/voxnote/internal/reliability"
	"github.com/ent0n29/voxnote/internal/session"
	"github.com/ent0n29/voxnote/internal/storage"
	"github.com/ent0n29/voxnote/internal/voice"
)

const (
	wsReadLimit    = 2 << 20
	wsQueueSize    = 256
	wsPongWait     = 120 * time.Second
	wsPingInterval = wsPongWait / 2
)

type Orchestrator interface {
	RunConnection(ctx context.Context, inbound <-chan any, outbound chan<- any) error
}

type ProviderLister interface {
	Statuses() []voice.ProviderStatus
}

// HealthReporter exposes whether startup finished or the service runs degraded.
type HealthReporter interface {
	Degraded() (bool, string)
}

// Deps are the collaborators the HTTP layer reports on or drives. Orchestrator,
// Providers and Conversations are nil in degraded mode.
type Deps struct {
	Connections   *session.Manager
	Orchestrator  Orchestrator
	Providers     ProviderLister
	Conversations storage.Reader
	Breakers      *reliability.Breakers
	Metrics       *observability.Metrics
	Health        HealthReporter
}

type Server struct {
	cfg      config.Config
	deps     Deps
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Connections == nil {
		deps.Connections = session.NewManager()
	}
	return &Server{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers must come from the same origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/providers", s.handleProviders)
	r.Get("/v1/sessions", s.handleSessions)
	r.Get("/v1/conversations/{id}", s.handleConversation)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/stream/ws", s.handleStreamWS)

	return r
}

func (s *Server) degraded() (bool, string) {
	if s.deps.Health == nil {
		return false, ""
	}
	return s.deps.Health.Degraded()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	degraded, reason := s.degraded()
	mode := "ready"
	if degraded {
		mode = "degraded"
	}
	body := map[string]any{
		"status": "ok",
		"mode":   mode,
	}
	if reason != "" {
		body["reason"] = reason
	}
	if s.deps.Breakers != nil {
		body["breakers"] = s.deps.Breakers.Snapshot()
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if degraded, reason := s.degraded(); degraded {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"reason": reason,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Providers == nil {
		respondJSON(w, http.StatusOK, map[string]any{"providers": []voice.ProviderStatus{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"providers": s.deps.Providers.Statuses()})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active_sessions": s.deps.Connections.ActiveCount(),
		"connections":     s.deps.Connections.Connections(),
	})
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if degraded, _ := s.degraded(); degraded || s.deps.Orchestrator == nil {
		respondError(w, apperr.New(apperr.KindNetwork, "streaming unavailable in degraded mode").
			WithUserMessage("Streaming is temporarily unavailable."))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.countEvent("ws_connected")

	g, ctx := errgroup.WithContext(r.Context())

	inbound := make(chan any, wsQueueSize)
	outbound := make(chan any, wsQueueSize)

	g.Go(func() error {
		return s.deps.Orchestrator.RunConnection(ctx, inbound, outbound)
	})
	g.Go(func() error {
		return s.writePump(ctx, conn, outbound)
	})
	g.Go(func() error {
		return s.readPump(ctx, conn, inbound)
	})
	g.Go(func() error {
		// Unblocks the reader once any pump has failed.
		<-ctx.Done()
		_ = conn.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !expectedClose(err) {
		log.Printf("httpapi: stream connection ended: %v", err)
	}
	s.countEvent("ws_disconnected")
}

// readPump parses client frames into inbound. Parse failures are forwarded as
// errors so the dispatcher answers them in order. It always returns non-nil so
// the group tears the connection down.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, inbound chan<- any) error {
	defer close(inbound)

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		var item any
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			item = err
			s.countMessage("inbound", "invalid")
		} else {
			item = parsed
			if t, ok := protocol.TypeOf(parsed); ok {
				s.countMessage("inbound", string(t))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case inbound <- item:
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, outbound <-chan any) error {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	writeTimeout := s.cfg.Timeouts.WSRoundTrip
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case msg := <-outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.countEvent("ws_write_error")
				return err
			}
		}
	}
}

func expectedClose(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

func (s *Server) countEvent(event string) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.SessionEvents.WithLabelValues(event).Inc()
}

func (s *Server) countMessage(direction, msgType string) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes err's taxonomy status and client-safe message.
func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, apperr.StatusOf(err), errorResponse{
		Error: apperr.UserMessage(err),
		Kind:  string(apperr.KindOf(err)),
	})
}
