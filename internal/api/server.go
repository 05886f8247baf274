// Package api serves the bridge's HTTP interface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/wabridge/internal/fanout"
	"github.com/matheus3301/wabridge/internal/outbox"
	"github.com/matheus3301/wabridge/internal/status"
	"github.com/matheus3301/wabridge/internal/store"
	"github.com/matheus3301/wabridge/internal/wa"
)

// Sessions is the registry surface used by the handlers.
type Sessions interface {
	Initialize(ctx context.Context, userID string) (status.Snapshot, error)
	GetStatus(userID string) status.Snapshot
	Disconnect(ctx context.Context, userID string) bool
	Sessions() []status.Snapshot
	ReadyClient(userID string) (wa.Client, error)
}

// Sender sends outbound messages.
type Sender interface {
	Send(ctx context.Context, userID string, req outbox.SendRequest) (*outbox.SendResult, error)
}

// Refresher accepts refresh requests for a user's cache.
type Refresher interface {
	Trigger(userID string)
	RefreshChat(userID, contactID string)
}

// Handler holds the dependencies of every route.
type Handler struct {
	sessions  Sessions
	sender    Sender
	store     *store.Store
	refresher Refresher
	hub       *fanout.Hub
	logger    *zap.Logger
	startedAt time.Time
	upgrader  websocket.Upgrader

	// markReadTimeout bounds the read receipts sent after a history read.
	markReadTimeout time.Duration
}

// NewHandler creates the HTTP handler set.
func NewHandler(sessions Sessions, sender Sender, s *store.Store, refresher Refresher, hub *fanout.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions:        sessions,
		sender:          sender,
		store:           s,
		refresher:       refresher,
		hub:             hub,
		logger:          logger,
		startedAt:       time.Now(),
		markReadTimeout: 5 * time.Second,
	}
}

// Routes builds the router. origins lists the allowed CORS origins; "*"
// allows any.
func (h *Handler) Routes(origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/initialize/{userId}", h.initialize)
		r.Get("/status/{userId}", h.status)
		r.Post("/send/{userId}", h.send)
		r.Post("/disconnect/{userId}", h.disconnect)
		r.Get("/chats/{userId}", h.chats)
		r.Get("/messages/{userId}/{phone}", h.messages)
		r.Get("/events/{userId}", h.events)
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
