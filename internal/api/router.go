package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"callsync/internal/artifacts"
	"callsync/internal/egress"
	"callsync/internal/logging"
	"callsync/internal/queue"
	"callsync/internal/services"
	"callsync/internal/workflow"
)

const maxBodyBytes = 1 << 20

// Syncer runs and describes sync cycles.
type Syncer interface {
	RunCycle(ctx context.Context) (workflow.CycleStats, error)
	Status(ctx context.Context) workflow.StatusSummary
}

// RecordStore is the part of the queue backend the API reads and requeues.
type RecordStore interface {
	Get(ctx context.Context, callID string) (*queue.Record, error)
	List(ctx context.Context, statuses ...queue.Status) ([]*queue.Record, error)
	Requeue(ctx context.Context, callID string, now time.Time) (bool, error)
}

// Deps wires the handlers.
type Deps struct {
	Records       RecordStore
	Syncer        Syncer
	Writer        *artifacts.Writer
	Egress        egress.Recorder
	Token         string
	WebhookSecret string
	Logger        *slog.Logger
}

type handler struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewRouter builds the chi router for the daemon API.
func NewRouter(deps Deps) http.Handler {
	h := &handler{
		deps:   deps,
		logger: logging.NewComponentLogger(deps.Logger, "api-server"),
		now:    time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(withRequestContext)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(deps.Token))
		r.Get("/status", h.handleStatus)
		r.Post("/sync", h.handleSync)
		r.Get("/records", h.handleRecords)
		r.Get("/records/{callID}", h.handleRecord)
		r.Post("/records/{callID}/requeue", h.handleRequeue)
		r.Post("/calls", h.handleCall)
	})
	r.Post("/webhook/egress", h.handleEgressWebhook)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := services.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerAuth validates bearer tokens. An empty token disables authentication.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
