package rest

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/arroyo/internal/dc"
	"github.com/italolelis/arroyo/internal/logctx"
	"github.com/italolelis/arroyo/internal/source"
	"github.com/italolelis/arroyo/internal/storage"
	"github.com/italolelis/arroyo/internal/telemetry"
)

// Service is the reconciler as seen by the HTTP handlers.
type Service interface {
	Submit(ctx context.Context, src source.Source) (storage.Entry, bool, error)
	CancelByID(ctx context.Context, id source.ID) error
	ArchiveByID(ctx context.Context, id source.ID) (storage.Entry, error)
	Entries(ctx context.Context) ([]storage.Entry, error)
	Lookup(ctx context.Context, id source.ID) (storage.Entry, error)
	History(ctx context.Context) ([]storage.Entry, error)
	Synchronize(ctx context.Context) error
}

// Lister provides live transfer details from the download agent.
type Lister interface {
	List(ctx context.Context) ([]*dc.Transfer, error)
}

// NewRouter mounts the JSON API, the Transmission RPC facade and the
// operational endpoints behind the request middlewares.
func NewRouter(api *APIHandler, transmission *TransmissionHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	if api != nil {
		r.Mount("/api/v1", api.Routes())
	}

	if transmission != nil {
		r.Mount("/transmission", transmission.Routes())
	}

	return r
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}
