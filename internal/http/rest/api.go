package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/arroyo/internal/logctx"
	"github.com/italolelis/arroyo/internal/reconciler"
	"github.com/italolelis/arroyo/internal/source"
	"github.com/italolelis/arroyo/internal/storage"
)

// EntryResponse is the JSON view of a tracked item.
type EntryResponse struct {
	ID         string        `json:"id"`
	State      string        `json:"state"`
	ExternalID string        `json:"external_id,omitempty"`
	Source     source.Source `json:"source"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// AddRequest is the body of POST /downloads. Metainfo is base64 encoded
// .torrent content and takes precedence over the source uri.
type AddRequest struct {
	source.Source
	Metainfo string `json:"metainfo,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// APIHandler serves the JSON API over the reconciler.
type APIHandler struct {
	service Service
}

func NewAPIHandler(service Service) *APIHandler {
	return &APIHandler{service: service}
}

func (h *APIHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/downloads", h.listDownloads)
	r.Post("/downloads", h.addDownload)
	r.Get("/downloads/{id}", h.getDownload)
	r.Delete("/downloads/{id}", h.cancelDownload)
	r.Post("/downloads/{id}/archive", h.archiveDownload)
	r.Get("/history", h.history)
	r.Post("/sync", h.synchronize)

	return r
}

func (h *APIHandler) listDownloads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q, err := source.ParseQuery(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)

		return
	}

	entries, err := h.service.Entries(ctx)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	resp := make([]EntryResponse, 0, len(entries))

	for _, e := range entries {
		if q.Match(e.Source) {
			resp = append(resp, toResponse(e))
		}
	}

	writeJSON(ctx, w, http.StatusOK, resp)
}

func (h *APIHandler) addDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	src := req.Source

	if req.Metainfo != "" {
		parsed, err := decodeMetainfo(req.Metainfo)
		if err != nil {
			h.fail(w, r, err)

			return
		}

		// caller supplied attributes override the ones read from the torrent
		if src.Name != "" {
			parsed.Name = src.Name
		}

		parsed.Kind = src.Kind
		parsed.Provider = src.Provider
		parsed.Language = src.Language
		src = parsed
	}

	entry, created, err := h.service.Submit(ctx, src)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	writeJSON(ctx, w, status, toResponse(entry))
}

func (h *APIHandler) getDownload(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.Lookup(r.Context(), source.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, toResponse(entry))
}

func (h *APIHandler) cancelDownload(w http.ResponseWriter, r *http.Request) {
	if err := h.service.CancelByID(r.Context(), source.ID(chi.URLParam(r, "id"))); err != nil {
		h.fail(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) archiveDownload(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.ArchiveByID(r.Context(), source.ID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, toResponse(entry))
}

func (h *APIHandler) history(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.History(r.Context())
	if err != nil {
		h.fail(w, r, err)

		return
	}

	resp := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, toResponse(e))
	}

	writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *APIHandler) synchronize(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Synchronize(r.Context()); err != nil {
		h.fail(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "request failed", "err", err)
	}

	writeJSON(ctx, w, status, errorResponse{Error: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		invalidErr *source.InvalidContentError
		adapterErr *reconciler.AdapterError
	)

	switch {
	case errors.Is(err, reconciler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, source.ErrMissingURI),
		errors.Is(err, source.ErrInvalidQuery),
		errors.As(err, &invalidErr):
		return http.StatusBadRequest
	case errors.As(err, &adapterErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toResponse(e storage.Entry) EntryResponse {
	return EntryResponse{
		ID:         e.ID.String(),
		State:      e.State.String(),
		ExternalID: e.ExternalID,
		Source:     e.Source,
		UpdatedAt:  e.UpdatedAt,
	}
}
