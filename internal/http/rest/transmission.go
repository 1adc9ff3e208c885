package rest

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/arroyo/internal/dc"
	"github.com/italolelis/arroyo/internal/logctx"
	"github.com/italolelis/arroyo/internal/reconciler"
	"github.com/italolelis/arroyo/internal/source"
	"github.com/italolelis/arroyo/internal/storage"
)

const sessionID = "arroyo-session-id"

type TransmissionTorrentStatus int

const (
	StatusStopped TransmissionTorrentStatus = iota
	StatusCheckWait
	StatusCheck
	StatusDownloadWait
	StatusDownload
	StatusSeedWait
	StatusSeed
)

type TransmissionTorrent struct {
	ID                 int64                     `json:"id"`
	HashString         string                    `json:"hashString,omitempty"`
	Name               string                    `json:"name"`
	DownloadDir        string                    `json:"downloadDir"`
	TotalSize          int64                     `json:"totalSize"`
	LeftUntilDone      int64                     `json:"leftUntilDone"`
	IsFinished         bool                      `json:"isFinished"`
	ETA                int64                     `json:"eta"`
	Status             TransmissionTorrentStatus `json:"status"`
	SecondsDownloading int64                     `json:"secondsDownloading"`
	SecondsSeeding     int64                     `json:"secondsSeeding"`
	ErrorString        *string                   `json:"errorString,omitempty"`
	DownloadedEver     int64                     `json:"downloadedEver"`
	PercentDone        float64                   `json:"percentDone"`
	RateDownload       int64                     `json:"rateDownload"`
	RateUpload         int64                     `json:"rateUpload"`
	PeersConnected     int64                     `json:"peersConnected"`
	Labels             []string                  `json:"labels"`
	SeedRatioLimit     float32                   `json:"seedRatioLimit"`
	SeedRatioMode      uint32                    `json:"seedRatioMode"`
	SeedIdleLimit      uint64                    `json:"seedIdleLimit"`
	SeedIdleMode       uint32                    `json:"seedIdleMode"`
	FileCount          uint32                    `json:"fileCount"`
}

type TransmissionResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type TransmissionRequest struct {
	Method    string `json:"method"`
	Arguments struct {
		Fields          []string `json:"fields"`
		IDs             RPCIDs   `json:"ids"`
		FileName        string   `json:"filename"`
		Paused          bool     `json:"paused"`
		DownloadDir     string   `json:"download-dir"`
		Labels          []string `json:"labels"`
		MetaInfo        string   `json:"metainfo"`
		DeleteLocalData bool     `json:"delete-local-data"`
	} `json:"arguments"`
}

// RPCIDs holds torrent ids, which clients send as numbers, hash strings, or a
// single value instead of a list.
type RPCIDs []string

func (ids *RPCIDs) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*ids = nil

		return nil
	}

	var raw []json.RawMessage
	if b[0] == '[' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	} else {
		raw = []json.RawMessage{b}
	}

	out := make(RPCIDs, 0, len(raw))

	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)

			continue
		}

		var n json.Number
		if err := json.Unmarshal(r, &n); err != nil {
			return fmt.Errorf("invalid torrent id %s: %w", r, err)
		}

		out = append(out, n.String())
	}

	*ids = out

	return nil
}

type TransmissionConfig struct {
	RPCVersion              string  `json:"rpc-version"`
	Version                 string  `json:"version"`
	DownloadDir             string  `json:"download-dir"`
	SeedRatioLimit          float32 `json:"seedRatioLimit"`
	SeedRatioLimited        bool    `json:"seedRatioLimited"`
	IdleSeedingLimit        uint64  `json:"idle-seeding-limit"`
	IdleSeedingLimitEnabled bool    `json:"idle-seeding-limit-enabled"`
}

func NewTransmissionConfig(downloadDir string) *TransmissionConfig {
	return &TransmissionConfig{
		RPCVersion:              "18",
		Version:                 "14.0.0",
		DownloadDir:             downloadDir,
		SeedRatioLimit:          1.0,
		SeedRatioLimited:        true,
		IdleSeedingLimit:        100,
		IdleSeedingLimitEnabled: false,
	}
}

// TransmissionHandler speaks enough of the Transmission RPC protocol for
// Sonarr and Radarr to use the reconciler as their download client.
type TransmissionHandler struct {
	username    string
	password    string
	service     Service
	lister      Lister
	label       string
	downloadDir string
}

// NewTransmissionHandler creates a Transmission RPC handler. lister may be nil,
// in which case torrents are reported without live progress.
func NewTransmissionHandler(username, password string, service Service, lister Lister, label, downloadDir string) *TransmissionHandler {
	return &TransmissionHandler{
		username:    username,
		password:    password,
		service:     service,
		lister:      lister,
		label:       label,
		downloadDir: downloadDir,
	}
}

func (h *TransmissionHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Post("/rpc", h.HandleRPC)
	r.Get("/rpc", h.HandleRPCGet)

	return r
}

// HandleRPC dispatches one Transmission RPC call.
func (h *TransmissionHandler) HandleRPC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req TransmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.ErrorContext(ctx, "failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	logger = logger.With("rpc_method", req.Method)
	logger.DebugContext(ctx, "received rpc request")

	var (
		response *TransmissionResponse
		err      error
	)

	switch req.Method {
	case "session-get":
		response, err = success(NewTransmissionConfig(h.downloadDir))
	case "torrent-get":
		response, err = h.handleTorrentGet(ctx, &req)
	case "torrent-set", "queue-move-top":
		response = &TransmissionResponse{Result: "success"}
	case "torrent-remove":
		response, err = h.handleTorrentRemove(ctx, &req)
	case "torrent-add":
		response, err = h.handleTorrentAdd(ctx, &req)
	default:
		logger.ErrorContext(ctx, "unknown method")
		http.Error(w, fmt.Sprintf("unknown method %s", req.Method), http.StatusBadRequest)

		return
	}

	if err != nil {
		logger.ErrorContext(ctx, "failed to handle request", "err", err)

		// Transmission reports failures in the result field with HTTP 200
		response = &TransmissionResponse{Result: formatTransmissionError(err)}
	}

	writeJSON(ctx, w, http.StatusOK, response)
}

// HandleRPCGet answers the session handshake clients start with.
func (h *TransmissionHandler) HandleRPCGet(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Transmission-Session-Id", sessionID)
	w.WriteHeader(http.StatusConflict)
	w.Write([]byte("{}"))
}

func (h *TransmissionHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1

		if !userOK || !passOK {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *TransmissionHandler) handleTorrentAdd(ctx context.Context, req *TransmissionRequest) (*TransmissionResponse, error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		src source.Source
		err error
	)

	// metainfo wins when both are present
	switch {
	case req.Arguments.MetaInfo != "":
		logger.DebugContext(ctx, "processing torrent add request", "torrent_type", "metainfo")

		src, err = decodeMetainfo(req.Arguments.MetaInfo)
		if err != nil {
			return nil, err
		}
	case req.Arguments.FileName != "":
		logger.DebugContext(ctx, "processing torrent add request", "torrent_type", "uri")

		src = source.Source{URI: req.Arguments.FileName}
	default:
		return nil, errors.New("either metainfo or filename must be provided")
	}

	if len(req.Arguments.Labels) > 0 {
		src.Kind = req.Arguments.Labels[0]
	}

	entry, created, err := h.service.Submit(ctx, src)
	if err != nil {
		return nil, err
	}

	key := "torrent-added"
	if !created {
		key = "torrent-duplicate"
	}

	return success(map[string]any{
		key: map[string]any{
			"id":         numericID(entry.ID),
			"name":       entry.Source.DisplayName(),
			"hashString": entry.ID.String(),
		},
	})
}

func decodeMetainfo(encoded string) (source.Source, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return source.Source{}, &source.InvalidContentError{
			Filename: "metainfo",
			Reason:   fmt.Sprintf("invalid base64 encoding: %v", err),
			Err:      err,
		}
	}

	return source.FromMetainfo(data)
}

func (h *TransmissionHandler) handleTorrentRemove(ctx context.Context, req *TransmissionRequest) (*TransmissionResponse, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := h.service.Entries(ctx)
	if err != nil {
		return nil, err
	}

	for _, rpcID := range req.Arguments.IDs {
		id, ok := resolveID(entries, rpcID)
		if !ok {
			logger.WarnContext(ctx, "torrent to remove is not tracked", "torrent_id", rpcID)

			continue
		}

		if req.Arguments.DeleteLocalData {
			err = h.service.CancelByID(ctx, id)
		} else {
			_, err = h.service.ArchiveByID(ctx, id)
		}

		if err != nil && !errors.Is(err, reconciler.ErrNotFound) {
			return nil, fmt.Errorf("failed to remove torrent %s: %w", rpcID, err)
		}
	}

	return &TransmissionResponse{Result: "success"}, nil
}

func (h *TransmissionHandler) handleTorrentGet(ctx context.Context, req *TransmissionRequest) (*TransmissionResponse, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := h.service.Entries(ctx)
	if err != nil {
		return nil, err
	}

	transfers := make(map[string]*dc.Transfer)

	if h.lister != nil {
		list, err := h.lister.List(ctx)
		if err != nil {
			logger.WarnContext(ctx, "failed to list transfers, reporting without progress", "err", err)
		}

		for _, t := range list {
			transfers[t.ExternalID] = t
		}
	}

	wanted := make(map[source.ID]bool)

	for _, rpcID := range req.Arguments.IDs {
		if id, ok := resolveID(entries, rpcID); ok {
			wanted[id] = true
		}
	}

	torrents := make([]TransmissionTorrent, 0, len(entries))

	for _, e := range entries {
		if len(req.Arguments.IDs) > 0 && !wanted[e.ID] {
			continue
		}

		torrents = append(torrents, h.torrent(e, transfers[e.ExternalID]))
	}

	logger.DebugContext(ctx, "reporting torrents", "count", len(torrents))

	return success(map[string]any{"torrents": torrents})
}

func (h *TransmissionHandler) torrent(e storage.Entry, t *dc.Transfer) TransmissionTorrent {
	tt := TransmissionTorrent{
		ID:             numericID(e.ID),
		HashString:     e.ID.String(),
		Name:           e.Source.DisplayName(),
		DownloadDir:    h.downloadDir,
		TotalSize:      e.Source.Size,
		LeftUntilDone:  e.Source.Size,
		ETA:            -1,
		Status:         StatusDownload,
		Labels:         []string{h.label},
		SeedRatioLimit: 1.0,
		SeedRatioMode:  1,
		SeedIdleLimit:  100,
		SeedIdleMode:   1,
		FileCount:      1,
	}

	if t != nil {
		if t.Size > 0 {
			tt.TotalSize = t.Size
		}

		if t.SavePath != "" {
			tt.DownloadDir = t.SavePath
		}

		tt.LeftUntilDone = max(tt.TotalSize-t.Downloaded, 0)
		tt.DownloadedEver = t.Downloaded
		tt.PercentDone = t.Progress / 100
		tt.ETA = t.EstimatedTime
		tt.RateDownload = t.DownloadSpeed
		tt.RateUpload = t.UploadSpeed
		tt.PeersConnected = t.PeersConnected
		tt.SecondsSeeding = t.SecondsSeeding

		switch t.State() {
		case dc.StatePaused:
			tt.Status = StatusStopped
		case dc.StateError:
			tt.Status = StatusStopped
			tt.ErrorString = &t.ErrorMessage
		}

		if strings.EqualFold(t.Status, "checking") {
			tt.Status = StatusCheck
		}
	}

	if e.State == storage.StateSharing {
		tt.Status = StatusSeed
		tt.IsFinished = true
		tt.LeftUntilDone = 0
		tt.PercentDone = 1
		tt.ETA = 0
	}

	return tt
}

// numericID derives the integer id Transmission clients expect from the
// leading bytes of the internal id.
func numericID(id source.ID) int64 {
	s := id.String()
	if len(s) > 8 {
		s = s[:8]
	}

	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0
	}

	return n
}

// resolveID maps a hash string or numeric torrent id onto an internal id.
func resolveID(entries []storage.Entry, rpcID string) (source.ID, bool) {
	for _, e := range entries {
		if strings.EqualFold(e.ID.String(), rpcID) || strings.EqualFold(e.ExternalID, rpcID) {
			return e.ID, true
		}
	}

	if n, err := strconv.ParseInt(rpcID, 10, 64); err == nil {
		for _, e := range entries {
			if numericID(e.ID) == n {
				return e.ID, true
			}
		}
	}

	return "", false
}

func success(arguments any) (*TransmissionResponse, error) {
	b, err := json.Marshal(arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}

	return &TransmissionResponse{Result: "success", Arguments: b}, nil
}

// formatTransmissionError converts internal errors to the messages clients
// display from the result field.
func formatTransmissionError(err error) string {
	var invalidErr *source.InvalidContentError
	if errors.As(err, &invalidErr) {
		return fmt.Sprintf("invalid torrent: %s", invalidErr.Reason)
	}

	var authErr *dc.AuthenticationError
	if errors.As(err, &authErr) {
		return "authentication failed"
	}

	var networkErr *dc.NetworkError
	if errors.As(err, &networkErr) {
		return fmt.Sprintf("upload failed: %s", networkErr.APIMessage)
	}

	var dirErr *dc.DirectoryError
	if errors.As(err, &dirErr) {
		return fmt.Sprintf("directory error: %s", dirErr.Reason)
	}

	if errors.Is(err, source.ErrMissingURI) {
		return "invalid torrent: missing uri"
	}

	return fmt.Sprintf("error: %v", err)
}
