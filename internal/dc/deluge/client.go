package deluge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/arroyo/internal/dc"
	"github.com/italolelis/arroyo/internal/logctx"
	"github.com/italolelis/arroyo/internal/source"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const sessionCookie = "_session_id"

// errNotAuthenticated is the rpc error code deluge-web returns without a session.
const errNotAuthenticated = 1

var statusFields = []string{
	"name", "hash", "label", "state", "progress", "save_path", "total_size",
	"total_done", "download_payload_rate", "upload_payload_rate", "eta",
	"seeding_time", "num_peers", "message",
}

type Client struct {
	BaseURL  string
	APIPath  string
	Username string
	Password string
	Label    string

	httpClient *http.Client
	seq        atomic.Int64

	mu     sync.Mutex
	cookie string
}

var (
	_ dc.Adapter       = (*Client)(nil)
	_ dc.Authenticator = (*Client)(nil)
)

type Option func(*Client)

// WithInsecure skips TLS verification.
func WithInsecure(insecure bool) Option {
	return func(c *Client) {
		if !insecure {
			return
		}

		c.httpClient.Transport = otelhttp.NewTransport(&http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		})
	}
}

// WithTimeout sets the timeout of each rpc request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

func NewClient(baseURL, apiPath, username, password, label string, opts ...Option) *Client {
	c := &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIPath:  apiPath,
		Username: username,
		Password: password,
		Label:    label,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Name() string {
	return "deluge"
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int64           `json:"id"`
}

// Authenticate logs into deluge-web and keeps the session cookie.
func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("method", "auth.login")

	var ok bool

	resp, err := c.post(ctx, "auth.login", []any{c.Password}, &ok)
	if err != nil {
		return &dc.AuthenticationError{Operation: "auth.login", Err: err}
	}

	if !ok {
		logger.ErrorContext(ctx, "login rejected")

		return &dc.AuthenticationError{Operation: "auth.login", Err: errors.New("invalid password")}
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookie {
			c.mu.Lock()
			c.cookie = cookie.Value
			c.mu.Unlock()
		}
	}

	logger.DebugContext(ctx, "authenticated with deluge")

	return nil
}

// Add hands a magnet, url or metainfo to deluge and labels the torrent.
func (c *Client) Add(ctx context.Context, src source.Source) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("source", src.DisplayName())

	var (
		method string
		params []any
	)

	switch {
	case len(src.Metainfo) > 0:
		method = "core.add_torrent_file"
		params = []any{src.DisplayName() + ".torrent", base64.StdEncoding.EncodeToString(src.Metainfo), map[string]any{}}
	case src.IsMagnet():
		method = "core.add_torrent_magnet"
		params = []any{src.URI, map[string]any{}}
	default:
		method = "core.add_torrent_url"
		params = []any{src.URI, map[string]any{}}
	}

	var torrentID *string
	if err := c.call(ctx, method, params, &torrentID); err != nil {
		return "", err
	}

	// deluge answers null for torrents already in the session
	fresh := torrentID != nil && *torrentID != ""

	var id string

	if fresh {
		id = strings.ToLower(*torrentID)
	} else {
		hash, ok := src.InfoHash()
		if !ok {
			return "", &dc.NetworkError{Operation: method, APIMessage: "deluge returned no torrent id"}
		}

		id = hash
	}

	if c.Label != "" {
		if err := c.call(ctx, "label.set_torrent", []any{id, c.Label}, nil); err != nil {
			if !fresh {
				logger.WarnContext(ctx, "failed to label torrent that was already in the session", "torrent_id", id, "err", err)

				return "", err
			}

			logger.WarnContext(ctx, "failed to label torrent, removing it", "torrent_id", id, "err", err)

			if rmErr := c.Remove(ctx, id, true); rmErr != nil {
				logger.ErrorContext(ctx, "failed to remove unlabeled torrent", "torrent_id", id, "err", rmErr)
			}

			return "", err
		}
	}

	logger.InfoContext(ctx, "torrent added to deluge", "torrent_id", id, "method", method)

	return id, nil
}

// Cancel removes the torrent and its data.
func (c *Client) Cancel(ctx context.Context, externalID string) error {
	return c.Remove(ctx, externalID, true)
}

// Archive removes the torrent from the session and keeps its data.
func (c *Client) Archive(ctx context.Context, externalID string) error {
	return c.Remove(ctx, externalID, false)
}

func (c *Client) Remove(ctx context.Context, externalID string, deleteData bool) error {
	var removed bool

	err := c.call(ctx, "core.remove_torrent", []any{externalID, deleteData}, &removed)

	var rpcErr *rpcError
	if errors.As(err, &rpcErr) && isUnknownTorrent(rpcErr) {
		return dc.ErrNotFound
	}

	if err != nil {
		return err
	}

	if !removed {
		return dc.ErrNotFound
	}

	return nil
}

// List returns the torrents carrying the configured label, or every torrent
// when no label is set.
func (c *Client) List(ctx context.Context) ([]*dc.Transfer, error) {
	logger := logctx.LoggerFromContext(ctx).With("label", c.Label, "method", "core.get_torrents_status")

	var result map[string]torrentStatus
	if err := c.call(ctx, "core.get_torrents_status", []any{map[string]any{}, statusFields}, &result); err != nil {
		return nil, err
	}

	transfers := make([]*dc.Transfer, 0, len(result))

	for id, t := range result {
		if c.Label != "" && t.Label != c.Label {
			continue
		}

		transfers = append(transfers, t.transfer(id))
	}

	sort.Slice(transfers, func(i, j int) bool { return transfers[i].ExternalID < transfers[j].ExternalID })

	logger.DebugContext(ctx, "listed torrents", "count", len(transfers), "total", len(result))

	return transfers, nil
}

func (c *Client) Dump(ctx context.Context) ([]dc.Report, error) {
	transfers, err := c.List(ctx)
	if err != nil {
		return nil, err
	}

	return dc.Reports(transfers), nil
}

type torrentStatus struct {
	Name         string  `json:"name"`
	Hash         string  `json:"hash"`
	Label        string  `json:"label"`
	State        string  `json:"state"`
	Progress     float64 `json:"progress"`
	SavePath     string  `json:"save_path"`
	TotalSize    float64 `json:"total_size"`
	TotalDone    float64 `json:"total_done"`
	DownloadRate float64 `json:"download_payload_rate"`
	UploadRate   float64 `json:"upload_payload_rate"`
	ETA          float64 `json:"eta"`
	SeedingTime  float64 `json:"seeding_time"`
	NumPeers     float64 `json:"num_peers"`
	Message      string  `json:"message"`
}

func (t torrentStatus) transfer(id string) *dc.Transfer {
	tr := &dc.Transfer{
		ExternalID:     id,
		Label:          t.Label,
		Name:           t.Name,
		SavePath:       t.SavePath,
		Status:         t.State,
		Progress:       t.Progress,
		Size:           int64(t.TotalSize),
		Downloaded:     int64(t.TotalDone),
		DownloadSpeed:  int64(t.DownloadRate),
		UploadSpeed:    int64(t.UploadRate),
		EstimatedTime:  int64(t.ETA),
		SecondsSeeding: int64(t.SeedingTime),
		PeersConnected: int64(t.NumPeers),
	}

	if strings.EqualFold(t.State, "error") {
		tr.ErrorMessage = t.Message
	}

	return tr
}

// call runs an rpc method, logging in again once if the session expired.
func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	_, err := c.post(ctx, method, params, result)

	var rpcErr *rpcError
	if errors.As(err, &rpcErr) && rpcErr.Code == errNotAuthenticated {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "deluge session expired, logging in again", "method", method)

		if err := c.Authenticate(ctx); err != nil {
			return err
		}

		_, err = c.post(ctx, method, params, result)
	}

	return err
}

func (c *Client) post(ctx context.Context, method string, params []any, result any) (*http.Response, error) {
	body, err := json.Marshal(map[string]any{
		"id":     c.seq.Add(1),
		"method": method,
		"params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+c.APIPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}

	req.Header.Set("Content-Type", "application/json")

	c.mu.Lock()
	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: c.cookie})
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &dc.NetworkError{Operation: method, APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp, &dc.AuthenticationError{Operation: method}
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return resp, &dc.NetworkError{Operation: method, StatusCode: resp.StatusCode, APIMessage: strings.TrimSpace(string(b))}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return resp, &dc.NetworkError{Operation: method, APIMessage: "invalid json-rpc response", Err: err}
	}

	if rpcResp.Error != nil {
		return resp, rpcResp.Error
	}

	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return resp, &dc.NetworkError{Operation: method, APIMessage: "unexpected result type", Err: err}
		}
	}

	return resp, nil
}

func isUnknownTorrent(err *rpcError) bool {
	msg := strings.ToLower(err.Message)

	return strings.Contains(msg, "invalidtorrenterror") || strings.Contains(msg, "not in session")
}
