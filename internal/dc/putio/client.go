package putio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/italolelis/arroyo/internal/dc"
	"github.com/italolelis/arroyo/internal/logctx"
	"github.com/italolelis/arroyo/internal/source"
	"github.com/putdotio/go-putio"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Client drives put.io transfers. The label is the name of the folder
// transfers are saved to; only transfers saved there are reported.
type Client struct {
	putioClient *putio.Client
	label       string

	mu       sync.Mutex
	folderID int64
	resolved bool
}

var (
	_ dc.Adapter       = (*Client)(nil)
	_ dc.Authenticator = (*Client)(nil)
)

func NewClient(token, label string) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})

	return &Client{
		putioClient: putio.NewClient(oauth2.NewClient(ctx, tokenSource)),
		label:       label,
	}
}

func (c *Client) Name() string {
	return "putio"
}

func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	user, err := c.putioClient.Account.Info(ctx)
	if err != nil {
		return &dc.AuthenticationError{Operation: "account_info", Err: err}
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

// Add starts a transfer from the source URI, or uploads the metainfo when the
// source carries one.
func (c *Client) Add(ctx context.Context, src source.Source) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("source", src.DisplayName())

	dirID, err := c.labelFolder(ctx)
	if err != nil {
		return "", err
	}

	if len(src.Metainfo) > 0 {
		return c.upload(ctx, src, dirID)
	}

	t, err := c.putioClient.Transfers.Add(ctx, src.URI, dirID, "")
	if err != nil {
		return "", networkError("add_transfer", err)
	}

	logger.InfoContext(ctx, "transfer added to Put.io", "transfer_id", t.ID)

	return strconv.FormatInt(t.ID, 10), nil
}

func (c *Client) upload(ctx context.Context, src source.Source, dirID int64) (string, error) {
	filename := torrentFilename(src)

	if len(src.Metainfo) > source.MaxMetainfoSize {
		return "", &source.InvalidContentError{
			Filename: filename,
			Reason:   fmt.Sprintf("file size %d bytes exceeds maximum %d bytes", len(src.Metainfo), source.MaxMetainfoSize),
		}
	}

	if err := validateTorrentFilename(filename); err != nil {
		return "", err
	}

	upload, err := c.putioClient.Files.Upload(ctx, bytes.NewReader(src.Metainfo), filename, dirID)
	if err != nil {
		return "", networkError("upload_torrent", err)
	}

	// put.io creates the transfer itself for .torrent uploads
	if upload.Transfer == nil {
		return "", &source.InvalidContentError{
			Filename: filename,
			Reason:   "Put.io did not create transfer (file may not be valid torrent)",
		}
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfer created from torrent upload",
		"transfer_id", upload.Transfer.ID, "size_bytes", len(src.Metainfo))

	return strconv.FormatInt(upload.Transfer.ID, 10), nil
}

// Cancel stops the transfer and deletes the files it produced.
func (c *Client) Cancel(ctx context.Context, externalID string) error {
	return c.Remove(ctx, externalID, true)
}

// Archive drops the transfer from the list and keeps its files.
func (c *Client) Archive(ctx context.Context, externalID string) error {
	return c.Remove(ctx, externalID, false)
}

func (c *Client) Remove(ctx context.Context, externalID string, deleteData bool) error {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", externalID)

	id, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		return dc.ErrNotFound
	}

	t, err := c.putioClient.Transfers.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return dc.ErrNotFound
		}

		return networkError("get_transfer", err)
	}

	if err := c.putioClient.Transfers.Cancel(ctx, t.ID); err != nil {
		return networkError("cancel_transfer", err)
	}

	if deleteData && t.FileID != 0 {
		if err := c.putioClient.Files.Delete(ctx, t.FileID); err != nil && !isNotFound(err) {
			return networkError("delete_files", err)
		}

		logger.InfoContext(ctx, "transfer files deleted", "file_id", t.FileID)
	}

	logger.InfoContext(ctx, "transfer removed from Put.io", "delete_data", deleteData)

	return nil
}

// List returns the transfers saved to the label folder, or every transfer when
// no label is set.
func (c *Client) List(ctx context.Context) ([]*dc.Transfer, error) {
	logger := logctx.LoggerFromContext(ctx).With("label", c.label)

	dirID, err := c.labelFolder(ctx)
	if err != nil {
		return nil, err
	}

	transfers, err := c.putioClient.Transfers.List(ctx)
	if err != nil {
		return nil, networkError("list_transfers", err)
	}

	out := make([]*dc.Transfer, 0, len(transfers))

	for _, t := range transfers {
		if c.label != "" && t.SaveParentID != dirID {
			continue
		}

		out = append(out, &dc.Transfer{
			ExternalID:     strconv.FormatInt(t.ID, 10),
			Label:          c.label,
			Name:           t.Name,
			SavePath:       "/" + c.label,
			Status:         t.Status,
			Progress:       float64(t.PercentDone),
			Size:           int64(t.Size),
			Downloaded:     int64(t.Downloaded),
			DownloadSpeed:  int64(t.DownloadSpeed),
			EstimatedTime:  int64(t.EstimatedTime),
			PeersConnected: int64(t.PeersConnected),
			ErrorMessage:   t.ErrorMessage,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })

	logger.DebugContext(ctx, "listed transfers", "count", len(out), "total", len(transfers))

	return out, nil
}

func (c *Client) Dump(ctx context.Context) ([]dc.Report, error) {
	transfers, err := c.List(ctx)
	if err != nil {
		return nil, err
	}

	return dc.Reports(transfers), nil
}

// labelFolder resolves and caches the id of the label folder. Zero is the
// root folder.
func (c *Client) labelFolder(ctx context.Context) (int64, error) {
	if c.label == "" {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolved {
		return c.folderID, nil
	}

	search, err := c.putioClient.Files.Search(ctx, c.label, 1)
	if err != nil {
		return 0, &dc.DirectoryError{DirectoryName: c.label, Reason: "error searching for directory", Err: err}
	}

	for _, f := range search.Files {
		if f.IsDir() && f.Name == c.label {
			c.folderID = f.ID
			c.resolved = true

			return f.ID, nil
		}
	}

	return 0, &dc.DirectoryError{DirectoryName: c.label, Reason: "directory not found"}
}

// validateTorrentFilename validates that the filename has a .torrent extension.
func validateTorrentFilename(filename string) error {
	ext := filepath.Ext(filename)
	if !strings.EqualFold(ext, ".torrent") {
		return &source.InvalidContentError{
			Filename: filename,
			Reason:   "file extension must be .torrent (Put.io requires extension for transfer detection)",
		}
	}

	return nil
}

func torrentFilename(src source.Source) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}

		return r
	}, src.Name)

	if name == "" {
		name = src.ID().Short()
	}

	if strings.EqualFold(filepath.Ext(name), ".torrent") {
		return name
	}

	return name + ".torrent"
}

func isNotFound(err error) bool {
	var errResp *putio.ErrorResponse

	return errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotFound
}

func networkError(op string, err error) error {
	netErr := &dc.NetworkError{Operation: op, APIMessage: err.Error(), Err: err}

	var errResp *putio.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		netErr.StatusCode = errResp.Response.StatusCode

		if netErr.StatusCode == http.StatusUnauthorized || netErr.StatusCode == http.StatusForbidden {
			return &dc.AuthenticationError{Operation: op, Err: netErr}
		}
	}

	return netErr
}
