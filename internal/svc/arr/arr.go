package arr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const importedEvent = "downloadFolderImported"

// Client represents an *arr API client.
type Client struct {
	client   *http.Client
	apiKey   string
	baseURL  string
	pageSize int
}

// NewClient creates a new *arr API client.
func NewClient(apiKey, baseURL string) *Client {
	return &Client{
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		apiKey:   apiKey,
		baseURL:  strings.TrimRight(baseURL, "/"),
		pageSize: 1000,
	}
}

type HistoryRecord struct {
	EventType  string         `json:"eventType"`
	DownloadID string         `json:"downloadId"`
	Data       map[string]any `json:"data"`
}

type HistoryResponse struct {
	Records      []HistoryRecord `json:"records"`
	TotalRecords int             `json:"totalRecords"`
}

// CheckImported reports whether the *arr application imported the download
// with the given id. Sonarr and Radarr keep the download client's id
// upper-cased, so ids are compared case-insensitively.
func (c *Client) CheckImported(ctx context.Context, downloadID string) (bool, error) {
	inspected := 0
	page := 1

	for {
		historyResponse, err := c.history(ctx, downloadID, page)
		if err != nil {
			return false, err
		}

		for _, record := range historyResponse.Records {
			if record.EventType == importedEvent && strings.EqualFold(record.DownloadID, downloadID) {
				return true, nil
			}

			inspected++
		}

		if len(historyResponse.Records) == 0 || historyResponse.TotalRecords <= inspected {
			return false, nil
		}

		page++
	}
}

func (c *Client) history(ctx context.Context, downloadID string, page int) (*HistoryResponse, error) {
	query := url.Values{}
	query.Set("downloadId", downloadID)
	query.Set("eventType", "3")
	query.Set("includeSeries", "false")
	query.Set("includeEpisode", "false")
	query.Set("page", fmt.Sprint(page))
	query.Set("pageSize", fmt.Sprint(c.pageSize))

	endpoint := c.baseURL + "/api/v3/history?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("url: %s, status: %d", c.baseURL+"/api/v3/history", resp.StatusCode)
	}

	var historyResponse HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&historyResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &historyResponse, nil
}
