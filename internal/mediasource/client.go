// Package mediasource talks to the external lecture-capture provider:
// playlist listings and media downloads.
package mediasource

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"lecturepipe/internal/models"
)

// PlaylistEntry is one recording reported by the provider for a playlist.
type PlaylistEntry struct {
	SourceID    string    `json:"id"`
	Name        string    `json:"name"`
	DownloadURL string    `json:"downloadUrl"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Client wraps the provider HTTP API.
type Client struct {
	baseURL   string
	http      *resty.Client
	nameCache map[string]string // playlist source id -> display name
	cacheMu   sync.RWMutex
}

// NewClient creates a provider client. accessToken may be empty for
// providers that expose public playlists.
func NewClient(baseURL, accessToken string) *Client {
	client := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		nameCache: make(map[string]string),
	}

	// Configure resty client
	client.http = resty.New().
		SetTimeout(600 * time.Second). // large media listings can be slow
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	if accessToken != "" {
		client.http.SetAuthToken(accessToken)
	}

	return client
}

// SetAccessToken swaps the bearer token after a credential refresh.
func (c *Client) SetAccessToken(token string) {
	c.http.SetAuthToken(token)
}

// ListPlaylist fetches the provider's current view of a playlist.
func (c *Client) ListPlaylist(ctx context.Context, sourceType models.SourceType, sourceIdentifier string) ([]PlaylistEntry, error) {
	var entries []PlaylistEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"sourceType": string(sourceType),
			"playlist":   sourceIdentifier,
		}).
		SetResult(&entries).
		Get(c.baseURL + "/api/playlists/items")
	if err != nil {
		return nil, fmt.Errorf("failed to list playlist %s: %w", sourceIdentifier, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("provider returned %d listing playlist %s", resp.StatusCode(), sourceIdentifier)
	}
	return entries, nil
}

// DownloadFile streams a media file to destPath.
func (c *Client) DownloadFile(ctx context.Context, url, destPath string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetOutput(destPath).
		Get(url)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	if resp.IsError() {
		return fmt.Errorf("provider returned %d downloading %s", resp.StatusCode(), url)
	}
	return nil
}

// GetPlaylistName retrieves a playlist's display name (with caching).
func (c *Client) GetPlaylistName(ctx context.Context, sourceIdentifier string) (string, error) {
	c.cacheMu.RLock()
	if name, ok := c.nameCache[sourceIdentifier]; ok {
		c.cacheMu.RUnlock()
		return name, nil
	}
	c.cacheMu.RUnlock()

	var payload struct {
		Name string `json:"name"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&payload).
		Get(c.baseURL + "/api/playlists/" + sourceIdentifier)
	if err != nil {
		return "", fmt.Errorf("failed to fetch playlist %s: %w", sourceIdentifier, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("provider returned %d fetching playlist %s", resp.StatusCode(), sourceIdentifier)
	}

	c.cacheMu.Lock()
	c.nameCache[sourceIdentifier] = payload.Name
	c.cacheMu.Unlock()
	return payload.Name, nil
}
