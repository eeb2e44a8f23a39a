// Package history talks to the REST collaborators: the paginated chat
// history endpoint and the room directory, and owns the in-flight request
// deduplication for history fetches.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/studyloop/studyloop-chat/config"
	"github.com/studyloop/studyloop-chat/globals"
)

const (
	requestTimeout     = 30 * time.Second
	directoryCacheSize = 16
)

// RoomInfo is one selectable room from the directory.
type RoomInfo struct {
	Id     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Domain string `json:"domain,omitempty"`
	Area   string `json:"area,omitempty"`
}

// Directory is the room listing: one general room plus per-subject-domain
// rooms.
type Directory struct {
	General RoomInfo   `json:"general"`
	Domains []RoomInfo `json:"domains"`
}

// Client is the HTTP client for the history and directory endpoints. It only
// fetches and decodes; normalization happens in the loader.
type Client struct {
	httpClient *http.Client
	historyURL string
	roomsURL   string
	dirCache   *lru.Cache
}

func NewClient(cfg *config.Config) (*Client, error) {
	cache, err := lru.New(directoryCacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		historyURL: cfg.ServerConfig.HistoryURL,
		roomsURL:   cfg.ServerConfig.RoomsURL,
		dirCache:   cache,
	}, nil
}

// FetchChatHistory GETs one page of raw, pre-normalization history items for
// a room. The params are passed through as query parameters; pagination
// semantics belong to the server. Both a bare JSON array and an object with a
// "messages" (or "history"/"items") key are tolerated.
func (c *Client) FetchChatHistory(ctx context.Context, roomID string, params map[string]string) ([]interface{}, error) {
	if c.historyURL == "" {
		return nil, fmt.Errorf("no history endpoint configured")
	}
	u, err := url.Parse(c.historyURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("room", roomID)
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var items []interface{}
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	var wrapped map[string]interface{}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("could not decode history response: %w", err)
	}
	for _, key := range []string{"messages", "history", "items", "data"} {
		if arr, ok := wrapped[key].([]interface{}); ok {
			return arr, nil
		}
	}
	return nil, fmt.Errorf("history response carries no message collection")
}

// FetchChatRooms returns the room directory. Responses are cached per
// endpoint; the directory changes rarely and is only used to populate the
// room picker.
func (c *Client) FetchChatRooms(ctx context.Context) (*Directory, error) {
	if c.roomsURL == "" {
		return nil, fmt.Errorf("no rooms endpoint configured")
	}
	if cached, ok := c.dirCache.Get(c.roomsURL); ok {
		dir := cached.(Directory)
		return &dir, nil
	}
	body, err := c.get(ctx, c.roomsURL)
	if err != nil {
		return nil, err
	}
	dir := Directory{}
	if err := json.Unmarshal(body, &dir); err != nil {
		return nil, fmt.Errorf("could not decode rooms response: %w", err)
	}
	c.dirCache.Add(c.roomsURL, dir)
	return &dir, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		globals.AppLogger.Debug("unexpected status", "url", url, "status", resp.StatusCode)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return ioutil.ReadAll(resp.Body)
}
