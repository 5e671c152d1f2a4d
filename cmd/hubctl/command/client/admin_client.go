package client

// admin_client.go talks to the hub's admin API.

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"clusterhub/internal/hub"
)

type AdminClient struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

func NewAdminClient(baseURL string) *AdminClient {
	return &AdminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *AdminClient) SetToken(token string) {
	c.token = token
}

// Health is the body of GET /healthz.
type Health struct {
	Status      string         `json:"status"`
	Servers     int            `json:"servers"`
	ByType      map[string]int `json:"by_type"`
	Connections int            `json:"connections"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *AdminClient) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("admin api returned %d: %s", resp.StatusCode, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *AdminClient) Health() (*Health, error) {
	var h Health
	if err := c.get("/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListServers returns registered peers, optionally of one type.
func (c *AdminClient) ListServers(serverType string) (*hub.ServerSnapshot, error) {
	path := "/api/v1/servers"
	if serverType != "" {
		path += "?type=" + url.QueryEscape(serverType)
	}
	var snap hub.ServerSnapshot
	if err := c.get(path, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *AdminClient) GetServer(index uint8) (*hub.ServerView, error) {
	var v hub.ServerView
	if err := c.get(fmt.Sprintf("/api/v1/servers/%d", index), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Watch calls onSnapshot for every snapshot on the watch stream until
// the stream ends or stop is closed.
func (c *AdminClient) Watch(stop <-chan struct{}, onSnapshot func(hub.ServerSnapshot)) error {
	u, err := url.Parse(c.baseURL + "/api/v1/watch")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Add("Authorization", "Bearer "+c.token)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		for {
			var snap hub.ServerSnapshot
			if err := conn.ReadJSON(&snap); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = nil
				}
				done <- err
				return
			}
			onSnapshot(snap)
		}
	}()

	select {
	case err := <-done:
		return err
	case <-stop:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return nil
	}
}
