// Package client is the relay-facing side of the CLI: a live websocket
// session plus the relay's small REST surface. All payloads cross this
// package already sealed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"veilchat/internal/domain"
)

type Client struct {
	base  string
	token string
	http  *http.Client

	mu     sync.Mutex // guards ws writes
	ws     *websocket.Conn
	events chan domain.Event
}

// New builds a REST-only client. Connect opens the live event stream.
func New(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  http.DefaultClient,
	}
}

// Connect opens the websocket session. Inbound events are delivered on
// Events until the connection drops, at which point the channel closes.
func (c *Client) Connect(ctx context.Context) error {
	url := strings.Replace(c.base, "http", "ws", 1) + "/ws"
	hdr := http.Header{"Authorization": {"Bearer " + c.token}}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return fmt.Errorf("client: connect: %s", resp.Status)
		}
		return fmt.Errorf("client: connect: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c.ws = ws
	c.events = make(chan domain.Event, 32)
	go c.readLoop()
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var ev domain.Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			return
		}
		c.events <- ev
	}
}

// Events returns the inbound event stream. Nil before Connect.
func (c *Client) Events() <-chan domain.Event { return c.events }

// Send emits ev toward the relay.
func (c *Client) Send(_ context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("client: not connected")
	}
	return c.ws.WriteJSON(ev)
}

func (c *Client) Close() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// ---------- REST ----------

func (c *Client) FetchUser(ctx context.Context, id domain.UserID) (domain.Identity, error) {
	var out domain.Identity
	err := c.getJSON(ctx, "/api/users/"+string(id), &out)
	return out, err
}

// History fetches the caller's conversation with a contact, oldest
// first. limit <= 0 fetches everything.
func (c *Client) History(ctx context.Context, with domain.UserID, limit int) ([]domain.Message, error) {
	path := "/api/messages?with=" + string(with)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var out []domain.Message
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// UpdateMessage replaces a stored message body with its re-encrypted
// form.
func (c *Client) UpdateMessage(ctx context.Context, id string, body string) error {
	raw, err := json.Marshal(map[string]string{"id": id, "body": body})
	if err != nil {
		return err
	}
	req, err := c.request(ctx, http.MethodPut, "/api/messages", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("client: update message: %s", resp.Status)
	}
	return nil
}

// UploadBlob stores sealed media on the relay and returns its reference.
func (c *Client) UploadBlob(ctx context.Context, kind domain.MessageKind, r io.Reader) (string, error) {
	req, err := c.request(ctx, http.MethodPost, "/api/blobs?kind="+string(kind), r)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("client: upload blob: %s", resp.Status)
	}
	var out struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Ref, nil
}

// FetchBlob downloads sealed media by reference.
func (c *Client) FetchBlob(ctx context.Context, ref string) ([]byte, error) {
	req, err := c.request(ctx, http.MethodGet, "/blobs/"+ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: fetch blob: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ domain.EventSender = (*Client)(nil)
