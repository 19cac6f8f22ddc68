package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	Token() (string, error)
}

// Client talks to the remote crew store over HTTPS and WebSocket.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	tokens  TokenSource
	logger  *zap.Logger
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL string, tokens TokenSource, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		dialer:  websocket.DefaultDialer,
		tokens:  tokens,
		logger:  logger,
	}
}

// Health checks store reachability. Used by the connectivity monitor.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check status %d", resp.StatusCode)
	}
	return nil
}

// Subscription is one live crew stream. Updates carries message-list
// snapshots in store order; Err reports the terminal stream error.
type Subscription struct {
	updates chan []Message
	errs    chan error
	cancel  func()
}

// Updates returns the snapshot channel. Closed when the stream ends.
func (s *Subscription) Updates() <-chan []Message { return s.updates }

// Err returns a channel delivering the terminal stream error, if any.
func (s *Subscription) Err() <-chan error { return s.errs }

// Close tears down the stream.
func (s *Subscription) Close() { s.cancel() }

// Subscribe opens a WebSocket stream of message-list snapshots for one crew.
func (c *Client) Subscribe(ctx context.Context, crewID string) (*Subscription, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}

	wsURL := httpToWS(c.baseURL) + "/v1/crews/" + crewID + "/stream"
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial crew stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		updates: make(chan []Message, 8),
		errs:    make(chan error, 1),
		cancel: func() {
			cancel()
			_ = conn.Close()
		},
	}

	go func() {
		defer close(sub.updates)
		for {
			var frame streamFrame
			if err := conn.ReadJSON(&frame); err != nil {
				if ctx.Err() == nil {
					sub.errs <- err
				}
				return
			}
			select {
			case sub.updates <- frame.Messages:
			case <-ctx.Done():
				return
			}
		}
	}()

	c.logger.Info("crew stream opened", zap.String("crew_id", crewID))
	return sub, nil
}

// Write performs one request/response store write. Rejections are returned
// as *WriteError with the store's reason code.
func (c *Client) Write(ctx context.Context, wr *WriteRequest) (*WriteResult, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("marshal write: %w", err)
	}

	url := c.baseURL + "/v1/crews/" + wr.CrewID + "/writes"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var werr WriteError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&werr); decodeErr != nil || werr.Code == "" {
			return nil, fmt.Errorf("write failed with status %d", resp.StatusCode)
		}
		return nil, &werr
	}

	var result WriteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode write result: %w", err)
	}
	return &result, nil
}

// MarkRead records a read receipt for the acting member.
func (c *Client) MarkRead(ctx context.Context, crewID, messageID, memberID string) error {
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]string{"member_id": memberID})
	url := c.baseURL + "/v1/crews/" + crewID + "/messages/" + messageID + "/read"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mark read status %d", resp.StatusCode)
	}
	return nil
}

// Members resolves the crew's current roster.
func (c *Client) Members(ctx context.Context, crewID string) ([]string, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/crews/"+crewID+"/members", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("members status %d", resp.StatusCode)
	}

	var out struct {
		Members []string `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	return out.Members, nil
}

func httpToWS(url string) string {
	if after, ok := strings.CutPrefix(url, "https://"); ok {
		return "wss://" + after
	}
	if after, ok := strings.CutPrefix(url, "http://"); ok {
		return "ws://" + after
	}
	return url
}
