// Package api is a thin HTTP client for the signaling server's control
// plane, used by cmd/signaling-ctl. It retries transient failures with
// doubling (unjittered) backoff and honors Retry-After on 429s (§7: "429 is a signal
// to back off; the client MUST honor Retry-After").
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Metaphorme/signaling/pkg/models"
)

// Client is a control-plane API client bound to one server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient constructs a Client against baseURL, trimmed of any trailing
// slash.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: http.DefaultClient}
}

// Register calls POST /register.
func (c *Client) Register(ctx context.Context, deviceLabel string) (*models.RegisterResponse, error) {
	var resp models.RegisterResponse
	if err := c.postJSON(ctx, "/register", models.RegisterRequest{DeviceLabel: deviceLabel}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat calls POST /heartbeat.
func (c *Client) Heartbeat(ctx context.Context, clientID, sessionToken string) (*models.HeartbeatResponse, error) {
	var resp models.HeartbeatResponse
	req := models.HeartbeatRequest{ClientID: clientID, SessionToken: sessionToken}
	if err := c.postJSON(ctx, "/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConnectionInit calls POST /connection/init.
func (c *Client) ConnectionInit(ctx context.Context, clientID, sessionToken, rendezvousIDB64 string) (*models.ConnectionInitResponse, error) {
	var resp models.ConnectionInitResponse
	req := models.ConnectionInitRequest{ClientID: clientID, SessionToken: sessionToken, RendezvousIDB64: rendezvousIDB64}
	if err := c.postJSON(ctx, "/connection/init", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConnectionJoin calls POST /connection/join.
func (c *Client) ConnectionJoin(ctx context.Context, clientID, sessionToken, tokenB64 string) (*models.ConnectionJoinResponse, error) {
	var resp models.ConnectionJoinResponse
	req := models.ConnectionJoinRequest{ClientID: clientID, SessionToken: sessionToken, TokenB64: tokenB64}
	if err := c.postJSON(ctx, "/connection/join", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConnectionSend calls POST /connection/send.
func (c *Client) ConnectionSend(ctx context.Context, mailboxID, ciphertextB64 string) error {
	req := models.ConnectionSendRequest{MailboxID: mailboxID, CiphertextB64: ciphertextB64}
	return c.postJSON(ctx, "/connection/send", req, nil)
}

// ConnectionRecv calls POST /connection/recv.
func (c *Client) ConnectionRecv(ctx context.Context, mailboxID string) (*models.ConnectionRecvResponse, error) {
	var resp models.ConnectionRecvResponse
	req := models.ConnectionRecvRequest{MailboxID: mailboxID}
	if err := c.postJSON(ctx, "/connection/recv", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WebSocketURL builds the ws(s):// URL for subscribing to mailboxID,
// deriving the scheme from BaseURL.
func (c *Client) WebSocketURL(mailboxID string) string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/" + mailboxID
}

// postJSON sends one POST request with bounded retry-with-backoff on
// transient failures, honoring Retry-After on 429. out may be nil for
// 202-no-body responses like /connection/send.
func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	u := c.BaseURL + path
	const maxAttempts = 5
	backoff := 2 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var buf io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return err
			}
			buf = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, buf)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil || attempt == maxAttempts {
				return err
			}
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min64(backoff*2, 30*time.Second)
			continue
		}

		status := resp.StatusCode
		if status/100 == 2 {
			defer resp.Body.Close()
			if out == nil {
				io.Copy(io.Discard, resp.Body)
				return nil
			}
			return json.NewDecoder(resp.Body).Decode(out)
		}

		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		msg := strings.TrimSpace(string(b))

		if status == http.StatusTooManyRequests {
			wait := backoff
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := time.ParseDuration(ra + "s"); err == nil {
					wait = secs
				}
			}
			if attempt == maxAttempts || !sleep(ctx, wait) {
				return fmt.Errorf("http %d: %s", status, msg)
			}
			continue
		}
		if status == http.StatusServiceUnavailable && attempt < maxAttempts {
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min64(backoff*2, 30*time.Second)
			continue
		}
		return fmt.Errorf("http %d: %s", status, msg)
	}
	return fmt.Errorf("exhausted retries against %s", path)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func min64(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
