package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/Metaphorme/signaling/pkg/models"
)

func TestRegisterRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/register" {
			t.Fatalf("path = %q, want /register", r.URL.Path)
		}
		var req models.RegisterRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.DeviceLabel != "ctl-test" {
			t.Fatalf("device_label = %q, want ctl-test", req.DeviceLabel)
		}
		json.NewEncoder(w).Encode(models.RegisterResponse{ClientID: "c1", SessionToken: "tok", HeartbeatIntervalSecs: 30})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Register(context.Background(), "ctl-test")
	if err != nil {
		t.Fatal(err)
	}
	if resp.ClientID != "c1" || resp.SessionToken != "tok" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestPostJSONRetriesOn429WithRetryAfter(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(models.HeartbeatResponse{NextHeartbeatSecs: 30})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Heartbeat(context.Background(), "c1", "tok")
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if resp.NextHeartbeatSecs != 30 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestPostJSONGivesUpOnPermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("malformed request body"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.Register(context.Background(), "x"); err == nil {
		t.Fatal("expected error on permanent 400, got nil")
	}
}

func TestWebSocketURLDerivesScheme(t *testing.T) {
	cases := map[string]string{
		"http://example.com":  "ws://example.com/ws/mbox-1",
		"https://example.com": "wss://example.com/ws/mbox-1",
	}
	for base, want := range cases {
		c := NewClient(base)
		if got := c.WebSocketURL("mbox-1"); got != want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", base, got, want)
		}
	}
}

func TestConnectionSendAcceptsNoBodyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.ConnectionSend(context.Background(), "mbox-1", "cGxhaW50ZXh0"); err != nil {
		t.Fatal(err)
	}
}

func TestPostJSONHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", strconv.Itoa(60))
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Heartbeat(ctx, "c1", "tok"); err == nil {
		t.Fatal("expected error from cancelled context, got nil")
	}
}
