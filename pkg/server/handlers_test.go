package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Metaphorme/signaling/pkg/mailbox"
	"github.com/Metaphorme/signaling/pkg/models"
	"github.com/Metaphorme/signaling/pkg/rendezvous"
	"github.com/Metaphorme/signaling/pkg/session"
	"github.com/Metaphorme/signaling/pkg/store"
)

func newTestHandlers() *Handlers {
	backing := store.NewMemoryStore()
	return &Handlers{
		Sessions:        session.New(backing, session.Options{}),
		Rendezvous:      rendezvous.New(backing, 30*time.Second),
		Mailboxes:       mailbox.New(backing, nil, mailbox.Options{}),
		RegisterLimiter: NewIPLimiter(time.Minute, 1000, time.Minute, 1000),
		ClientLimiter:   NewIPLimiter(time.Second, 1000, 0, 0),
		MaxMessageBytes: 4096,
		RendezvousTTL:   30 * time.Second,
	}
}

func doJSON(t *testing.T, h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/x", &buf)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func registerClient(t *testing.T, h *Handlers) models.RegisterResponse {
	t.Helper()
	rec := doJSON(t, h.HandleRegister, models.RegisterRequest{DeviceLabel: "test-device"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp models.RegisterResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHandleRegisterAndHeartbeat(t *testing.T) {
	h := newTestHandlers()
	reg := registerClient(t, h)
	if reg.ClientID == "" || reg.SessionToken == "" {
		t.Fatalf("register response missing credentials: %+v", reg)
	}

	rec := doJSON(t, h.HandleHeartbeat, models.HeartbeatRequest{ClientID: reg.ClientID, SessionToken: reg.SessionToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleHeartbeatUnknownSessionIsUnauthorized(t *testing.T) {
	h := newTestHandlers()
	rec := doJSON(t, h.HandleHeartbeat, models.HeartbeatRequest{ClientID: "nope", SessionToken: "nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

// TestFullPairingRoundTrip walks S1 from the scenario list: initiator
// registers and opens a mailbox, joiner registers and joins via the
// rendezvous token, the initiator sends, and the joiner receives.
func TestFullPairingRoundTrip(t *testing.T) {
	h := newTestHandlers()

	a := registerClient(t, h)
	b := registerClient(t, h)

	initRec := doJSON(t, h.HandleConnectionInit, models.ConnectionInitRequest{
		ClientID: a.ClientID, SessionToken: a.SessionToken, RendezvousIDB64: "test-rendezvous-id",
	})
	if initRec.Code != http.StatusOK {
		t.Fatalf("init status = %d, body = %s", initRec.Code, initRec.Body.String())
	}
	var initResp models.ConnectionInitResponse
	if err := json.Unmarshal(initRec.Body.Bytes(), &initResp); err != nil {
		t.Fatal(err)
	}

	joinRec := doJSON(t, h.HandleConnectionJoin, models.ConnectionJoinRequest{
		ClientID: b.ClientID, SessionToken: b.SessionToken, TokenB64: "test-rendezvous-id",
	})
	if joinRec.Code != http.StatusOK {
		t.Fatalf("join status = %d, body = %s", joinRec.Code, joinRec.Body.String())
	}
	var joinResp models.ConnectionJoinResponse
	if err := json.Unmarshal(joinRec.Body.Bytes(), &joinResp); err != nil {
		t.Fatal(err)
	}
	if joinResp.MailboxID != initResp.MailboxID {
		t.Fatalf("join resolved to %q, want %q", joinResp.MailboxID, initResp.MailboxID)
	}

	// The token is single-use: a second join must fail.
	secondJoin := doJSON(t, h.HandleConnectionJoin, models.ConnectionJoinRequest{
		ClientID: b.ClientID, SessionToken: b.SessionToken, TokenB64: "test-rendezvous-id",
	})
	if secondJoin.Code == http.StatusOK {
		t.Fatal("second join with the same token succeeded, want failure")
	}

	ciphertext := base64.StdEncoding.EncodeToString([]byte("hello"))
	sendRec := doJSON(t, h.HandleConnectionSend, models.ConnectionSendRequest{
		MailboxID: initResp.MailboxID, CiphertextB64: ciphertext,
	})
	if sendRec.Code != http.StatusAccepted {
		t.Fatalf("send status = %d, body = %s", sendRec.Code, sendRec.Body.String())
	}

	recvRec := doJSON(t, h.HandleConnectionRecv, models.ConnectionRecvRequest{MailboxID: initResp.MailboxID})
	if recvRec.Code != http.StatusOK {
		t.Fatalf("recv status = %d, body = %s", recvRec.Code, recvRec.Body.String())
	}
	var recvResp models.ConnectionRecvResponse
	if err := json.Unmarshal(recvRec.Body.Bytes(), &recvResp); err != nil {
		t.Fatal(err)
	}
	if len(recvResp.Messages) != 1 || recvResp.Messages[0].CiphertextB64 != ciphertext {
		t.Fatalf("recv messages = %+v, want one message with %q", recvResp.Messages, ciphertext)
	}
}

func TestHandleConnectionSendRejectsOversizedCiphertext(t *testing.T) {
	h := newTestHandlers()
	h.MaxMessageBytes = 4
	a := registerClient(t, h)
	initRec := doJSON(t, h.HandleConnectionInit, models.ConnectionInitRequest{
		ClientID: a.ClientID, SessionToken: a.SessionToken, RendezvousIDB64: "rzv-oversize",
	})
	var initResp models.ConnectionInitResponse
	if err := json.Unmarshal(initRec.Body.Bytes(), &initResp); err != nil {
		t.Fatal(err)
	}

	oversized := base64.StdEncoding.EncodeToString([]byte("far too many bytes for the limit"))
	rec := doJSON(t, h.HandleConnectionSend, models.ConnectionSendRequest{
		MailboxID: initResp.MailboxID, CiphertextB64: oversized,
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	h := newTestHandlers()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
