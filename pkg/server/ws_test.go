package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Metaphorme/signaling/pkg/hub"
	"github.com/Metaphorme/signaling/pkg/mailbox"
	"github.com/Metaphorme/signaling/pkg/models"
	"github.com/Metaphorme/signaling/pkg/rendezvous"
	"github.com/Metaphorme/signaling/pkg/session"
	"github.com/Metaphorme/signaling/pkg/store"
)

// newTestHandlersWithHub is like newTestHandlers but wires a real hub, since
// HandleWebSocket's Subscribe call requires one (mailbox.Store treats a nil
// hub as "subscription unsupported" for tests that don't need it).
func newTestHandlersWithHub() *Handlers {
	backing := store.NewMemoryStore()
	h := hub.New(nil)
	return &Handlers{
		Sessions:        session.New(backing, session.Options{}),
		Rendezvous:      rendezvous.New(backing, 30*time.Second),
		Mailboxes:       mailbox.New(backing, h, mailbox.Options{}),
		RegisterLimiter: NewIPLimiter(time.Minute, 1000, time.Minute, 1000),
		ClientLimiter:   NewIPLimiter(time.Second, 1000, 0, 0),
		MaxMessageBytes: 4096,
		RendezvousTTL:   30 * time.Second,
	}
}

func TestCloseCodeFor(t *testing.T) {
	cases := map[hub.CloseReason]int{
		hub.ReasonMailboxGone:  4000,
		hub.ReasonSlowConsumer: 4001,
		hub.ReasonRateLimited:  4008,
		hub.ReasonShutdown:     websocket.CloseGoingAway,
		hub.ReasonNormal:       websocket.CloseNormalClosure,
	}
	for reason, want := range cases {
		if got := closeCodeFor(reason); got != want {
			t.Errorf("closeCodeFor(%v) = %d, want %d", reason, got, want)
		}
	}
}

func TestHandleWebSocketDeliversExistingAndNewMessages(t *testing.T) {
	h := newTestHandlersWithHub()
	h.Upgrader = websocket.Upgrader{}

	a := registerClient(t, h)
	initRec := doJSON(t, h.HandleConnectionInit, models.ConnectionInitRequest{
		ClientID: a.ClientID, SessionToken: a.SessionToken, RendezvousIDB64: "ws-test-rendezvous",
	})
	if initRec.Code != http.StatusOK {
		t.Fatalf("init status = %d, body = %s", initRec.Code, initRec.Body.String())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{mailbox_id}", h.HandleWebSocket)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// Seed one message before the subscriber connects: Subscribe must
	// replay it, not just forward future appends.
	var initResp struct {
		MailboxID string `json:"mailbox_id"`
	}
	decodeBody(t, initRec.Body.Bytes(), &initResp)
	preexisting := base64.StdEncoding.EncodeToString([]byte("before-subscribe"))
	doJSON(t, h.HandleConnectionSend, models.ConnectionSendRequest{MailboxID: initResp.MailboxID, CiphertextB64: preexisting})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + initResp.MailboxID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var first models.MailboxMessageView
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read replayed message: %v", err)
	}
	if first.CiphertextB64 != preexisting {
		t.Fatalf("replayed message = %q, want %q", first.CiphertextB64, preexisting)
	}

	fresh := base64.StdEncoding.EncodeToString([]byte("after-subscribe"))
	doJSON(t, h.HandleConnectionSend, models.ConnectionSendRequest{MailboxID: initResp.MailboxID, CiphertextB64: fresh})

	var second models.MailboxMessageView
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read fresh message: %v", err)
	}
	if second.CiphertextB64 != fresh {
		t.Fatalf("fresh message = %q, want %q", second.CiphertextB64, fresh)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq did not advance: first=%d second=%d", first.Seq, second.Seq)
	}
}

func TestHandleWebSocketUnknownMailboxIsRejected(t *testing.T) {
	h := newTestHandlersWithHub()
	h.Upgrader = websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{mailbox_id}", h.HandleWebSocket)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/does-not-exist"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial to unknown mailbox succeeded, want failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		t.Fatalf("status = %d, want 404", code)
	}
}

func decodeBody(t *testing.T, b []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatal(err)
	}
}
