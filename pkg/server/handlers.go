package server

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Metaphorme/signaling/pkg/apierr"
	"github.com/Metaphorme/signaling/pkg/idgen"
	"github.com/Metaphorme/signaling/pkg/mailbox"
	"github.com/Metaphorme/signaling/pkg/models"
	"github.com/Metaphorme/signaling/pkg/rendezvous"
	"github.com/Metaphorme/signaling/pkg/session"
)

// maxBodyBytes bounds every request body that isn't itself a ciphertext
// payload — registration and control calls have no business being large.
const maxBodyBytes = 16 * 1024

// Handlers wires the session, rendezvous and mailbox components to the
// external HTTP shape of §6. It holds no authoritative state of its own;
// every field is either a component or a cross-cutting policy (limits,
// logging).
type Handlers struct {
	Sessions   *session.Registry
	Rendezvous *rendezvous.Registry
	Mailboxes  *mailbox.Store

	RegisterLimiter *IPLimiter    // per-IP, §5 "/register 10/min/IP"
	ClientLimiter   *IPLimiter    // per-client or per-mailbox, §5 "60/s/client"
	GlobalRegister  *GlobalBucket // process-wide backstop on /register

	MaxMessageBytes int
	RendezvousTTL   time.Duration

	Upgrader websocket.Upgrader

	Log *zap.Logger
}

func (h *Handlers) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// decodeJSON reads at most limit bytes of r's body as JSON into v.
func decodeJSON(r *http.Request, limit int64, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	return dec.Decode(v)
}

// writeError maps err to the wire error shape, assigning a correlation id
// to Internal-kind failures (§7) so the client-visible id can be matched
// against the full server-side log line without leaking detail.
func (h *Handlers) writeError(r *http.Request, w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Wrap(apierr.Internal, "unexpected error", err)
	}
	status := apierr.StatusCode(apiErr.Kind)

	resp := models.ErrorResponse{Error: apiErr.Message}
	if apiErr.Kind == apierr.Internal {
		corr := idgen.NewCorrelationID()
		resp.CorrelationID = corr
		h.logger().Error("internal error",
			zap.String("correlation_id", corr),
			zap.String("path", r.URL.Path),
			zap.Error(apiErr))
	}
	writeJSON(w, status, resp)
}

// rateLimited checks limiter for key, setting Retry-After and writing a
// 429 body when tripped. Returns true if the caller should stop handling
// the request.
func (h *Handlers) rateLimited(r *http.Request, w http.ResponseWriter, limiter *IPLimiter, key string) bool {
	ok, wait := limiter.Allow(key, time.Now())
	if ok {
		return false
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
	h.writeError(r, w, apierr.New(apierr.RateLimited, "rate limit exceeded"))
	return true
}

// HandleRegister implements POST /register (§6, §4.1).
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r)
	if h.rateLimited(r, w, h.RegisterLimiter, ip) {
		return
	}
	if h.GlobalRegister != nil && !h.GlobalRegister.Allow() {
		h.writeError(r, w, apierr.New(apierr.RateLimited, "server is at register capacity"))
		return
	}

	var req models.RegisterRequest
	if err := decodeJSON(r, maxBodyBytes, &req); err != nil {
		h.RegisterLimiter.RecordFail(ip, time.Now())
		h.writeError(r, w, apierr.New(apierr.Validation, "malformed request body"))
		return
	}

	rec, err := h.Sessions.Register(r.Context(), req.DeviceLabel)
	if err != nil {
		h.RegisterLimiter.RecordFail(ip, time.Now())
		h.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.RegisterResponse{
		ClientID:              rec.ClientID,
		SessionToken:          rec.SessionToken,
		HeartbeatIntervalSecs: rec.HeartbeatIntervalSecs,
		DisplayName:           rec.DisplayName,
	})
}

// HandleHeartbeat implements POST /heartbeat (§6, §4.1).
func (h *Handlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.HeartbeatRequest
	if err := decodeJSON(r, maxBodyBytes, &req); err != nil {
		h.writeError(r, w, apierr.New(apierr.Validation, "malformed request body"))
		return
	}
	if h.rateLimited(r, w, h.ClientLimiter, req.ClientID) {
		return
	}

	next, err := h.Sessions.Heartbeat(r.Context(), req.ClientID, req.SessionToken, 1.0)
	if err != nil {
		h.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.HeartbeatResponse{NextHeartbeatSecs: next})
}

// HandleConnectionInit implements POST /connection/init (§6, §4.2, §4.3).
func (h *Handlers) HandleConnectionInit(w http.ResponseWriter, r *http.Request) {
	var req models.ConnectionInitRequest
	if err := decodeJSON(r, maxBodyBytes, &req); err != nil {
		h.writeError(r, w, apierr.New(apierr.Validation, "malformed request body"))
		return
	}
	if h.rateLimited(r, w, h.ClientLimiter, req.ClientID) {
		return
	}

	sess, err := h.Sessions.Authenticate(r.Context(), req.ClientID, req.SessionToken)
	if err != nil {
		h.writeError(r, w, err)
		return
	}

	mailboxID, err := h.Mailboxes.Create(r.Context(), sess.ClientID, 0)
	if err != nil {
		h.writeError(r, w, err)
		return
	}
	if err := h.Rendezvous.Bind(r.Context(), req.RendezvousIDB64, mailboxID, sess.ClientID, h.RendezvousTTL); err != nil {
		_ = h.Mailboxes.Delete(r.Context(), mailboxID)
		h.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ConnectionInitResponse{MailboxID: mailboxID})
}

// HandleConnectionJoin implements POST /connection/join (§6, §4.2).
func (h *Handlers) HandleConnectionJoin(w http.ResponseWriter, r *http.Request) {
	var req models.ConnectionJoinRequest
	if err := decodeJSON(r, maxBodyBytes, &req); err != nil {
		h.writeError(r, w, apierr.New(apierr.Validation, "malformed request body"))
		return
	}
	if h.rateLimited(r, w, h.ClientLimiter, req.ClientID) {
		return
	}

	sess, err := h.Sessions.Authenticate(r.Context(), req.ClientID, req.SessionToken)
	if err != nil {
		h.writeError(r, w, err)
		return
	}

	mailboxID, err := h.Rendezvous.Claim(r.Context(), req.TokenB64)
	if err != nil {
		h.writeError(r, w, err)
		return
	}
	if err := h.Mailboxes.AddParticipant(r.Context(), mailboxID, sess.ClientID); err != nil {
		h.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ConnectionJoinResponse{MailboxID: mailboxID})
}

// HandleConnectionSend implements POST /connection/send (§6, §4.3, §4.4).
// The mailbox id itself is the capability (§4.4): no session credentials
// are required or accepted here, matching the wire shape exactly.
func (h *Handlers) HandleConnectionSend(w http.ResponseWriter, r *http.Request) {
	limit := int64(h.MaxMessageBytes)*2 + maxBodyBytes // base64 overhead plus envelope
	var req models.ConnectionSendRequest
	if err := decodeJSON(r, limit, &req); err != nil {
		h.writeError(r, w, apierr.New(apierr.Validation, "malformed request body"))
		return
	}
	if req.MailboxID == "" {
		h.writeError(r, w, apierr.New(apierr.Validation, "mailbox_id required"))
		return
	}
	if h.rateLimited(r, w, h.ClientLimiter, req.MailboxID) {
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(req.CiphertextB64)
	if err != nil {
		h.writeError(r, w, apierr.New(apierr.Validation, "ciphertext_b64 is not valid base64"))
		return
	}
	if len(decoded) > h.MaxMessageBytes {
		h.writeError(r, w, apierr.ErrMessageTooLarge)
		return
	}

	// from_mailbox_id is the shared mailbox_id itself: in the single-mailbox
	// model (kept per §9's open question) it's the only reference either
	// side holds, and identifies the sender without naming a client_id.
	if _, err := h.Mailboxes.Append(r.Context(), req.MailboxID, req.MailboxID, req.CiphertextB64); err != nil {
		h.writeError(r, w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleConnectionRecv implements POST /connection/recv (§6, §4.3).
func (h *Handlers) HandleConnectionRecv(w http.ResponseWriter, r *http.Request) {
	var req models.ConnectionRecvRequest
	if err := decodeJSON(r, maxBodyBytes, &req); err != nil {
		h.writeError(r, w, apierr.New(apierr.Validation, "malformed request body"))
		return
	}
	if req.MailboxID == "" {
		h.writeError(r, w, apierr.New(apierr.Validation, "mailbox_id required"))
		return
	}
	if h.rateLimited(r, w, h.ClientLimiter, req.MailboxID) {
		return
	}

	msgs, err := h.Mailboxes.ReadAll(r.Context(), req.MailboxID)
	if err != nil {
		h.writeError(r, w, err)
		return
	}
	views := make([]models.MailboxMessageView, len(msgs))
	for i, m := range msgs {
		views[i] = models.MailboxMessageView{
			Seq:              m.Seq,
			FromMailboxID:    m.FromMailboxID,
			CiphertextB64:    m.CiphertextB64,
			CreatedAtEpochMs: m.CreatedAtEpochMs,
		}
	}
	writeJSON(w, http.StatusOK, models.ConnectionRecvResponse{Messages: views})
}

// HandleHealth implements GET /health (§6).
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthResponse{Status: "ok"})
}

// WriteJSON serializes v as the HTTP response body with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	WriteJSON(w, code, v)
}
