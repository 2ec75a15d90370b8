// Package session implements the session registry (§4.1): client
// registration, heartbeat, authentication, and idle-TTL eviction. All
// authoritative state lives in the backing store; this package never
// caches a Record across request boundaries (§5).
package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Metaphorme/signaling/pkg/apierr"
	"github.com/Metaphorme/signaling/pkg/idgen"
	"github.com/Metaphorme/signaling/pkg/namegen"
	"github.com/Metaphorme/signaling/pkg/retry"
	"github.com/Metaphorme/signaling/pkg/store"
)

const keyPrefix = "sess:"

// Record is a registered client, as described in the data model. It is
// serialized to the backing store verbatim.
type Record struct {
	ClientID              string `json:"client_id"`
	SessionToken          string `json:"session_token"`
	DisplayName           string `json:"display_name"`
	DeviceLabel           string `json:"device_label"`
	HeartbeatIntervalSecs int    `json:"heartbeat_interval_secs"`
	LastSeenEpochMs       int64  `json:"last_seen_epoch_ms"`
	CreatedAtEpochMs      int64  `json:"created_at_epoch_ms"`
}

// Registry issues and authenticates sessions. The zero value is not
// usable; construct with New.
type Registry struct {
	store               store.Store
	idleTTL             time.Duration
	heartbeatMin        int
	heartbeatMax        int
	defaultHeartbeatSec int
	maxDeviceLabelLen   int
}

// Options configures a Registry. Zero values fall back to the defaults
// named in §3/§4.1/§5.
type Options struct {
	IdleTTL              time.Duration // default session_idle_ttl, 5 min
	HeartbeatMin         int           // clamp floor, default 10s
	HeartbeatMax         int           // clamp ceiling, default 300s
	DefaultHeartbeatSecs int           // advisory interval returned at register, default 30s
	MaxDeviceLabelLen    int           // default 256
}

// New constructs a Registry backed by s.
func New(s store.Store, opts Options) *Registry {
	r := &Registry{
		store:               s,
		idleTTL:             opts.IdleTTL,
		heartbeatMin:        opts.HeartbeatMin,
		heartbeatMax:        opts.HeartbeatMax,
		defaultHeartbeatSec: opts.DefaultHeartbeatSecs,
		maxDeviceLabelLen:   opts.MaxDeviceLabelLen,
	}
	if r.idleTTL <= 0 {
		r.idleTTL = 5 * time.Minute
	}
	if r.heartbeatMin <= 0 {
		r.heartbeatMin = 10
	}
	if r.heartbeatMax <= 0 {
		r.heartbeatMax = 300
	}
	if r.defaultHeartbeatSec <= 0 {
		r.defaultHeartbeatSec = 30
	}
	if r.maxDeviceLabelLen <= 0 {
		r.maxDeviceLabelLen = 256
	}
	return r
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Register allocates a fresh client_id/session_token pair and writes the
// record with the idle TTL. deviceLabel is opaque beyond a length check.
func (r *Registry) Register(ctx context.Context, deviceLabel string) (*Record, error) {
	if len(deviceLabel) > r.maxDeviceLabelLen {
		return nil, apierr.New(apierr.Validation, "device_label too long")
	}
	clientID := idgen.NewClientID()
	token, err := idgen.NewSessionToken()
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "generate session token", err)
	}
	now := time.Now().UnixMilli()
	rec := &Record{
		ClientID:              clientID,
		SessionToken:          token,
		DisplayName:           namegen.DisplayNameFor(clientID),
		DeviceLabel:           deviceLabel,
		HeartbeatIntervalSecs: r.defaultHeartbeatSec,
		LastSeenEpochMs:       now,
		CreatedAtEpochMs:      now,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "marshal session", err)
	}
	err = retry.Store(ctx, func() error {
		return r.store.SetIfAbsent(ctx, keyPrefix+clientID, b, r.idleTTL)
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.Transient, "store session", err)
	}
	return rec, nil
}

func (r *Registry) load(ctx context.Context, clientID string) (*Record, error) {
	var b []byte
	err := retry.Store(ctx, func() error {
		var err error
		b, err = r.store.Get(ctx, keyPrefix+clientID)
		return err
	})
	if err == store.ErrNotFound {
		return nil, apierr.ErrSessionUnknown
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.Transient, "load session", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "decode session", err)
	}
	return &rec, nil
}

func (r *Registry) save(ctx context.Context, rec *Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "marshal session", err)
	}
	err = retry.Store(ctx, func() error {
		return r.store.Set(ctx, keyPrefix+rec.ClientID, b, r.idleTTL)
	})
	if err != nil {
		return apierr.Wrap(apierr.Transient, "save session", err)
	}
	return nil
}

// Authenticate validates clientID/token with a constant-time compare and
// bumps last_seen. SessionUnknown and SessionExpired collapse into the
// same ErrSessionUnknown sentinel by design (§4.1: "indistinguishable to
// the caller to reduce enumeration").
func (r *Registry) Authenticate(ctx context.Context, clientID, token string) (*Record, error) {
	rec, err := r.load(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(rec.SessionToken), []byte(token)) != 1 {
		return nil, apierr.ErrSessionUnknown
	}
	if time.Since(time.UnixMilli(rec.LastSeenEpochMs)) > r.idleTTL {
		_ = retry.Store(ctx, func() error { return r.store.Delete(ctx, keyPrefix+clientID) })
		return nil, apierr.ErrSessionUnknown
	}
	rec.LastSeenEpochMs = time.Now().UnixMilli()
	if err := r.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Heartbeat re-validates the session and returns the advisory interval to
// use for the next ping, possibly scaled up under load via scaleFactor
// (>1 widens the interval; callers pass 1 under normal conditions).
func (r *Registry) Heartbeat(ctx context.Context, clientID, token string, scaleFactor float64) (int, error) {
	rec, err := r.Authenticate(ctx, clientID, token)
	if err != nil {
		return 0, err
	}
	next := clamp(int(float64(rec.HeartbeatIntervalSecs)*scaleFactor), r.heartbeatMin, r.heartbeatMax)
	return next, nil
}

// Touch updates last_seen without a token check, for a caller that has
// already authenticated the client. The handlers in pkg/server do not
// call it: Authenticate already bumps last_seen on every authenticated
// call (§9: passive last_seen updates are sufficient; heartbeat stays
// advisory).
func (r *Registry) Touch(ctx context.Context, clientID string) error {
	rec, err := r.load(ctx, clientID)
	if err != nil {
		return err
	}
	rec.LastSeenEpochMs = time.Now().UnixMilli()
	return r.save(ctx, rec)
}

// Expire forcibly removes a session. No reaper or endpoint in this repo
// calls it; idle sessions expire through the store TTL that save and
// Register set.
func (r *Registry) Expire(ctx context.Context, clientID string) error {
	err := retry.Store(ctx, func() error { return r.store.Delete(ctx, keyPrefix+clientID) })
	if err != nil {
		return fmt.Errorf("session: expire %s: %w", idgen.Redact(clientID), err)
	}
	return nil
}

// Get returns the record for clientID without authenticating a token or
// bumping last_seen, for callers that only need liveness, not re-auth.
func (r *Registry) Get(ctx context.Context, clientID string) (*Record, error) {
	return r.load(ctx, clientID)
}
