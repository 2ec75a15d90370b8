// cmd/signaling-server runs the rendezvous signaling service: session
// registry, rendezvous registry, mailbox store and subscription hub
// behind one HTTP+WebSocket listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Metaphorme/signaling/pkg/config"
	"github.com/Metaphorme/signaling/pkg/hub"
	"github.com/Metaphorme/signaling/pkg/mailbox"
	"github.com/Metaphorme/signaling/pkg/rendezvous"
	"github.com/Metaphorme/signaling/pkg/server"
	"github.com/Metaphorme/signaling/pkg/session"
	"github.com/Metaphorme/signaling/pkg/store"
)

func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backing, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open backing store", zap.Error(err))
	}
	defer closeStore()

	sessions := session.New(backing, session.Options{
		IdleTTL:              cfg.SessionIdleTTL,
		HeartbeatMin:         cfg.HeartbeatMin,
		HeartbeatMax:         cfg.HeartbeatMax,
		DefaultHeartbeatSecs: cfg.DefaultHeartbeat,
	})
	rendezvousRegistry := rendezvous.New(backing, cfg.RendezvousTTL)
	subscriptionHub := hub.New(logger.Named("hub"))
	mailboxes := mailbox.New(backing, subscriptionHub, mailbox.Options{
		InitialTTL:    cfg.MailboxTTL,
		MaxQueueLen:   cfg.MaxQueueLen,
		IdleExtension: cfg.IdleExtension,
		MaxLifetime:   cfg.MaxLifetime,
	})

	handlers := &server.Handlers{
		Sessions:        sessions,
		Rendezvous:      rendezvousRegistry,
		Mailboxes:       mailboxes,
		RegisterLimiter: server.NewIPLimiter(cfg.RegisterRateWindow, cfg.RegisterRateMax, 10*time.Minute, cfg.RegisterRateMax*3),
		ClientLimiter:   server.NewIPLimiter(cfg.ClientRateWindow, cfg.ClientRateMax, 0, 0),
		// Global backstop allows well beyond any single IP's share, so it
		// only trips when many distinct IPs register at once.
		GlobalRegister: server.NewGlobalBucket(float64(cfg.RegisterRateMax)/cfg.RegisterRateWindow.Seconds()*20, cfg.RegisterRateMax*5),
		MaxMessageBytes: cfg.MaxMessageBytes,
		RendezvousTTL:   cfg.RendezvousTTL,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		Log: logger.Named("handlers"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", handlers.HandleRegister)
	mux.HandleFunc("POST /heartbeat", handlers.HandleHeartbeat)
	mux.HandleFunc("POST /connection/init", handlers.HandleConnectionInit)
	mux.HandleFunc("POST /connection/join", handlers.HandleConnectionJoin)
	mux.HandleFunc("POST /connection/send", handlers.HandleConnectionSend)
	mux.HandleFunc("POST /connection/recv", handlers.HandleConnectionRecv)
	mux.HandleFunc("GET /ws/{mailbox_id}", handlers.HandleWebSocket)
	mux.HandleFunc("GET /health", handlers.HandleHealth)

	addr := fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           withRequestTimeout(cfg.RequestTimeout, server.LogRequests(logger.Named("access"), mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if ms, ok := backing.(*store.MemoryStore); ok {
		stopReaper := ms.StartReaper(ctx, cfg.ReaperInterval)
		defer stopReaper()
	}

	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("public_url", cfg.PublicURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	subscriptionHub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// openStore picks the backing store from config: Redis when
// SIGNALING_REDIS_URL is set, SQLite when -sqlite-path is set, otherwise
// the in-process MemoryStore (§6: Redis/SQLite/memory are all valid
// backends for the same Store interface).
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch {
	case cfg.RedisURL != "":
		rs, err := store.OpenRedisStore(cfg.RedisURL, cfg.RedisRequireTLS)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		logger.Info("using redis backing store")
		return rs, func() { _ = rs.Close() }, nil
	case cfg.SQLitePath != "":
		ss, err := store.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("using sqlite backing store", zap.String("path", cfg.SQLitePath))
		return ss, func() { _ = ss.Close() }, nil
	default:
		logger.Info("using in-memory backing store")
		return store.NewMemoryStore(), func() {}, nil
	}
}

// withRequestTimeout enforces the server-side deadline of §5 on every
// request except the WebSocket upgrade: http.TimeoutHandler wraps
// ResponseWriter in a way that can't be hijacked, and /ws/{mailbox_id}
// has its own lifecycle (ping/pong, §5) instead of a fixed deadline.
func withRequestTimeout(d time.Duration, next http.Handler) http.Handler {
	if d <= 0 {
		d = 15 * time.Second
	}
	timed := http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		timed.ServeHTTP(w, r)
	})
}
