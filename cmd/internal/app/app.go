// Package app wires the Relay server runtime: config, logging, metrics,
// HTTP routes, and the realtime bridge.
package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"relay/cmd/internal/auth/issuer"
	"relay/cmd/internal/blob"
	"relay/cmd/internal/ratelimit"
	"relay/cmd/internal/realtime"
	"relay/cmd/security/sealed"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Relay server runtime: it owns HTTP wiring and the realtime
// engine's dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	engine  *realtime.Engine
	bridge  *realtime.Bridge
	metrics *metricsRegistry

	verifier realtime.Verifier
	limiter  ratelimit.Limiter
	blobs    blob.Store

	rdb *redis.Client
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	if cfg.IssuerURL == "" {
		return nil, errors.New("app: RELAY_ISSUER_URL is required")
	}
	verifier, err := issuer.New(cfg.IssuerURL, issuer.WithTimeout(cfg.IssuerTimeout))
	if err != nil {
		return nil, err
	}

	box, err := loadSealedBox(cfg)
	if err != nil {
		return nil, err
	}
	if box != nil {
		log.Info("seal.enabled")
	}

	st, dbPool, dbEnabled, roomStore, msgStore, err := newStore(context.Background(), cfg, log, box)
	if err != nil {
		return nil, err
	}

	metrics := newMetricsRegistry()

	engine := realtime.NewEngine(log, roomStore, msgStore, metrics)
	if err := engine.Load(context.Background()); err != nil {
		_ = st.Close(context.Background())
		return nil, fmt.Errorf("app: load rooms: %w", err)
	}

	bridge := realtime.NewBridge(log, engine, verifier, metrics)

	var rdb *redis.Client
	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = ratelimit.NewRedisLimiter(rdb, "relay:rl:", int64(cfg.RoomCreateLimit), cfg.RoomCreateWindow)
		log.Info("ratelimit.redis", "addr", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewLocalLimiter(int64(cfg.RoomCreateLimit), cfg.RoomCreateWindow)
		log.Info("ratelimit.local")
	}

	var blobs blob.Store = blob.Disabled{}
	if s3cfg, ok := blob.S3ConfigFromEnv(); ok {
		s3store, err := blob.NewS3Store(context.Background(), s3cfg)
		if err != nil {
			_ = st.Close(context.Background())
			return nil, err
		}
		blobs = s3store
		log.Info("blob.s3", "bucket", s3cfg.Bucket)
	} else {
		log.Info("blob.disabled")
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		engine:    engine,
		bridge:    bridge,
		metrics:   metrics,
		verifier:  verifier,
		limiter:   limiter,
		blobs:     blobs,
		rdb:       rdb,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.engine, a.bridge, a.verifier, a.limiter, a.blobs, a.metrics)

	var handler http.Handler = mux
	handler = WithSecurityHeaders(handler)
	if len(a.cfg.CORSAllowedOrigins) > 0 {
		handler = WithCORS(handler, a.cfg, a.log)
	}
	handler = WithRequestLogging(handler, a.log, a.metrics)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// loadSealedBox builds the at-rest sealing box when a master key is
// configured. The key is accepted raw or base64-encoded.
func loadSealedBox(cfg Config) (*sealed.Box, error) {
	raw := strings.TrimSpace(cfg.SealMasterKey)
	if raw == "" {
		return nil, nil
	}

	key := []byte(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) >= sealed.MinMasterKeyBytes {
		key = decoded
	}

	box, err := sealed.NewBox(key)
	if err != nil {
		return nil, fmt.Errorf("app: RELAY_SEAL_MASTER_KEY: %w", err)
	}
	return box, nil
}

// newStore decides between Postgres-backed persistence and in-memory dev stores.
func newStore(ctx context.Context, cfg Config, log Logger, box *sealed.Box) (Store, *pgxpool.Pool, bool, realtime.RoomStore, realtime.MessageStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, realtime.NewMemoryRoomStore(), realtime.NewMemoryMessageStore(), nil
	}

	if err := MigrateDB(cfg); err != nil {
		return nil, nil, false, nil, nil, err
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store")

	opts := []realtime.PostgresOption{}
	if box != nil {
		opts = append(opts, realtime.WithSealedBox(box))
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - store Close() methods are no-ops
	msgStore, err := realtime.NewPostgresMessageStore(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}
	roomStore, err := realtime.NewPostgresRoomStore(pool, opts...)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool, rooms: roomStore, messages: msgStore}, pool, true, roomStore, msgStore, nil
}

type dbStore struct {
	pool     *pgxpool.Pool
	rooms    realtime.RoomStore
	messages realtime.MessageStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.messages != nil {
		_ = s.messages.Close()
	}
	if s.rooms != nil {
		_ = s.rooms.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
