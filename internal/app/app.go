// Package app wires configuration, storage, identity, and the HTTP
// surface into runnable commands.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/ideahub-ai/agentgate/internal/agentsession"
	"github.com/ideahub-ai/agentgate/internal/audit"
	"github.com/ideahub-ai/agentgate/internal/config"
	"github.com/ideahub-ai/agentgate/internal/credstore"
	"github.com/ideahub-ai/agentgate/internal/dataplane"
	"github.com/ideahub-ai/agentgate/internal/db"
	"github.com/ideahub-ai/agentgate/internal/http/api"
	"github.com/ideahub-ai/agentgate/internal/identity"
	"github.com/ideahub-ai/agentgate/internal/identity/gotrue"
	"github.com/ideahub-ai/agentgate/internal/identity/local"
	"github.com/ideahub-ai/agentgate/internal/provision"
	"github.com/ideahub-ai/agentgate/internal/security"
)

const shutdownTimeout = 5 * time.Second

// redisPingTimeout bounds the startup reachability probe; an unreachable
// redis is logged, not fatal, because the fallback cache covers the gap.
const redisPingTimeout = 3 * time.Second

// services holds the built dependency graph for the serve path.
type services struct {
	conn        *gorm.DB
	redis       *redis.Client
	provider    identity.Provider
	provisioner *provision.Provisioner
	sessions    *agentsession.Manager
	store       *credstore.Store
	recorder    *audit.Recorder
}

func (s *services) close() {
	if s.redis != nil {
		if errClose := s.redis.Close(); errClose != nil {
			log.Errorf("close redis client error: %v", errClose)
		}
	}
	if sqlDB, errDB := s.conn.DB(); errDB == nil {
		if errClose := sqlDB.Close(); errClose != nil {
			log.Errorf("close database error: %v", errClose)
		}
	}
}

// Migrate opens the database, runs migrations, and verifies connectivity.
func Migrate(ctx context.Context, cfg *config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	return db.Ping(ctx, conn)
}

// RunServer boots the API server and blocks until ctx is cancelled or
// the listener fails.
func RunServer(ctx context.Context, cfg *config.Config) error {
	configureLogging(cfg.Logging)

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.Register(engine, api.Deps{
		DB:          svc.conn,
		Provider:    svc.provider,
		Provisioner: svc.provisioner,
		Sessions:    svc.sessions,
		Store:       svc.store,
		Recorder:    svc.recorder,
		JWTSecret:   cfg.Identity.JWTSecret,
		Production:  cfg.IsProduction(),
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.Errorf("server shutdown error: %v", errShutdown)
		}
	}()

	log.Infof("starting server on %s (env=%s)", addr, cfg.Env)
	if errListen := srv.ListenAndServe(); errListen != nil && errListen != http.ErrServerClosed {
		return errListen
	}
	return nil
}

// buildServices constructs the dependency graph: keyring, database,
// stores, identity provider, session cache, and the session manager.
func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	keyring, err := security.NewKeyring(cfg.Encryption.Keys, cfg.Encryption.Current)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}
	if errPing := db.Ping(ctx, conn); errPing != nil {
		return nil, errPing
	}

	store := credstore.New(conn)
	recorder := audit.NewRecorder(conn)
	provider := buildProvider(cfg)
	cache, redisClient := buildCache(ctx, cfg)

	sessions, err := agentsession.NewManager(agentsession.Options{
		Provider:     provider,
		Store:        store,
		Keyring:      keyring,
		Cache:        cache,
		Dataplane:    dataplane.NewFactory(cfg.Dataplane.URL, cfg.Identity.AnonKey),
		Recorder:     recorder,
		AuthTimeout:  cfg.Agent.AuthTimeout,
		SafetyMargin: cfg.Agent.SafetyMargin,
	})
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	return &services{
		conn:        conn,
		redis:       redisClient,
		provider:    provider,
		provisioner: provision.New(provider, store, keyring, recorder, cfg.Agent.EmailDomain),
		sessions:    sessions,
		store:       store,
		recorder:    recorder,
	}, nil
}

// buildProvider selects the identity backend. The literal URL "local"
// opts into the in-process provider for single-instance deployments.
func buildProvider(cfg *config.Config) identity.Provider {
	if strings.EqualFold(strings.TrimSpace(cfg.Identity.URL), "local") {
		log.Warn("identity: using in-process local provider, accounts do not survive restarts")
		return local.New(cfg.Identity.JWTSecret, cfg.Identity.TokenTTL)
	}
	return gotrue.New(cfg.Identity.URL, cfg.Identity.AnonKey, cfg.Identity.ServiceKey)
}

// buildCache selects the session cache backend: redis behind the
// fallback breaker when an address is configured, plain memory otherwise.
func buildCache(ctx context.Context, cfg *config.Config) (agentsession.Cache, *redis.Client) {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return agentsession.NewMemoryCache(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		log.WithError(errPing).Warn("session cache: redis unreachable at startup, serving from memory until it recovers")
	} else {
		log.Infof("session cache: redis at %s", cfg.Redis.Addr)
	}
	cache := agentsession.NewFallbackCache(
		agentsession.NewRedisCache(client, cfg.Redis.Prefix),
		agentsession.NewMemoryCache(),
	)
	return cache, client
}

func configureLogging(cfg config.LoggingConfig) {
	level, errParse := log.ParseLevel(cfg.Level)
	if errParse != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	}
}
