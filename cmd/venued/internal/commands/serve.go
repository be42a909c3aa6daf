package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/venuekit/venued/internal/authz"
	"github.com/venuekit/venued/internal/cache"
	"github.com/venuekit/venued/internal/httpapi"
	"github.com/venuekit/venued/internal/logger"
	"github.com/venuekit/venued/internal/password"
	"github.com/venuekit/venued/internal/revocation"
	"github.com/venuekit/venued/internal/session"
	"github.com/venuekit/venued/internal/store"
	memorystore "github.com/venuekit/venued/internal/store/memory"
	postgresstore "github.com/venuekit/venued/internal/store/postgres"
	"github.com/venuekit/venued/internal/subuser"
	"github.com/venuekit/venued/internal/token"
)

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"VENUED_LISTEN"`

	// Token configuration
	SigningKeyFile string        `help:"path to PEM-encoded ES256 signing key" env:"VENUED_SIGNING_KEY_FILE" required:""`
	VerifyKeyFile  string        `help:"path to PEM-encoded ES256 verify key" env:"VENUED_VERIFY_KEY_FILE" required:""`
	Issuer         string        `help:"token issuer name" default:"venued" env:"VENUED_ISSUER"`
	GatewayTTL     time.Duration `help:"venue-gateway token lifetime" default:"24h" env:"VENUED_GATEWAY_TTL"`
	OperationalTTL time.Duration `help:"operational token lifetime" default:"4h" env:"VENUED_OPERATIONAL_TTL"`
	RefreshTTL     time.Duration `help:"refresh token lifetime" default:"720h" env:"VENUED_REFRESH_TTL"`

	// Login policy
	LockoutThreshold int           `help:"consecutive failed logins before lockout" default:"5" env:"VENUED_LOCKOUT_THRESHOLD"`
	LockoutDuration  time.Duration `help:"lockout window duration" default:"15m" env:"VENUED_LOCKOUT_DURATION"`
	BcryptCost       int           `help:"bcrypt cost for password hashing" default:"12" env:"VENUED_BCRYPT_COST"`

	// Session maintenance
	CleanupInterval time.Duration `help:"interval between expired-session sweeps" default:"1h" env:"VENUED_CLEANUP_INTERVAL"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"VENUED_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`

	// Cache and denylist configuration
	CacheBackend string     `help:"cache/denylist backend (memory or redis)" default:"memory" env:"VENUED_CACHE_BACKEND" enum:"memory,redis"`
	Redis        RedisFlags `embed:"" prefix:"redis-"`
}

type PostgresStoreFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"VENUED_POSTGRES_AUTO_MIGRATE"`
}

type RedisFlags struct {
	Addr     string `help:"redis server address" default:"localhost:6379" env:"VENUED_REDIS_ADDR"`
	Password string `help:"redis password" default:"" env:"VENUED_REDIS_PASSWORD"`
	DB       int    `help:"redis database number" default:"0" env:"VENUED_REDIS_DB"`
	Prefix   string `help:"redis key prefix" default:"venued" env:"VENUED_REDIS_PREFIX"`
}

func (c *ServeCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx := context.Background()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting venued")

	signingKey, err := os.ReadFile(c.SigningKeyFile)
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	verifyKey, err := os.ReadFile(c.VerifyKeyFile)
	if err != nil {
		return fmt.Errorf("read verify key: %w", err)
	}

	var st store.Store
	switch c.StoreType {
	case "postgres":
		if c.PostgresStore.ConnString == "" {
			return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
		}
		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      c.PostgresStore.ConnString,
			MaxConns:        c.PostgresStore.MaxConns,
			MinConns:        c.PostgresStore.MinConns,
			MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
			MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
		})
		if err != nil {
			return fmt.Errorf("create connection pool: %w", err)
		}
		defer pool.Close()

		st, err = postgresstore.NewStore(ctx, pool, c.PostgresStore.AutoMigrate)
		if err != nil {
			return fmt.Errorf("create postgres store: %w", err)
		}
		log.Info().Msg("Using PostgreSQL store")
	default:
		st = memorystore.NewStore()
		log.Info().Msg("Using in-memory store")
	}

	var (
		authzCache cache.Cache
		denylist   revocation.Denylist
	)
	switch c.CacheBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		authzCache = cache.NewRedis(client, c.Redis.Prefix)
		denylist = revocation.NewRedisDenylist(client, c.Redis.Prefix, nil)
		log.Info().Str("addr", c.Redis.Addr).Msg("Using redis cache and denylist")
	default:
		authzCache = cache.NewMemory(nil)
		denylist = revocation.NewMemoryDenylist(nil)
		log.Info().Msg("Using in-memory cache and denylist")
	}

	issuer, err := token.NewIssuer(string(signingKey), string(verifyKey), denylist,
		token.WithIssuerName(c.Issuer),
		token.WithGatewayTTL(c.GatewayTTL),
		token.WithOperationalTTL(c.OperationalTTL),
		token.WithRefreshTTL(c.RefreshTTL),
	)
	if err != nil {
		return fmt.Errorf("create token issuer: %w", err)
	}

	engine := authz.NewEngine(nil)
	cachedAuthz := authz.NewCached(engine, authzCache)
	hasher := password.NewBcrypt(c.BcryptCost)

	sessionSvc := session.NewService(st, issuer, denylist, hasher, cachedAuthz, session.Config{
		LockoutThreshold: c.LockoutThreshold,
		LockoutDuration:  c.LockoutDuration,
	}, nil)
	subUserSvc := subuser.NewService(st, hasher, cachedAuthz, authzCache, sessionSvc, nil)

	go c.cleanupLoop(ctx, log, sessionSvc)

	mux := http.NewServeMux()
	handler := httpapi.New(sessionSvc, subUserSvc, issuer, cachedAuthz, st)
	handler.Register(mux)

	log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
	return configureHTTPServer(c.Listen, logger.Requests(log)(mux)).ListenAndServe()
}

// cleanupLoop sweeps expired sessions on a fixed interval.
func (c *ServeCmd) cleanupLoop(ctx context.Context, log zerolog.Logger, sessions *session.Service) {
	ticker := time.NewTicker(c.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sessions.CleanupExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Expired session cleanup failed")
				continue
			}
			if removed > 0 {
				log.Info().Int("removed", removed).Msg("Expired sessions removed")
			}
		}
	}
}
