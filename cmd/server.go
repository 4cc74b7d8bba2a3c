// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentcache/uplink/pkg/api"
	"github.com/agentcache/uplink/pkg/blob"
	"github.com/agentcache/uplink/pkg/debug"
	"github.com/agentcache/uplink/pkg/dedupe"
	"github.com/agentcache/uplink/pkg/edge"
	"github.com/agentcache/uplink/pkg/env"
	"github.com/agentcache/uplink/pkg/logger"
	"github.com/agentcache/uplink/pkg/session"
	"github.com/agentcache/uplink/pkg/transfer"
	"github.com/agentcache/uplink/pkg/types"
	"github.com/agentcache/uplink/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type ServerOpts struct {
	IP        string
	HTTPPort  int
	DebugPort int
	LogLevel  string

	AuthToken   string
	EdgesConfig string

	// Store backends
	StoreDriver    string // memory, postgres
	DBDSN          string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Blob backend; empty bucket selects the in-memory store
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// Selection tuning
	MaxEdges        int
	MetricStaleness time.Duration

	// Transfer tuning
	SessionTTL      time.Duration
	ChunkTimeout    time.Duration
	MaxChunkRetries int
	EdgeHTTPTimeout time.Duration

	// Background maintenance
	SweepInterval       time.Duration
	MetricPruneInterval time.Duration
	MetricMaxAge        time.Duration

	// Rate limiting
	RateLimitEnabled       bool
	RateLimitRPS           int64
	RateLimitBurst         int64
	RateLimitRedisEnabled  bool
	RateLimitRedisAddr     string
	RateLimitRedisPassword string
	RateLimitRedisDB       int
	RateLimitRedisPool     int
	RateLimitRedisFailOpen bool
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the upload acceleration server",
	Long: `Start the Uplink API server that handles:
- Edge selection for chunked uploads (/optimal-edges)
- Content deduplication checks (/check-duplicate)
- Chunk progress tracking (/cache-chunk)
- Upload session lifecycle (/track-upload, /resume-upload)`,
	Run: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	f := serverCmd.Flags()
	f.String("ip", utils.DetectedHostAddress(), "IP address to bind to")
	f.Int("http_port", 8080, "HTTP port for the API server")
	f.Int("debug_port", 8081, "Debug HTTP port (metrics, pprof, health)")
	f.String("log_level", "info", "Log level (debug, info, warn, error, fatal)")

	f.String("auth_token", "", "Bearer token for API authentication (empty disables auth)")
	f.String("edges_config", "", "Path to edge topology JSON config file")

	f.String("store_driver", "memory", "Session/dedup store driver (memory, postgres)")
	f.String("db_dsn", "", "Database connection string")
	f.Int("db_max_open_conns", 25, "Maximum open database connections")
	f.Int("db_max_idle_conns", 5, "Maximum idle database connections")

	f.String("s3_bucket", "", "S3 bucket for finalized objects (empty uses in-memory store)")
	f.String("s3_region", "us-east-1", "S3 region")
	f.String("s3_endpoint", "", "S3 endpoint override (for MinIO and compatibles)")
	f.String("s3_access_key", "", "S3 access key")
	f.String("s3_secret_key", "", "S3 secret key (use env var UPLINK_S3_SECRET_KEY)")

	f.Int("max_edges", edge.DefaultMaxEdges, "Maximum edges assigned per upload")
	f.Duration("metric_staleness", edge.DefaultMetricStaleness, "Maximum age of an edge metric sample")

	f.Duration("session_ttl", session.DefaultTTL, "Upload session retention")
	f.Duration("chunk_timeout", 30*time.Second, "Per-attempt chunk transfer deadline")
	f.Int("max_chunk_retries", 3, "Chunk re-dispatches to alternate edges")
	f.Duration("edge_http_timeout", 2*time.Minute, "Transport timeout for edge requests")

	f.Duration("sweep_interval", session.DefaultSweepInterval, "Expired session sweep interval")
	f.Duration("metric_prune_interval", 5*time.Minute, "Edge metric prune interval")
	f.Duration("metric_max_age", time.Hour, "Edge metric sample retention")

	f.Bool("rate_limit_enabled", true, "Enable request rate limiting")
	f.Int64("rate_limit_rps", 100, "Requests per second per client")
	f.Int64("rate_limit_burst", 200, "Burst size per client")
	f.Bool("rate_limit_redis_enabled", false, "Enable distributed rate limiting via Redis")
	f.String("rate_limit_redis_addr", "localhost:6379", "Redis address for distributed rate limiting")
	f.String("rate_limit_redis_password", "", "Redis password")
	f.Int("rate_limit_redis_db", 0, "Redis database number")
	f.Int("rate_limit_redis_pool_size", 10, "Redis connection pool size")
	f.Bool("rate_limit_redis_fail_open", true, "Allow requests when Redis is unavailable")

	viper.BindPFlags(f)
}

func runServer(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("uplink", false)
	opts := loadServerOpts(cmd)

	if level, err := zerolog.ParseLevel(opts.LogLevel); err == nil && level != zerolog.NoLevel {
		logger.SetLevel(level)
	}

	debug.SetNotReady()
	ctx := cmd.Context()

	// Edge registry
	registry := edge.NewMemoryRegistry()
	if opts.EdgesConfig != "" {
		edges, err := types.LoadEdgesFromFile(opts.EdgesConfig)
		if err != nil {
			logger.Fatal().Err(err).Str("path", opts.EdgesConfig).Msg("failed to load edges config")
		}
		for _, e := range edges {
			if err := registry.Register(ctx, e); err != nil {
				logger.Fatal().Err(err).Str("edge_id", e.ID).Msg("failed to register edge")
			}
		}
		logger.Info().Int("count", len(edges)).Str("path", opts.EdgesConfig).Msg("loaded edge topology")
	}
	registry.StartPruner(ctx, opts.MetricPruneInterval, opts.MetricMaxAge)

	selector := edge.NewSelector(registry, edge.SelectorConfig{
		MaxEdges:        opts.MaxEdges,
		MetricStaleness: opts.MetricStaleness,
	})

	// Dedup index and session store
	index, sessions := initializeStores(cmd, opts)

	// Blob store
	blobs := initializeBlobStore(cmd, opts)

	orch, err := transfer.New(transfer.Config{
		Registry:        registry,
		Selector:        selector,
		Dedupe:          index,
		Sessions:        sessions,
		Blobs:           blobs,
		Client:          transfer.NewHTTPEdgeClient(opts.EdgeHTTPTimeout),
		SessionTTL:      opts.SessionTTL,
		ChunkTimeout:    opts.ChunkTimeout,
		MaxChunkRetries: opts.MaxChunkRetries,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create transfer orchestrator")
	}

	// Expired session sweeper
	go session.StartSweeper(ctx, sessions, opts.SweepInterval)

	// Rate limiter
	var limiter *api.RateLimiter
	if opts.RateLimitEnabled && !env.IsLocal() {
		cfg := api.DefaultRateLimitConfig()
		cfg.DefaultRPS = opts.RateLimitRPS
		cfg.DefaultBurst = opts.RateLimitBurst
		cfg.RedisEnabled = opts.RateLimitRedisEnabled
		cfg.Addr = opts.RateLimitRedisAddr
		cfg.Password = opts.RateLimitRedisPassword
		cfg.DB = opts.RateLimitRedisDB
		cfg.PoolSize = opts.RateLimitRedisPool
		cfg.FailOpen = opts.RateLimitRedisFailOpen

		limiter, err = api.NewRateLimiter(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create rate limiter")
		}
		defer limiter.Close()
		if opts.RateLimitRedisEnabled {
			logger.Info().Str("redis_addr", opts.RateLimitRedisAddr).Msg("distributed rate limiting enabled via Redis")
		}
	}

	apiServer := api.NewServer(api.Config{
		Orchestrator: orch,
		Dedupe:       index,
		Sessions:     sessions,
		AuthToken:    opts.AuthToken,
		RateLimiter:  limiter,
	})

	httpMux := http.NewServeMux()
	httpMux.Handle("/", apiServer)
	httpServer := startHTTPServer(httpMux, opts.IP, opts.HTTPPort)
	debugServer := startHTTPServer(debug.GetMux(), opts.IP, opts.DebugPort)

	debug.SetReady()
	waitForShutdown()
	debug.SetNotReady()

	httpServer.Shutdown(ctx)
	debugServer.Shutdown(ctx)
}

func loadServerOpts(cmd *cobra.Command) ServerOpts {
	f := NewFlagLoader(cmd)

	secretKey := f.String("s3_secret_key")
	if secretKey == "" {
		secretKey = os.Getenv("UPLINK_S3_SECRET_KEY")
	}
	authToken := f.String("auth_token")
	if authToken == "" {
		authToken = os.Getenv("UPLINK_AUTH_TOKEN")
	}

	return ServerOpts{
		IP:        f.String("ip"),
		HTTPPort:  f.Int("http_port"),
		DebugPort: f.Int("debug_port"),
		LogLevel:  f.String("log_level"),

		AuthToken:   authToken,
		EdgesConfig: f.String("edges_config"),

		StoreDriver:    f.String("store_driver"),
		DBDSN:          f.String("db_dsn"),
		DBMaxOpenConns: f.Int("db_max_open_conns"),
		DBMaxIdleConns: f.Int("db_max_idle_conns"),

		S3Bucket:    f.String("s3_bucket"),
		S3Region:    f.String("s3_region"),
		S3Endpoint:  f.String("s3_endpoint"),
		S3AccessKey: f.String("s3_access_key"),
		S3SecretKey: secretKey,

		MaxEdges:        f.Int("max_edges"),
		MetricStaleness: f.Duration("metric_staleness"),

		SessionTTL:      f.Duration("session_ttl"),
		ChunkTimeout:    f.Duration("chunk_timeout"),
		MaxChunkRetries: f.Int("max_chunk_retries"),
		EdgeHTTPTimeout: f.Duration("edge_http_timeout"),

		SweepInterval:       f.Duration("sweep_interval"),
		MetricPruneInterval: f.Duration("metric_prune_interval"),
		MetricMaxAge:        f.Duration("metric_max_age"),

		RateLimitEnabled:       f.Bool("rate_limit_enabled"),
		RateLimitRPS:           f.Int64("rate_limit_rps"),
		RateLimitBurst:         f.Int64("rate_limit_burst"),
		RateLimitRedisEnabled:  f.Bool("rate_limit_redis_enabled"),
		RateLimitRedisAddr:     f.String("rate_limit_redis_addr"),
		RateLimitRedisPassword: f.String("rate_limit_redis_password"),
		RateLimitRedisDB:       f.Int("rate_limit_redis_db"),
		RateLimitRedisPool:     f.Int("rate_limit_redis_pool_size"),
		RateLimitRedisFailOpen: f.Bool("rate_limit_redis_fail_open"),
	}
}

func initializeStores(cmd *cobra.Command, opts ServerOpts) (dedupe.Index, session.Store) {
	switch opts.StoreDriver {
	case "postgres":
		if opts.DBDSN == "" {
			logger.Fatal().Msg("--db_dsn required for postgres driver")
		}
		logger.Info().Str("driver", opts.StoreDriver).Str("dsn", maskDSN(opts.DBDSN)).Msg("initializing database")

		db, err := sql.Open("pgx", opts.DBDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open database")
		}
		db.SetMaxOpenConns(opts.DBMaxOpenConns)
		db.SetMaxIdleConns(opts.DBMaxIdleConns)
		if err := db.PingContext(cmd.Context()); err != nil {
			logger.Fatal().Err(err).Msg("failed to ping database")
		}

		// Readiness tracks database connectivity for this driver.
		debug.SetReadyCheck(func() bool {
			return db.Ping() == nil
		})

		index := dedupe.NewSQLIndex(db)
		if err := index.Migrate(cmd.Context()); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate dedup index")
		}
		sessions := session.NewSQLStore(db)
		if err := sessions.Migrate(cmd.Context()); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate session store")
		}
		return index, sessions
	case "memory", "":
		return dedupe.NewMemoryIndex(), session.NewMemoryStore()
	default:
		logger.Fatal().Str("driver", opts.StoreDriver).Msg("unknown store driver")
		return nil, nil
	}
}

func initializeBlobStore(cmd *cobra.Command, opts ServerOpts) blob.Store {
	if opts.S3Bucket == "" {
		logger.Info().Msg("no S3 bucket configured, using in-memory blob store")
		return blob.NewMemoryStore()
	}

	store, err := blob.NewS3Store(cmd.Context(), blob.S3Config{
		Bucket:    opts.S3Bucket,
		Region:    opts.S3Region,
		Endpoint:  opts.S3Endpoint,
		AccessKey: opts.S3AccessKey,
		SecretKey: opts.S3SecretKey,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("bucket", opts.S3Bucket).Msg("failed to initialize S3 blob store")
	}
	logger.Info().Str("bucket", opts.S3Bucket).Str("region", opts.S3Region).Msg("S3 blob store initialized")
	return store
}

func maskDSN(dsn string) string {
	if dsn == "" {
		return "(none)"
	}
	if len(dsn) > 20 {
		return dsn[:10] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

func startHTTPServer(handler http.Handler, ip string, port int) *http.Server {
	listener, err := utils.NewListener(utils.JoinHostPort(ip, port))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{Handler: handler}
	go func() {
		logger.Info().Str("http_addr", utils.JoinHostPort(ip, port)).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}
