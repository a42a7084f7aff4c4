package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"imgscan-server/internal/config"
	"imgscan-server/internal/corpus"
	"imgscan-server/internal/db"
	"imgscan-server/internal/engine"
	"imgscan-server/internal/metrics"
	"imgscan-server/internal/middleware"
	"imgscan-server/internal/models"
	"imgscan-server/internal/rules"
	"imgscan-server/internal/verdict"
)

// pinger is a backend the readiness endpoint checks
type pinger interface {
	Ping(ctx context.Context) error
}

// quarantineStore keeps a copy of payloads that reached the quarantine threshold
type quarantineStore interface {
	Quarantine(ctx context.Context, sha256 string, content []byte, meta map[string]string) (string, error)
}

// auditSink receives one event per completed scan
type auditSink interface {
	Enqueue(ev models.ScanEvent) bool
}

// auditStats reports audited scan counts for /stats
type auditStats interface {
	GetScanStats(ctx context.Context) (map[string]uint64, error)
}

// Server holds all dependencies for the API server
type Server struct {
	cfg     *config.Config
	app     *fiber.App
	engine  *engine.Engine
	metrics *metrics.Metrics

	// Optional backends, nil when disabled
	ch    *db.ClickHouseClient
	redis *db.RedisClient
	minio *db.MinIOClient
	audit *db.AuditWriter

	limiter       middleware.RateLimiter
	quarantine    quarantineStore
	quarantineMin verdict.RiskLevel
	events        auditSink
	auditStats    auditStats
	backends      map[string]pinger
}

func main() {
	log.Info().Msg("Starting Image Security Scanner - API Server")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Create server
	server, err := NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}
	defer server.Close()

	// Setup routes
	server.SetupRoutes()

	// Start metrics server (separate port)
	if cfg.Metrics.Enabled {
		go server.StartMetricsServer()
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		if err := server.app.Shutdown(); err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
		}
	}()

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	log.Info().Str("addr", addr).Msg("Starting API server")

	if err := server.app.Listen(addr); err != nil {
		log.Error().Err(err).Msg("Server failed")
	}
}

// NewServer connects the enabled backends, loads the reference corpus and
// builds the scan engine. Any failure here is fatal for the process.
func NewServer(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s := &Server{cfg: cfg, backends: make(map[string]pinger)}
	src := corpus.Sources{
		RulesPath:      cfg.Corpus.RulesPath,
		HashCorpusPath: cfg.Corpus.HashCorpusPath,
	}

	// Connect to Redis
	if cfg.Redis.Enabled {
		redis, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		s.redis = redis
		s.limiter = redis
		s.backends["redis"] = redis
		if cfg.Redis.HashSet != "" {
			src.HashSources = append(src.HashSources, redis)
		}
	}

	// Connect to MinIO
	if cfg.MinIO.Enabled {
		minio, err := db.NewMinIOClient(cfg.MinIO)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to MinIO: %w", err)
		}
		s.minio = minio
		s.backends["minio"] = minio
		src.Store = minio
		src.RulesObject = cfg.MinIO.RulesObject
		src.HashObject = cfg.MinIO.HashObject
		if cfg.MinIO.Quarantine {
			s.quarantine = minio
		}
	}

	// Connect to ClickHouse
	if cfg.ClickHouse.Enabled {
		ch, err := db.NewClickHouseClient(cfg.ClickHouse)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		s.ch = ch
		s.backends["clickhouse"] = ch
		if err := ch.EnsureAuditTable(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create audit table: %w", err)
		}
		if cfg.ClickHouse.HashSource {
			src.HashSources = append(src.HashSources, ch)
		}
		s.audit = db.NewAuditWriter(ch, cfg.ClickHouse.AuditBatchSize, cfg.ClickHouse.AuditFlushInterval)
		s.events = s.audit
		s.auditStats = ch
	}

	c, err := corpus.Load(ctx, src)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}

	hashCounts := make(map[string]int)
	for alg, n := range c.Hashes.Counts() {
		hashCounts[string(alg)] = n
	}
	metrics.GetMetrics().UpdateCorpusStats(map[string]int{
		string(rules.TierLight): c.Rules.Count(rules.TierLight),
		string(rules.TierFull):  c.Rules.Count(rules.TierFull),
	}, hashCounts)

	log.Info().
		Str("rules_origin", c.RulesOrigin).
		Int("light_rules", c.Rules.Count(rules.TierLight)).
		Int("full_rules", c.Rules.Count(rules.TierFull)).
		Int("hashes", c.Hashes.Len()).
		Msg("Reference corpus loaded")

	eng := engine.New(c.Rules, c.Hashes, engine.Config{MaxPayloadBytes: cfg.Scan.MaxPayloadBytes})
	s.init(eng)
	return s, nil
}

// init creates the Fiber app around a ready engine
func (s *Server) init(eng *engine.Engine) {
	s.engine = eng
	s.metrics = metrics.GetMetrics()
	if s.backends == nil {
		s.backends = make(map[string]pinger)
	}

	threshold, err := verdict.ParseRiskLevel(s.cfg.Scan.QuarantineMinRisk)
	if err != nil || threshold == verdict.RiskClean {
		threshold = verdict.RiskHigh
	}
	s.quarantineMin = threshold

	s.app = fiber.New(fiber.Config{
		AppName:      "Image Scanner API",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    bodyLimit(eng.MaxPayload()),
		ErrorHandler: errorHandler,
	})
}

// bodyLimit fits a maximum payload in base64 plus the JSON or multipart envelope
func bodyLimit(maxPayload int64) int {
	return int((maxPayload+2)/3*4) + 1<<20
}

// Close closes all connections
func (s *Server) Close() {
	if s.audit != nil {
		s.audit.Close()
	}
	if s.ch != nil {
		s.ch.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
}

// SetupRoutes configures all API routes
func (s *Server) SetupRoutes() {
	// Global middleware
	s.app.Use(middleware.RecoverMiddleware())
	s.app.Use(middleware.CORSMiddleware())
	s.app.Use(middleware.RequestLogger())
	s.app.Use(compress.New())

	// Public endpoints
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/readyz", s.readinessHandler)

	// Authentication middleware (skip health and metrics)
	var handlers []fiber.Handler
	if s.cfg.API.APIKey != "" {
		handlers = append(handlers, middleware.NewAuthMiddleware(middleware.AuthConfig{
			APIKey:     s.cfg.API.APIKey,
			Limiter:    s.limiter,
			RateLimit:  s.cfg.Redis.RateLimit,
			RateWindow: time.Minute,
			SkipPaths:  []string{"/health", "/readyz", "/metrics"},
		}))
	} else {
		log.Warn().Msg("API_KEY is not set, scan endpoints are unauthenticated")
	}

	// Protected endpoints
	api := s.app.Group("/", handlers...)
	api.Post("/scan", s.scanHandler)
	api.Get("/stats", s.statsHandler)
}

// StartMetricsServer starts the Prometheus metrics server
func (s *Server) StartMetricsServer() {
	addr := fmt.Sprintf(":%d", s.cfg.Metrics.Port)
	log.Info().Str("addr", addr).Msg("Starting metrics server")

	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}
