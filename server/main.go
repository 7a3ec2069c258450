package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wraith-labs/wraith/pkg/config"
	"github.com/wraith-labs/wraith/pkg/envelope"
	"github.com/wraith-labs/wraith/pkg/telemetry"
)

var (
	configFile = flag.String("config", "", "Server config file path (YAML)")
	listenFlag = flag.String("listen", "", "Listen address (overrides config)")
	dbFlag     = flag.String("db", "", "Database path (overrides config)")
	Version    = "dev"
)

type Server struct {
	cfg         *config.ServerConfig
	store       *Store
	crypto      *envelope.Crypto
	protocols   map[byte]protocolHandler
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	dbPath      string
	startedAt   time.Time
}

func main() {
	flag.Parse()

	cfg, err := config.LoadServer(*configFile)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}
	if *dbFlag != "" {
		cfg.Database = *dbFlag
	}
	if err := cfg.Validate(); err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("wraith server starting")

	ctx := context.Background()
	tp, err := telemetry.Setup(ctx, "wraith-server", Version, cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry setup failed")
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("tracer shutdown failed")
			}
		}()
	}

	db, err := gorm.Open(sqlite.Open(cfg.Database), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.Fatal().Err(err).Str("db", cfg.Database).Msg("database open failed")
	}

	store := NewStore(db)
	if err := store.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	if err := store.Seed(); err != nil {
		logger.Fatal().Err(err).Msg("seed failed")
	}

	crypto, err := envelope.New(envelope.ModeCBC, 256)
	if err != nil {
		logger.Fatal().Err(err).Msg("crypto init failed")
	}

	srv := &Server{
		cfg:         cfg,
		store:       store,
		crypto:      crypto,
		rateLimiter: NewRateLimiter(),
		logger:      logger,
		dbPath:      cfg.Database,
		startedAt:   time.Now(),
	}
	srv.protocols = map[byte]protocolHandler{
		'0': &protoV0{server: srv},
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(withRequestContext(logger))

	r.GET("/api", srv.handleDocumentation)
	r.POST("/api", srv.handleProtocol)
	r.PUT("/api", srv.handleAutoconf)
	r.GET("/v1/health", srv.handleHealth)

	logger.Info().Str("listen", cfg.Listen).Msg("listening")
	if err := r.Run(cfg.Listen); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// handleProtocol is the single protocol endpoint. Everything interesting —
// header parsing, decryption, request routing — happens inside dispatch,
// within one database transaction per request.
func (s *Server) handleProtocol(c *gin.Context) {
	logger := requestLogger(c, s.logger)
	ip := s.clientIP(c)

	body, err := c.GetRawData()
	if err != nil {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", plainError(msgMalformed))
		return
	}

	var reply []byte
	txErr := s.store.WithTx(func(tx *Store) error {
		reply = s.dispatch(tx, body, ip, logger)
		return nil
	})
	if txErr != nil {
		logger.Error().Err(txErr).Msg("protocol transaction failed")
		reply = plainError(msgInternal)
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", reply)
}

// handleDocumentation answers plain GETs with a pointer at the project, the
// same way the endpoint would look if it were an abandoned static page.
func (s *Server) handleDocumentation(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; charset=utf-8",
		[]byte("This is a Wraith API endpoint. See https://github.com/wraith-labs/wraith for documentation.\n"))
}

func (s *Server) handleHealth(c *gin.Context) {
	var activeWraiths, activeSessions int64
	err := s.store.WithTx(func(tx *Store) error {
		now := time.Now()
		if err := tx.ExpireWraiths(now); err != nil {
			return err
		}
		if err := tx.ExpireSessions(now); err != nil {
			return err
		}
		var err error
		if activeWraiths, err = tx.CountWraiths(); err != nil {
			return err
		}
		activeSessions, err = tx.CountSessions()
		return err
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "health check failed", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"version":         Version,
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
		"active_wraiths":  activeWraiths,
		"active_sessions": activeSessions,
		"rate_limiter":    s.rateLimiter.Stats(),
	})
}

// clientIP resolves the requester address, honouring X-Forwarded-For only
// when the deployment says there is a trusted proxy in front.
func (s *Server) clientIP(c *gin.Context) string {
	if s.cfg.TrustForwardedFor {
		return c.ClientIP()
	}
	return c.RemoteIP()
}

// exportBackup writes an encrypted snapshot of the database next to the live
// file and returns its path. The snapshot is sealed with the current
// first-layer key, so possession of the file alone reveals nothing.
func (s *Server) exportBackup(tx *Store) (string, error) {
	firstLayerKey, err := tx.Setting(settingFirstLayerKey)
	if err != nil {
		return "", err
	}
	outPath := s.dbPath + ".backup"
	if err := s.crypto.EncryptFile(s.dbPath, outPath, firstLayerKey); err != nil {
		return "", err
	}
	return outPath, nil
}
