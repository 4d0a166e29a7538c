package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/labintel/internal/config"
	"github.com/ehr/labintel/internal/domain/labreport"
	"github.com/ehr/labintel/internal/platform/auth"
	"github.com/ehr/labintel/internal/platform/db"
	"github.com/ehr/labintel/internal/platform/events"
	"github.com/ehr/labintel/internal/platform/middleware"
	"github.com/ehr/labintel/internal/platform/ocr"
	"github.com/ehr/labintel/internal/platform/telemetry"
)

const (
	version       = "0.1.0"
	uploadPath    = "/api/v1/lab-documents"
	metricsPath   = "/metrics"
	apiBodyLimit  = "1M"
	shutdownGrace = 15 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "labintel-server",
		Short:         "Lab report intelligence API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(out io.Writer, env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, newLogger(os.Stdout, cfg.Env))
		},
	}
}

// tesseractConfig maps OCR settings onto the engine configuration.
func tesseractConfig(cfg *config.Config) ocr.TesseractConfig {
	tc := ocr.DefaultTesseractConfig()
	if cfg.OCRLanguage != "" {
		tc.Language = cfg.OCRLanguage
	}
	if cfg.OCRPSM > 0 {
		tc.PSM = cfg.OCRPSM
	}
	if cfg.OCROEM >= 0 {
		tc.OEM = cfg.OCROEM
	}
	if cfg.OCRDPI > 0 {
		tc.DPI = cfg.OCRDPI
	}
	if cfg.OCRTimeoutSeconds > 0 {
		tc.Timeout = time.Duration(cfg.OCRTimeoutSeconds) * time.Second
	}
	return tc
}

func engineFactory(cfg *config.Config, logger zerolog.Logger) ocr.EngineFactory {
	tc := tesseractConfig(cfg)
	if cfg.OCREngine == "gosseract" {
		return ocr.NewGosseractEngineFactory(tc, logger)
	}
	return ocr.NewCLIEngineFactory(tc, logger)
}

func pipelineOptions(cfg *config.Config) labreport.PipelineOptions {
	return labreport.PipelineOptions{LowConfidenceThreshold: cfg.LowConfidenceThreshold}
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// Database (optional)
	var (
		repo      labreport.Repository
		dbHealth  echo.HandlerFunc
		publisher labreport.EventPublisher
	)
	if cfg.PersistenceEnabled() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		repo = labreport.NewRepoPG(pool)
		dbHealth = db.HealthHandler(pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set; results are not stored and trends are always stable")
	}

	// Events (optional)
	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer pub.Close()
		publisher = pub
		logger.Info().Str("subject", pub.Subject()).Msg("publishing document events")
	}

	// Rate limit store
	rlCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rlCfg.RequestsPerSecond <= 0 || rlCfg.BurstSize <= 0 {
		rlCfg = middleware.DefaultRateLimitConfig()
	}
	var store middleware.Store = middleware.NewMemoryStore(rlCfg.RequestsPerSecond, rlCfg.BurstSize)
	if cfg.RedisURL != "" {
		client, err := middleware.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()
		store = middleware.NewRedisStore(client, rlCfg.BurstSize, cfg.RateLimitWindow)
		logger.Info().Msg("rate limits shared through redis")
	}

	// OCR engines
	factory := engineFactory(cfg, logger)
	ocrPool := ocr.NewPool(cfg.OCRWorkers, func() *ocr.Adapter {
		return ocr.NewAdapter(factory, logger.With().Str("component", "ocr").Logger())
	})
	defer ocrPool.Close()
	logger.Info().Str("engine", cfg.OCREngine).Int("workers", ocrPool.Size()).Msg("ocr pool ready")

	reg := telemetry.NewRegistry()
	svc := labreport.NewService(labreport.OCRPool(ocrPool), repo, publisher, logger, pipelineOptions(cfg)).
		WithMetrics(labreport.NewMetrics(reg))
	e := newEcho(cfg, logger, svc, reg, store, rlCfg, dbHealth)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the HTTP server. dbHealth may be nil when persistence is
// disabled.
func newEcho(cfg *config.Config, logger zerolog.Logger, svc *labreport.Service, reg *telemetry.Registry, store middleware.Store, rlCfg middleware.RateLimitConfig, dbHealth echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(telemetry.HTTPMetrics(reg, metricsPath))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(apiBodyLimit, cfg.MaxUploadSize, uploadPath))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health", "/health/db", metricsPath))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"version":     version,
			"persistence": svc.PersistenceEnabled(),
		})
	})
	if dbHealth != nil {
		e.GET("/health/db", dbHealth)
	}

	e.GET(metricsPath, reg.Handler())

	// API
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(store, rlCfg, logger))
	labreport.NewHandler(svc).RegisterRoutes(apiV1)

	return e
}
