// ABOUTME: Entry point for the VulnLedger vulnerability ingestion service.
// ABOUTME: Handles initialization, configuration parsing, and starts the sync loop and HTTP server.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jfeddern/VulnLedger/internal/engine"
	"github.com/jfeddern/VulnLedger/internal/metrics"
	"github.com/jfeddern/VulnLedger/internal/providers"
	"github.com/jfeddern/VulnLedger/internal/providers/aws"
	"github.com/jfeddern/VulnLedger/internal/providers/mock"
	"github.com/jfeddern/VulnLedger/internal/server"
	"github.com/jfeddern/VulnLedger/internal/store"
	"github.com/jfeddern/VulnLedger/internal/vanta"

	"github.com/sirupsen/logrus"
)

const (
	defaultPort         = 9090
	defaultDatabasePath = "vulnledger.db"
	defaultBaseURL      = "https://api.vanta.com"
	maxPageSize         = 100
)

func main() {
	// Set up structured logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Set debug level if requested
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}

	config, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	service, err := NewService(ctx, config, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create service")
	}
	defer service.Close()

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		service.engine.Cancel()
		cancel()
	}()

	if config.Once {
		if err := service.RunOnce(ctx); err != nil {
			logger.WithError(err).Error("Sync failed")
			service.Close()
			os.Exit(1)
		}
		return
	}

	if err := service.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start service")
		service.Close()
		os.Exit(1)
	}
}

// parseConfig reads flags from args, then applies environment overrides
func parseConfig(args []string, getenv func(string) string) (*engine.Config, error) {
	config := &engine.Config{}

	fs := flag.NewFlagSet("vulnledger", flag.ContinueOnError)
	fs.IntVar(&config.Port, "port", defaultPort, "Port to serve the HTTP API and metrics on")
	fs.StringVar(&config.DatabasePath, "database", defaultDatabasePath, "Path to the SQLite database file")
	fs.StringVar(&config.BaseURL, "api-url", defaultBaseURL, "Base URL of the Vanta API")
	fs.IntVar(&config.PageSize, "page-size", 100, "Records requested per page")
	fs.IntVar(&config.BatchSize, "batch-size", 100, "Records buffered before a store write is dispatched")
	fs.IntVar(&config.Workers, "workers", 4, "Maximum concurrent store writes")
	fs.DurationVar(&config.SyncInterval, "sync-interval", time.Hour, "Interval between syncs")
	fs.BoolVar(&config.Once, "once", false, "Run a single sync and exit")
	fs.StringVar(&config.CredentialsSource, "credentials-source", "", "Credential source: env, file or aws (default: env when set, else aws)")
	fs.StringVar(&config.CredentialsFile, "credentials-file", "", "Path to a JSON file with client_id and client_secret")
	fs.StringVar(&config.SecretName, "secret-name", aws.DefaultSecretName, "Secrets Manager secret holding the API credentials")
	fs.StringVar(&config.AWSRegion, "aws-region", "", "AWS region for Secrets Manager and S3")
	fs.StringVar(&config.ArchiveBucket, "archive-bucket", "", "S3 bucket for sync snapshots (optional)")
	fs.BoolVar(&config.MockMode, "mock", false, "Enable mock mode for local testing (no external API calls)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Override with environment variables if set
	if envPort := getenv("PORT"); envPort != "" {
		port, err := strconv.Atoi(envPort)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT environment variable: %s", envPort)
		}
		config.Port = port
	}
	if envPath := getenv("DATABASE_PATH"); envPath != "" {
		config.DatabasePath = envPath
	}
	if envURL := getenv("VANTA_API_URL"); envURL != "" {
		config.BaseURL = envURL
	}
	if envInterval := getenv("SYNC_INTERVAL"); envInterval != "" {
		interval, err := time.ParseDuration(envInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_INTERVAL environment variable: %s", envInterval)
		}
		config.SyncInterval = interval
	}
	if envSource := getenv("VANTA_CREDENTIALS_SOURCE"); envSource != "" {
		config.CredentialsSource = envSource
	}
	if envFile := getenv("VANTA_CREDENTIALS_FILE"); envFile != "" {
		config.CredentialsFile = envFile
	}
	if envSecret := getenv("VANTA_CREDENTIALS_SECRET"); envSecret != "" {
		config.SecretName = envSecret
	}
	if envRegion := getenv("AWS_REGION"); envRegion != "" {
		config.AWSRegion = envRegion
	}
	if envBucket := getenv("S3_BUCKET"); envBucket != "" {
		config.ArchiveBucket = envBucket
	}
	if envMock := getenv("MOCK_MODE"); envMock == "true" || envMock == "1" {
		config.MockMode = true
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *engine.Config) error {
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", config.Port)
	}
	if config.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	if config.PageSize < 1 || config.PageSize > maxPageSize {
		return fmt.Errorf("page size must be between 1 and %d, got %d", maxPageSize, config.PageSize)
	}
	if config.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", config.Workers)
	}
	if !config.Once && config.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", config.SyncInterval)
	}

	switch config.CredentialsSource {
	case providers.SourceAuto, providers.SourceEnv, providers.SourceAWS:
	case providers.SourceFile:
		if config.CredentialsFile == "" && !config.MockMode {
			return fmt.Errorf("credentials file is required for credentials source %q", providers.SourceFile)
		}
	default:
		return fmt.Errorf("unsupported credentials source %q. Must be one of: env, file, aws", config.CredentialsSource)
	}
	return nil
}

type Service struct {
	config  *engine.Config
	logger  *logrus.Logger
	store   *store.Store
	engine  *engine.Engine
	mockAPI *httptest.Server

	runEngine func(ctx context.Context)
}

// NewService opens the store and wires the credential source, API client,
// archiver and sync engine. In mock mode the fake API is served in-process.
func NewService(ctx context.Context, config *engine.Config, logger *logrus.Logger) (*Service, error) {
	logger.WithFields(logrus.Fields{
		"port":          config.Port,
		"database":      config.DatabasePath,
		"api_url":       config.BaseURL,
		"sync_interval": config.SyncInterval,
		"mock_mode":     config.MockMode,
	}).Info("Initializing VulnLedger")

	st, err := store.Open(config.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &Service{config: config, logger: logger, store: st}

	baseURL := config.BaseURL
	if config.MockMode {
		s.mockAPI = httptest.NewServer(mock.NewAPI(logger))
		baseURL = s.mockAPI.URL
		logger.WithField("url", baseURL).Info("Serving mock Vanta API")
	}

	// Create providers using factory
	providerConfig := &providers.ProviderConfig{
		CredentialsSource: config.CredentialsSource,
		CredentialsFile:   config.CredentialsFile,
		SecretName:        config.SecretName,
		AWSRegion:         config.AWSRegion,
		ArchiveBucket:     config.ArchiveBucket,
		MockMode:          config.MockMode,
	}

	source, err := providers.CreateCredentialSource(ctx, providerConfig, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create credential source: %w", err)
	}

	creds, err := source.Credentials(ctx)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load credentials from %s: %w", source.Name(), err)
	}

	archiver, err := providers.CreateArchiver(ctx, providerConfig, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create archiver: %w", err)
	}

	client := vanta.NewClient(baseURL, creds, logger)
	s.engine = engine.NewEngine(client, st, archiver, config, logger)
	s.runEngine = s.engine.Start

	logger.WithField("credentials_source", source.Name()).Info("Service initialized")
	return s, nil
}

// Close stops the mock API and closes the store
func (s *Service) Close() {
	if s.mockAPI != nil {
		s.mockAPI.Close()
		s.mockAPI = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close store")
		}
		s.store = nil
	}
}

// RunOnce runs a single sync, logging progress, and returns when it finishes
func (s *Service) RunOnce(ctx context.Context) error {
	defer s.engine.Close()

	logger := s.logger.WithField("operation", "sync_once")
	summary, err := s.engine.Sync(ctx, func(message string) {
		logger.Info(message)
	})
	if err != nil {
		if errors.Is(err, engine.ErrCancelled) {
			logger.Warn("Sync cancelled")
			return nil
		}
		return err
	}

	logger.WithFields(logrus.Fields{
		"run_id":                  summary.RunID,
		"duration":                summary.Duration.String(),
		"vulnerabilities_fetched": summary.VulnerabilitiesFetched,
		"remediations_fetched":    summary.RemediationsFetched,
		"archives":                summary.ArchiveURIs,
	}).Info("Sync finished")
	return nil
}

// Routes builds the HTTP handler for every endpoint
func (s *Service) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.securityMiddleware(metrics.CreateMetricsHandler(s.engine, s.logger)))
	mux.HandleFunc("/vulnerabilities", s.securityMiddleware(server.CreateVulnerabilitiesHandler(s.engine, s.logger)))
	mux.HandleFunc("/stats", s.securityMiddleware(server.CreateStatsHandler(s.engine, s.logger)))
	mux.HandleFunc("/history", s.securityMiddleware(server.CreateHistoryHandler(s.engine, s.logger)))
	mux.HandleFunc("/sync-runs", s.securityMiddleware(server.CreateSyncRunsHandler(s.engine, s.logger)))
	mux.HandleFunc("/elements", s.securityMiddleware(server.CreateElementsHandler(s.store, s.logger)))
	mux.HandleFunc("/health", s.securityMiddleware(s.healthHandler))
	return mux
}

func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start the sync engine; Start does not return before it has stopped
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		s.runEngine(ctx)
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.WithFields(logrus.Fields{
		"port":      s.config.Port,
		"mock_mode": s.config.MockMode,
	}).Info("Starting HTTP server")

	err := server.ListenAndServe()

	cancel()
	s.engine.Cancel()
	<-engineDone
	s.logger.Info("Sync engine stopped")

	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Service) securityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Security headers
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'none'; object-src 'none'; frame-ancestors 'none'")

		// Only allow specific HTTP methods
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"remote_ip":  r.RemoteAddr,
			"user_agent": r.UserAgent(),
		}).Debug("HTTP request received")

		next(w, r)
	}
}

type healthResponse struct {
	Status                string `json:"status"`
	VulnerabilitiesStored int    `json:"vulnerabilities_stored"`
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	count, err := s.store.CountVulnerabilities(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(healthResponse{Status: "unavailable"})
		return
	}

	json.NewEncoder(w).Encode(healthResponse{Status: "ok", VulnerabilitiesStored: count})
}
