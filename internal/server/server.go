package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sharebox/sharebox/internal/access"
	"github.com/sharebox/sharebox/internal/audit"
	"github.com/sharebox/sharebox/internal/auth"
	"github.com/sharebox/sharebox/internal/config"
	"github.com/sharebox/sharebox/internal/file"
	"github.com/sharebox/sharebox/internal/fileshare"
	"github.com/sharebox/sharebox/internal/grant"
	"github.com/sharebox/sharebox/internal/metadata"
	"github.com/sharebox/sharebox/internal/metrics"
	"github.com/sharebox/sharebox/internal/middleware"
	"github.com/sharebox/sharebox/internal/share"
	"github.com/sharebox/sharebox/internal/storage"
	"github.com/sirupsen/logrus"
)

// Server represents the sharebox HTTP server
type Server struct {
	config         *config.Config
	logger         *logrus.Logger
	httpServer     *http.Server
	metadataStore  metadata.Store
	objectStore    storage.ObjectStore
	authManager    *auth.Manager
	auditManager   *audit.Manager
	metricsManager *metrics.Manager
	service        *fileshare.Service
	startTime      time.Time
}

// New builds every adapter from cfg and wires them into a server
func New(cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	metadataStore, err := metadata.NewStore(metadata.Options{
		Backend: cfg.Metadata.Backend,
		DataDir: cfg.DataDir,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata store: %w", err)
	}

	objectStore, err := storage.NewObjectStore(context.Background(), cfg.Storage, cfg.PublicURL, logger)
	if err != nil {
		metadataStore.Close()
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}

	var metricsManager *metrics.Manager
	if cfg.Metrics.Enable {
		metricsManager = metrics.NewManager(cfg.Metrics, cfg.DataDir)
	}

	var auditStore audit.Store
	if cfg.Audit.Enable {
		sqliteAudit, err := audit.NewSQLiteStore(filepath.Join(cfg.DataDir, "db", "audit.db"), logger)
		if err != nil {
			objectStore.Close()
			metadataStore.Close()
			return nil, fmt.Errorf("failed to create audit store: %w", err)
		}
		auditStore = sqliteAudit
	}
	auditManager := audit.NewManager(auditStore, logger)

	userStore, err := auth.NewSQLiteStore(filepath.Join(cfg.DataDir, "db", "auth.db"))
	if err != nil {
		auditManager.Close()
		objectStore.Close()
		metadataStore.Close()
		return nil, fmt.Errorf("failed to create user store: %w", err)
	}
	authManager := auth.NewManager(userStore, cfg.Auth, auditManager, metricsManager, logger)

	files := file.NewManager(metadataStore, logger)
	shares := share.NewManager(metadataStore, files, logger)
	engine := access.NewEngine(files, shares, objectStore, metricsManager, logger)
	issuer := grant.NewIssuer(files, shares, metricsManager, logger)
	service := fileshare.NewService(objectStore, files, issuer, engine, authManager, metricsManager, logger,
		fileshare.Options{
			MaxFileSize: cfg.Upload.MaxFileSize,
			FrontendURL: cfg.FrontendURL,
		})

	s := &Server{
		config:         cfg,
		logger:         logger,
		metadataStore:  metadataStore,
		objectStore:    objectStore,
		authManager:    authManager,
		auditManager:   auditManager,
		metricsManager: metricsManager,
		service:        service,
		startTime:      time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"address":          s.config.Listen,
		"data_dir":         s.config.DataDir,
		"metadata_backend": s.config.Metadata.Backend,
		"storage_backend":  s.config.Storage.Backend,
	}).Info("Starting sharebox server")

	s.metricsManager.Start(ctx)
	s.auditManager.StartRetentionJob(ctx, s.config.Audit.RetentionDays)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err, ok := <-errCh:
		if !ok {
			return s.shutdown()
		}
		s.shutdown() //nolint:errcheck
		return fmt.Errorf("http server failed: %w", err)
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server")
	}

	return s.Close()
}

// Close releases every store without stopping the listener
func (s *Server) Close() error {
	if err := s.objectStore.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close object store")
	}
	if err := s.authManager.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close user store")
	}
	if err := s.auditManager.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close audit store")
	}
	if err := s.metadataStore.Close(); err != nil {
		return fmt.Errorf("failed to close metadata store: %w", err)
	}
	return nil
}

func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.Logging(s.metricsManager, s.logger))

	public := middleware.RateLimitWithConfig(middleware.RateLimitConfig{
		Limit:  s.config.RateLimit.PublicPerMinute,
		Window: time.Minute,
		OnRateLimitExceeded: func(w http.ResponseWriter, r *http.Request) {
			s.writeErrorMessage(w, http.StatusTooManyRequests, "Too many requests")
		},
	})
	requireAuth := middleware.RequireAuth(s.authManager, s.writeError)

	api := router.PathPrefix("/api").Subrouter()

	api.Handle("/auth/register", public(http.HandlerFunc(s.handleRegister))).Methods(http.MethodPost)
	api.Handle("/auth/login", public(http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)
	api.Handle("/auth/users", requireAuth(http.HandlerFunc(s.handleListUsers))).Methods(http.MethodGet)

	api.Handle("/files/upload", requireAuth(http.HandlerFunc(s.handleUpload))).Methods(http.MethodPost)
	api.Handle("/files", requireAuth(http.HandlerFunc(s.handleListFiles))).Methods(http.MethodGet)
	api.Handle("/files/{fileId}/share", requireAuth(http.HandlerFunc(s.handleShareWithUsers))).Methods(http.MethodPost)
	api.Handle("/files/{fileId}/share-link", requireAuth(http.HandlerFunc(s.handleCreateShareLink))).Methods(http.MethodPost)
	api.Handle("/files/{fileId}/view", requireAuth(http.HandlerFunc(s.handleViewFile))).Methods(http.MethodGet)

	api.Handle("/share/{shareId}", public(http.HandlerFunc(s.handleSharedFile))).Methods(http.MethodGet)

	if fsStore, ok := s.objectStore.(*storage.FilesystemStore); ok {
		router.Handle(storage.ObjectRoutePrefix+"/{bucket}/{key:.+}", s.handleGetObject(fsStore)).
			Methods(http.MethodGet, http.MethodHead)
	}

	if s.metricsManager != nil {
		router.Handle(s.metricsManager.Path(), s.metricsManager.Handler()).Methods(http.MethodGet)
	}
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{s.config.FrontendURL}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.ExposedHeaders([]string{middleware.RequestIDHeader}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(true),
	)
	return recovery(cors(router))
}
