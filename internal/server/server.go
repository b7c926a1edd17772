package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/queue"
	"github.com/ifuryst/crosspost/internal/service"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/store"
)

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	Broker  queue.Broker
	Results queue.ResultBackend

	// Services
	Publishers  *publisher.Manager
	Posts       *store.PostRepository
	Credentials *store.CredentialRepository
	Dispatcher  *service.Dispatcher
	Status      *service.StatusService
	Monitoring  *service.MonitoringService
	Executor    *service.Executor
	Scheduler   *service.Scheduler

	closers []func() error
	workers sync.WaitGroup
}

// NewServer connects to the database and the configured queue, then builds the server.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	q, err := NewQueue(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	srv, err := New(cfg, logger, db, q.Broker, q.Results)
	if err != nil {
		_ = q.Close()
		return nil, err
	}
	srv.closers = append(srv.closers, q.Close)
	return srv, nil
}

// New builds the services and routes on top of already opened infrastructure.
func New(cfg *config.Config, logger *zap.Logger, db *gorm.DB, broker queue.Broker, results queue.ResultBackend) (*Server, error) {
	gin.SetMode(cfg.Server.Mode)

	publishers, err := service.NewPublishManager(cfg, logger.Named("publisher"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize publishers: %w", err)
	}

	targets := store.NewPublicationStore(db)
	posts := store.NewPostRepository(db)
	credentials := store.NewCredentialRepository(db)
	monitoring := service.NewMonitoringService(db, logger.Named("monitoring"))

	dispatcher := service.NewDispatcher(targets, broker, results, monitoring, cfg.Dispatch.CanonicalBaseURL, logger.Named("dispatcher"))
	status := service.NewStatusService(targets, posts, results)
	executor := service.NewExecutor(targets, posts, credentials, publishers, broker, results, monitoring, service.ExecutorOptions{
		Concurrency: cfg.Worker.Concurrency,
		Timeout:     config.Duration(cfg.Worker.PlatformTimeout),
		Retry:       service.NewRetryPolicy(&cfg.Retry),
	}, logger.Named("executor"))

	recoverer, _ := broker.(queue.Recoverer)
	scheduler := service.NewScheduler(&cfg.Scheduler, logger.Named("scheduler"), monitoring, recoverer)

	srv := &Server{
		Config:      cfg,
		DB:          db,
		Router:      gin.New(),
		Logger:      logger,
		Broker:      broker,
		Results:     results,
		Publishers:  publishers,
		Posts:       posts,
		Credentials: credentials,
		Dispatcher:  dispatcher,
		Status:      status,
		Monitoring:  monitoring,
		Executor:    executor,
		Scheduler:   scheduler,
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	return srv, nil
}

func (s *Server) setupMiddleware() {
	s.Router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.Logger.Error("Recovered from panic",
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}))

	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	api := s.Router.Group("/api/v1")
	api.Use(AuthMiddleware(s.Config.Auth.JWTSecret, s.Logger))
	{
		posts := api.Group("/posts")
		{
			posts.POST("/publish", s.handlePublish)
			posts.POST("/:post_id/publish", s.handlePublishConnected)
			posts.GET("/:post_id/publish-history", s.handlePublishHistory)
		}

		tasks := api.Group("/tasks/status")
		{
			tasks.GET("/:task_id", s.handleTaskStatus)
			tasks.GET("/post/:post_id", s.handlePostStatus)
		}

		api.GET("/platforms", s.handleListPlatforms)

		monitoring := api.Group("/monitoring")
		{
			monitoring.GET("/stats", s.handlePlatformStats)
			monitoring.GET("/errors", s.handleRecentErrors)
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if s.Config.Worker.Enabled {
		s.StartWorkers(ctx)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	var err error
	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		err = s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	} else {
		err = s.Server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartWorkers runs the executor, and the broker loop when it has one, in
// the background until ctx is done.
func (s *Server) StartWorkers(ctx context.Context) {
	if runner, ok := s.Broker.(queue.Runner); ok {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			if err := runner.Run(ctx); err != nil {
				s.Logger.Error("Queue relay stopped", zap.Error(err))
			}
		}()
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		if err := s.Executor.Run(ctx); err != nil {
			s.Logger.Error("Workers stopped", zap.Error(err))
		}
	}()
}

// Shutdown stops accepting requests, waits for running jobs to return and
// closes the queue. Workers stop once the context given to Start is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Scheduler.Stop()

	var errs []error
	if s.Server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.Server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	s.workers.Wait()

	for _, closer := range s.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
