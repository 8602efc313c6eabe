package http

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	appsvc "gopherai-context/internal/app"
	"gopherai-context/internal/bootstrap"
	"gopherai-context/internal/llm"
	"gopherai-context/internal/metrics"
	mysqlClient "gopherai-context/internal/platform/mysql"
	rabbitmqClient "gopherai-context/internal/platform/rabbitmq"
	redisClient "gopherai-context/internal/platform/redis"
	"gopherai-context/internal/repository"
	"gopherai-context/internal/transport/http/handler"
	"gopherai-context/internal/transport/http/middleware"
)

// Services is everything the router serves.
type Services struct {
	Auth      *appsvc.AuthService
	Sessions  *appsvc.SessionService
	Chat      *appsvc.ChatService
	Artifacts *appsvc.ArtifactService
}

type RouterOptions struct {
	GinMode        string
	JWTSecret      string
	MaxUploadBytes int64
	Log            *zap.Logger
	Metrics        *metrics.Collector
	Gatherer       prometheus.Gatherer
	Health         handler.HealthInfo
	Checks         map[string]handler.Checker
}

func NewRouter(app *bootstrap.App) *gin.Engine {
	cfg := app.Config
	userRepo := repository.NewUserRepository(app.MySQL)
	sessionRepo := repository.NewSessionRepository(app.MySQL)
	messageRepo := repository.NewMessageRepository(app.MySQL)
	artifactRepo := repository.NewArtifactRepository(app.MySQL)

	authService := appsvc.NewAuthService(
		userRepo,
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
		app.Log,
	)
	artifactService := appsvc.NewArtifactService(
		sessionRepo, artifactRepo, app.Store, app.PurgeQueue, app.Metrics, cfg.Artifact, app.Log,
	)
	sessionService := appsvc.NewSessionService(sessionRepo, messageRepo, artifactService, app.History, app.Log)
	chatService := appsvc.NewChatService(
		sessionRepo,
		messageRepo,
		app.MessageQueue,
		app.History,
		llm.NewClient(llm.Config{BaseURL: cfg.LLM.BaseURL, APIKey: cfg.LLM.APIKey, Model: cfg.LLM.Model}),
		artifactService,
		appsvc.ChatOptions{
			MaxContextMessages: cfg.LLM.MaxContextMessage,
			MaxContextFiles:    cfg.LLM.MaxContextFiles,
		},
		app.Log,
	)

	return buildRouter(Services{
		Auth:      authService,
		Sessions:  sessionService,
		Chat:      chatService,
		Artifacts: artifactService,
	}, RouterOptions{
		GinMode:        cfg.App.GinMode,
		JWTSecret:      cfg.Auth.JWTSecret,
		MaxUploadBytes: cfg.Artifact.MaxUploadBytes,
		Log:            app.Log,
		Metrics:        app.Metrics,
		Gatherer:       app.Registry,
		Health: handler.HealthInfo{
			App:       cfg.App.Name,
			Env:       cfg.App.Env,
			StartedAt: app.StartedAt,
		},
		Checks: map[string]handler.Checker{
			"mysql": func(ctx context.Context) error { return mysqlClient.Ping(ctx, app.MySQL) },
			"redis": func(ctx context.Context) error { return redisClient.Ping(ctx, app.Redis) },
			"rabbitmq": func(context.Context) error {
				return rabbitmqClient.Ping(app.MQConn)
			},
			"storage": app.Store.Ping,
		},
	})
}

func buildRouter(svc Services, opts RouterOptions) *gin.Engine {
	if opts.GinMode != "" {
		gin.SetMode(opts.GinMode)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(middleware.RequestLogger(log, opts.Metrics), middleware.Recovery(log))

	healthHandler := handler.NewHealthHandler(opts.Health, opts.Checks)
	router.GET("/healthz", healthHandler.Check)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	authHandler := handler.NewAuthHandler(svc.Auth)
	sessionHandler := handler.NewSessionHandler(svc.Sessions)
	messageHandler := handler.NewMessageHandler(svc.Chat)
	artifactHandler := handler.NewArtifactHandler(svc.Artifacts, opts.MaxUploadBytes)
	requireAuth := middleware.AuthJWT(opts.JWTSecret)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", requireAuth, authHandler.Me)

	sessions := v1.Group("/sessions", requireAuth)
	sessions.POST("", sessionHandler.Create)
	sessions.GET("", sessionHandler.List)
	sessions.GET("/:session_id", sessionHandler.Get)
	sessions.PUT("/:session_id", sessionHandler.Rename)
	sessions.DELETE("/:session_id", sessionHandler.Delete)

	messages := sessions.Group("/:session_id/messages")
	messages.POST("", messageHandler.Send)
	messages.GET("", messageHandler.History)
	messages.DELETE("/:message_id", messageHandler.Delete)

	artifacts := sessions.Group("/:session_id/artifacts")
	artifacts.POST("", artifactHandler.Create)
	artifacts.POST("/repository", artifactHandler.CreateRepository)
	artifacts.POST("/upload", artifactHandler.Upload)
	artifacts.GET("", artifactHandler.List)
	artifacts.GET("/:artifact_id", artifactHandler.Get)
	artifacts.PUT("/:artifact_id", artifactHandler.Update)
	artifacts.DELETE("/:artifact_id", artifactHandler.Delete)
	artifacts.GET("/:artifact_id/files", artifactHandler.ListFiles)
	artifacts.GET("/:artifact_id/files/*path", artifactHandler.GetFile)
	artifacts.GET("/:artifact_id/download", artifactHandler.Download)

	return router
}
