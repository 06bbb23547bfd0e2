// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/metasqueeze/internal/app"
	"github.com/yourusername/metasqueeze/internal/auth"
	"github.com/yourusername/metasqueeze/internal/config"
	"github.com/yourusername/metasqueeze/internal/gateway"
	"github.com/yourusername/metasqueeze/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.GinMode)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}
	defer a.Close()

	if cfg.RunEmbeddedWorkers {
		if err := a.EnableWorkers(); err != nil {
			logger.Fatal("failed to register workers", zap.Error(err))
		}
		if err := a.Jobs.StartWorkers(); err != nil {
			logger.Fatal("failed to start workers", zap.Error(err))
		}
	}

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gateway.TraceID(), gateway.RequestLogger(logger), gateway.Recovery(logger))

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		auth.CSRFHeader,
		gateway.TraceIDHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader, gateway.TraceIDHeader, "Content-Disposition"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, a)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting api server",
			zap.String("addr", srv.Addr),
			zap.String("mode", cfg.GinMode),
			zap.Bool("embedded_workers", cfg.RunEmbeddedWorkers),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down api server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "metasqueeze-api",
		"version": "0.1.0",
	})
}

// setupRoutes は公開エンドポイントと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, a *app.App) {
	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(a.Metrics.Handler()))

	authManager := auth.NewManager(a.Config, a.Blacklist, a.Logger)

	authRoutes := router.Group("/api/auth")
	{
		// ログイン時はセッション未生成なので CSRF 検証は不要
		authRoutes.POST("/login", authManager.Login)
		authRoutes.POST("/logout",
			authManager.RequireLogin(),
			authManager.VerifyCSRF(),
			authManager.Logout,
		)
	}

	handler := gateway.NewHandler(a.Store, a.Jobs, a.Registry, gateway.Options{
		MaxImageSize:    a.Config.MaxImageSize,
		MaxDocumentSize: a.Config.MaxDocumentSize,
		Metrics:         a.Metrics,
	}, a.Logger)
	// アップロードとダウンロードは匿名、リトライのみ管理者セッションが必要
	handler.Register(router, authManager.RequireLogin(), authManager.VerifyCSRF())
}
