package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"camstream/internal/camera"
	"camstream/internal/config"
	"camstream/internal/discovery"
	"camstream/internal/timelapse"
)

// Deps はサーバーが操作する対象
type Deps struct {
	Manager   *camera.Manager
	Discovery discovery.Discovery // nil ならデバイス一覧は利用できない
	Timelapse *timelapse.Recorder // nil ならインターバル撮影は無効
	Logger    *zap.Logger
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	manager    *camera.Manager
	discovery  discovery.Discovery
	timelapse  *timelapse.Recorder
	logger     *zap.Logger
	router     *gin.Engine
	httpServer *http.Server

	// done はシャットダウン開始時に閉じる（MJPEG配信の終了用）
	done      chan struct{}
	closeOnce sync.Once
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		config:    cfg,
		manager:   deps.Manager,
		discovery: deps.Discovery,
		timelapse: deps.Timelapse,
		logger:    deps.Logger,
		router:    gin.New(),
		done:      make(chan struct{}),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックエンドポイント
	s.router.GET("/health", s.healthCheck)

	api := s.router.Group("/api")
	api.GET("/status", s.getStatus)
	api.GET("/devices", s.getDevices)
	api.GET("/timelapse", s.getTimelapse)

	cameras := api.Group("/cameras")
	cameras.GET("", s.getCameras)
	cameras.POST("", s.createCamera)
	cameras.GET("/:id", s.getCamera)
	cameras.DELETE("/:id", s.deleteCamera)
	cameras.POST("/:id/start", s.startCamera)
	cameras.POST("/:id/stop", s.stopCamera)
	cameras.PUT("/:id/settings", s.updateSettings)
	cameras.PUT("/:id/adjustments", s.updateAdjustments)
	cameras.DELETE("/:id/adjustments/gamma", s.resetGamma)
	cameras.DELETE("/:id/adjustments/hsv", s.resetHSV)
	cameras.GET("/:id/frame", s.getFrame)
	cameras.POST("/:id/snapshot", s.takeSnapshot)
	cameras.GET("/:id/stream", s.getStream)
}

// requestLogger はリクエストをzapで記録するミドルウェア
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debug("リクエスト",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Start はサーバーを起動し、コンテキストのキャンセルかシグナルでシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", zap.Stringer("signal", sig))
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")
	s.closeOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
