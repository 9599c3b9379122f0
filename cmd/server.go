// Package main はカメラ制御サーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"camstream/internal/backend"
	"camstream/internal/camera"
	"camstream/internal/config"
	"camstream/internal/discovery"
	"camstream/internal/logging"
	"camstream/internal/server"
	"camstream/internal/timelapse"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイル (.yaml / .toml)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("camstream")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("バックエンド:", backend.Names())
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("サーバーが異常終了しました", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	b, err := backend.Select(cfg.Camera.Driver)
	if err != nil {
		return err
	}
	logger.Info("バックエンドを選択", zap.String("driver", b.Name))

	manager := camera.NewManager(b.Options(camera.Options{
		Logger:            logger,
		ReconnectInterval: cfg.Camera.ReconnectInterval.Std(),
	}))

	// 設定ファイルのカメラを追加
	cam, err := manager.Add(cfg.Camera.StreamConfig())
	if err != nil {
		return err
	}
	if cfg.Camera.Gamma != nil {
		cam.Stream.SetGamma(*cfg.Camera.Gamma)
	}
	if hsv := cfg.Camera.HSV; hsv != nil {
		cam.Stream.SetHSV(camera.HSVScale{H: hsv.H, S: hsv.S, V: hsv.V})
	}
	if cfg.Camera.AutoStart {
		cam.Stream.Start()
	}

	ctx := context.Background()

	// インターバル撮影
	var recorder *timelapse.Recorder
	if cfg.Timelapse.Enabled {
		recorder = timelapse.NewRecorder(cam.Stream, cfg.Timelapse.Recorder(), logger.Named("timelapse"))
		if err := recorder.Start(ctx); err != nil {
			return err
		}
	}

	srv := server.New(cfg, server.Deps{
		Manager:   manager,
		Discovery: discovery.NewLinuxDiscovery(),
		Timelapse: recorder,
		Logger:    logger.Named("http"),
	})

	serveErr := srv.Start(ctx)

	// 撮影を止めてから全カメラを解放する
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if recorder != nil {
		if err := recorder.Stop(stopCtx); err != nil {
			logger.Warn("インターバル撮影の停止に失敗", zap.Error(err))
		}
	}
	if err := manager.StopAll(stopCtx); err != nil {
		logger.Warn("カメラの停止に失敗", zap.Error(err))
	}

	return serveErr
}
