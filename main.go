package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"camstream/internal/backend"
	"camstream/internal/camera"
	"camstream/internal/config"
	"camstream/internal/logging"
)

// streamFlags はストリーム設定を上書きするフラグ
type streamFlags struct {
	device, width, height, fps *int
	mirror                     *bool
}

func newStreamFlags(fs *flag.FlagSet) streamFlags {
	def := config.Default().Camera
	return streamFlags{
		device: fs.Int("device", def.DeviceIndex, "デバイス番号"),
		width:  fs.Int("width", def.Width, "画像幅"),
		height: fs.Int("height", def.Height, "画像高さ"),
		fps:    fs.Int("fps", def.Framerate, "フレームレート"),
		mirror: fs.Bool("mirror", def.Mirror, "左右反転"),
	}
}

// apply は設定ファイルの値を基に、明示的に指定されたフラグだけを反映する
func (f streamFlags) apply(fs *flag.FlagSet, cc *config.CameraConfig) camera.StreamConfig {
	sc := cc.StreamConfig()
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "device":
			sc.DeviceIndex = *f.device
		case "width":
			sc.Resolution.Width = *f.width
		case "height":
			sc.Resolution.Height = *f.height
		case "fps":
			sc.Framerate = *f.fps
		case "mirror":
			sc.Mirror = *f.mirror
		}
	})
	return sc
}

// カメラを開き、数秒待ってからスナップショットを1枚保存するデモ
func main() {
	fs := flag.CommandLine
	var (
		configPath = fs.String("config", "", "設定ファイル (.yaml / .toml)")
		driver     = fs.String("driver", "", "バックエンド (opencv / v4l2 / ffmpeg)")
		stream     = newStreamFlags(fs)
		wait       = fs.Duration("wait", 3*time.Second, "撮影までの待ち時間")
		out        = fs.String("out", "camera_shot.png", "保存先")
	)
	flag.Parse()

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}
	if *driver != "" {
		cfg.Camera.Driver = *driver
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, stream.apply(fs, &cfg.Camera), *wait, *out); err != nil {
		logger.Error("デモに失敗しました", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger, sc camera.StreamConfig, wait time.Duration, out string) error {
	b, err := backend.Select(cfg.Camera.Driver)
	if err != nil {
		return err
	}

	stream := camera.NewStream(sc, b.Options(camera.Options{
		Logger:            logger,
		ReconnectInterval: cfg.Camera.ReconnectInterval.Std(),
	}))

	stream.Start()
	time.Sleep(wait)

	if _, err := stream.Snapshot(out); err != nil {
		// フレームが取れなくても停止処理は行う
		logger.Warn("スナップショットを保存できませんでした", zap.Error(err))
	} else {
		logger.Info("スナップショットを保存しました", zap.String("path", out))
	}

	stream.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return stream.AwaitShutdown(ctx)
}
