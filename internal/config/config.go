package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"camstream/internal/camera"
	"camstream/internal/timelapse"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Camera    CameraConfig    `yaml:"camera" toml:"camera"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Timelapse TimelapseConfig `yaml:"timelapse" toml:"timelapse"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`                                // リッスンするホスト
	Port int    `yaml:"port" toml:"port" validate:"min=1,max=65535"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout" validate:"gte=0"`   // 読み込みタイムアウト
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout" validate:"gte=0"` // 書き込みタイムアウト
}

// CameraConfig は起動時に追加するカメラの設定
// 解像度とフレームレートはドライバーにそのまま渡すため範囲の検証はしない
type CameraConfig struct {
	Driver      string `yaml:"driver" toml:"driver" validate:"required"` // バックエンド名（opencv / v4l2 / ffmpeg）
	DeviceIndex int    `yaml:"device_index" toml:"device_index" validate:"gte=0"`
	Width       int    `yaml:"width" toml:"width"`
	Height      int    `yaml:"height" toml:"height"`
	Framerate   int    `yaml:"framerate" toml:"framerate"`
	Mirror      bool   `yaml:"mirror" toml:"mirror"`

	// 画像補正（省略時は補正しない）
	Gamma *float64   `yaml:"gamma" toml:"gamma" validate:"omitempty,gt=0"`
	HSV   *HSVConfig `yaml:"hsv" toml:"hsv"`

	ReconnectInterval Duration `yaml:"reconnect_interval" toml:"reconnect_interval" validate:"gte=0"`
	SnapshotDir       string   `yaml:"snapshot_dir" toml:"snapshot_dir" validate:"required"` // スナップショットの保存先
	AutoStart         bool     `yaml:"auto_start" toml:"auto_start"`                         // 起動時にストリームを開始する
}

// HSVConfig はHSV補正の倍率
type HSVConfig struct {
	H float64 `yaml:"h" toml:"h" validate:"gte=0"`
	S float64 `yaml:"s" toml:"s" validate:"gte=0"`
	V float64 `yaml:"v" toml:"v" validate:"gte=0"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level       string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development" toml:"development"` // コンソール形式で出力する
}

// TimelapseConfig はインターバル撮影の設定
type TimelapseConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Interval Duration `yaml:"interval" toml:"interval" validate:"gte=0"`
	Dir      string   `yaml:"dir" toml:"dir"`
	MaxFiles int      `yaml:"max_files" toml:"max_files" validate:"gte=0"`
}

// Duration は "2s" のような文字列で指定できる時間
type Duration time.Duration

// UnmarshalText は time.ParseDuration 形式の文字列を読み込む
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("無効な時間指定 %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText は time.Duration の文字列表現を返す
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std は time.Duration に変換する
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default はデフォルト設定を返す
func Default() *Config {
	tl := timelapse.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Driver:            "opencv",
			DeviceIndex:       0,
			Width:             640,
			Height:            480,
			Framerate:         30,
			Mirror:            true,
			ReconnectInterval: Duration(camera.DefaultReconnectInterval),
			SnapshotDir:       "snapshots",
			AutoStart:         true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Timelapse: TimelapseConfig{
			Enabled:  tl.Enabled,
			Interval: Duration(tl.Interval),
			Dir:      tl.Dir,
			MaxFiles: tl.MaxFiles,
		},
	}
}

// Load は設定を読み込む
// デフォルト値 → 設定ファイル（path が空なら省略） → 環境変数 の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile は拡張子に応じてYAMLまたはTOMLを読み込む
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("サポートされていない設定ファイル形式: %s", ext)
	}
	if err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() error {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Camera.Driver = getEnvOrDefault("CAMERA_DRIVER", c.Camera.Driver)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)

	var err error
	if c.Server.Port, err = getEnvAsIntOrDefault("PORT", c.Server.Port); err != nil {
		return err
	}
	if c.Camera.DeviceIndex, err = getEnvAsIntOrDefault("CAMERA_DEVICE", c.Camera.DeviceIndex); err != nil {
		return err
	}
	return nil
}

var validate = validator.New()

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("無効な設定 %s: %s=%s (値: %v)", verrs[0].Namespace(), verrs[0].Tag(), verrs[0].Param(), verrs[0].Value())
		}
		return err
	}

	if c.Timelapse.Enabled && c.Timelapse.Dir == "" {
		return fmt.Errorf("インターバル撮影の出力ディレクトリが設定されていません")
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// StreamConfig はカメラ設定をストリームの接続設定に変換する
func (c *CameraConfig) StreamConfig() camera.StreamConfig {
	return camera.StreamConfig{
		DeviceIndex: c.DeviceIndex,
		Resolution:  camera.Resolution{Width: c.Width, Height: c.Height},
		Framerate:   c.Framerate,
		Mirror:      c.Mirror,
	}
}

// Recorder はインターバル撮影の設定に変換する
func (c *TimelapseConfig) Recorder() timelapse.Config {
	return timelapse.Config{
		Enabled:  c.Enabled,
		Interval: c.Interval.Std(),
		Dir:      c.Dir,
		MaxFiles: c.MaxFiles,
	}
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("環境変数 %s が整数ではありません: %q", key, value)
	}
	return n, nil
}
