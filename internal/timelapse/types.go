package timelapse

import (
	"image"
	"time"
)

// Snapshotter は最新フレームをファイルに書き出せるもの（camera.Stream）
type Snapshotter interface {
	Snapshot(path string) (image.Image, error)
}

// Config はインターバル撮影の設定
type Config struct {
	Enabled  bool          `json:"enabled"`   // 有効/無効
	Interval time.Duration `json:"interval"`  // 撮影間隔 (デフォルト: 2秒)
	Dir      string        `json:"dir"`       // 出力ディレクトリ
	MaxFiles int           `json:"max_files"` // 保持する最大ファイル数（0 は無制限）
}

// Status はインターバル撮影のステータス
type Status string

// Status の定数定義
const (
	StatusRecording Status = "recording" // 撮影中
	StatusStopped   Status = "stopped"   // 停止中
)

// StatusInfo はインターバル撮影の状態情報
type StatusInfo struct {
	Status   Status    `json:"status"`
	Captured int       `json:"captured"`  // 開始してから保存した枚数
	Skipped  int       `json:"skipped"`   // フレームがなく撮影しなかった回数
	LastFile string    `json:"last_file"` // 最後に保存したファイル
	LastTime time.Time `json:"last_time"`
}

// File は保存済みのスナップショット
type File struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// DefaultConfig はデフォルトのインターバル撮影設定を返す
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Interval: 2 * time.Second,
		Dir:      "snapshots",
		MaxFiles: 1800, // 1時間分（2秒間隔）
	}
}
