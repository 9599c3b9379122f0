// Package timelapse はストリームの最新フレームを一定間隔でファイルに保存する
//
// # 仕様
//   - ファイル名は snapshot-YYYYMMDD-HHMMSS.000.png
//   - フレームがまだない回は撮影せずに次の回を待つ
//   - MaxFiles を超えた分は古いものから削除する
package timelapse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"camstream/internal/camera"
)

const (
	filePrefix = "snapshot-"
	fileSuffix = ".png"
	timeLayout = "20060102-150405.000"
)

// Recorder はインターバル撮影を行う
type Recorder struct {
	source Snapshotter
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	info   StatusInfo
}

// NewRecorder は新しいRecorderを作成する
func NewRecorder(source Snapshotter, config Config, logger *zap.Logger) *Recorder {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		source: source,
		config: config,
		logger: logger,
		now:    time.Now,
		info:   StatusInfo{Status: StatusStopped},
	}
}

// Start は撮影を開始する
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return nil // 既に開始済み
	}

	// 出力ディレクトリを作成
	if err := os.MkdirAll(r.config.Dir, 0o755); err != nil {
		return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.info = StatusInfo{Status: StatusRecording}

	go r.loop(ctx, done)

	r.logger.Info("インターバル撮影を開始",
		zap.String("dir", r.config.Dir),
		zap.Duration("interval", r.config.Interval))
	return nil
}

// Stop は撮影を停止し、実行中の撮影が終わるのを待つ
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("インターバル撮影の停止待ちに失敗: %w", ctx.Err())
	}

	r.logger.Info("インターバル撮影を停止")
	return nil
}

// Status は現在の状態を返す
func (r *Recorder) Status() StatusInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// Files は保存済みのスナップショットを古い順に返す
func (r *Recorder) Files() ([]File, error) {
	entries, err := os.ReadDir(r.config.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("出力ディレクトリの読み込みに失敗: %w", err)
	}

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isSnapshotFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // 列挙中に削除された
		}
		files = append(files, File{
			Path:    filepath.Join(r.config.Dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	// ファイル名が時刻順になっている
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (r *Recorder) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer r.finish(done)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.capture()
		}
	}
}

// capture は1枚撮影し、古いファイルを整理する
func (r *Recorder) capture() {
	path := filepath.Join(r.config.Dir, Filename(r.now()))

	_, err := r.source.Snapshot(path)
	switch {
	case errors.Is(err, camera.ErrNoFrameAvailable):
		r.logger.Debug("フレームがないため撮影をスキップ")
		r.mu.Lock()
		r.info.Skipped++
		r.mu.Unlock()
		return
	case err != nil:
		r.logger.Warn("スナップショットの保存に失敗", zap.Error(err))
		return
	}

	r.mu.Lock()
	r.info.Captured++
	r.info.LastFile = path
	r.info.LastTime = r.now()
	r.mu.Unlock()

	if err := r.prune(); err != nil {
		r.logger.Warn("古いスナップショットの削除に失敗", zap.Error(err))
	}
}

// prune は MaxFiles を超えた古いファイルを削除する
func (r *Recorder) prune() error {
	if r.config.MaxFiles <= 0 {
		return nil
	}

	files, err := r.Files()
	if err != nil {
		return err
	}
	if len(files) <= r.config.MaxFiles {
		return nil
	}

	for _, f := range files[:len(files)-r.config.MaxFiles] {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// finish はループ終了時に状態を stopped にする
// 既に次の撮影が開始されていれば何もしない
func (r *Recorder) finish(done chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != done {
		return
	}
	r.info.Status = StatusStopped
}

// Filename は撮影時刻からファイル名を作る
func Filename(t time.Time) string {
	return filePrefix + t.Format(timeLayout) + fileSuffix
}

func isSnapshotFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}
