package timelapse

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camstream/internal/camera"
)

// fakeSource はテスト用のSnapshotter
type fakeSource struct {
	mu    sync.Mutex
	err   error
	paths []string
}

func (f *fakeSource) Snapshot(path string) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if err := os.WriteFile(path, []byte("png"), 0o600); err != nil {
		return nil, err
	}
	f.paths = append(f.paths, path)
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

// newTestRecorder は1秒ずつ進む時計を持つRecorderを作成する
func newTestRecorder(t *testing.T, source Snapshotter, cfg Config) *Recorder {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	r := NewRecorder(source, cfg, nil)

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	r.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return r
}

func TestFilename(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 8, 7, 123_000_000, time.UTC)
	assert.Equal(t, "snapshot-20240501-090807.123.png", Filename(ts))
	assert.True(t, isSnapshotFile(Filename(ts)))
	assert.False(t, isSnapshotFile("camera_shot.png"))
}

func TestRecorder_Capture(t *testing.T) {
	source := &fakeSource{}
	r := newTestRecorder(t, source, Config{Interval: time.Hour})

	r.capture()
	r.capture()

	status := r.Status()
	assert.Equal(t, 2, status.Captured)
	assert.Equal(t, filepath.Join(r.config.Dir, "snapshot-20240501-120003.000.png"), status.LastFile)

	files, err := r.Files()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(r.config.Dir, "snapshot-20240501-120001.000.png"), files[0].Path)
	assert.EqualValues(t, 3, files[0].Size)
}

func TestRecorder_SkipWithoutFrame(t *testing.T) {
	source := &fakeSource{err: camera.ErrNoFrameAvailable}
	r := newTestRecorder(t, source, Config{Interval: time.Hour})

	r.capture()

	status := r.Status()
	assert.Equal(t, 0, status.Captured)
	assert.Equal(t, 1, status.Skipped)

	files, err := r.Files()
	require.NoError(t, err)
	assert.Empty(t, files)

	// エンコード失敗はスキップとして数えない
	source.setErr(errors.New("disk full"))
	r.capture()
	assert.Equal(t, 1, r.Status().Skipped)
}

func TestRecorder_MaxFiles(t *testing.T) {
	source := &fakeSource{}
	r := newTestRecorder(t, source, Config{Interval: time.Hour, MaxFiles: 2})

	// 対象外のファイルは削除しない
	other := filepath.Join(r.config.Dir, "camera_shot.png")
	require.NoError(t, os.WriteFile(other, nil, 0o600))

	for i := 0; i < 4; i++ {
		r.capture()
	}

	files, err := r.Files()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, source.paths[2], files[0].Path)
	assert.Equal(t, source.paths[3], files[1].Path)
	assert.FileExists(t, other)
}

func TestRecorder_FilesMissingDir(t *testing.T) {
	r := NewRecorder(&fakeSource{}, Config{Dir: filepath.Join(t.TempDir(), "missing")}, nil)
	files, err := r.Files()
	assert.NoError(t, err)
	assert.Empty(t, files)
}

func TestRecorder_StartStop(t *testing.T) {
	source := &fakeSource{}
	dir := filepath.Join(t.TempDir(), "nested", "out")
	r := newTestRecorder(t, source, Config{Interval: 5 * time.Millisecond, Dir: dir})

	assert.Equal(t, StatusStopped, r.Status().Status)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background())) // 二重開始は無視
	assert.Equal(t, StatusRecording, r.Status().Status)
	assert.DirExists(t, dir)

	assert.Eventually(t, func() bool { return source.count() >= 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, StatusStopped, r.Status().Status)

	// 停止後は撮影しない
	n := source.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, source.count())

	// 停止済みの Stop は何もしない
	assert.NoError(t, r.Stop(ctx))
}

func TestRecorder_WithStream(t *testing.T) {
	// フレームがないストリームからは何も保存されない
	stream := camera.NewStream(camera.StreamConfig{}, camera.Options{Driver: camera.NewMockDriver()})
	r := newTestRecorder(t, stream, Config{Interval: time.Hour})

	r.capture()
	assert.Equal(t, 1, r.Status().Skipped)
}
