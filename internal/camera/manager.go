package camera

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrCameraNotFound = errors.New("カメラが見つかりません")
	ErrDeviceInUse    = errors.New("デバイスは既に追加されています")
)

// Camera はManagerが管理するストリーム
type Camera struct {
	ID        string
	CreatedAt time.Time
	Stream    *Stream
}

// Manager は複数のストリームをIDで管理する
// 1つのデバイス番号に束縛できるストリームは1つだけ
type Manager struct {
	opts Options

	mu      sync.RWMutex
	cameras map[string]*Camera
}

// NewManager は新しいManagerを作成する
// opts は追加されるすべてのストリームに共通で使われる
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		opts:    opts,
		cameras: make(map[string]*Camera),
	}
}

// Add はストリームを作成して管理対象に追加する（開始はしない）
func (m *Manager) Add(cfg StreamConfig) (*Camera, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deviceInUse(cfg.DeviceIndex, "") {
		return nil, fmt.Errorf("%w: %d", ErrDeviceInUse, cfg.DeviceIndex)
	}

	id := uuid.New().String()
	opts := m.opts
	opts.Logger = m.opts.Logger.With(zap.String("camera", id))

	cam := &Camera{
		ID:        id,
		CreatedAt: time.Now(),
		Stream:    NewStream(cfg, opts),
	}
	m.cameras[id] = cam

	m.opts.Logger.Info("カメラを追加", zap.String("camera", id), zap.Int("device", cfg.DeviceIndex))
	return cam, nil
}

// Get は指定されたIDのカメラを取得する
func (m *Manager) Get(id string) (*Camera, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cam, ok := m.cameras[id]
	return cam, ok
}

// List は管理しているカメラを追加順に返す
func (m *Manager) List() []*Camera {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cameras := make([]*Camera, 0, len(m.cameras))
	for _, cam := range m.cameras {
		cameras = append(cameras, cam)
	}
	sort.Slice(cameras, func(i, j int) bool {
		if cameras[i].CreatedAt.Equal(cameras[j].CreatedAt) {
			return cameras[i].ID < cameras[j].ID
		}
		return cameras[i].CreatedAt.Before(cameras[j].CreatedAt)
	})
	return cameras
}

// SetDevice はカメラのデバイス番号を変更する
// 他のカメラが使っている番号は指定できない
func (m *Manager) SetDevice(id string, index int) error {
	return m.rebind(id, index, func(stream *Stream) {
		stream.SetDevice(index)
	})
}

// Reconfigure は接続設定をまとめて変更する
// 他のカメラが使用中のデバイス番号を指定した場合は何も変更しない
func (m *Manager) Reconfigure(id string, cfg StreamConfig) error {
	return m.rebind(id, cfg.DeviceIndex, func(stream *Stream) {
		stream.Reconfigure(cfg)
	})
}

// rebind はデバイス番号の重複を確認してから設定を変更する
func (m *Manager) rebind(id string, index int, apply func(stream *Stream)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cam, ok := m.cameras[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	if m.deviceInUse(index, id) {
		return fmt.Errorf("%w: %d", ErrDeviceInUse, index)
	}

	apply(cam.Stream)
	return nil
}

// Remove はカメラを停止し、ループの終了を待ってから管理対象から削除する
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	cam, ok := m.cameras[id]
	if ok {
		delete(m.cameras, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}

	cam.Stream.Stop()
	if err := cam.Stream.AwaitShutdown(ctx); err != nil {
		return fmt.Errorf("カメラ %s の停止待ちに失敗: %w", id, err)
	}

	m.opts.Logger.Info("カメラを削除", zap.String("camera", id))
	return nil
}

// StopAll はすべてのカメラを停止し、終了を待つ
// カメラは管理対象に残る
func (m *Manager) StopAll(ctx context.Context) error {
	cameras := m.List()

	// 先にすべて停止要求を出してから待つ
	for _, cam := range cameras {
		cam.Stream.Stop()
	}

	var err error
	for _, cam := range cameras {
		if waitErr := cam.Stream.AwaitShutdown(ctx); waitErr != nil {
			err = multierr.Append(err, fmt.Errorf("カメラ %s の停止待ちに失敗: %w", cam.ID, waitErr))
		}
	}
	return err
}

// deviceInUse は except 以外のカメラが index を使っているか返す（ロック済み前提）
func (m *Manager) deviceInUse(index int, except string) bool {
	for id, cam := range m.cameras {
		if id != except && cam.Stream.Config().DeviceIndex == index {
			return true
		}
	}
	return false
}
