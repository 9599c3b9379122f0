package camera

import (
	"context"
	"image"
	"sync"
)

// MockDriver はテスト用のDriver実装
// PushFrame で渡したフレームを、開いているハンドルの Grab が1枚ずつ受け取る
type MockDriver struct {
	mu      sync.Mutex
	openErr error
	configs []StreamConfig
	current *MockHandle

	openHandles int
	maxOpen     int
	opens       int
	releases    int

	grabs chan mockGrab
}

type mockGrab struct {
	img image.Image
	err error
}

// NewMockDriver は新しいMockDriverを作成する
func NewMockDriver() *MockDriver {
	return &MockDriver{
		grabs: make(chan mockGrab),
	}
}

// Open はモックハンドルを返す
func (d *MockDriver) Open(_ context.Context, cfg StreamConfig) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.configs = append(d.configs, cfg)
	if d.openErr != nil {
		return nil, d.openErr
	}

	d.opens++
	d.openHandles++
	if d.openHandles > d.maxOpen {
		d.maxOpen = d.openHandles
	}

	h := &MockHandle{driver: d, ended: make(chan struct{})}
	d.current = h
	return h, nil
}

// SetOpenError はテスト用にOpenの失敗を設定する（nil で解除）
func (d *MockDriver) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// PushFrame は次の Grab が返すフレームを渡す
// ハンドルが受け取るまでブロックする
func (d *MockDriver) PushFrame(ctx context.Context, img image.Image) error {
	return d.push(ctx, mockGrab{img: img})
}

// PushError は次の Grab が返すエラーを渡す
func (d *MockDriver) PushError(ctx context.Context, err error) error {
	return d.push(ctx, mockGrab{err: err})
}

func (d *MockDriver) push(ctx context.Context, g mockGrab) error {
	select {
	case d.grabs <- g:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect は現在のハンドルを切断状態にする（Grab が ErrEndOfStream を返す）
func (d *MockDriver) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current != nil {
		d.current.end()
	}
}

// Opens はオープン成功回数を返す
func (d *MockDriver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// OpenAttempts はオープンの試行回数を返す
func (d *MockDriver) OpenAttempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.configs)
}

// Releases はハンドル解放回数を返す
func (d *MockDriver) Releases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releases
}

// OpenHandles は現在開いているハンドル数を返す
func (d *MockDriver) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openHandles
}

// MaxOpenHandles は同時に開いていたハンドル数の最大値を返す
func (d *MockDriver) MaxOpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

// LastConfig は最後にOpenへ渡された設定を返す
func (d *MockDriver) LastConfig() (StreamConfig, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.configs) == 0 {
		return StreamConfig{}, false
	}
	return d.configs[len(d.configs)-1], true
}

// MockHandle はMockDriverが返すハンドル
type MockHandle struct {
	driver   *MockDriver
	ended    chan struct{}
	endOnce  sync.Once
	released bool
}

// Grab はPushFrame/PushErrorで渡された値を返す
func (h *MockHandle) Grab(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ended:
		return nil, ErrEndOfStream
	case g := <-h.driver.grabs:
		return g.img, g.err
	}
}

// Release はハンドルを解放する
func (h *MockHandle) Release() error {
	h.end()

	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()

	if h.released {
		return nil
	}
	h.released = true
	h.driver.openHandles--
	h.driver.releases++
	if h.driver.current == h {
		h.driver.current = nil
	}
	return nil
}

func (h *MockHandle) end() {
	h.endOnce.Do(func() { close(h.ended) })
}
