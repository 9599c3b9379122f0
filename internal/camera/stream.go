package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"camstream/internal/imaging"
)

// DefaultReconnectInterval は再接続を試みるまでの既定の待機時間
const DefaultReconnectInterval = time.Second

// Options はストリームの外部協調者と動作パラメータ
type Options struct {
	Driver      Driver      // 必須
	Transformer Transformer // 省略時は imaging.Transformer
	Encoder     Encoder     // 省略時は imaging.PNGEncoder
	Logger      *zap.Logger // 省略時は出力しない

	// ReconnectInterval はセッション終了から次のオープンまでの待機時間
	ReconnectInterval time.Duration
}

// Stream は1台のデバイスに束縛されたカメラストリーム
//
// デバイスハンドルはバックグラウンドのフレームループだけが所有する。
// 設定変更による開き直しもループ自身が行うため、開き直しが並行して走ることはない。
type Stream struct {
	driver      Driver
	transformer Transformer
	encoder     Encoder
	logger      *zap.Logger
	backoff     time.Duration

	mu      sync.Mutex
	config  StreamConfig
	state   RunState
	cancel  context.CancelFunc // 実行中ループの停止（停止要求済みなら nil）
	session context.CancelFunc // 現在のセッションの中断
	restart bool               // 設定変更による開き直し要求
	done    chan struct{}      // 最後に起動したループの終了通知
	wake    chan struct{}      // 再接続待ちの中断

	adjust atomic.Pointer[Adjustment]
	latest atomic.Pointer[frameSlot]

	opens        atomic.Uint64
	openFailures atomic.Uint64
	releases     atomic.Uint64
	frames       atomic.Uint64
	reconnects   atomic.Uint64
}

type frameSlot struct {
	img image.Image
}

// NewStream は新しいStreamを作成する
// 作成直後は stopped 状態で、デバイスは開かない
func NewStream(cfg StreamConfig, opts Options) *Stream {
	if opts.Transformer == nil {
		opts.Transformer = imaging.Transformer{}
	}
	if opts.Encoder == nil {
		opts.Encoder = imaging.PNGEncoder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}

	done := make(chan struct{})
	close(done)

	s := &Stream{
		driver:      opts.Driver,
		transformer: opts.Transformer,
		encoder:     opts.Encoder,
		logger:      opts.Logger,
		backoff:     opts.ReconnectInterval,
		config:      cfg,
		state:       StateStopped,
		done:        done,
		wake:        make(chan struct{}, 1),
	}
	s.adjust.Store(&Adjustment{Mirror: cfg.Mirror})
	return s
}

// Start はフレームループを開始する
// 既に実行中であれば何もしない。デバイスが開けない場合も失敗せず再接続を繰り返す。
func (s *Stream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	prev := s.done
	done := make(chan struct{})

	s.cancel = cancel
	s.done = done
	s.restart = false
	s.state = StateRunning

	go s.run(ctx, prev, done)

	s.logger.Info("ストリームを開始", s.configFields(s.config)...)
}

// Stop はフレームループに停止を要求する
// ループの終了は待たない。デバイスの解放を待つ場合は AwaitShutdown を使う。
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}

	s.cancel()
	s.cancel = nil
	s.session = nil
	s.latest.Store(nil)

	s.logger.Info("ストリームの停止を要求", zap.Int("device", s.config.DeviceIndex))
}

// AwaitShutdown は最後に起動したフレームループの終了を待つ
// 実行中のストリームに対して呼ぶと Stop されるまで戻らない。
func (s *Stream) AwaitShutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State は現在の状態を返す
func (s *Stream) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config は現在の接続設定を返す
func (s *Stream) Config() StreamConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Adjustment は現在の画像補正のコピーを返す
func (s *Stream) Adjustment() Adjustment {
	adj := *s.adjust.Load()
	if adj.Gamma != nil {
		gamma := *adj.Gamma
		adj.Gamma = &gamma
	}
	if adj.HSV != nil {
		hsv := *adj.HSV
		adj.HSV = &hsv
	}
	return adj
}

// Stats は診断用カウンタを返す
func (s *Stream) Stats() Stats {
	return Stats{
		Opens:        s.opens.Load(),
		OpenFailures: s.openFailures.Load(),
		Releases:     s.releases.Load(),
		Frames:       s.frames.Load(),
		Reconnects:   s.reconnects.Load(),
	}
}

// LatestFrame は最新のフレームを返す
// デバイスが開いていない間は nil を返す。
func (s *Stream) LatestFrame() image.Image {
	slot := s.latest.Load()
	if slot == nil {
		return nil
	}
	return slot.img
}

// Snapshot は最新のフレームを path に書き出し、そのフレームを返す
func (s *Stream) Snapshot(path string) (image.Image, error) {
	img := s.LatestFrame()
	if img == nil {
		return nil, ErrNoFrameAvailable
	}

	if err := s.encoder.Encode(img, path); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncode, path, err)
	}

	s.logger.Info("スナップショットを保存", zap.String("path", path))
	return img, nil
}

// SetResolution は解像度を変更してデバイスを開き直す
func (s *Stream) SetResolution(width, height int) {
	s.reconfigure(func(cfg *StreamConfig) {
		cfg.Resolution = Resolution{Width: width, Height: height}
	})
}

// SetResolutionWithFramerate は解像度とフレームレートを同時に変更して開き直す
func (s *Stream) SetResolutionWithFramerate(width, height, framerate int) {
	s.reconfigure(func(cfg *StreamConfig) {
		cfg.Resolution = Resolution{Width: width, Height: height}
		cfg.Framerate = framerate
	})
}

// SetFramerate はフレームレートを変更してデバイスを開き直す
func (s *Stream) SetFramerate(framerate int) {
	s.reconfigure(func(cfg *StreamConfig) {
		cfg.Framerate = framerate
	})
}

// SetDevice は束縛するデバイス番号を変更して開き直す
// 存在しない番号を指定した場合は再接続を繰り返す。
func (s *Stream) SetDevice(index int) {
	s.reconfigure(func(cfg *StreamConfig) {
		cfg.DeviceIndex = index
	})
}

// Reconfigure はデバイス番号・解像度・フレームレートをまとめて変更する
// 実行中であれば開き直しは一度だけ行われる。左右反転は SetMirror で変更する。
func (s *Stream) Reconfigure(next StreamConfig) {
	s.reconfigure(func(cfg *StreamConfig) {
		cfg.DeviceIndex = next.DeviceIndex
		cfg.Resolution = next.Resolution
		cfg.Framerate = next.Framerate
	})
}

// SetMirror は左右反転を切り替える
func (s *Stream) SetMirror(mirror bool) {
	s.updateAdjustment(func(adj *Adjustment) {
		adj.Mirror = mirror
	})
}

// SetGamma はガンマ補正を設定する
func (s *Stream) SetGamma(gamma float64) {
	s.updateAdjustment(func(adj *Adjustment) {
		adj.Gamma = &gamma
	})
}

// ResetGamma はガンマ補正を解除する
func (s *Stream) ResetGamma() {
	s.updateAdjustment(func(adj *Adjustment) {
		adj.Gamma = nil
	})
}

// SetHSV はHSV補正を設定する
func (s *Stream) SetHSV(scale HSVScale) {
	s.updateAdjustment(func(adj *Adjustment) {
		adj.HSV = &scale
	})
}

// ResetHSV はHSV補正を解除する
func (s *Stream) ResetHSV() {
	s.updateAdjustment(func(adj *Adjustment) {
		adj.HSV = nil
	})
}

// reconfigure は接続設定を更新し、実行中であれば現在のセッションを中断させる
// 開き直し自体はフレームループが行う
func (s *Stream) reconfigure(update func(cfg *StreamConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	update(&s.config)

	if s.cancel == nil {
		return // 次の Start で反映される
	}

	s.restart = true
	if s.session != nil {
		s.session()
	}
	s.latest.Store(nil)

	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.logger.Info("設定変更によりデバイスを開き直す", s.configFields(s.config)...)
}

// updateAdjustment は画像補正を差し替える
func (s *Stream) updateAdjustment(update func(adj *Adjustment)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.adjust.Load()
	update(&next)
	s.adjust.Store(&next)
	s.config.Mirror = next.Mirror
}

// run はフレームループ本体
func (s *Stream) run(ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer s.finish(done)

	// 前のループがハンドルを解放するまで待つ
	// 前のループは停止要求済みなので必ず終了する
	<-prev

	for {
		sessionCtx, cfg, ok := s.beginSession(ctx)
		if !ok {
			return
		}

		s.logger.Debug("カメラへのアクセスを試行", s.configFields(cfg)...)
		err := s.runSession(sessionCtx, cfg)

		restarted := s.endSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if restarted {
			continue
		}

		s.reconnects.Add(1)
		if errors.Is(err, ErrOpenFailure) {
			s.logger.Warn("カメラへのアクセスに失敗", append(s.configFields(cfg), zap.Error(err))...)
		} else {
			s.logger.Info("カメラとの接続が閉じました", append(s.configFields(cfg), zap.Error(err))...)
		}

		if !s.waitReconnect(ctx) {
			return
		}
	}
}

// beginSession は現在の設定でセッションを準備する
func (s *Stream) beginSession(ctx context.Context) (context.Context, StreamConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return nil, StreamConfig{}, false
	}

	select {
	case <-s.wake:
	default:
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s.session = cancel
	s.restart = false
	return sessionCtx, s.config, true
}

// runSession はデバイスを開き、失敗するか中断されるまでフレームを取得し続ける
func (s *Stream) runSession(ctx context.Context, cfg StreamConfig) error {
	handle, err := s.driver.Open(ctx, cfg)
	if err != nil {
		s.openFailures.Add(1)
		return fmt.Errorf("%w: %w", ErrOpenFailure, err)
	}
	s.opens.Add(1)

	defer func() {
		if err := handle.Release(); err != nil {
			s.logger.Warn("デバイスの解放に失敗", zap.Error(err))
		}
		s.releases.Add(1)
	}()

	if !s.markRunning(ctx) {
		return ctx.Err()
	}
	s.logger.Info("カメラを開きました", s.configFields(cfg)...)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		img, err := handle.Grab(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrEndOfStream) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrDecodeFailure, err)
		}
		if img == nil {
			return ErrDecodeFailure
		}

		s.publish(ctx, s.apply(img))
	}
}

// apply は 反転 → ガンマ → HSV の順で補正を適用する
func (s *Stream) apply(img image.Image) image.Image {
	adj := s.adjust.Load()
	if adj.Mirror {
		img = s.transformer.Flip(img)
	}
	if adj.Gamma != nil {
		img = s.transformer.Gamma(img, *adj.Gamma)
	}
	if adj.HSV != nil {
		img = s.transformer.ScaleHSV(img, adj.HSV.H, adj.HSV.S, adj.HSV.V)
	}
	return img
}

// publish は最新フレームを差し替える
// 中断済みのセッションからのフレームは公開しない
func (s *Stream) publish(ctx context.Context, img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	s.latest.Store(&frameSlot{img: img})
	s.frames.Add(1)
}

func (s *Stream) markRunning(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	s.state = StateRunning
	return true
}

// endSession はセッションを片付け、開き直し要求の有無を返す
func (s *Stream) endSession(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		s.session()
		s.session = nil
	}
	s.latest.Store(nil)

	restarted := s.restart
	s.restart = false
	if !restarted && ctx.Err() == nil {
		s.state = StateReconnecting
	}
	return restarted
}

// waitReconnect は再接続までの待機を行う
// 停止要求で false を返す。設定変更があれば待機を切り上げる。
func (s *Stream) waitReconnect(ctx context.Context) bool {
	timer := time.NewTimer(s.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-timer.C:
		return true
	}
}

// finish はループ終了時に状態を stopped にする
// 既に新しいループが起動されていれば何もしない
func (s *Stream) finish(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != done {
		return
	}
	s.state = StateStopped
	s.session = nil
	s.latest.Store(nil)

	s.logger.Info("ストリームを停止しました", zap.Int("device", s.config.DeviceIndex))
}

func (s *Stream) configFields(cfg StreamConfig) []zap.Field {
	return []zap.Field{
		zap.Int("device", cfg.DeviceIndex),
		zap.Int("width", cfg.Resolution.Width),
		zap.Int("height", cfg.Resolution.Height),
		zap.Int("fps", cfg.Framerate),
	}
}
