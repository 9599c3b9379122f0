//go:build linux

package v4l2

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/blackjack/webcam"

	"camstream/internal/camera"
)

// waitTimeout は1回の WaitForFrame の待ち時間（秒）
// この間隔でキャンセルを確認する
const waitTimeout = 1

// Driver は camera.Driver のV4L2実装
type Driver struct{}

// Open は /dev/video{index} を開いてストリーミングを開始する
func (Driver) Open(_ context.Context, cfg camera.StreamConfig) (camera.Handle, error) {
	path := fmt.Sprintf("/dev/video%d", cfg.DeviceIndex)
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s を開けません: %w", path, err)
	}

	h, err := start(cam, cfg)
	if err != nil {
		_ = cam.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

func start(cam *webcam.Webcam, cfg camera.StreamConfig) (*handle, error) {
	supported := make(map[PixelFormat]string)
	for f, desc := range cam.GetSupportedFormats() {
		supported[PixelFormat(f)] = desc
	}
	format, err := choosePixelFormat(supported)
	if err != nil {
		return nil, err
	}

	f, w, h, err := cam.SetImageFormat(webcam.PixelFormat(format), uint32(cfg.Resolution.Width), uint32(cfg.Resolution.Height))
	if err != nil {
		return nil, fmt.Errorf("フォーマットの設定に失敗: %w", err)
	}

	// フレームレートは対応していないデバイスもあるため失敗しても続行する
	_ = cam.SetFramerate(float32(cfg.Framerate))

	if err := cam.SetBufferCount(1); err != nil {
		return nil, fmt.Errorf("バッファ数の設定に失敗: %w", err)
	}
	if err := cam.StartStreaming(); err != nil {
		return nil, fmt.Errorf("ストリーミングの開始に失敗: %w", err)
	}

	return &handle{
		cam:    cam,
		format: PixelFormat(f),
		width:  int(w),
		height: int(h),
	}, nil
}

type handle struct {
	cam    *webcam.Webcam
	format PixelFormat
	width  int
	height int
}

func (h *handle) Grab(ctx context.Context) (image.Image, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := h.cam.WaitForFrame(waitTimeout)
		var timeout *webcam.Timeout
		if errors.As(err, &timeout) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", camera.ErrEndOfStream, err)
		}

		frame, err := h.cam.ReadFrame()
		if err != nil {
			return nil, err
		}
		if len(frame) == 0 {
			continue
		}
		return decodeFrame(h.format, frame, h.width, h.height)
	}
}

func (h *handle) Release() error {
	stopErr := h.cam.StopStreaming()
	if err := h.cam.Close(); err != nil {
		return err
	}
	return stopErr
}
