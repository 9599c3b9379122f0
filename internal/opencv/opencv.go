// Package opencv はgocv（OpenCV）を使ったキャプチャドライバーと画像変換を提供する
//
// # 前提要件
//   - OpenCV 4.x と cgo が利用できること
//   - Linux では V4L2、Windows では Media Foundation バックエンドでデバイスを開く
package opencv

import (
	"context"
	"fmt"
	"image"
	"runtime"

	"gocv.io/x/gocv"

	"camstream/internal/camera"
	"camstream/internal/imaging"
)

// Driver は camera.Driver のOpenCV実装
type Driver struct{}

// Open はデバイス番号のカメラを開き、解像度とフレームレートを要求する
// 要求値がデバイスに受け入れられたかは確認しない
func (Driver) Open(_ context.Context, cfg camera.StreamConfig) (camera.Handle, error) {
	capture, err := gocv.VideoCaptureDeviceWithAPI(cfg.DeviceIndex, captureAPI())
	if err != nil {
		return nil, fmt.Errorf("デバイス %d を開けません: %w", cfg.DeviceIndex, err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return nil, fmt.Errorf("デバイス %d を開けません", cfg.DeviceIndex)
	}

	capture.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))
	capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Resolution.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Resolution.Height))

	return &handle{capture: capture, frame: gocv.NewMat()}, nil
}

func captureAPI() gocv.VideoCaptureAPI {
	switch runtime.GOOS {
	case "linux":
		return gocv.VideoCaptureV4L2
	case "windows":
		return gocv.VideoCaptureMSMF
	default:
		return gocv.VideoCaptureAny
	}
}

type handle struct {
	capture *gocv.VideoCapture
	frame   gocv.Mat
}

// Grab は1フレームを読み込む
// Read はブロックするため、ctx は呼び出し前にのみ確認する
func (h *handle) Grab(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ok := h.capture.Read(&h.frame); !ok {
		return nil, camera.ErrEndOfStream
	}
	if h.frame.Empty() {
		return nil, fmt.Errorf("空のフレーム")
	}

	img, err := h.frame.ToImage()
	if err != nil {
		return nil, fmt.Errorf("フレームの変換に失敗: %w", err)
	}
	return img, nil
}

func (h *handle) Release() error {
	if err := h.frame.Close(); err != nil {
		return err
	}
	return h.capture.Close()
}

// Transformer は camera.Transformer のOpenCV実装
type Transformer struct{}

// Flip は左右反転した画像を返す
func (t Transformer) Flip(img image.Image) image.Image {
	return t.apply(img, func(src gocv.Mat, dst *gocv.Mat) {
		gocv.Flip(src, dst, 1)
	})
}

// Gamma はガンマ補正した画像を返す
// gamma <= 0 の場合は補正しない
func (t Transformer) Gamma(img image.Image, gamma float64) image.Image {
	if gamma <= 0 {
		return img
	}

	lut := lookupTable(imaging.GammaTable(gamma))
	defer lut.Close()

	return t.apply(img, func(src gocv.Mat, dst *gocv.Mat) {
		gocv.LUT(src, lut, dst)
	})
}

// ScaleHSV はHSVの各成分に倍率を掛けた画像を返す
func (t Transformer) ScaleHSV(img image.Image, h, s, v float64) image.Image {
	tables := []gocv.Mat{
		lookupTable(imaging.ScaleTable(h)),
		lookupTable(imaging.ScaleTable(s)),
		lookupTable(imaging.ScaleTable(v)),
	}
	defer closeAll(tables)

	return t.apply(img, func(src gocv.Mat, dst *gocv.Mat) {
		hsv := gocv.NewMat()
		defer hsv.Close()
		gocv.CvtColor(src, &hsv, gocv.ColorBGRToHSV)

		channels := gocv.Split(hsv)
		defer closeAll(channels)
		for i, ch := range channels {
			gocv.LUT(ch, tables[i], &channels[i])
		}

		gocv.Merge(channels, &hsv)
		gocv.CvtColor(hsv, dst, gocv.ColorHSVToBGR)
	})
}

// apply は画像をBGRのMatに変換して op を適用する
// 変換に失敗した場合は入力をそのまま返す
func (Transformer) apply(img image.Image, op func(src gocv.Mat, dst *gocv.Mat)) image.Image {
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return img
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()

	op(src, &dst)

	out, err := dst.ToImage()
	if err != nil {
		return img
	}
	return out
}

func lookupTable(values [256]uint8) gocv.Mat {
	lut := gocv.NewMatWithSize(1, 256, gocv.MatTypeCV8U)
	for i, v := range values {
		lut.SetUCharAt(0, i, v)
	}
	return lut
}

func closeAll(mats []gocv.Mat) {
	for _, m := range mats {
		_ = m.Close()
	}
}

// Encoder は camera.Encoder のOpenCV実装
// 拡張子で形式を決め、PNG は無圧縮で書き出す
type Encoder struct{}

// Encode は画像を path に書き出す
func (Encoder) Encode(img image.Image, path string) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("画像の変換に失敗: %w", err)
	}
	defer mat.Close()

	if ok := gocv.IMWriteWithParams(path, mat, []int{int(gocv.IMWritePngCompression), 0}); !ok {
		return fmt.Errorf("書き込みに失敗: %s", path)
	}
	return nil
}
