// Package v4l2 はcgoを使わないV4L2キャプチャドライバーを提供する
//
// # 仕様
//   - YUYV (YUV 4:2:2) を優先し、対応していなければ MJPEG を使う
//   - 要求した解像度はデバイスが対応する最も近い値に丸められる
//
// # 前提要件
//   - Linux のみ。その他のOSでは Open が常に失敗する
package v4l2

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

// PixelFormat はV4L2のピクセルフォーマットコード
type PixelFormat uint32

const (
	FormatYUYV  PixelFormat = 0x56595559 // 'YUYV'
	FormatMJPEG PixelFormat = 0x47504a4d // 'MJPG'
)

// ErrUnsupported はデバイスが扱えるフォーマットを持たない、またはOSが非対応の場合のエラー
var ErrUnsupported = errors.New("サポートされていないデバイスです")

// choosePixelFormat はデバイスの対応フォーマットから使うものを選ぶ
func choosePixelFormat(supported map[PixelFormat]string) (PixelFormat, error) {
	for _, f := range []PixelFormat{FormatYUYV, FormatMJPEG} {
		if _, ok := supported[f]; ok {
			return f, nil
		}
	}
	return 0, ErrUnsupported
}

// decodeFrame はドライバーから読み出した生フレームを画像に変換する
func decodeFrame(format PixelFormat, frame []byte, width, height int) (image.Image, error) {
	switch format {
	case FormatYUYV:
		return decodeYUYV(frame, width, height)
	case FormatMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(frame))
		if err != nil {
			return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%w: フォーマット %#x", ErrUnsupported, uint32(format))
	}
}

// decodeYUYV は Y0 U Y1 V の並びを YCbCr 4:2:2 に詰め替える
// 行末にパディングがある場合 (bytesperline > width*2) はフレーム長から行幅を求める
func decodeYUYV(frame []byte, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 || width%2 != 0 {
		return nil, fmt.Errorf("不正な解像度: %dx%d", width, height)
	}
	if len(frame) < width*height*2 {
		return nil, fmt.Errorf("フレームが短すぎます: %d バイト（%dx%d）", len(frame), width, height)
	}

	stride := width * 2
	if padded := len(frame) / height; padded > stride {
		stride = padded
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := frame[y*stride : y*stride+width*2]
		yOff := y * img.YStride
		cOff := y * img.CStride
		for x := 0; x < width/2; x++ {
			p := row[x*4 : x*4+4]
			img.Y[yOff+x*2] = p[0]
			img.Y[yOff+x*2+1] = p[2]
			img.Cb[cOff+x] = p[1]
			img.Cr[cOff+x] = p[3]
		}
	}
	return img, nil
}
