// Package backend はドライバー・画像変換・エンコーダーの組み合わせを名前で選択する
//
// # 使い分け
//   - opencv: gocv によるキャプチャと変換（OpenCV が必要。-tags noopencv で除外できる）
//   - v4l2:   blackjack/webcam によるキャプチャと純Goの変換（Linux のみ）
//   - ffmpeg: ffmpeg コマンドによるキャプチャと純Goの変換
package backend

import (
	"fmt"
	"sort"
	"strings"

	"camstream/internal/camera"
	"camstream/internal/ffmpeg"
	"camstream/internal/imaging"
	"camstream/internal/v4l2"
)

// Backend はストリームに渡す外部協調者の組
type Backend struct {
	Name        string
	Driver      camera.Driver
	Transformer camera.Transformer
	Encoder     camera.Encoder
}

// Options はストリームのオプションに組を設定する
func (b Backend) Options(opts camera.Options) camera.Options {
	opts.Driver = b.Driver
	opts.Transformer = b.Transformer
	opts.Encoder = b.Encoder
	return opts
}

var registry = map[string]func() Backend{
	"v4l2": func() Backend {
		return Backend{Driver: v4l2.Driver{}, Transformer: imaging.Transformer{}, Encoder: imaging.PNGEncoder{}}
	},
	"ffmpeg": func() Backend {
		return Backend{Driver: ffmpeg.Driver{}, Transformer: imaging.Transformer{}, Encoder: imaging.PNGEncoder{}}
	},
}

// Select は名前に対応する組を返す
func Select(name string) (Backend, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	newBackend, ok := registry[name]
	if !ok {
		return Backend{}, fmt.Errorf("不明なバックエンド: %q（利用可能: %s）", name, strings.Join(Names(), ", "))
	}

	b := newBackend()
	b.Name = name
	return b, nil
}

// Names は利用可能なバックエンド名を返す
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
