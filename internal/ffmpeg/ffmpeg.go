// Package ffmpeg はffmpegコマンドを使ってV4L2デバイスから映像を取得するドライバーを提供する
//
// ffmpeg にMJPEGの連続出力をさせ、標準出力をJPEGフレーム単位に分割して読む。
//
// # 前提要件
//   - ffmpeg が PATH にあること
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os/exec"
	"strconv"

	"camstream/internal/camera"
)

const maxFrameSize = 16 * 1024 * 1024

// Driver は camera.Driver のffmpeg実装
type Driver struct {
	// Command はffmpegの実行ファイル（省略時は "ffmpeg"）
	Command string
}

// Open はffmpegを起動する
// ffmpeg はセッションのコンテキストに紐付き、キャンセルで終了する
func (d Driver) Open(ctx context.Context, cfg camera.StreamConfig) (camera.Handle, error) {
	command := d.Command
	if command == "" {
		command = "ffmpeg"
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, command, captureArgs(cfg)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxFrameSize)
	scanner.Split(splitJPEG)

	return &handle{cmd: cmd, cancel: cancel, frames: scanner}, nil
}

// captureArgs は設定からffmpegの引数を組み立てる
func captureArgs(cfg camera.StreamConfig) []string {
	args := []string{
		"-loglevel", "error",
		"-f", "v4l2",
	}
	if cfg.Resolution.Width > 0 && cfg.Resolution.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", cfg.Resolution.Width, cfg.Resolution.Height))
	}
	if cfg.Framerate > 0 {
		args = append(args, "-framerate", strconv.Itoa(cfg.Framerate))
	}
	return append(args,
		"-i", fmt.Sprintf("/dev/video%d", cfg.DeviceIndex),
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
}

type handle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames *bufio.Scanner
}

func (h *handle) Grab(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !h.frames.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := h.frames.Err(); err != nil {
			return nil, fmt.Errorf("フレーム読み取りエラー: %w", err)
		}
		return nil, camera.ErrEndOfStream
	}

	img, err := jpeg.Decode(bytes.NewReader(h.frames.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
	}
	return img, nil
}

func (h *handle) Release() error {
	h.cancel()
	_ = h.cmd.Wait() // 終了させたプロセスは必ずエラーを返すので無視
	return nil
}

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// splitJPEG は連結されたJPEGを1枚ずつ切り出す bufio.SplitFunc
// 開始マーカーより前のデータは捨てる
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegStart)
	if start == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		// 末尾の 0xFF はマーカーの前半の可能性がある
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+len(jpegStart):], jpegEnd)
	if end == -1 {
		if atEOF {
			// 途中で切れたフレームは捨てる
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	end += start + len(jpegStart) + len(jpegEnd)
	return end, data[start:end], nil
}
