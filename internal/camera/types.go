package camera

import (
	"context"
	"errors"
	"image"
)

// RunState はストリームの動作状態を表す
type RunState string

const (
	StateStopped      RunState = "stopped"      // 停止中（初期状態）
	StateRunning      RunState = "running"      // デバイスを開いてフレーム取得中
	StateReconnecting RunState = "reconnecting" // デバイスを閉じて再接続待ち
)

// 取得経路のエラーはストリーム内部で吸収され、再接続状態へ変換される。
// 呼び出し元に返るのは Snapshot のエラーのみ。
var (
	ErrOpenFailure      = errors.New("デバイスのオープンに失敗")
	ErrDecodeFailure    = errors.New("フレームのデコードに失敗")
	ErrEndOfStream      = errors.New("ストリームが終了しました")
	ErrNoFrameAvailable = errors.New("利用可能なフレームがありません")
	ErrEncode           = errors.New("画像の書き込みに失敗")
)

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int `json:"width"`  // 幅
	Height int `json:"height"` // 高さ
}

// StreamConfig はデバイスの接続設定
// 変更すると実行中のストリームは開き直される（Mirror を除く）
type StreamConfig struct {
	DeviceIndex int        `json:"device_index"` // デバイス番号（0 は通常システム既定のカメラ）
	Resolution  Resolution `json:"resolution"`   // 要求する解像度
	Framerate   int        `json:"framerate"`    // 要求するフレームレート
	Mirror      bool       `json:"mirror"`       // 左右反転（再起動不要）
}

// HSVScale は色相・彩度・明度の倍率
type HSVScale struct {
	H float64 `json:"h"`
	S float64 `json:"s"`
	V float64 `json:"v"`
}

// Adjustment はフレーム毎の画像補正
// 再起動せず次のフレームから反映される
type Adjustment struct {
	Mirror bool      `json:"mirror"`
	Gamma  *float64  `json:"gamma,omitempty"`
	HSV    *HSVScale `json:"hsv,omitempty"`
}

// Stats はストリームの診断用カウンタ
type Stats struct {
	Opens        uint64 `json:"opens"`         // デバイスのオープン成功回数
	OpenFailures uint64 `json:"open_failures"` // オープン失敗回数
	Releases     uint64 `json:"releases"`      // ハンドル解放回数
	Frames       uint64 `json:"frames"`        // 公開したフレーム数
	Reconnects   uint64 `json:"reconnects"`    // 再接続待ちに入った回数
}

// Driver はキャプチャデバイスを開く外部ドライバー
type Driver interface {
	// Open は設定に従ってデバイスを開く
	Open(ctx context.Context, cfg StreamConfig) (Handle, error)
}

// Handle は開いたデバイス
// バックグラウンドのフレームループだけが触れる
type Handle interface {
	// Grab は1フレームを取得・デコードする
	// 終端では ErrEndOfStream、ctx のキャンセル時は ctx.Err() を返す
	Grab(ctx context.Context) (image.Image, error)

	// Release はデバイスを解放する
	Release() error
}

// Transformer はフレームに対する純粋な画像変換
type Transformer interface {
	Flip(img image.Image) image.Image
	Gamma(img image.Image, gamma float64) image.Image
	ScaleHSV(img image.Image, h, s, v float64) image.Image
}

// Encoder はフレームをロスレス形式でファイルに書き出す
type Encoder interface {
	Encode(img image.Image, path string) error
}
