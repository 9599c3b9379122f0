// Package camera カメラデバイスのストリーミングとライフサイクル管理を担う
//
// # 責務
// - 1台のデバイスに束縛されたストリームの開始・停止
// - バックグラウンドでの連続フレーム取得と最新フレームの公開
// - 解像度・フレームレート・デバイス番号の実行中変更（開き直し）
// - 左右反転・ガンマ・HSV補正のフレーム毎適用
// - 切断時の自動再接続
// - 最新フレームのスナップショット保存
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - カメラの最新フレームを常に参照したい
// - カメラの抜き差しに耐えるストリームが必要
// - 複数のストリームをIDで管理したい（Manager）
//
// # 仕様
// - Stream: 状態 stopped / running / reconnecting を持つアクター
// - 設定変更による再起動はフレームループ自身が直列に実行する
// - 最新フレームは atomic な差し替えで公開し、読み手が壊れたフレームを見ることはない
// - Stop は停止要求のみ行う。解放の完了は AwaitShutdown で待つ
// - デバイス操作（Driver）・画像変換（Transformer）・書き出し（Encoder）は外部実装
//
// # 前提要件
//   - opencv バックエンド: OpenCV 4 と gocv
//   - v4l2 / ffmpeg バックエンド: Linux と /dev/video* への読み取り権限
//     sudo usermod -a -G video $USER
package camera
