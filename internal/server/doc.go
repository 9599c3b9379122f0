// Package server は、カメラストリームを操作するHTTP APIを提供します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - カメラの追加・削除・開始・停止
//   - 接続設定（解像度・フレームレート・デバイス）と画像補正の変更
//   - 最新フレームのJPEG配信とMJPEGストリーミング
//   - スナップショットの保存
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - リクエストの検証はginのbinding（validator/v10）を使用
//   - スナップショットはカメラ設定の snapshot_dir 配下にのみ保存する
//   - 最新フレームがない場合、フレーム取得は 503、スナップショットは 409 を返す
package server
