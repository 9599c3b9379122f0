package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"camstream/internal/camera"
)

const (
	jpegQuality     = 90
	shutdownTimeout = 5 * time.Second
	defaultFPS      = 10
)

// errorResponse はエラー応答
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// cameraResponse はカメラ1台分の情報
type cameraResponse struct {
	ID         string              `json:"id"`
	State      camera.RunState     `json:"state"`
	Config     camera.StreamConfig `json:"config"`
	Adjustment camera.Adjustment   `json:"adjustment"`
	Stats      camera.Stats        `json:"stats"`
	HasFrame   bool                `json:"has_frame"`
	CreatedAt  time.Time           `json:"created_at"`
}

type createCameraRequest struct {
	DeviceIndex *int `json:"device_index" binding:"required,min=0"`
	Width       *int `json:"width"`
	Height      *int `json:"height"`
	Framerate   *int `json:"framerate"`
	Mirror      bool `json:"mirror"`
	Start       bool `json:"start"` // 追加後すぐに開始する
}

type settingsRequest struct {
	DeviceIndex *int `json:"device_index" binding:"omitempty,min=0"`
	Width       *int `json:"width" binding:"required_with=Height"`
	Height      *int `json:"height" binding:"required_with=Width"`
	Framerate   *int `json:"framerate"`
}

type hsvRequest struct {
	H *float64 `json:"h" binding:"required,gte=0"`
	S *float64 `json:"s" binding:"required,gte=0"`
	V *float64 `json:"v" binding:"required,gte=0"`
}

type adjustmentRequest struct {
	Mirror *bool       `json:"mirror"`
	Gamma  *float64    `json:"gamma" binding:"omitempty,gt=0"`
	HSV    *hsvRequest `json:"hsv"`
}

type snapshotRequest struct {
	// Name は snapshot_dir 内のファイル名（省略時は自動生成）
	Name string `json:"name"`
}

type snapshotResponse struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// healthCheck はヘルスチェックエンドポイント
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// getStatus はシステム状態取得エンドポイント
func (s *Server) getStatus(c *gin.Context) {
	running := 0
	cameras := s.manager.List()
	for _, cam := range cameras {
		if cam.Stream.State() != camera.StateStopped {
			running++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"cameras":   len(cameras),
		"running":   running,
		"timestamp": time.Now(),
	})
}

// getDevices は接続されているデバイス一覧を返す
func (s *Server) getDevices(c *gin.Context) {
	if s.discovery == nil {
		s.respondError(c, http.StatusNotImplemented, "discovery_unavailable", "デバイス検出は利用できません")
		return
	}

	devices, err := s.discovery.ListDevices(c.Request.Context())
	if err != nil {
		s.logger.Warn("デバイス一覧の取得に失敗", zap.Error(err))
		s.respondError(c, http.StatusInternalServerError, "discovery_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// getCameras はカメラ一覧取得エンドポイント
func (s *Server) getCameras(c *gin.Context) {
	managed := s.manager.List()
	cameras := make([]cameraResponse, 0, len(managed))
	for _, cam := range managed {
		cameras = append(cameras, newCameraResponse(cam))
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cameras})
}

// createCamera はカメラを追加する
// 省略した解像度・フレームレートは設定ファイルの値を使う
func (s *Server) createCamera(c *gin.Context) {
	var req createCameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cfg := s.config.Camera.StreamConfig()
	cfg.DeviceIndex = *req.DeviceIndex
	cfg.Mirror = req.Mirror
	if req.Width != nil {
		cfg.Resolution.Width = *req.Width
	}
	if req.Height != nil {
		cfg.Resolution.Height = *req.Height
	}
	if req.Framerate != nil {
		cfg.Framerate = *req.Framerate
	}

	cam, err := s.manager.Add(cfg)
	if err != nil {
		s.respondManagerError(c, err)
		return
	}
	if req.Start {
		cam.Stream.Start()
	}

	c.JSON(http.StatusCreated, newCameraResponse(cam))
}

// getCamera はカメラ1台の情報を返す
func (s *Server) getCamera(c *gin.Context) {
	cam, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newCameraResponse(cam))
}

// deleteCamera はカメラを停止して削除する
func (s *Server) deleteCamera(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), shutdownTimeout)
	defer cancel()

	if err := s.manager.Remove(ctx, c.Param("id")); err != nil {
		s.respondManagerError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// startCamera はストリームを開始する
func (s *Server) startCamera(c *gin.Context) {
	cam, ok := s.lookup(c)
	if !ok {
		return
	}
	cam.Stream.Start()
	c.JSON(http.StatusOK, newCameraResponse(cam))
}

// stopCamera はストリームを停止し、デバイスが解放されるまで待つ
func (s *Server) stopCamera(c *gin.Context) {
	cam, ok := s.lookup(c)
	if !ok {
		return
	}

	cam.Stream.Stop()

	ctx, cancel := context.WithTimeout(c.Request.Context(), shutdownTimeout)
	defer cancel()
	if err := cam.Stream.AwaitShutdown(ctx); err != nil {
		s.respondError(c, http.StatusGatewayTimeout, "shutdown_timeout", "ストリームの停止待ちがタイムアウトしました")
		return
	}
	c.JSON(http.StatusOK, newCameraResponse(cam))
}

// updateSettings は接続設定を変更する（実行中なら開き直される）
func (s *Server) updateSettings(c *gin.Context) {
	cam, ok := s.lookup(c)
	if !ok {
		return
	}

	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if req.DeviceIndex == nil && req.Width == nil && req.Framerate == nil {
		c.JSON(http.StatusOK, newCameraResponse(cam))
		return
	}

	// 変更をまとめて適用し、開き直しを一度で済ませる
	next := cam.Stream.Config()
	if req.DeviceIndex != nil {
		next.DeviceIndex = *req.DeviceIndex
	}
	if req.Width != nil {
		next.Resolution = camera.Resolution{Width: *req.Width, Height: *req.Height}
	}
	if req.Framerate != nil {
		next.Framerate = *req.Framerate
	}

	if err := s.manager.Reconfigure(cam.ID, next); err != nil {
		s.respondManagerError(c, err)
		return
	}

	c.JSON(http.StatusOK, newCameraResponse(cam))
}

// updateAdjustments は画像補正を変更する（次のフレームから反映）
func (s *Server) updateAdjustments(c *gin.Context) {
	cam, ok := s.lookup(c)
	if !ok {
		return
	}

	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if req.Mirror != nil {
		cam.Stream.SetMirror(*req.Mirror)
	}
	if req.Gamma != nil {
		cam.Stream.SetGamma(*req.Gamma)
	}
	if req.HSV != nil {
		cam.Stream.SetHSV(camera.HSVScale{H: *req.HSV.H, S: *req.HSV.S, V: *req.HSV.V})
	}

	c.JSON(http.StatusOK, cam.Stream.Adjustment())
}

// resetGamma はガンマ補正を解除する
func (s *Server) resetGamma(c *gin.Context) {
	cam, ok := s.lookup(c)
	if !ok {
		return
	}
	cam.Stream.ResetGamma()
	c.JSON(http.StatusOK, cam.Stream.Adjustment())
}

// resetHSV はHSV補正を解除する
func (s *Server) resetHSV(c *gin.Context) {
	cam, ok := s.lookup(c)
	if !ok {
		return
	}
	cam.Stream.ResetHSV()
	c.JSON(http.StatusOK, cam.Stream.Adjustment())
}

// getFrame は最新フレームをJPEGで返す
func (s *Server) getFrame(c *gin.Context) {
	cam, ok := s.lookup(c)
	if !ok {
		return
	}

	img := cam.Stream.LatestFrame()
	if img == nil {
		s.respondError(c, http.StatusServiceUnavailable, "no_frame", camera.ErrNoFrameAvailable.Error())
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		s.respondError(c, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
}

// takeSnapshot は最新フレームをPNGで保存する
func (s *Server) takeSnapshot(c *gin.Context) {
	cam, ok := s.lookup(c)
	if !ok {
		return
	}

	var req snapshotRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	name, err := snapshotName(req.Name)
	if err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid_name", err.Error())
		return
	}

	dir := s.config.Camera.SnapshotDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.respondError(c, http.StatusInternalServerError, "mkdir_failed", err.Error())
		return
	}
	path := filepath.Join(dir, name)

	img, err := cam.Stream.Snapshot(path)
	switch {
	case errors.Is(err, camera.ErrNoFrameAvailable):
		s.respondError(c, http.StatusConflict, "no_frame", err.Error())
		return
	case err != nil:
		s.respondError(c, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}

	b := img.Bounds()
	c.JSON(http.StatusCreated, snapshotResponse{Path: path, Width: b.Dx(), Height: b.Dy()})
}

// snapshotName はファイル名を検証する
// ディレクトリを含む名前は受け付けない
func snapshotName(name string) (string, error) {
	if name == "" {
		return "snapshot-" + uuid.New().String() + ".png", nil
	}
	if filepath.Base(name) != name || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("無効なファイル名: %q", name)
	}
	if !strings.EqualFold(filepath.Ext(name), ".png") {
		name += ".png"
	}
	return name, nil
}

// getStream はMJPEGストリーミングを配信する
// 新しいフレームが公開されたときだけ送信する
func (s *Server) getStream(c *gin.Context) {
	cam, ok := s.lookup(c)
	if !ok {
		return
	}

	if cam.Stream.State() == camera.StateStopped {
		s.respondError(c, http.StatusServiceUnavailable, "camera_not_active", "カメラがアクティブではありません")
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	fps := cam.Stream.Config().Framerate
	if fps <= 0 {
		fps = defaultFPS
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	var sent uint64
	var buf bytes.Buffer
	for {
		select {
		case <-clientGone:
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		frames := cam.Stream.Stats().Frames
		img := cam.Stream.LatestFrame()
		if img == nil || frames == sent {
			continue
		}
		sent = frames

		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			s.logger.Warn("JPEGエンコードに失敗", zap.Error(err))
			continue
		}

		if err := writePart(c.Writer, buf.Bytes()); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func writePart(w gin.ResponseWriter, frame []byte) error {
	header := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame))
	if _, err := w.WriteString(header); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

// getTimelapse はインターバル撮影の状態と保存済みファイルを返す
func (s *Server) getTimelapse(c *gin.Context) {
	if s.timelapse == nil {
		s.respondError(c, http.StatusNotFound, "timelapse_disabled", "インターバル撮影は無効です")
		return
	}

	files, err := s.timelapse.Files()
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": s.timelapse.Status(),
		"files":  files,
	})
}

// ヘルパー関数

// lookup はパスパラメータのカメラを取得する
// 見つからない場合は 404 を返して false を返す
func (s *Server) lookup(c *gin.Context) (*camera.Camera, bool) {
	cam, ok := s.manager.Get(c.Param("id"))
	if !ok {
		s.respondError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません")
		return nil, false
	}
	return cam, true
}

func (s *Server) respondManagerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, camera.ErrCameraNotFound):
		s.respondError(c, http.StatusNotFound, "camera_not_found", err.Error())
	case errors.Is(err, camera.ErrDeviceInUse):
		s.respondError(c, http.StatusConflict, "device_in_use", err.Error())
	default:
		s.respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func newCameraResponse(cam *camera.Camera) cameraResponse {
	return cameraResponse{
		ID:         cam.ID,
		State:      cam.Stream.State(),
		Config:     cam.Stream.Config(),
		Adjustment: cam.Stream.Adjustment(),
		Stats:      cam.Stream.Stats(),
		HasFrame:   cam.Stream.LatestFrame() != nil,
		CreatedAt:  cam.CreatedAt,
	}
}
