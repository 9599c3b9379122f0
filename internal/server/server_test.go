package server

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camstream/internal/camera"
	"camstream/internal/config"
	"camstream/internal/discovery"
	"camstream/internal/timelapse"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type testEnv struct {
	server  *Server
	driver  *camera.MockDriver
	manager *camera.Manager
	config  *config.Config
}

func newTestEnv(t *testing.T, modify func(deps *Deps)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Camera.SnapshotDir = t.TempDir()

	driver := camera.NewMockDriver()
	manager := camera.NewManager(camera.Options{Driver: driver, ReconnectInterval: 10 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = manager.StopAll(ctx)
	})

	deps := Deps{
		Manager: manager,
		Discovery: discovery.NewMockDiscovery([]discovery.Device{
			{Index: 0, Path: "/dev/video0", Name: "テストカメラ"},
		}),
	}
	if modify != nil {
		modify(&deps)
	}

	return &testEnv{
		server:  New(cfg, deps),
		driver:  driver,
		manager: manager,
		config:  cfg,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) push(t *testing.T) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, e.driver.PushFrame(ctx, img))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) createCamera(t *testing.T, body string) cameraResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/cameras", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[cameraResponse](t, rec)
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, rec)["status"])

	env.createCamera(t, `{"device_index": 0}`)

	rec = env.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, status["cameras"])
	assert.EqualValues(t, 0, status["running"])
}

func TestGetDevices(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Devices []discovery.Device `json:"devices"`
	}](t, rec)
	require.Len(t, body.Devices, 1)
	assert.Equal(t, "テストカメラ", body.Devices[0].Name)

	env = newTestEnv(t, func(deps *Deps) { deps.Discovery = nil })
	rec = env.do(t, http.MethodGet, "/api/devices", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestGetDevices_HotPlug(t *testing.T) {
	mock := discovery.NewMockDiscovery(nil)
	env := newTestEnv(t, func(deps *Deps) { deps.Discovery = mock })

	list := func() []discovery.Device {
		rec := env.do(t, http.MethodGet, "/api/devices", "")
		require.Equal(t, http.StatusOK, rec.Code)
		return decode[struct {
			Devices []discovery.Device `json:"devices"`
		}](t, rec).Devices
	}

	assert.Empty(t, list())

	// 接続されたデバイスが一覧に現れる
	mock.AddDevice(discovery.Device{Index: 2, Path: "/dev/video2", Name: "USBカメラ"})
	devices := list()
	require.Len(t, devices, 1)
	assert.Equal(t, 2, devices[0].Index)

	// 取り外すと消える
	mock.RemoveDevice("/dev/video2")
	assert.Empty(t, list())
}

func TestCreateCamera(t *testing.T) {
	env := newTestEnv(t, nil)

	cam := env.createCamera(t, `{"device_index": 1, "width": 320, "height": 240, "mirror": true}`)
	assert.NotEmpty(t, cam.ID)
	assert.Equal(t, camera.StateStopped, cam.State)
	assert.Equal(t, camera.StreamConfig{
		DeviceIndex: 1,
		Resolution:  camera.Resolution{Width: 320, Height: 240},
		Framerate:   env.config.Camera.Framerate,
		Mirror:      true,
	}, cam.Config)
	assert.True(t, cam.Adjustment.Mirror)

	// 同じデバイスは追加できない
	rec := env.do(t, http.MethodPost, "/api/cameras", `{"device_index": 1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "device_in_use", decode[errorResponse](t, rec).Error)

	// デバイス番号は必須
	rec = env.do(t, http.MethodPost, "/api/cameras", `{"width": 320}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/cameras", `{"device_index": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/cameras", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Cameras []cameraResponse `json:"cameras"`
	}](t, rec)
	require.Len(t, list.Cameras, 1)
	assert.Equal(t, cam.ID, list.Cameras[0].ID)
}

func TestCameraNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/cameras/missing"},
		{http.MethodDelete, "/api/cameras/missing"},
		{http.MethodPost, "/api/cameras/missing/start"},
		{http.MethodGet, "/api/cameras/missing/frame"},
		{http.MethodPost, "/api/cameras/missing/snapshot"},
		{http.MethodGet, "/api/cameras/missing/stream"},
	} {
		rec := env.do(t, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestCameraLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	cam := env.createCamera(t, `{"device_index": 0, "start": true}`)
	base := "/api/cameras/" + cam.ID

	require.Eventually(t, func() bool { return env.driver.Opens() == 1 }, waitFor, tick)

	// フレームがまだない
	rec := env.do(t, http.MethodGet, base+"/frame", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = env.do(t, http.MethodPost, base+"/snapshot", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.push(t)
	require.Eventually(t, func() bool {
		return env.do(t, http.MethodGet, base+"/frame", "").Code == http.StatusOK
	}, waitFor, tick)

	rec = env.do(t, http.MethodGet, base+"/frame", "")
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	img, err := jpeg.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 2), img.Bounds())

	// スナップショット（名前指定）
	rec = env.do(t, http.MethodPost, base+"/snapshot", `{"name": "shot"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	snap := decode[snapshotResponse](t, rec)
	assert.Equal(t, filepath.Join(env.config.Camera.SnapshotDir, "shot.png"), snap.Path)
	assert.Equal(t, 4, snap.Width)
	assert.FileExists(t, snap.Path)

	// スナップショット（自動生成）
	rec = env.do(t, http.MethodPost, base+"/snapshot", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.FileExists(t, decode[snapshotResponse](t, rec).Path)

	// ディレクトリを含む名前は拒否
	rec = env.do(t, http.MethodPost, base+"/snapshot", `{"name": "../escape.png"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 停止するとフレームは破棄される
	rec = env.do(t, http.MethodPost, base+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stopped := decode[cameraResponse](t, rec)
	assert.Equal(t, camera.StateStopped, stopped.State)
	assert.False(t, stopped.HasFrame)
	assert.Equal(t, 0, env.driver.OpenHandles())

	rec = env.do(t, http.MethodPost, base+"/snapshot", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// 削除
	rec = env.do(t, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, base, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv(t, nil)
	cam := env.createCamera(t, `{"device_index": 0, "start": true}`)
	other := env.createCamera(t, `{"device_index": 5}`)
	base := "/api/cameras/" + cam.ID

	require.Eventually(t, func() bool { return env.driver.Opens() == 1 }, waitFor, tick)

	rec := env.do(t, http.MethodPut, base+"/settings", `{"width": 320, "height": 240, "framerate": 15}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[cameraResponse](t, rec)
	assert.Equal(t, camera.Resolution{Width: 320, Height: 240}, updated.Config.Resolution)
	assert.Equal(t, 15, updated.Config.Framerate)

	// 開き直された
	require.Eventually(t, func() bool { return env.driver.Opens() == 2 }, waitFor, tick)
	last, ok := env.driver.LastConfig()
	require.True(t, ok)
	assert.Equal(t, 320, last.Resolution.Width)
	assert.Equal(t, 15, last.Framerate)

	// デバイスと解像度の同時変更でも開き直しは一度
	rec = env.do(t, http.MethodPut, base+"/settings", `{"device_index": 3, "width": 800, "height": 600}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool {
		return env.driver.Opens() == 3 && env.driver.Releases() == 2
	}, waitFor, tick)
	assert.Never(t, func() bool { return env.driver.Opens() > 3 }, 50*time.Millisecond, tick)
	last, ok = env.driver.LastConfig()
	require.True(t, ok)
	assert.Equal(t, 3, last.DeviceIndex)
	assert.Equal(t, 800, last.Resolution.Width)
	assert.Equal(t, 15, last.Framerate)

	// 幅だけの指定は不可
	rec = env.do(t, http.MethodPut, base+"/settings", `{"width": 640}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 他のカメラが使っているデバイス
	rec = env.do(t, http.MethodPut, base+"/settings", `{"device_index": 5}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/cameras/"+other.ID+"/settings", `{"device_index": 6, "framerate": 5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	updated = decode[cameraResponse](t, rec)
	assert.Equal(t, 6, updated.Config.DeviceIndex)
	assert.Equal(t, 5, updated.Config.Framerate)
}

func TestUpdateAdjustments(t *testing.T) {
	env := newTestEnv(t, nil)
	cam := env.createCamera(t, `{"device_index": 0}`)
	base := "/api/cameras/" + cam.ID

	rec := env.do(t, http.MethodPut, base+"/adjustments", `{"mirror": true, "gamma": 2.2, "hsv": {"h": 1, "s": 0.5, "v": 1.5}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	adj := decode[camera.Adjustment](t, rec)
	assert.True(t, adj.Mirror)
	require.NotNil(t, adj.Gamma)
	assert.Equal(t, 2.2, *adj.Gamma)
	require.NotNil(t, adj.HSV)
	assert.Equal(t, camera.HSVScale{H: 1, S: 0.5, V: 1.5}, *adj.HSV)

	// 不正な値
	rec = env.do(t, http.MethodPut, base+"/adjustments", `{"gamma": 0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPut, base+"/adjustments", `{"hsv": {"h": 1, "s": 1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 解除
	rec = env.do(t, http.MethodDelete, base+"/adjustments/gamma", "")
	require.Equal(t, http.StatusOK, rec.Code)
	adj = decode[camera.Adjustment](t, rec)
	assert.Nil(t, adj.Gamma)
	assert.NotNil(t, adj.HSV)

	rec = env.do(t, http.MethodDelete, base+"/adjustments/hsv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	adj = decode[camera.Adjustment](t, rec)
	assert.Nil(t, adj.HSV)
	assert.True(t, adj.Mirror)

	// 画像補正では開き直さない
	assert.Equal(t, 0, env.driver.OpenAttempts())
}

func TestStreamMJPEG(t *testing.T) {
	env := newTestEnv(t, nil)
	cam := env.createCamera(t, `{"device_index": 0, "framerate": 100}`)
	base := "/api/cameras/" + cam.ID

	// 停止中は配信しない
	rec := env.do(t, http.MethodGet, base+"/stream", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return env.driver.Opens() == 1 }, waitFor, tick)
	env.push(t)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+base+"/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	boundary, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", boundary)
	contentType, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Content-Type: image/jpeg\r\n", contentType)

	cancel()
}

func TestTimelapse(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/timelapse", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, timelapse.Filename(time.Now())), []byte("png"), 0o600))

	env = newTestEnv(t, func(deps *Deps) {
		stream := camera.NewStream(camera.StreamConfig{}, camera.Options{Driver: camera.NewMockDriver()})
		deps.Timelapse = timelapse.NewRecorder(stream, timelapse.Config{Dir: dir, Interval: time.Hour}, nil)
	})
	rec = env.do(t, http.MethodGet, "/api/timelapse", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Status timelapse.StatusInfo `json:"status"`
		Files  []timelapse.File     `json:"files"`
	}](t, rec)
	assert.Equal(t, timelapse.StatusStopped, body.Status.Status)
	assert.Len(t, body.Files, 1)
}

func TestSnapshotName(t *testing.T) {
	name, err := snapshotName("")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "snapshot-"))
	assert.True(t, strings.HasSuffix(name, ".png"))

	name, err = snapshotName("front.PNG")
	require.NoError(t, err)
	assert.Equal(t, "front.PNG", name)

	for _, bad := range []string{"..", "a/b.png", `a\b.png`, "/abs.png"} {
		_, err := snapshotName(bad)
		assert.Error(t, err, bad)
	}
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.config.Server.Port = 0 // ランダムポートを使用
	srv := New(env.config, Deps{Manager: env.manager})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// サーバーを別ゴルーチンで起動
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}

	// 二重のシャットダウンでも閉じたチャネルを再度閉じない
	assert.NotPanics(t, func() { _ = srv.Shutdown() })
}
