// Package discovery はシステムに接続されたカメラデバイスを列挙する
//
// ストリーム本体はこのパッケージに依存しない。利用者向けのデバイス選択にのみ使う。
//
// # 前提要件
//   - udev (udevadm): ベンダーID・モデルIDの取得
//   - usbutils (lsusb): バスアドレスと製品名の取得
package discovery

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Device はカメラデバイスの情報
type Device struct {
	Index      int    `json:"index"`       // デバイス番号（/dev/videoN の N）
	Path       string `json:"path"`        // デバイスパス
	BusAddress string `json:"bus_address"` // USBバスアドレス（例: 001:002）
	Name       string `json:"name"`        // 表示名
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ListDevices は接続されているデバイスを番号順に返す
	ListDevices(ctx context.Context) ([]Device, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, path string) bool
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// LinuxDiscovery はudevadm/lsusbを使ったLinux向け実装
type LinuxDiscovery struct {
	devDir  string
	timeout time.Duration
	run     runFunc
	card    func(path string) string
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{
		devDir:  "/dev",
		timeout: 5 * time.Second,
		run:     runCommand,
		card:    cardName,
	}
}

// ListDevices はシステム内のビデオデバイスを列挙する
func (d *LinuxDiscovery) ListDevices(ctx context.Context) ([]Device, error) {
	matches, err := filepath.Glob(filepath.Join(d.devDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	devices := make([]Device, 0, len(matches))
	for _, path := range matches {
		// コンテキストのキャンセルをチェック
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !d.IsDeviceAvailable(ctx, path) {
			continue
		}
		devices = append(devices, d.describe(ctx, path))
	}

	return devices, nil
}

// IsDeviceAvailable はデバイスファイルが存在しビデオデバイス名であるかチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return deviceNamePattern.MatchString(filepath.Base(path))
}

// describe はudevadmとlsusbからデバイス情報を組み立てる
func (d *LinuxDiscovery) describe(ctx context.Context, path string) Device {
	dev := Device{
		Index: extractDeviceNumber(path),
		Path:  path,
	}

	vendor := d.udevProperty(ctx, path, "ID_VENDOR_ID")
	product := d.udevProperty(ctx, path, "ID_MODEL_ID")
	if vendor != "" && product != "" {
		cmdCtx, cancel := context.WithTimeout(ctx, d.timeout)
		output, err := d.run(cmdCtx, "lsusb", "-d", vendor+":"+product)
		cancel()
		if err == nil {
			dev.BusAddress, dev.Name = parseLsusb(string(output), vendor, product)
		}
	}

	// 製品名が取れない場合はV4L2のカード名を使う
	if dev.Name == "" && d.card != nil {
		dev.Name = d.card(path)
	}
	if dev.Name == "" {
		dev.Name = fmt.Sprintf("カメラ %d", dev.Index)
	}

	return dev
}

func (d *LinuxDiscovery) udevProperty(ctx context.Context, path, property string) string {
	cmdCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	output, err := d.run(cmdCtx, "udevadm", "info", "--query=property", "--property="+property, "--value", path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// parseLsusb は lsusb -d の出力からバスアドレスと製品名を取り出す
//
//	Bus 001 Device 004: ID 046d:0825 Logitech, Inc. Webcam C270
func parseLsusb(output, vendor, product string) (busAddress, name string) {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(output), "\n", 2)[0])
	if line == "" {
		return "", ""
	}

	parts := strings.SplitN(line, " ID "+vendor+":"+product, 2)
	if len(parts) == 2 {
		name = strings.TrimSpace(parts[1])
	}

	m := busPattern.FindStringSubmatch(parts[0])
	if len(m) == 3 {
		busAddress = m[1] + ":" + m[2]
	}
	return busAddress, name
}

var (
	deviceNamePattern = regexp.MustCompile(`^video\d+$`)
	deviceNumPattern  = regexp.MustCompile(`video(\d+)`)
	busPattern        = regexp.MustCompile(`Bus (\d+) Device (\d+)`)
)

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumPattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	devices []Device
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []Device) *MockDiscovery {
	return &MockDiscovery{devices: append([]Device(nil), devices...)}
}

// ListDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ListDevices(_ context.Context) ([]Device, error) {
	return append([]Device(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, path string) bool {
	for _, d := range m.devices {
		if d.Path == path {
			return true
		}
	}
	return false
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device Device) {
	// 重複チェック
	if m.IsDeviceAvailable(context.Background(), device.Path) {
		return
	}
	m.devices = append(m.devices, device)
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(path string) {
	for i, d := range m.devices {
		if d.Path == path {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			return
		}
	}
}
