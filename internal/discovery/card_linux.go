//go:build linux

package discovery

import (
	"strings"

	"github.com/blackjack/webcam"
)

// cardName はV4L2のカード名を取得する
// デバイスが使用中などで開けない場合は空文字を返す
func cardName(path string) string {
	cam, err := webcam.Open(path)
	if err != nil {
		return ""
	}
	defer func() {
		_ = cam.Close()
	}()

	name, err := cam.GetName()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(name)
}
