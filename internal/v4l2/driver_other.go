//go:build !linux

package v4l2

import (
	"context"
	"fmt"
	"runtime"

	"camstream/internal/camera"
)

// Driver は camera.Driver のV4L2実装（Linux以外では利用できない）
type Driver struct{}

func (Driver) Open(_ context.Context, _ camera.StreamConfig) (camera.Handle, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, runtime.GOOS)
}
