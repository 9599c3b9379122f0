//go:build !noopencv

package backend

import "camstream/internal/opencv"

func init() {
	registry["opencv"] = func() Backend {
		return Backend{Driver: opencv.Driver{}, Transformer: opencv.Transformer{}, Encoder: opencv.Encoder{}}
	}
}
