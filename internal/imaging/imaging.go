// Package imaging はcgoを使わないフレーム変換とPNG書き出しを提供する
//
// 変換はすべて入力を変更せず、新しい *image.RGBA を返す。
// 色空間の扱いは OpenCV の8bit HSV（H: 0-179, S/V: 0-255）に合わせている。
package imaging

import (
	"fmt"
	"image"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"
)

// Transformer は camera.Transformer の純Go実装
type Transformer struct{}

// Flip は左右反転した画像を返す
func (Transformer) Flip(img image.Image) image.Image {
	src := ToRGBA(img)
	b := src.Bounds()
	dst := image.NewRGBA(b)
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			copy(out[x*4:x*4+4], row[(w-1-x)*4:(w-x)*4])
		}
	}
	return dst
}

// Gamma はガンマ補正した画像を返す
// gamma <= 0 の場合は補正せずコピーを返す
func (Transformer) Gamma(img image.Image, gamma float64) image.Image {
	dst := cloneRGBA(img)
	if gamma <= 0 {
		return dst
	}

	lut := GammaTable(gamma)
	for i := 0; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = lut[dst.Pix[i]]
		dst.Pix[i+1] = lut[dst.Pix[i+1]]
		dst.Pix[i+2] = lut[dst.Pix[i+2]]
	}
	return dst
}

// ScaleHSV はHSVの各成分に倍率を掛けた画像を返す
// 倍率適用後の値は 0-255 に切り詰め、小数部は切り捨てる
func (Transformer) ScaleHSV(img image.Image, h, s, v float64) image.Image {
	dst := cloneRGBA(img)
	ht, st, vt := ScaleTable(h), ScaleTable(s), ScaleTable(v)
	for i := 0; i < len(dst.Pix); i += 4 {
		hh, ss, vv := RGBToHSV(dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2])
		dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = HSVToRGB(ht[hh], st[ss], vt[vv])
	}
	return dst
}

// GammaTable は 0-255 の入力値に対するガンマ補正テーブルを作成する
func GammaTable(gamma float64) [256]uint8 {
	var table [256]uint8
	inv := 1.0 / gamma
	for i := range table {
		table[i] = uint8(math.Pow(float64(i)/255.0, inv) * 255)
	}
	return table
}

// RGBToHSV は8bit RGB を OpenCV 形式の8bit HSV に変換する
func RGBToHSV(r, g, b uint8) (h, s, v uint8) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	hi := math.Max(rf, math.Max(gf, bf))
	lo := math.Min(rf, math.Min(gf, bf))
	diff := hi - lo

	var sat float64
	if hi > 0 {
		sat = diff / hi * 255
	}

	var hue float64
	if diff > 0 {
		switch hi {
		case rf:
			hue = 60 * (gf - bf) / diff
		case gf:
			hue = 120 + 60*(bf-rf)/diff
		default:
			hue = 240 + 60*(rf-gf)/diff
		}
		if hue < 0 {
			hue += 360
		}
	}

	return uint8(math.Round(hue/2)) % 180, uint8(math.Round(sat)), uint8(hi)
}

// HSVToRGB は OpenCV 形式の8bit HSV を8bit RGB に変換する
// H が 180 以上の場合は色相環を一周した値として扱う
func HSVToRGB(h, s, v uint8) (r, g, b uint8) {
	vf := float64(v) / 255
	sf := float64(s) / 255
	if sf == 0 {
		c := toByte(vf)
		return c, c, c
	}

	hue := math.Mod(float64(h)*2, 360) / 60
	sector := math.Floor(hue)
	f := hue - sector
	p := vf * (1 - sf)
	q := vf * (1 - sf*f)
	t := vf * (1 - sf*(1-f))

	var rf, gf, bf float64
	switch int(sector) {
	case 0:
		rf, gf, bf = vf, t, p
	case 1:
		rf, gf, bf = q, vf, p
	case 2:
		rf, gf, bf = p, vf, t
	case 3:
		rf, gf, bf = p, q, vf
	case 4:
		rf, gf, bf = t, p, vf
	default:
		rf, gf, bf = vf, p, q
	}
	return toByte(rf), toByte(gf), toByte(bf)
}

// ToRGBA は任意の画像を原点始まりの *image.RGBA に変換する
// 入力が既にその形式であればそのまま返す
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	return cloneRGBA(img)
}

// cloneRGBA は入力と独立した *image.RGBA を作成する
func cloneRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// ScaleTable は 8bit 値に factor を掛けるルックアップテーブルを返す
// 結果は切り捨て、0〜255 に収める
func ScaleTable(factor float64) [256]uint8 {
	var table [256]uint8
	for i := range table {
		scaled := float64(i) * factor
		switch {
		case scaled <= 0:
			table[i] = 0
		case scaled >= 255:
			table[i] = 255
		default:
			table[i] = uint8(scaled)
		}
	}
	return table
}

func toByte(f float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, f)) * 255))
}

// PNGEncoder は無圧縮PNGでフレームを書き出す camera.Encoder 実装
// 既存のファイルは上書きする
type PNGEncoder struct{}

// Encode はフレームを path に書き出す
func (PNGEncoder) Encode(img image.Image, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ファイルの作成に失敗: %w", err)
	}

	encoder := png.Encoder{CompressionLevel: png.NoCompression}
	if err := encoder.Encode(file, img); err != nil {
		_ = file.Close()
		return fmt.Errorf("PNGのエンコードに失敗: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("ファイルのクローズに失敗: %w", err)
	}
	return nil
}
