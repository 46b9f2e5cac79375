package classifier

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// InputSize is the square input resolution of the classifier.
const InputSize = 224

// Resize scales src to size x size with bilinear filtering.
func Resize(src image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// ToTensor converts an opaque RGB image to a [1, 3, H, W] tensor with values
// scaled to [0, 1].
func ToTensor(img *image.RGBA) (*Tensor, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("empty image %v", b)
	}
	if len(img.Pix) < (h-1)*img.Stride+w*4 {
		return nil, fmt.Errorf("pixel buffer too short for %dx%d", w, h)
	}

	area := w * h
	data := make([]float32, 3*area)
	for y := 0; y < h; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			i := y*w + x
			data[i] = float32(row[x*4]) / 255
			data[area+i] = float32(row[x*4+1]) / 255
			data[2*area+i] = float32(row[x*4+2]) / 255
		}
	}
	return &Tensor{Shape: []int{1, 3, h, w}, Data: data}, nil
}
