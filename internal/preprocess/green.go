package preprocess

import (
	"image"
	"image/color"
)

// plane is a single 8-bit channel stored row-major.
type plane struct {
	w, h int
	pix  []uint8
}

func newPlane(w, h int) *plane {
	return &plane{w: w, h: h, pix: make([]uint8, w*h)}
}

func (p *plane) at(x, y int) uint8 {
	return p.pix[y*p.w+x]
}

// greenPlane extracts the green sample of every pixel.
//
// Channel order is resolved by the color model, not by byte position: for
// every source type green is the G component of the non-premultiplied RGBA
// value, so BGR-ordered or YCbCr-encoded sources cannot be misread.
func greenPlane(src image.Image) *plane {
	b := src.Bounds()
	out := newPlane(b.Dx(), b.Dy())

	switch img := src.(type) {
	case *image.NRGBA:
		for y := 0; y < out.h; y++ {
			row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < out.w; x++ {
				out.pix[y*out.w+x] = row[x*4+1]
			}
		}
	case *image.RGBA:
		for y := 0; y < out.h; y++ {
			row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < out.w; x++ {
				px := row[x*4 : x*4+4 : x*4+4]
				if px[3] == 0xff {
					out.pix[y*out.w+x] = px[1]
					continue
				}
				c := color.NRGBAModel.Convert(color.RGBA{R: px[0], G: px[1], B: px[2], A: px[3]}).(color.NRGBA)
				out.pix[y*out.w+x] = c.G
			}
		}
	case *image.YCbCr:
		for y := 0; y < out.h; y++ {
			for x := 0; x < out.w; x++ {
				yi := img.YOffset(b.Min.X+x, b.Min.Y+y)
				ci := img.COffset(b.Min.X+x, b.Min.Y+y)
				_, g, _ := color.YCbCrToRGB(img.Y[yi], img.Cb[ci], img.Cr[ci])
				out.pix[y*out.w+x] = g
			}
		}
	case *image.Gray:
		for y := 0; y < out.h; y++ {
			copy(out.pix[y*out.w:(y+1)*out.w], img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):])
		}
	default:
		for y := 0; y < out.h; y++ {
			for x := 0; x < out.w; x++ {
				c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				out.pix[y*out.w+x] = c.G
			}
		}
	}
	return out
}

// triplicate replicates p into the R, G and B channels of an opaque image.
func triplicate(p *plane) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, p.w, p.h))
	for i, v := range p.pix {
		o := i * 4
		dst.Pix[o] = v
		dst.Pix[o+1] = v
		dst.Pix[o+2] = v
		dst.Pix[o+3] = 0xff
	}
	return dst
}
