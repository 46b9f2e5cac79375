package preprocess

import "math"

// CLAHE parameters. Fundus illumination normalization depends on these exact
// values; they are not library defaults.
const (
	ClipLimit = 5.0
	TileGrid  = 8
)

const histSize = 256

// clahe is contrast-limited adaptive histogram equalization over 8-bit planes.
type clahe struct {
	clipLimit      float64
	tilesX, tilesY int
}

var fundusCLAHE = clahe{clipLimit: ClipLimit, tilesX: TileGrid, tilesY: TileGrid}

func (c clahe) apply(src *plane) *plane {
	ext := src
	if src.w%c.tilesX != 0 || src.h%c.tilesY != 0 {
		ext = padReflect101(src, c.tilesX-src.w%c.tilesX, c.tilesY-src.h%c.tilesY)
	}
	tileW, tileH := ext.w/c.tilesX, ext.h/c.tilesY

	luts := c.tileLUTs(ext, tileW, tileH)
	return c.interpolate(src, luts, tileW, tileH)
}

// tileLUTs computes one equalization table per tile, stored tile-major.
func (c clahe) tileLUTs(ext *plane, tileW, tileH int) []uint8 {
	tileArea := tileW * tileH
	clip := 0
	if c.clipLimit > 0 {
		clip = max(int(c.clipLimit*float64(tileArea)/histSize), 1)
	}
	lutScale := float32(histSize-1) / float32(tileArea)

	luts := make([]uint8, c.tilesX*c.tilesY*histSize)
	var hist [histSize]int
	for ty := 0; ty < c.tilesY; ty++ {
		for tx := 0; tx < c.tilesX; tx++ {
			hist = [histSize]int{}
			for y := ty * tileH; y < (ty+1)*tileH; y++ {
				row := ext.pix[y*ext.w+tx*tileW : y*ext.w+(tx+1)*tileW]
				for _, v := range row {
					hist[v]++
				}
			}
			if clip > 0 {
				clipHistogram(&hist, clip)
			}

			lut := luts[(ty*c.tilesX+tx)*histSize : (ty*c.tilesX+tx+1)*histSize]
			sum := 0
			for i := range hist {
				sum += hist[i]
				lut[i] = saturate(float32(sum) * lutScale)
			}
		}
	}
	return luts
}

// clipHistogram caps every bin at limit and redistributes the excess: an even
// share to all bins, then the remainder one count at a time from bin 0.
func clipHistogram(hist *[histSize]int, limit int) {
	clipped := 0
	for i := range hist {
		if hist[i] > limit {
			clipped += hist[i] - limit
			hist[i] = limit
		}
	}

	batch := clipped / histSize
	residual := clipped - batch*histSize
	for i := range hist {
		hist[i] += batch
	}
	if residual != 0 {
		step := max(histSize/residual, 1)
		for i := 0; i < histSize && residual > 0; i, residual = i+step, residual-1 {
			hist[i]++
		}
	}
}

// interpolate maps every source pixel through the bilinear blend of the four
// tile LUTs whose centers surround it. Arithmetic stays in float32 with each
// product rounded before the sum.
func (c clahe) interpolate(src *plane, luts []uint8, tileW, tileH int) *plane {
	invTW := 1 / float32(tileW)
	invTH := 1 / float32(tileH)

	xa := make([]float32, src.w)
	xa1 := make([]float32, src.w)
	ind1 := make([]int, src.w)
	ind2 := make([]int, src.w)
	for x := 0; x < src.w; x++ {
		txf := float32(float32(x)*invTW) - 0.5
		tx1 := int(math.Floor(float64(txf)))
		tx2 := tx1 + 1
		xa[x] = txf - float32(tx1)
		xa1[x] = 1 - xa[x]
		ind1[x] = max(tx1, 0) * histSize
		ind2[x] = min(tx2, c.tilesX-1) * histSize
	}

	dst := newPlane(src.w, src.h)
	for y := 0; y < src.h; y++ {
		tyf := float32(float32(y)*invTH) - 0.5
		ty1 := int(math.Floor(float64(tyf)))
		ty2 := ty1 + 1
		ya := tyf - float32(ty1)
		ya1 := 1 - ya
		ty1 = max(ty1, 0)
		ty2 = min(ty2, c.tilesY-1)

		lut1 := luts[ty1*c.tilesX*histSize : (ty1+1)*c.tilesX*histSize]
		lut2 := luts[ty2*c.tilesX*histSize : (ty2+1)*c.tilesX*histSize]
		for x := 0; x < src.w; x++ {
			v := int(src.pix[y*src.w+x])
			top := blend(lut1[ind1[x]+v], lut1[ind2[x]+v], xa1[x], xa[x])
			bottom := blend(lut2[ind1[x]+v], lut2[ind2[x]+v], xa1[x], xa[x])
			dst.pix[y*dst.w+x] = saturate(float32(top*ya1) + float32(bottom*ya))
		}
	}
	return dst
}

func blend(a, b uint8, wa, wb float32) float32 {
	return float32(float32(a)*wa) + float32(float32(b)*wb)
}

// saturate rounds half to even and clamps to the 8-bit range.
func saturate(v float32) uint8 {
	r := math.RoundToEven(float64(v))
	switch {
	case r <= 0:
		return 0
	case r >= 255:
		return 255
	}
	return uint8(r)
}

// padReflect101 extends p by right columns and bottom rows, mirroring about
// the edge pixel without repeating it (dcb|abcd|cba).
func padReflect101(p *plane, right, bottom int) *plane {
	out := newPlane(p.w+right, p.h+bottom)
	for y := 0; y < out.h; y++ {
		sy := reflect101(y, p.h)
		for x := 0; x < out.w; x++ {
			out.pix[y*out.w+x] = p.at(reflect101(x, p.w), sy)
		}
	}
	return out
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		} else {
			i = 2*n - 2 - i
		}
	}
	return i
}
