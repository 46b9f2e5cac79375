package preprocess

import (
	"fmt"
)

// Preprocess extracts the green channel of img, equalizes it with CLAHE
// (clip limit 5.0, 8x8 tiles) and replicates the result into three channels.
// The output has the same dimensions as the input and is fully determined by
// its pixel values.
func Preprocess(img *RawImage) (*ProcessedImage, error) {
	if img == nil || img.Image == nil {
		return nil, fmt.Errorf("%w: no image", ErrInvalidImage)
	}
	if img.Image.Bounds().Empty() {
		return nil, fmt.Errorf("%w: zero-area image", ErrInvalidImage)
	}

	green := greenPlane(img.Image)
	enhanced := fundusCLAHE.apply(green)
	return &ProcessedImage{RGBA: triplicate(enhanced)}, nil
}
