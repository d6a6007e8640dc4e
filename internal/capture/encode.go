package capture

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// EncodeRegion crops img to the wanted rectangle when the grabber handed
// back more than asked for, then encodes losslessly as PNG. Every payload
// is a complete, independently decodable image.
func EncodeRegion(img *image.RGBA, want image.Rectangle) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("encode: nil frame")
	}

	var src image.Image = img
	if img.Bounds().Dx() != want.Dx() || img.Bounds().Dy() != want.Dy() {
		src = imaging.Crop(img, want)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
