// Package rasterimg bridges between PNG files on disk and the plain bit
// predicates pkg/pattern operates on. It is the concrete implementation of
// the "raster image" external collaborator the protocol and pattern
// packages never depend on directly.
package rasterimg

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
)

// threshold is the luminance below which a pixel is considered stitched.
const threshold = 128

// Decode opens a PNG file and returns its dimensions and a predicate
// reporting whether pixel (x, y) is stitched (luminance < 128).
func Decode(path string) (width, height int, stitched func(x, y int) bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("rasterimg: opening %s: %w", path, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("rasterimg: decoding %s: %w", path, err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	gray := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gray.Set(x, y, img.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}

	pred := func(x, y int) bool {
		return gray.GrayAt(x, y).Y < threshold
	}

	return w, h, pred, nil
}

// Encode writes a monochrome PNG of the given dimensions: stitched(x, y) ==
// true becomes black (0), false becomes white (255).
func Encode(path string, width, height int, stitched func(x, y int) bool) error {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8(255)
			if stitched(x, y) {
				v = 0
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rasterimg: creating %s: %w", path, err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("rasterimg: encoding %s: %w", path, err)
	}
	return nil
}
