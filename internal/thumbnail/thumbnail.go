// Package thumbnail renders small previews of received images.
package thumbnail

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
)

// Width is the preview width in pixels. Height keeps the aspect ratio.
const Width = 320

// Dir is the directory, next to the received file, that holds previews.
const Dir = ".thumbnails"

// Generate writes a PNG preview of the image at path and returns its path.
// Images narrower than Width are copied at their own size.
func Generate(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	img, _, err := image.Decode(src)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	dst := Scale(img, Width)

	dir := filepath.Join(filepath.Dir(path), Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".png"
	out := filepath.Join(dir, name)

	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	if err := png.Encode(f, dst); err != nil {
		f.Close()
		os.Remove(out)
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return out, f.Close()
}

// Scale resizes img to width, keeping its aspect ratio.
func Scale(img image.Image, width int) image.Image {
	b := img.Bounds()
	if b.Dx() <= width || b.Dx() == 0 {
		width = b.Dx()
	}
	height := max(1, b.Dy()*width/max(1, b.Dx()))

	dst := image.NewRGBA(image.Rect(0, 0, max(1, width), height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
