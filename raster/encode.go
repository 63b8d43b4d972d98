package raster

import (
	"bufio"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	"golang.org/x/image/bmp"
)

type Format string

const (
	FormatBMP Format = "bmp"
	FormatPNG Format = "png"
)

// FormatFromPath picks the output format from the file extension. Paths
// without a known extension are written as BMP.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return FormatPNG
	default:
		return FormatBMP
	}
}

// Encode writes m as a 24-bit bottom-up BMP or as a PNG.
func (m *Image) Encode(w io.Writer, f Format) error {
	switch f {
	case FormatBMP:
		return bmp.Encode(w, m)
	case FormatPNG:
		return png.Encode(w, m)
	default:
		return fmt.Errorf("unsupported format %q", f)
	}
}

// Decode reads a BMP or PNG image into a complete raster.
func Decode(r io.Reader) (*Image, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}

	b := src.Bounds()
	pix := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			pix = append(pix, uint8(r>>8), uint8(g>>8), uint8(bl>>8))
		}
	}
	return FromPixels(b.Dx(), b.Dy(), pix)
}

// Thumbnail scales m down to fit within maxDim on both sides, keeping the
// aspect ratio.
func (m *Image) Thumbnail(maxDim uint) image.Image {
	return resize.Thumbnail(maxDim, maxDim, m, resize.Lanczos3)
}

func WriteFile(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	switch FormatFromPath(path) {
	case FormatPNG:
		err = png.Encode(w, img)
	default:
		err = bmp.Encode(w, img)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}
