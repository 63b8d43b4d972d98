package raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/buddhike/mandelfarm/canvas"
)

// MaxBytes caps the size of a master image buffer.
const MaxBytes = 1 << 34

var (
	ErrAllocation  = errors.New("raster allocation failed")
	ErrBandSize    = errors.New("band size mismatch")
	ErrBandBounds  = errors.New("band out of bounds")
	ErrBandWritten = errors.New("band already written")
)

// Image is a row-major, top to bottom RGB raster. Every row is written at
// most once through WriteBand.
type Image struct {
	width   int
	height  int
	pix     []byte
	written []bool
	rows    int
}

func New(width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrAllocation, width, height)
	}
	if int64(width) > math.MaxInt64/3/int64(height) || int64(width)*int64(height)*3 > MaxBytes {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d bytes", ErrAllocation, width, height, int64(MaxBytes))
	}
	return &Image{
		width:   width,
		height:  height,
		pix:     make([]byte, width*height*3),
		written: make([]bool, height),
	}, nil
}

// FromPixels wraps a complete RGB buffer.
func FromPixels(width, height int, pix []byte) (*Image, error) {
	img, err := New(width, height)
	if err != nil {
		return nil, err
	}
	if len(pix) != len(img.pix) {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBandSize, len(pix), len(img.pix))
	}
	copy(img.pix, pix)
	for i := range img.written {
		img.written[i] = true
	}
	img.rows = height
	return img, nil
}

// WriteBand copies block into the rows of ch. It fails without modifying the
// image if the block has the wrong size or any of its rows were written
// before.
func (m *Image) WriteBand(ch canvas.Chunk, block []byte) error {
	if ch.Start < 0 || ch.End > m.height || ch.Start >= ch.End {
		return fmt.Errorf("%w: %s on height %d", ErrBandBounds, ch, m.height)
	}
	if want := ch.Rows() * m.width * 3; len(block) != want {
		return fmt.Errorf("%w: %s got %d bytes, want %d", ErrBandSize, ch, len(block), want)
	}
	for r := ch.Start; r < ch.End; r++ {
		if m.written[r] {
			return fmt.Errorf("%w: %s row %d", ErrBandWritten, ch, r)
		}
	}

	copy(m.pix[ch.Start*m.width*3:], block)
	for r := ch.Start; r < ch.End; r++ {
		m.written[r] = true
	}
	m.rows += ch.Rows()
	return nil
}

// Complete reports whether every row has been written.
func (m *Image) Complete() bool {
	return m.rows == m.height
}

func (m *Image) Width() int {
	return m.width
}

func (m *Image) Height() int {
	return m.height
}

// Pixels returns the underlying buffer. Callers must not modify it.
func (m *Image) Pixels() []byte {
	return m.pix
}

func (m *Image) ColorModel() color.Model {
	return color.RGBAModel
}

func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.width, m.height)
}

func (m *Image) At(x, y int) color.Color {
	return m.RGBAAt(x, y)
}

func (m *Image) RGBAAt(x, y int) color.RGBA {
	if !(image.Point{X: x, Y: y}.In(m.Bounds())) {
		return color.RGBA{}
	}
	i := (y*m.width + x) * 3
	return color.RGBA{R: m.pix[i], G: m.pix[i+1], B: m.pix[i+2], A: 0xff}
}

// Opaque lets encoders pick a 24-bit layout.
func (m *Image) Opaque() bool {
	return true
}
