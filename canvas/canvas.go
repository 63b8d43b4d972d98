package canvas

import (
	"errors"
	"fmt"
)

// Defaults of the observed render.
const (
	DefaultCenterX   = -1.186340599860225
	DefaultCenterY   = -0.303652988644423
	DefaultZoom      = 1000.0
	DefaultMaxIter   = 300
	DefaultSize      = 28000
	DefaultChunkSize = 2000
)

var ErrInvalidCanvas = errors.New("invalid canvas")

// Canvas holds the parameters of one render. It is immutable for the run and
// is passed by value to every worker.
type Canvas struct {
	Width     int
	Height    int
	CenterX   float64
	CenterY   float64
	Zoom      float64
	MaxIter   int
	ChunkSize int
}

func Default() Canvas {
	return Canvas{
		Width:     DefaultSize,
		Height:    DefaultSize,
		CenterX:   DefaultCenterX,
		CenterY:   DefaultCenterY,
		Zoom:      DefaultZoom,
		MaxIter:   DefaultMaxIter,
		ChunkSize: DefaultChunkSize,
	}
}

func (c Canvas) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: dimensions must be positive, got %dx%d", ErrInvalidCanvas, c.Width, c.Height)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidCanvas, c.ChunkSize)
	}
	if c.MaxIter <= 0 {
		return fmt.Errorf("%w: iteration cap must be positive, got %d", ErrInvalidCanvas, c.MaxIter)
	}
	if c.Zoom <= 0 {
		return fmt.Errorf("%w: zoom must be positive, got %g", ErrInvalidCanvas, c.Zoom)
	}
	return nil
}

// PlaneX maps a pixel column to the real axis.
func (c Canvas) PlaneX(col int) float64 {
	return float64(col-c.Width/2)/c.Zoom + c.CenterX
}

// PlaneY maps a pixel row to the imaginary axis.
func (c Canvas) PlaneY(row int) float64 {
	return float64(row-c.Height/2)/c.Zoom + c.CenterY
}

// Grid returns the chunk grid of the canvas.
func (c Canvas) Grid() (Grid, error) {
	return NewGrid(c.Height, c.ChunkSize)
}

// BlockSize is the byte size of the pixel block for ch.
func (c Canvas) BlockSize(ch Chunk) int {
	return ch.Rows() * c.Width * 3
}
