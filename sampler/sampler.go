package sampler

import (
	"context"
	"math"
	"runtime"

	"github.com/buddhike/mandelfarm/canvas"
	"golang.org/x/sync/errgroup"
)

const (
	// NotEscaped is returned by Escape for points that stay bounded within
	// the iteration cap.
	NotEscaped = -1.0

	HuePerIteration = 5.0

	escapeRadiusSquared = 64.0
)

var logEight = math.Log(8)

// Escape iterates z = z^2 + (x, y) from zero and returns the smoothed
// iteration at which |z|^2 exceeds the escape radius, or NotEscaped.
func Escape(x, y float64, maxIter int) float64 {
	var a, b float64
	for i := 0; i < maxIter; i++ {
		a, b = a*a-b*b+x, 2*a*b+y
		if m := a*a + b*b; m > escapeRadiusSquared {
			return float64(i) - math.Log(math.Sqrt(m))/logEight
		}
	}
	return NotEscaped
}

// Color maps an escape value onto the cyclic hue ramp. Points that never
// escaped are black.
func Color(v float64) (r, g, b uint8) {
	if v == NotEscaped {
		return 0, 0, 0
	}
	h := HuePerIteration * v
	return hue(h + 120), hue(h), hue(h + 240)
}

func hue(t float64) uint8 {
	t = math.Mod(t, 360)
	if t < 0 {
		t += 360
	}
	switch {
	case t < 60:
		return uint8(255 * t / 60)
	case t < 180:
		return 255
	case t < 240:
		return uint8(255 * (4 - t/60))
	default:
		return 0
	}
}

// RenderChunk computes the dense RGB block for the rows of ch across the full
// canvas width. Rows are top to bottom.
func RenderChunk(c canvas.Canvas, ch canvas.Chunk) []byte {
	block := make([]byte, c.BlockSize(ch))
	xs := make([]float64, c.Width)
	for col := range xs {
		xs[col] = c.PlaneX(col)
	}

	i := 0
	for row := ch.Start; row < ch.End; row++ {
		y := c.PlaneY(row)
		for _, x := range xs {
			block[i], block[i+1], block[i+2] = Color(Escape(x, y, c.MaxIter))
			i += 3
		}
	}
	return block
}

// RenderAll renders the whole canvas in one process. Bands are computed
// concurrently and written to disjoint regions of the result.
func RenderAll(ctx context.Context, c canvas.Canvas) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	grid, err := c.Grid()
	if err != nil {
		return nil, err
	}

	pixels := make([]byte, c.Width*c.Height*3)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, ch := range grid.Chunks() {
		ch := ch
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			copy(pixels[ch.Start*c.Width*3:], RenderChunk(c, ch))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pixels, nil
}
