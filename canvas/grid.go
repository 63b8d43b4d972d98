package canvas

import (
	"errors"
	"fmt"
)

var ErrChunkOutOfRange = errors.New("chunk index out of range")

// Chunk is the half-open row band [Start, End) addressed by Index.
type Chunk struct {
	Index int
	Start int
	End   int
}

func (ch Chunk) Rows() int {
	return ch.End - ch.Start
}

func (ch Chunk) String() string {
	return fmt.Sprintf("chunk %d [%d, %d)", ch.Index, ch.Start, ch.End)
}

// Grid partitions the rows of a canvas into fixed size bands. The last band
// is clipped to the canvas height.
type Grid struct {
	height    int
	chunkSize int
}

func NewGrid(height, chunkSize int) (Grid, error) {
	if height <= 0 {
		return Grid{}, fmt.Errorf("%w: height must be positive, got %d", ErrInvalidCanvas, height)
	}
	if chunkSize <= 0 {
		return Grid{}, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidCanvas, chunkSize)
	}
	return Grid{height: height, chunkSize: chunkSize}, nil
}

func (g Grid) NumChunks() int {
	return (g.height-1)/g.chunkSize + 1
}

func (g Grid) chunk(idx int) Chunk {
	start := idx * g.chunkSize
	return Chunk{Index: idx, Start: start, End: start + min(g.chunkSize, g.height-start)}
}

func (g Grid) Chunk(idx int) (Chunk, error) {
	if idx < 0 || idx >= g.NumChunks() {
		return Chunk{}, fmt.Errorf("%w: %d not in [0, %d)", ErrChunkOutOfRange, idx, g.NumChunks())
	}
	return g.chunk(idx), nil
}

// Chunks returns every chunk in index order.
func (g Grid) Chunks() []Chunk {
	n := g.NumChunks()
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		chunks = append(chunks, g.chunk(i))
	}
	return chunks
}
