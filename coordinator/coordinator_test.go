package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/messages"
	"github.com/buddhike/mandelfarm/raster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFabric struct {
	workers int
	sent    []messages.Assignment
	results chan messages.ChunkResult
}

func (f *stubFabric) Workers() int {
	return f.workers
}

func (f *stubFabric) Send(ctx context.Context, rank int, a messages.Assignment) error {
	f.sent = append(f.sent, a)
	return nil
}

func (f *stubFabric) Receive(ctx context.Context) (messages.ChunkResult, error) {
	select {
	case r := <-f.results:
		return r, nil
	case <-ctx.Done():
		return messages.ChunkResult{}, ctx.Err()
	}
}

func testCanvas(height, chunkSize int) canvas.Canvas {
	return canvas.Canvas{Width: 8, Height: height, CenterX: -0.5, CenterY: 0, Zoom: 3, MaxIter: 20, ChunkSize: chunkSize}
}

func newTestSubject(t *testing.T, height, chunkSize, workers int) (*Coordinator, *raster.Image) {
	t.Helper()
	c := testCanvas(height, chunkSize)
	co, err := New(c, &stubFabric{workers: workers, results: make(chan messages.ChunkResult)})
	require.NoError(t, err)
	img, err := raster.New(c.Width, c.Height)
	require.NoError(t, err)
	return co, img
}

func result(co *Coordinator, rank, idx int) messages.ChunkResult {
	ch, _ := co.grid.Chunk(idx)
	return messages.ChunkResult{Rank: rank, Chunk: idx, Pixels: make([]byte, co.canvas.BlockSize(ch))}
}

func TestFanoutAssignsChunksInRankOrder(t *testing.T) {
	co, _ := newTestSubject(t, 40, 10, 2)

	assert.Equal(t, messages.Assign(0), co.handleFanout(1))
	assert.Equal(t, messages.Assign(1), co.handleFanout(2))
	assert.Equal(t, 2, co.State().NextChunk)
}

func TestFanoutTerminatesWorkersBeyondChunkCount(t *testing.T) {
	co, _ := newTestSubject(t, 20, 10, 4)

	assert.Equal(t, messages.Assign(0), co.handleFanout(1))
	assert.Equal(t, messages.Assign(1), co.handleFanout(2))
	assert.Equal(t, messages.Terminate(), co.handleFanout(3))
	assert.Equal(t, messages.Terminate(), co.handleFanout(4))

	s := co.State()
	assert.True(t, s.Workers[2].Terminated)
	assert.True(t, s.Workers[3].Terminated)
	assert.Nil(t, s.Workers[3].Outstanding)
}

func TestEveryWorkerIsRearmedUntilExhaustion(t *testing.T) {
	co, img := newTestSubject(t, 60, 10, 2)
	co.handleFanout(1)
	co.handleFanout(2)

	steps := []struct {
		rank  int
		chunk int
		reply messages.Assignment
	}{
		{2, 1, messages.Assign(2)},
		{1, 0, messages.Assign(3)},
		{1, 3, messages.Assign(4)},
		{2, 2, messages.Assign(5)},
		{2, 5, messages.Terminate()},
		{1, 4, messages.Terminate()},
	}
	for _, s := range steps {
		reply, ev, err := co.handleResult(img, result(co, s.rank, s.chunk))
		require.NoError(t, err)
		assert.Equal(t, s.reply, reply)
		assert.Equal(t, s.chunk, ev.Chunk.Index)
	}

	state := co.State()
	assert.Equal(t, 6, state.CompletedCount)
	assert.Equal(t, 6, state.NextChunk)
	assert.Equal(t, 3, state.Workers[0].CompletedChunks)
	assert.Equal(t, 3, state.Workers[1].CompletedChunks)
	assert.True(t, img.Complete())
}

func TestHandleResultRejectsResubmittedChunk(t *testing.T) {
	co, img := newTestSubject(t, 40, 10, 1)
	co.handleFanout(1)

	_, _, err := co.handleResult(img, result(co, 1, 0))
	require.NoError(t, err)

	_, _, err = co.handleResult(img, result(co, 1, 0))
	assert.ErrorIs(t, err, messages.ErrProtocolViolation)
	assert.Equal(t, 1, co.State().CompletedCount)
}

func TestHandleResultRejectsChunkNotAssignedToRank(t *testing.T) {
	co, img := newTestSubject(t, 40, 10, 2)
	co.handleFanout(1)
	co.handleFanout(2)

	_, _, err := co.handleResult(img, result(co, 1, 1))
	assert.ErrorIs(t, err, messages.ErrProtocolViolation)
}

func TestHandleResultRejectsUnknownRank(t *testing.T) {
	co, img := newTestSubject(t, 40, 10, 1)
	co.handleFanout(1)

	_, _, err := co.handleResult(img, result(co, 7, 0))
	assert.ErrorIs(t, err, messages.ErrProtocolViolation)
}

func TestHandleResultRejectsTerminatedRank(t *testing.T) {
	co, img := newTestSubject(t, 10, 10, 2)
	co.handleFanout(1)
	assert.Equal(t, messages.Terminate(), co.handleFanout(2))

	_, _, err := co.handleResult(img, result(co, 2, 0))
	assert.ErrorIs(t, err, messages.ErrProtocolViolation)
}

func TestHandleResultRejectsWrongBlockSize(t *testing.T) {
	co, img := newTestSubject(t, 40, 10, 1)
	co.handleFanout(1)

	res := result(co, 1, 0)
	res.Pixels = res.Pixels[1:]
	_, _, err := co.handleResult(img, res)
	assert.ErrorIs(t, err, messages.ErrProtocolViolation)
	assert.ErrorIs(t, err, raster.ErrBandSize)
	assert.Equal(t, 0, co.State().CompletedCount)
}

func TestRunStallsWithoutResultsUntilCancelled(t *testing.T) {
	c := testCanvas(40, 10)
	f := &stubFabric{workers: 2, results: make(chan messages.ChunkResult)}
	co, err := New(c, f)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = co.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []messages.Assignment{messages.Assign(0), messages.Assign(1)}, f.sent)
	assert.Equal(t, "FAILED", co.State().Phase)
}

func TestRunOnlyOnce(t *testing.T) {
	co, err := New(testCanvas(10, 10), &stubFabric{})
	require.NoError(t, err)

	_, err = co.Run(context.Background())
	require.NoError(t, err)
	_, err = co.Run(context.Background())
	assert.Error(t, err)
}

func TestNewRejectsInvalidCanvas(t *testing.T) {
	_, err := New(canvas.Canvas{}, &stubFabric{})
	assert.ErrorIs(t, err, canvas.ErrInvalidCanvas)
}

func TestRunRejectsOversizedCanvas(t *testing.T) {
	c := testCanvas(10, 10)
	c.Width = 1 << 30
	co, err := New(c, &stubFabric{})
	require.NoError(t, err)

	_, err = co.Run(context.Background())
	assert.ErrorIs(t, err, raster.ErrAllocation)
}
