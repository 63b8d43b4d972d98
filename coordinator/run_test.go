package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/fabric"
	"github.com/buddhike/mandelfarm/raster"
	"github.com/buddhike/mandelfarm/sampler"
	"github.com/buddhike/mandelfarm/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type recorder struct {
	mut     sync.Mutex
	merged  []MergeEvent
	summary *Summary
}

func (r *recorder) ChunkMerged(ctx context.Context, ev MergeEvent) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.merged = append(r.merged, ev)
}

func (r *recorder) RunCompleted(ctx context.Context, s Summary) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.summary = &s
}

func (r *recorder) chunkCounts() map[int]int {
	r.mut.Lock()
	defer r.mut.Unlock()
	counts := make(map[int]int)
	for _, ev := range r.merged {
		counts[ev.Chunk.Index]++
	}
	return counts
}

type testRun struct {
	img   *raster.Image
	stats []worker.Stats
	rec   *recorder
	co    *Coordinator
}

func runLocal(t *testing.T, c canvas.Canvas, workers int) testRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f := fabric.NewLocal(c, workers)
	rec := &recorder{}
	co, err := New(c, f, WithObserver(rec))
	require.NoError(t, err)

	stats := make([]worker.Stats, workers)
	g, ctx := errgroup.WithContext(ctx)
	for rank := 1; rank <= workers; rank++ {
		rank := rank
		ep, err := f.Endpoint(rank)
		require.NoError(t, err)
		w := worker.New(rank, ep)
		g.Go(func() error {
			s, err := w.Run(ctx)
			stats[rank-1] = s
			return err
		})
	}

	var img *raster.Image
	g.Go(func() error {
		var err error
		img, err = co.Run(ctx)
		return err
	})
	require.NoError(t, g.Wait())

	return testRun{img: img, stats: stats, rec: rec, co: co}
}

func referenceImage(t *testing.T, c canvas.Canvas) []byte {
	t.Helper()
	pix, err := sampler.RenderAll(context.Background(), c)
	require.NoError(t, err)
	return pix
}

func scenarioCanvas(size, chunkSize int) canvas.Canvas {
	c := canvas.Default()
	c.Width = size
	c.Height = size
	c.ChunkSize = chunkSize
	c.Zoom = 200
	c.MaxIter = 100
	return c
}

func TestRunTwoWorkersFourChunksMatchesReference(t *testing.T) {
	c := scenarioCanvas(400, 100)
	r := runLocal(t, c, 2)

	assert.True(t, r.img.Complete())
	assert.Equal(t, referenceImage(t, c), r.img.Pixels())

	state := r.co.State()
	assert.Equal(t, "DONE", state.Phase)
	assert.Equal(t, 4, state.CompletedCount)

	counts := r.rec.chunkCounts()
	assert.Len(t, counts, 4)
	for idx, n := range counts {
		assert.Equal(t, 1, n, "chunk %d", idx)
	}
	require.NotNil(t, r.rec.summary)
	assert.Equal(t, 4, r.rec.summary.Chunks)

	total := 0
	for _, s := range r.stats {
		assert.False(t, s.EarlyTerminated)
		total += len(s.Chunks)
	}
	assert.Equal(t, 4, total)
}

func TestRunMoreWorkersThanChunks(t *testing.T) {
	c := scenarioCanvas(40, 20)
	r := runLocal(t, c, 4)

	assert.Equal(t, 2, r.co.State().CompletedCount)
	assert.Equal(t, referenceImage(t, c), r.img.Pixels())

	for _, s := range r.stats[:2] {
		assert.False(t, s.EarlyTerminated, "rank %d", s.Rank)
		assert.Len(t, s.Chunks, 1)
	}
	for _, s := range r.stats[2:] {
		assert.True(t, s.EarlyTerminated, "rank %d", s.Rank)
		assert.Empty(t, s.Chunks)
	}
	for _, ev := range r.rec.merged {
		assert.LessOrEqual(t, ev.Rank, 2)
	}
}

func TestRunMoreChunksThanWorkers(t *testing.T) {
	c := scenarioCanvas(97, 10)
	r := runLocal(t, c, 3)

	assert.Equal(t, 10, r.co.State().CompletedCount)
	assert.Equal(t, referenceImage(t, c), r.img.Pixels())

	seen := make(map[int]bool)
	for _, s := range r.stats {
		assert.NotEmpty(t, s.Chunks)
		for _, idx := range s.Chunks {
			assert.False(t, seen[idx], "chunk %d processed twice", idx)
			seen[idx] = true
		}
	}
	assert.Len(t, seen, 10)
}

func TestRunWithoutWorkersRendersInline(t *testing.T) {
	c := scenarioCanvas(50, 20)
	r := runLocal(t, c, 0)

	assert.Equal(t, referenceImage(t, c), r.img.Pixels())
	assert.Len(t, r.rec.merged, 3)
	for _, ev := range r.rec.merged {
		assert.Equal(t, 0, ev.Rank)
	}
}
