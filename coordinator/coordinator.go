package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/messages"
	"github.com/buddhike/mandelfarm/raster"
	"github.com/buddhike/mandelfarm/sampler"
	"go.uber.org/zap"
)

// Coordinator implements the chunk scheduling protocol.
//
// Work assignment protocol
// In fan-out, each worker (ranks 1..Workers) receives exactly one message
// before the coordinator blocks for the first time: the next unassigned
// chunk, or Terminate when the grid has fewer chunks than workers.
//
// The coordinator then receives results in arrival order. Every result is
// checked against the chunk outstanding for its rank, merged into the
// master image and answered with the next unassigned chunk or Terminate.
// The run ends when every chunk has been merged.
//
// Chunks are handed out by a monotonic counter and a worker only gets a new
// chunk in reply to a result, so a chunk index is never assigned twice.
// Merges happen on the goroutine running Run, one at a time.
//
// There is no timeout or retry. A worker that never reports stalls the run
// until ctx is cancelled.
type Coordinator struct {
	mut         *sync.Mutex
	canvas      canvas.Canvas
	grid        canvas.Grid
	fabric      Fabric
	observers   []Observer
	clock       func() time.Time
	logger      *zap.Logger
	phase       Phase
	next        int
	completed   int
	outstanding map[int]int
	workers     map[int]*workerState
}

type workerState struct {
	completed  int
	terminated bool
}

func New(c canvas.Canvas, fabric Fabric, opts ...func(*Coordinator)) (*Coordinator, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	grid, err := c.Grid()
	if err != nil {
		return nil, err
	}

	co := &Coordinator{
		mut:         &sync.Mutex{},
		canvas:      c,
		grid:        grid,
		fabric:      fabric,
		clock:       time.Now,
		logger:      zap.NewNop(),
		phase:       PhaseIdle,
		outstanding: make(map[int]int),
		workers:     make(map[int]*workerState),
	}
	for _, opt := range opts {
		opt(co)
	}
	co.logger = co.logger.Named("coordinator")

	for rank := 1; rank <= fabric.Workers(); rank++ {
		co.workers[rank] = &workerState{}
	}
	return co, nil
}

func WithLogger(logger *zap.Logger) func(*Coordinator) {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithObserver(o Observer) func(*Coordinator) {
	return func(c *Coordinator) {
		c.observers = append(c.observers, o)
	}
}

func WithClock(clock func() time.Time) func(*Coordinator) {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// Run drives the protocol to completion and returns the master image.
func (c *Coordinator) Run(ctx context.Context) (*raster.Image, error) {
	c.mut.Lock()
	if c.phase != PhaseIdle {
		c.mut.Unlock()
		return nil, fmt.Errorf("coordinator already started (phase %s)", c.phase)
	}
	c.phase = PhaseFanout
	c.mut.Unlock()

	started := c.clock()
	img, err := raster.New(c.canvas.Width, c.canvas.Height)
	if err != nil {
		c.setPhase(PhaseFailed)
		return nil, err
	}

	numChunks := c.grid.NumChunks()
	c.logger.Info("run started",
		zap.Int("width", c.canvas.Width),
		zap.Int("height", c.canvas.Height),
		zap.Int("chunks", numChunks),
		zap.Int("workers", c.fabric.Workers()))

	if err := c.fanout(ctx); err != nil {
		c.setPhase(PhaseFailed)
		return nil, err
	}

	c.setPhase(PhaseDispatchWait)
	if c.fabric.Workers() == 0 {
		err = c.renderInline(ctx, img)
	} else {
		err = c.dispatch(ctx, img)
	}
	if err != nil {
		c.setPhase(PhaseFailed)
		return nil, err
	}

	if !img.Complete() {
		c.setPhase(PhaseFailed)
		return nil, fmt.Errorf("%w: all %d chunks merged but image is incomplete", messages.ErrProtocolViolation, numChunks)
	}

	c.setPhase(PhaseDone)
	summary := Summary{
		Chunks:  numChunks,
		Workers: c.fabric.Workers(),
		Elapsed: c.clock().Sub(started),
	}
	c.logger.Info("run completed", zap.Int("chunks", summary.Chunks), zap.Duration("elapsed", summary.Elapsed))
	for _, o := range c.observers {
		o.RunCompleted(ctx, summary)
	}
	return img, nil
}

func (c *Coordinator) fanout(ctx context.Context) error {
	for rank := 1; rank <= c.fabric.Workers(); rank++ {
		a := c.handleFanout(rank)
		if a.IsTerminate() {
			c.logger.Info("no work for worker, terminating", zap.Int("rank", rank))
		} else {
			c.logger.Debug("assigned chunk", zap.Int("rank", rank), zap.Int("chunk", a.Chunk))
		}
		if err := c.fabric.Send(ctx, rank, a); err != nil {
			return fmt.Errorf("failed to send %s to worker %d: %w", a, rank, err)
		}
	}
	return nil
}

func (c *Coordinator) handleFanout(rank int) messages.Assignment {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.next < c.grid.NumChunks() {
		idx := c.next
		c.next++
		c.outstanding[rank] = idx
		return messages.Assign(idx)
	}
	c.workers[rank].terminated = true
	return messages.Terminate()
}

func (c *Coordinator) dispatch(ctx context.Context, img *raster.Image) error {
	for !c.finished() {
		res, err := c.fabric.Receive(ctx)
		if err != nil {
			return fmt.Errorf("failed to receive chunk result: %w", err)
		}

		reply, ev, err := c.handleResult(img, res)
		if err != nil {
			c.logger.Error("rejected chunk result", zap.Int("rank", res.Rank), zap.Int("chunk", res.Chunk), zap.Error(err))
			return err
		}
		c.notifyMerged(ctx, ev)

		if err := c.fabric.Send(ctx, res.Rank, reply); err != nil {
			return fmt.Errorf("failed to send %s to worker %d: %w", reply, res.Rank, err)
		}
	}
	return nil
}

// handleResult validates and merges one result and decides the reply for
// the reporting worker.
func (c *Coordinator) handleResult(img *raster.Image, res messages.ChunkResult) (messages.Assignment, MergeEvent, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	ws, ok := c.workers[res.Rank]
	if !ok {
		return messages.Assignment{}, MergeEvent{}, fmt.Errorf("%w: result from unknown rank %d", messages.ErrProtocolViolation, res.Rank)
	}
	idx, ok := c.outstanding[res.Rank]
	if !ok {
		return messages.Assignment{}, MergeEvent{}, fmt.Errorf("%w: rank %d has no outstanding chunk but reported chunk %d", messages.ErrProtocolViolation, res.Rank, res.Chunk)
	}
	if idx != res.Chunk {
		return messages.Assignment{}, MergeEvent{}, fmt.Errorf("%w: rank %d reported chunk %d, assigned chunk %d", messages.ErrProtocolViolation, res.Rank, res.Chunk, idx)
	}

	ch, err := c.merge(img, res)
	if err != nil {
		return messages.Assignment{}, MergeEvent{}, err
	}
	delete(c.outstanding, res.Rank)
	ws.completed++

	ev := MergeEvent{
		Rank:      res.Rank,
		Chunk:     ch,
		Completed: c.completed,
		Total:     c.grid.NumChunks(),
	}

	if c.next < c.grid.NumChunks() {
		next := c.next
		c.next++
		c.outstanding[res.Rank] = next
		return messages.Assign(next), ev, nil
	}
	ws.terminated = true
	return messages.Terminate(), ev, nil
}

// merge must be called with mut held.
func (c *Coordinator) merge(img *raster.Image, res messages.ChunkResult) (canvas.Chunk, error) {
	ch, err := c.grid.Chunk(res.Chunk)
	if err != nil {
		return canvas.Chunk{}, fmt.Errorf("%w: %w", messages.ErrProtocolViolation, err)
	}
	if err := img.WriteBand(ch, res.Pixels); err != nil {
		return canvas.Chunk{}, fmt.Errorf("%w: %w", messages.ErrProtocolViolation, err)
	}
	c.completed++
	c.logger.Info("merged chunk",
		zap.Int("rank", res.Rank),
		zap.Int("chunk", ch.Index),
		zap.Int("completed", c.completed),
		zap.Int("total", c.grid.NumChunks()))
	return ch, nil
}

// renderInline computes every chunk on the coordinator when there are no
// workers. Results go through the same merge path.
func (c *Coordinator) renderInline(ctx context.Context, img *raster.Image) error {
	for !c.finished() {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mut.Lock()
		idx := c.next
		c.next++
		c.mut.Unlock()

		ch, err := c.grid.Chunk(idx)
		if err != nil {
			return err
		}
		res := messages.ChunkResult{Rank: 0, Chunk: idx, Pixels: sampler.RenderChunk(c.canvas, ch)}

		c.mut.Lock()
		_, err = c.merge(img, res)
		ev := MergeEvent{Rank: 0, Chunk: ch, Completed: c.completed, Total: c.grid.NumChunks()}
		c.mut.Unlock()
		if err != nil {
			return err
		}
		c.notifyMerged(ctx, ev)
	}
	return nil
}

func (c *Coordinator) notifyMerged(ctx context.Context, ev MergeEvent) {
	for _, o := range c.observers {
		o.ChunkMerged(ctx, ev)
	}
}

func (c *Coordinator) finished() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.completed == c.grid.NumChunks()
}

func (c *Coordinator) setPhase(p Phase) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.phase = p
}

// State returns a snapshot of the assignment table. It is safe to call
// while Run is in progress.
func (c *Coordinator) State() messages.StateResponse {
	c.mut.Lock()
	defer c.mut.Unlock()

	workers := make([]messages.WorkerState, 0, len(c.workers))
	for rank := 1; rank <= len(c.workers); rank++ {
		ws := c.workers[rank]
		s := messages.WorkerState{
			Rank:            rank,
			CompletedChunks: ws.completed,
			Terminated:      ws.terminated,
		}
		if idx, ok := c.outstanding[rank]; ok {
			s.Outstanding = &idx
		}
		workers = append(workers, s)
	}

	return messages.StateResponse{
		Phase:          c.phase.String(),
		NumChunks:      c.grid.NumChunks(),
		NextChunk:      c.next,
		CompletedCount: c.completed,
		Workers:        workers,
	}
}
