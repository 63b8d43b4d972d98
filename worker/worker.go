package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/messages"
	"github.com/buddhike/mandelfarm/sampler"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Endpoint is the worker's side of the transport.
type Endpoint interface {
	// Join blocks until the coordinator sends this worker its first message
	// and returns it together with the canvas of the run.
	Join(ctx context.Context) (canvas.Canvas, messages.Assignment, error)
	// Submit reports a completed chunk and blocks for the reply.
	Submit(ctx context.Context, res messages.ChunkResult) (messages.Assignment, error)
}

type State int

const (
	StateAwaitFirstMessage State = iota
	StateWorking
	StateAwaitNext
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitFirstMessage:
		return "AWAIT_FIRST_MESSAGE"
	case StateWorking:
		return "WORKING"
	case StateAwaitNext:
		return "AWAIT_NEXT"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

type Stats struct {
	Rank            int
	WorkerID        string
	Chunks          []int
	EarlyTerminated bool
	Elapsed         time.Duration
}

// Worker computes chunks one at a time for a single coordinator. It never
// asks for work it was not given and always finishes a chunk before
// reporting.
type Worker struct {
	mut      *sync.Mutex
	id       string
	rank     int
	endpoint Endpoint
	render   func(canvas.Canvas, canvas.Chunk) []byte
	clock    func() time.Time
	state    State
	logger   *zap.Logger
}

func New(rank int, endpoint Endpoint, opts ...func(*Worker)) *Worker {
	w := &Worker{
		mut:      &sync.Mutex{},
		id:       uuid.NewString(),
		rank:     rank,
		endpoint: endpoint,
		render:   sampler.RenderChunk,
		clock:    time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("worker").With(zap.Int("rank", rank), zap.String("workerid", w.id))
	return w
}

func WithLogger(logger *zap.Logger) func(*Worker) {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithID(id string) func(*Worker) {
	return func(w *Worker) {
		w.id = id
	}
}

// WithRenderer replaces the chunk renderer. The default is
// sampler.RenderChunk.
func WithRenderer(render func(canvas.Canvas, canvas.Chunk) []byte) func(*Worker) {
	return func(w *Worker) {
		w.render = render
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) State() State {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mut.Lock()
	defer w.mut.Unlock()
	w.state = s
}

// Run executes the worker loop until the coordinator terminates it.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	started := w.clock()
	stats := Stats{Rank: w.rank, WorkerID: w.id}

	cv, a, err := w.endpoint.Join(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to join coordinator: %w", err)
	}
	if err := cv.Validate(); err != nil {
		return stats, fmt.Errorf("%w: %w", messages.ErrProtocolViolation, err)
	}
	grid, err := cv.Grid()
	if err != nil {
		return stats, err
	}

	if a.IsTerminate() {
		w.setState(StateTerminated)
		stats.EarlyTerminated = true
		stats.Elapsed = w.clock().Sub(started)
		w.logger.Info("terminated before any assignment")
		return stats, nil
	}

	for {
		if a.Kind != messages.KindAssign {
			return stats, fmt.Errorf("%w: worker %d received %s", messages.ErrProtocolViolation, w.rank, a)
		}
		ch, err := grid.Chunk(a.Chunk)
		if err != nil {
			return stats, fmt.Errorf("%w: %w", messages.ErrProtocolViolation, err)
		}

		w.setState(StateWorking)
		t := w.clock()
		block := w.render(cv, ch)
		w.logger.Debug("rendered chunk", zap.Int("chunk", ch.Index), zap.Duration("elapsed", w.clock().Sub(t)))

		w.setState(StateAwaitNext)
		a, err = w.endpoint.Submit(ctx, messages.ChunkResult{Rank: w.rank, Chunk: ch.Index, Pixels: block})
		if err != nil {
			return stats, fmt.Errorf("failed to submit chunk %d: %w", ch.Index, err)
		}
		stats.Chunks = append(stats.Chunks, ch.Index)

		if a.IsTerminate() {
			w.setState(StateTerminated)
			stats.Elapsed = w.clock().Sub(started)
			w.logger.Info("terminated", zap.Ints("chunks", stats.Chunks), zap.Duration("elapsed", stats.Elapsed))
			return stats, nil
		}
	}
}
