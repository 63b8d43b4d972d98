package coordinator

import (
	"context"
	"time"

	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/messages"
)

// Fabric is the coordinator's side of the transport. Workers are addressed
// by rank, 1..Workers().
type Fabric interface {
	Workers() int
	// Send must not block on a worker that has not yet asked for its next
	// message.
	Send(ctx context.Context, rank int, a messages.Assignment) error
	Receive(ctx context.Context) (messages.ChunkResult, error)
}

// Observer is notified on the coordinator goroutine. Implementations must
// not block for long.
type Observer interface {
	ChunkMerged(ctx context.Context, ev MergeEvent)
	RunCompleted(ctx context.Context, s Summary)
}

type MergeEvent struct {
	Rank      int
	Chunk     canvas.Chunk
	Completed int
	Total     int
}

type Summary struct {
	Chunks  int
	Workers int
	Elapsed time.Duration
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFanout
	PhaseDispatchWait
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseFanout:
		return "FANOUT"
	case PhaseDispatchWait:
		return "DISPATCH_WAIT"
	case PhaseDone:
		return "DONE"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
