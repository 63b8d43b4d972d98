package fabric

import (
	"context"
	"fmt"

	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/messages"
)

// Local connects a coordinator and its workers inside one process through
// channels. Each worker has a one slot inbox so the coordinator never blocks
// on a send.
type Local struct {
	canvas  canvas.Canvas
	inboxes []chan messages.Assignment
	results chan messages.ChunkResult
}

func NewLocal(c canvas.Canvas, workers int) *Local {
	inboxes := make([]chan messages.Assignment, workers)
	for i := range inboxes {
		inboxes[i] = make(chan messages.Assignment, 1)
	}
	return &Local{
		canvas:  c,
		inboxes: inboxes,
		results: make(chan messages.ChunkResult, workers),
	}
}

func (l *Local) Workers() int {
	return len(l.inboxes)
}

func (l *Local) Send(ctx context.Context, rank int, a messages.Assignment) error {
	inbox, err := l.inbox(rank)
	if err != nil {
		return err
	}
	select {
	case inbox <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Receive(ctx context.Context) (messages.ChunkResult, error) {
	select {
	case res := <-l.results:
		return res, nil
	case <-ctx.Done():
		return messages.ChunkResult{}, ctx.Err()
	}
}

// Endpoint returns the worker side of the fabric for rank.
func (l *Local) Endpoint(rank int) (*LocalEndpoint, error) {
	inbox, err := l.inbox(rank)
	if err != nil {
		return nil, err
	}
	return &LocalEndpoint{fabric: l, rank: rank, inbox: inbox}, nil
}

func (l *Local) inbox(rank int) (chan messages.Assignment, error) {
	if rank < 1 || rank > len(l.inboxes) {
		return nil, fmt.Errorf("%w: rank %d not in [1, %d]", messages.ErrProtocolViolation, rank, len(l.inboxes))
	}
	return l.inboxes[rank-1], nil
}

type LocalEndpoint struct {
	fabric *Local
	rank   int
	inbox  chan messages.Assignment
}

func (e *LocalEndpoint) Join(ctx context.Context) (canvas.Canvas, messages.Assignment, error) {
	a, err := e.next(ctx)
	return e.fabric.canvas, a, err
}

func (e *LocalEndpoint) Submit(ctx context.Context, res messages.ChunkResult) (messages.Assignment, error) {
	res.Rank = e.rank
	select {
	case e.fabric.results <- res:
	case <-ctx.Done():
		return messages.Assignment{}, ctx.Err()
	}
	return e.next(ctx)
}

func (e *LocalEndpoint) next(ctx context.Context) (messages.Assignment, error) {
	select {
	case a := <-e.inbox:
		return a, nil
	case <-ctx.Done():
		return messages.Assignment{}, ctx.Err()
	}
}
