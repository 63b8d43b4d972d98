package messages

import (
	"errors"
	"fmt"

	"github.com/buddhike/mandelfarm/canvas"
)

// ErrProtocolViolation is returned when either side of the scheduling
// protocol receives a message that its state does not allow.
var ErrProtocolViolation = errors.New("protocol violation")

type AssignmentKind int

const (
	KindAssign AssignmentKind = iota + 1
	KindTerminate
)

func (k AssignmentKind) String() string {
	switch k {
	case KindAssign:
		return "assign"
	case KindTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Assignment is the only message a coordinator sends to a worker. It either
// carries a chunk index or tells the worker to stop.
type Assignment struct {
	Kind  AssignmentKind
	Chunk int `json:",omitempty"`
}

func Assign(chunk int) Assignment {
	return Assignment{Kind: KindAssign, Chunk: chunk}
}

func Terminate() Assignment {
	return Assignment{Kind: KindTerminate}
}

func (a Assignment) IsTerminate() bool {
	return a.Kind == KindTerminate
}

func (a Assignment) String() string {
	if a.Kind == KindAssign {
		return fmt.Sprintf("assign(%d)", a.Chunk)
	}
	return a.Kind.String()
}

// ChunkResult is a completed pixel block reported by the worker with Rank.
type ChunkResult struct {
	Rank   int
	Chunk  int
	Pixels []byte
}

type Status struct {
	NotInService bool
}

type JoinRequest struct {
	Rank     int
	WorkerID string
}

type JoinResponse struct {
	Status
	Canvas     canvas.Canvas
	Assignment Assignment
}

type ResultResponse struct {
	Status
	Assignment Assignment
}

type WorkerState struct {
	Rank            int
	WorkerID        string
	Joined          bool
	Outstanding     *int `json:",omitempty"`
	CompletedChunks int
	Terminated      bool
}

type StateResponse struct {
	Status
	Phase          string
	NumChunks      int
	NextChunk      int
	CompletedCount int
	Workers        []WorkerState
}
