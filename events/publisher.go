package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/buddhike/mandelfarm/aws"
	"github.com/buddhike/mandelfarm/coordinator"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	TypeChunkMerged  = "chunk_merged"
	TypeRunCompleted = "run_completed"

	defaultBufferSize = 1024
)

// Publisher writes run progress to a Kinesis stream, one record per merged
// chunk and one when the run completes. Records are protobuf encoded
// structpb.Struct values keyed by the run name.
//
// Records are queued and written by a background goroutine so a slow stream
// never holds up the coordinator. When the queue is full, or the publisher
// was stopped, new records are dropped.
type Publisher struct {
	mut       *sync.Mutex
	kds       aws.Kinesis
	stream    string
	run       string
	input     chan *structpb.Struct
	clock     func() time.Time
	lastSeqNo *string
	stopped   bool
	dropped   atomic.Int64
	done      chan struct{}
	logger    *zap.Logger
}

var _ coordinator.Observer = (*Publisher)(nil)

func NewPublisher(kds aws.Kinesis, stream, run string, logger *zap.Logger) *Publisher {
	return &Publisher{
		mut:    &sync.Mutex{},
		kds:    kds,
		stream: stream,
		run:    run,
		input:  make(chan *structpb.Struct, defaultBufferSize),
		clock:  time.Now,
		done:   make(chan struct{}),
		logger: logger.Named("events").With(zap.String("stream", stream), zap.String("run", run)),
	}
}

// Start checks that the stream exists and starts the writer.
func (p *Publisher) Start(ctx context.Context) error {
	_, err := p.kds.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
		StreamName: awssdk.String(p.stream),
	})
	if err != nil {
		return fmt.Errorf("failed to describe stream %s: %w", p.stream, err)
	}

	go func() {
		defer close(p.done)
		for r := range p.input {
			p.put(r)
		}
	}()
	return nil
}

// Stop flushes queued records and waits for the writer to exit. Records
// enqueued afterwards are dropped.
func (p *Publisher) Stop() {
	p.mut.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.input)
	}
	p.mut.Unlock()

	<-p.done
	if n := p.dropped.Load(); n > 0 {
		p.logger.Warn("records dropped", zap.Int64("count", n))
	}
}

func (p *Publisher) Done() <-chan struct{} {
	return p.done
}

func (p *Publisher) ChunkMerged(ctx context.Context, ev coordinator.MergeEvent) {
	p.enqueue(map[string]interface{}{
		"type":      TypeChunkMerged,
		"run":       p.run,
		"rank":      ev.Rank,
		"chunk":     ev.Chunk.Index,
		"start":     ev.Chunk.Start,
		"end":       ev.Chunk.End,
		"completed": ev.Completed,
		"total":     ev.Total,
		"timestamp": p.clock().UTC().Format(time.RFC3339Nano),
	})
}

func (p *Publisher) RunCompleted(ctx context.Context, s coordinator.Summary) {
	p.enqueue(map[string]interface{}{
		"type":       TypeRunCompleted,
		"run":        p.run,
		"chunks":     s.Chunks,
		"workers":    s.Workers,
		"elapsed_ms": s.Elapsed.Milliseconds(),
		"timestamp":  p.clock().UTC().Format(time.RFC3339Nano),
	})
}

func (p *Publisher) enqueue(fields map[string]interface{}) {
	r, err := structpb.NewStruct(fields)
	if err != nil {
		p.logger.Error("failed to build record", zap.Error(err))
		return
	}

	p.mut.Lock()
	defer p.mut.Unlock()
	if p.stopped {
		p.dropped.Add(1)
		return
	}
	select {
	case p.input <- r:
	default:
		p.dropped.Add(1)
	}
}

func (p *Publisher) put(r *structpb.Struct) {
	data, err := proto.Marshal(r)
	if err != nil {
		p.logger.Error("failed to marshal record", zap.Error(err))
		return
	}

	out, err := p.kds.PutRecord(context.Background(), &kinesis.PutRecordInput{
		StreamName:                awssdk.String(p.stream),
		PartitionKey:              awssdk.String(p.run),
		Data:                      data,
		SequenceNumberForOrdering: p.lastSeqNo,
	})
	if err != nil {
		p.logger.Error("failed to put record", zap.Error(err))
		return
	}
	p.lastSeqNo = out.SequenceNumber
}

// Decode parses a record written by Publisher.
func Decode(data []byte) (*structpb.Struct, error) {
	r := &structpb.Struct{}
	if err := proto.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}
