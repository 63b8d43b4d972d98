package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/buddhike/mandelfarm/coordinator"
	"github.com/schollz/progressbar/v3"
)

// progress draws merged chunks on stderr and remembers the run summary.
type progress struct {
	mut  sync.Mutex
	bar  *progressbar.ProgressBar
	done *coordinator.Summary
}

var _ coordinator.Observer = (*progress)(nil)

func newProgress(chunks int) *progress {
	return &progress{
		bar: progressbar.NewOptions(chunks,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("chunks"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionClearOnFinish()),
	}
}

func (p *progress) ChunkMerged(ctx context.Context, ev coordinator.MergeEvent) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.bar.Add(1)
}

func (p *progress) RunCompleted(ctx context.Context, s coordinator.Summary) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.bar.Finish()
	p.done = &s
}

func (p *progress) summary(output string) {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.done == nil {
		return
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("rendered %d chunks with %d workers in %s",
		p.done.Chunks, p.done.Workers, p.done.Elapsed.Round(time.Millisecond))))
	if output != "" {
		fmt.Println(infoStyle.Render(fmt.Sprintf("image written to %s", output)))
	}
}
