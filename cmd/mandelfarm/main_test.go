package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/coordinator"
	"github.com/buddhike/mandelfarm/farm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func parse(t *testing.T, args []string) (*CLI, *kong.Context, error) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": Version})
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	return &cli, ctx, err
}

func TestCanvasDefaults(t *testing.T) {
	cli, ctx, err := parse(t, []string{"local"})
	require.NoError(t, err)
	assert.Equal(t, "local", ctx.Command())
	assert.Equal(t, canvas.Default(), cli.Local.Canvas.Canvas())
	assert.Equal(t, 4, cli.Local.Workers)
	assert.Equal(t, "mandelbrot.bmp", filepath.Base(cli.Local.Out.Output))
}

func TestCanvasFlags(t *testing.T) {
	cli, _, err := parse(t, []string{"reference",
		"--width", "320", "--height", "200",
		"--center-x", "-0.5", "--center-y", "0.25",
		"--zoom", "80", "--max-iter", "100", "--chunk-size", "16",
		"-o", "out.png"})
	require.NoError(t, err)
	assert.Equal(t, canvas.Canvas{
		Width:     320,
		Height:    200,
		CenterX:   -0.5,
		CenterY:   0.25,
		Zoom:      80,
		MaxIter:   100,
		ChunkSize: 16,
	}, cli.Reference.Canvas.Canvas())
	assert.Equal(t, "out.png", filepath.Base(cli.Reference.Output))
}

func TestWorldSizeAndRankFromEnvironment(t *testing.T) {
	t.Setenv("MANDELFARM_WORLD_SIZE", "5")
	t.Setenv("MANDELFARM_RANK", "3")

	cli, _, err := parse(t, []string{"coordinator"})
	require.NoError(t, err)
	assert.Equal(t, 5, cli.Coordinator.WorldSize)

	cli, _, err = parse(t, []string{"worker"})
	require.NoError(t, err)
	assert.Equal(t, 3, cli.Worker.Rank)
}

func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestWorkerRequiresRank(t *testing.T) {
	unsetenv(t, "MANDELFARM_RANK")
	_, _, err := parse(t, []string{"worker"})
	assert.Error(t, err)
}

func TestCoordinatorRequiresWorldSize(t *testing.T) {
	unsetenv(t, "MANDELFARM_WORLD_SIZE")
	_, _, err := parse(t, []string{"coordinator"})
	assert.Error(t, err)

	cli, _, err := parse(t, []string{"coordinator", "--world-size", "3"})
	require.NoError(t, err)
	assert.Equal(t, 3, cli.Coordinator.WorldSize)
}

func TestCoordinatorRejectsEmptyWorld(t *testing.T) {
	cmd := &CoordinatorCmd{WorldSize: 0}
	_, err := cmd.options(zap.NewNop())
	assert.Error(t, err)
}

func TestUnknownCommand(t *testing.T) {
	_, _, err := parse(t, []string{"render"})
	assert.Error(t, err)
}

func TestProgressSummary(t *testing.T) {
	c := canvas.Canvas{Width: 16, Height: 12, Zoom: 4, MaxIter: 20, ChunkSize: 5}
	p := newProgress(3)
	_, _, err := farm.RunLocal(context.Background(), c, farm.WithWorkers(2), farm.WithObserver(p))
	require.NoError(t, err)

	require.NotNil(t, p.done)
	assert.Equal(t, coordinator.Summary{Chunks: 3, Workers: 2, Elapsed: p.done.Elapsed}, *p.done)
}

func TestCompareMatchingRenders(t *testing.T) {
	dir := t.TempDir()
	c := canvas.Canvas{Width: 24, Height: 20, CenterX: -0.5, Zoom: 8, MaxIter: 30, ChunkSize: 6}
	farmOut := filepath.Join(dir, "farm.bmp")
	refOut := filepath.Join(dir, "ref.png")

	_, _, err := farm.RunLocal(context.Background(), c, farm.WithWorkers(2), farm.WithOutput(farmOut))
	require.NoError(t, err)
	ref := &ReferenceCmd{Output: refOut}
	ref.Canvas = CanvasFlags{Width: 24, Height: 20, CenterX: -0.5, Zoom: 8, MaxIter: 30, ChunkSize: 6}
	require.NoError(t, ref.Run(zap.NewNop()))

	cmd := &CompareCmd{Image: farmOut, Reference: refOut}
	assert.NoError(t, cmd.Run(zap.NewNop()))
}
