package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/buddhike/mandelfarm/canvas"
	"github.com/buddhike/mandelfarm/farm"
	"github.com/buddhike/mandelfarm/raster"
	"github.com/buddhike/mandelfarm/sampler"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
)

var Version = "dev"

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Bold(true).
			Padding(0, 2).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33"))
)

type CLI struct {
	Debug   bool             `help:"Enable development logging"`
	Version kong.VersionFlag `help:"Print version and exit"`

	Coordinator CoordinatorCmd `cmd:"" help:"Serve chunks to remote workers and assemble the image"`
	Worker      WorkerCmd      `cmd:"" help:"Render chunks for a remote coordinator"`
	Local       LocalCmd       `cmd:"" help:"Run the coordinator and its workers in this process"`
	Reference   ReferenceCmd   `cmd:"" help:"Render the image in a single pass without a coordinator"`
	Compare     CompareCmd     `cmd:"" help:"Compare a farm render with a reference image"`
}

// CanvasFlags default to the deep zoom the farm was built for.
type CanvasFlags struct {
	Width     int     `help:"Image width in pixels" default:"28000"`
	Height    int     `help:"Image height in pixels" default:"28000"`
	CenterX   float64 `help:"Real part of the image center" default:"-1.186340599860225"`
	CenterY   float64 `help:"Imaginary part of the image center" default:"-0.303652988644423"`
	Zoom      float64 `help:"Pixels per unit of the complex plane" default:"1000"`
	MaxIter   int     `help:"Iteration cap per pixel" default:"300"`
	ChunkSize int     `help:"Rows per chunk" default:"2000"`
}

func (f CanvasFlags) Canvas() canvas.Canvas {
	return canvas.Canvas{
		Width:     f.Width,
		Height:    f.Height,
		CenterX:   f.CenterX,
		CenterY:   f.CenterY,
		Zoom:      f.Zoom,
		MaxIter:   f.MaxIter,
		ChunkSize: f.ChunkSize,
	}
}

type OutputFlags struct {
	Output        string `short:"o" help:"Output image, .bmp or .png" default:"mandelbrot.bmp" type:"path"`
	Thumbnail     string `help:"Also write a downscaled copy to this path" type:"path"`
	ThumbnailSize uint   `help:"Longest side of the thumbnail" default:"512"`
}

func (f OutputFlags) options() []func(*farm.Config) {
	return []func(*farm.Config){
		farm.WithOutput(f.Output),
		farm.WithThumbnail(f.Thumbnail, f.ThumbnailSize),
	}
}

type EtcdFlags struct {
	EtcdEndpoints string `help:"Comma separated etcd client URLs used for discovery" env:"MANDELFARM_ETCD_ENDPOINTS"`
	Run           string `help:"Run name shared by the coordinator and its workers" default:"default" env:"MANDELFARM_RUN"`
}

type CoordinatorCmd struct {
	Canvas CanvasFlags `embed:""`
	Out    OutputFlags `embed:""`
	Etcd   EtcdFlags   `embed:""`

	WorldSize     int    `help:"Process count including the coordinator, normally set by the launcher" required:"" env:"MANDELFARM_WORLD_SIZE"`
	Listen        string `help:"Listen address of the fabric server" default:"localhost:13001"`
	AdvertiseURL  string `help:"URL workers use to reach this coordinator"`
	EmbedEtcd     bool   `help:"Run a single member etcd inside the coordinator"`
	EtcdName      string `help:"Name of the embedded etcd member" default:"mandelfarm"`
	EtcdDir       string `help:"Data directory of the embedded etcd member" type:"path"`
	EtcdClientURL string `help:"Client URL of the embedded etcd member" default:"http://localhost:11001"`
	EtcdPeerURL   string `help:"Peer URL of the embedded etcd member" default:"http://localhost:12001"`
	Stream        string `help:"Kinesis stream to publish progress records to" env:"MANDELFARM_STREAM"`
}

func (cmd *CoordinatorCmd) options(logger *zap.Logger) ([]func(*farm.Config), error) {
	if cmd.WorldSize < 1 {
		return nil, fmt.Errorf("world size must be at least 1, got %d", cmd.WorldSize)
	}
	opts := []func(*farm.Config){
		farm.WithWorkers(cmd.WorldSize - 1),
		farm.WithRunName(cmd.Etcd.Run),
		farm.WithListenAddress(cmd.Listen),
		farm.WithAdvertiseURL(cmd.AdvertiseURL),
		farm.WithEtcdEndpoints(cmd.Etcd.EtcdEndpoints),
		farm.WithKinesisStream(cmd.Stream),
		farm.WithLogger(logger),
	}
	if cmd.EmbedEtcd {
		opts = append(opts, farm.WithEmbeddedEtcd(cmd.EtcdName, cmd.EtcdDir, cmd.EtcdClientURL, cmd.EtcdPeerURL))
	}
	return append(opts, cmd.Out.options()...), nil
}

func (cmd *CoordinatorCmd) Run(logger *zap.Logger) error {
	c := cmd.Canvas.Canvas()
	grid, err := c.Grid()
	if err != nil {
		return err
	}
	opts, err := cmd.options(logger)
	if err != nil {
		return err
	}
	bar := newProgress(grid.NumChunks())
	opts = append(opts, farm.WithObserver(bar))

	svc := farm.NewCoordinatorService(c, opts...)
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Stop()
	fmt.Println(headerStyle.Render(fmt.Sprintf("coordinator %s for %d workers", svc.URL(), cmd.WorldSize-1)))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-svc.RunDone():
	case s := <-sig:
		return fmt.Errorf("interrupted by %s", s)
	}

	if _, err := svc.Result(); err != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("run failed: %v", err)))
		return err
	}
	bar.summary(cmd.Out.Output)
	return nil
}

type WorkerCmd struct {
	Etcd EtcdFlags `embed:""`

	Rank           int    `help:"Rank of this worker, from 1" required:"" env:"MANDELFARM_RANK"`
	CoordinatorURL string `help:"Coordinator URL, skips discovery" env:"MANDELFARM_COORDINATOR_URL"`
}

func (cmd *WorkerCmd) Run(logger *zap.Logger) error {
	svc := farm.NewWorkerService(cmd.Rank,
		farm.WithRunName(cmd.Etcd.Run),
		farm.WithEtcdEndpoints(cmd.Etcd.EtcdEndpoints),
		farm.WithCoordinatorURL(cmd.CoordinatorURL),
		farm.WithLogger(logger))
	if err := svc.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-svc.Done():
	case <-sig:
		svc.Stop()
	}

	stats, err := svc.Result()
	if err != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("worker %d failed: %v", cmd.Rank, err)))
		return err
	}
	if stats.EarlyTerminated {
		fmt.Println(infoStyle.Render(fmt.Sprintf("worker %d had no work", cmd.Rank)))
		return nil
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("worker %d rendered %d chunks in %s", cmd.Rank, len(stats.Chunks), stats.Elapsed.Round(time.Millisecond))))
	return nil
}

type LocalCmd struct {
	Canvas CanvasFlags `embed:""`
	Out    OutputFlags `embed:""`

	Workers int `help:"Worker goroutines" default:"4"`
}

func (cmd *LocalCmd) Run(logger *zap.Logger) error {
	c := cmd.Canvas.Canvas()
	grid, err := c.Grid()
	if err != nil {
		return err
	}
	bar := newProgress(grid.NumChunks())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := append(cmd.Out.options(), farm.WithWorkers(cmd.Workers), farm.WithLogger(logger), farm.WithObserver(bar))
	if _, _, err := farm.RunLocal(ctx, c, opts...); err != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("run failed: %v", err)))
		return err
	}
	bar.summary(cmd.Out.Output)
	return nil
}

type ReferenceCmd struct {
	Canvas CanvasFlags `embed:""`

	Output string `short:"o" help:"Output image, .bmp or .png" default:"reference.bmp" type:"path"`
}

func (cmd *ReferenceCmd) Run(logger *zap.Logger) error {
	c := cmd.Canvas.Canvas()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	pix, err := sampler.RenderAll(ctx, c)
	if err != nil {
		return err
	}
	img, err := raster.FromPixels(c.Width, c.Height, pix)
	if err != nil {
		return err
	}
	if err := raster.WriteFile(cmd.Output, img); err != nil {
		return err
	}
	logger.Info("reference written", zap.String("path", cmd.Output), zap.Duration("elapsed", time.Since(started)))
	fmt.Println(successStyle.Render(fmt.Sprintf("wrote %s in %s", cmd.Output, time.Since(started).Round(time.Millisecond))))
	return nil
}

type CompareCmd struct {
	Image     string `arg:"" help:"Image to check" type:"existingfile"`
	Reference string `arg:"" help:"Reference image" type:"existingfile"`
}

func (cmd *CompareCmd) Run(logger *zap.Logger) error {
	a, err := decodeFile(cmd.Image)
	if err != nil {
		return err
	}
	b, err := decodeFile(cmd.Reference)
	if err != nil {
		return err
	}
	c, err := raster.Compare(a, b)
	if err != nil {
		return err
	}
	if !c.Identical {
		fmt.Println(errorStyle.Render(fmt.Sprintf("%d pixels differ, perceptual distance %d", c.DifferingPixels, c.PerceptualDistance)))
		return fmt.Errorf("%s does not match %s", cmd.Image, cmd.Reference)
	}
	fmt.Println(successStyle.Render("images are identical"))
	return nil
}

func decodeFile(path string) (*raster.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return raster.Decode(bufio.NewReader(f))
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("mandelfarm"),
		kong.Description("Distributed Mandelbrot renderer"),
		kong.Vars{"version": Version})

	logger, err := newLogger(cli.Debug)
	ctx.FatalIfErrorf(err)
	defer logger.Sync()

	err = ctx.Run(logger)
	ctx.FatalIfErrorf(err)
}
