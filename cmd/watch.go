package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/camera"
	"github.com/andresmejia3/vigil/internal/matcher"
	"github.com/andresmejia3/vigil/internal/pipeline"
	"github.com/andresmejia3/vigil/internal/recorder"
	"github.com/andresmejia3/vigil/internal/registry"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
)

// WatchOptions holds the flags of the watch command
type WatchOptions struct {
	Input     string
	Format    string
	Width     int
	Height    int
	FPS       int
	Realtime  bool
	Tolerance float64
	Matcher   string
	Downscale float64
	OutputDir string
	Stdout    bool
	Headless  bool
	NoRecord  bool
	Engine    engineOpts
}

var watchOpts WatchOptions

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Recognize faces live from a camera, file or stream",
	Long: `Reads frames through ffmpeg, recognizes every face against the enrolled
identities and records each match. Send SIGHUP to reload the identities.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := watchOpts
		applyWatchDefaults(cmd, &opts)
		if err := validateWatchOptions(opts); err != nil {
			return err
		}
		return runWatch(cmd.Context(), opts)
	},
}

func init() {
	f := watchCmd.Flags()
	f.StringVarP(&watchOpts.Input, "input", "i", "", "Camera device, video file or stream URL (default from config)")
	f.StringVarP(&watchOpts.Format, "format", "f", "", "ffmpeg input format, e.g. v4l2, avfoundation, dshow")
	f.IntVar(&watchOpts.Width, "width", 0, "Capture width")
	f.IntVar(&watchOpts.Height, "height", 0, "Capture height")
	f.IntVar(&watchOpts.FPS, "fps", 0, "Capture frame rate")
	f.BoolVar(&watchOpts.Realtime, "realtime", false, "Read file inputs at their native frame rate")
	f.Float64VarP(&watchOpts.Tolerance, "tolerance", "t", 0, "Largest distance accepted as a match (lower is stricter)")
	f.StringVar(&watchOpts.Matcher, "matcher", "", "Matching engine: linear or hnsw")
	f.Float64VarP(&watchOpts.Downscale, "downscale", "s", 0, "Shrink frames by this factor before detection, e.g. 0.25")
	f.StringVarP(&watchOpts.OutputDir, "output-dir", "o", "", "Save annotated frames as JPEGs in this directory")
	f.BoolVar(&watchOpts.Stdout, "stdout", false, "Write annotated frames to stdout as MJPEG (pipe into ffplay -f mjpeg -)")
	f.BoolVar(&watchOpts.Headless, "headless", false, "Do not output annotated frames")
	f.BoolVar(&watchOpts.NoRecord, "no-record", false, "Do not record scans")
	addEngineFlags(watchCmd, &watchOpts.Engine)
	rootCmd.AddCommand(watchCmd)
}

// applyWatchDefaults fills flags the user did not set from the config.
func applyWatchDefaults(cmd *cobra.Command, o *WatchOptions) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if !set("input") {
		o.Input = Cfg.Camera.Input
		if !set("format") {
			o.Format = Cfg.Camera.Format
		}
	}
	if !set("width") {
		o.Width = Cfg.Camera.Width
	}
	if !set("height") {
		o.Height = Cfg.Camera.Height
	}
	if !set("fps") {
		o.FPS = Cfg.Camera.FPS
	}
	if !set("realtime") {
		o.Realtime = Cfg.Camera.Realtime
	}
	if !set("tolerance") {
		o.Tolerance = Cfg.Matching.Tolerance
	}
	if !set("matcher") {
		o.Matcher = Cfg.Matching.Matcher
	}
	if !set("downscale") {
		o.Downscale = Cfg.Pipeline.Downscale
	}
	if !set("output-dir") {
		o.OutputDir = Cfg.Pipeline.OutputDir
	}
}

func validateWatchOptions(o WatchOptions) error {
	if o.Input == "" {
		return errors.New("--input is required when camera.input is not configured")
	}
	if o.Tolerance <= 0 || o.Tolerance > 1 {
		return fmt.Errorf("--tolerance must be in (0, 1], got %g", o.Tolerance)
	}
	if o.Downscale <= 0 || o.Downscale > 1 {
		return fmt.Errorf("--downscale must be in (0, 1], got %g", o.Downscale)
	}
	outputs := 0
	for _, on := range []bool{o.Stdout, o.Headless, o.OutputDir != ""} {
		if on {
			outputs++
		}
	}
	if outputs > 1 {
		return errors.New("choose only one of --output-dir, --stdout and --headless")
	}
	return nil
}

func newSink(o WatchOptions, stdout io.Writer) (pipeline.Sink, error) {
	switch {
	case o.Stdout:
		return camera.NewMJPEGSink(stdout, Cfg.Pipeline.OutputQuality), nil
	case o.OutputDir != "":
		return camera.NewDirSink(o.OutputDir, Cfg.Pipeline.OutputQuality)
	default:
		return camera.DiscardSink{}, nil
	}
}

// acquireLock makes sure only one live pipeline runs per data directory.
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("another watch is already running (lock %s)", path)
	}
	return lock, nil
}

func runWatch(ctx context.Context, opts WatchOptions) error {
	lock, err := acquireLock(Cfg.Pipeline.LockPath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	reg, err := loadRegistry(ctx)
	if err != nil {
		return err
	}
	if reg.IsEmpty() {
		return fmt.Errorf("%w: enroll someone first with 'vigil enroll'", registry.ErrEmptyRegistry)
	}

	engine, err := matcher.New(opts.Matcher, Logger)
	if err != nil {
		return err
	}
	sink, err := newSink(opts, os.Stdout)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "⚙️  Starting face engine...\n")
	provider, err := startEngine(opts.Engine)
	if err != nil {
		return err
	}
	defer provider.Close()

	src := camera.NewFFmpegSource(utils.CaptureInput{
		Input:    opts.Input,
		Format:   opts.Format,
		Width:    opts.Width,
		Height:   opts.Height,
		FPS:      opts.FPS,
		Realtime: opts.Realtime,
	}, Logger)
	src.OpenTimeout = time.Duration(Cfg.Camera.OpenTimeoutSecs) * time.Second

	session := uuid.NewString()
	scanSource := fmt.Sprintf("session=%s input=%s", session, opts.Input)
	var onMatch pipeline.MatchFunc
	if !opts.NoRecord {
		rec := recorder.New(DB, reg, Logger)
		onMatch = func(ctx context.Context, res types.MatchResult) {
			// Failures are logged by the recorder; the loop keeps going.
			_ = rec.Record(ctx, res, recorder.Context{Method: recorder.MethodLive, Source: scanSource})
		}
	}

	p := pipeline.New(pipeline.Options{
		Source:    src,
		Provider:  provider,
		Registry:  reg,
		Engine:    engine,
		Sink:      sink,
		Tolerance: opts.Tolerance,
		Downscale: opts.Downscale,
		OnMatch:   onMatch,
		Logger:    Logger.With("session", session),
	})

	stopReload := reloadOnHangup(ctx, reg)
	defer stopReload()

	fmt.Fprintf(os.Stderr, "👁️  Watching %s with %d identities (session %s). Ctrl+C to stop.\n", opts.Input, reg.Len(), session[:8])
	if err := p.Run(ctx); err != nil {
		if errors.Is(err, pipeline.ErrCameraUnavailable) {
			utils.ShowError("Camera unavailable", err, nil)
		}
		return err
	}

	printWatchStats(os.Stderr, p.Stats())
	if d, ok := sink.(*camera.DirSink); ok {
		fmt.Fprintf(os.Stderr, "💾 %d annotated frames saved to %s\n", d.Saved(), opts.OutputDir)
	}
	return nil
}

// reloadOnHangup reloads the registry from the store on every SIGHUP.
func reloadOnHangup(ctx context.Context, reg *registry.Registry) func() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-hup:
				if err := reg.Reload(ctx, DB); err != nil {
					Logger.Error("registry reload failed", "error", err)
					continue
				}
				Logger.Info("registry reloaded", "identities", reg.Len())
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		signal.Stop(hup)
		close(done)
	}
}

func printWatchStats(w io.Writer, s pipeline.Stats) {
	fmt.Fprintf(w, "\n🏁 Stopped (%s). Frames: %d, processed: %d, failed: %d, faces: %d, matches: %d\n",
		s.StopReason, s.Frames, s.Processed, s.Failed, s.Faces, s.Matches)
}
