// Package pipeline drives the live recognition loop: acquire a frame, detect
// and encode faces, match them, annotate and present. One frame is in flight
// at a time and a failing frame never stops the loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/vigil/internal/annotate"
	"github.com/andresmejia3/vigil/internal/matcher"
	"github.com/andresmejia3/vigil/internal/registry"
	"github.com/andresmejia3/vigil/internal/types"
)

var (
	// ErrCameraUnavailable is returned when the frame source cannot be opened.
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrAlreadyRunning is returned by Run on a pipeline that is already running.
	ErrAlreadyRunning = errors.New("pipeline already running")
)

// Source yields frames in acquisition order.
type Source interface {
	Open(ctx context.Context) error
	// Next blocks until a frame is available. io.EOF marks a finite source's end.
	Next(ctx context.Context) (types.Frame, error)
	Close() error
}

// Sink presents an annotated frame.
type Sink interface {
	Present(ctx context.Context, f types.AnnotatedFrame) error
}

// MatchFunc is called once for every matched face in a frame.
type MatchFunc func(ctx context.Context, res types.MatchResult)

// State is the pipeline's position in its lifecycle.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Detecting
	Matching
	Annotating
	Presenting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Detecting:
		return "detecting"
	case Matching:
		return "matching"
	case Annotating:
		return "annotating"
	case Presenting:
		return "presenting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Options struct {
	Source    Source
	Provider  Provider
	Registry  *registry.Registry
	Engine    matcher.Engine
	Sink      Sink
	Tolerance float64
	Downscale float64
	OnMatch   MatchFunc
	Logger    *slog.Logger
}

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	Frames     int64
	Processed  int64
	Failed     int64
	Faces      int64
	Matches    int64
	StopReason string
}

type Pipeline struct {
	opts   Options
	rec    *Recognizer
	logger *slog.Logger

	running     atomic.Bool
	emptyWarned atomic.Bool
	state       atomic.Int32

	frames, processed, failed, faces, matches atomic.Int64

	mu         sync.Mutex
	cancel     context.CancelFunc
	stopReason string
}

func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Engine == nil {
		opts.Engine = matcher.NewLinear(logger)
	}
	return &Pipeline{
		opts:   opts,
		logger: logger,
		rec: &Recognizer{
			Provider:  opts.Provider,
			Engine:    opts.Engine,
			Tolerance: opts.Tolerance,
			Downscale: opts.Downscale,
		},
	}
}

// State reports the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) setState(s State) { p.state.Store(int32(s)) }

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	reason := p.stopReason
	p.mu.Unlock()
	return Stats{
		Frames:     p.frames.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Faces:      p.faces.Load(),
		Matches:    p.matches.Load(),
		StopReason: reason,
	}
}

// Cancel asks a running loop to stop after the frame in flight.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Run blocks until ctx is cancelled, Cancel is called or the source fails.
// Startup fails with registry.ErrEmptyRegistry or ErrCameraUnavailable; a
// source failure after startup ends the loop and returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancel = cancel
	p.stopReason = ""
	p.mu.Unlock()

	p.setState(Starting)
	if p.opts.Registry == nil || p.opts.Registry.IsEmpty() {
		p.stop("empty registry")
		return registry.ErrEmptyRegistry
	}
	if err := p.opts.Source.Open(ctx); err != nil {
		p.stop("camera unavailable")
		return fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	defer func() {
		if err := p.opts.Source.Close(); err != nil {
			p.logger.Warn("closing frame source", "error", err)
		}
	}()

	p.setState(Running)
	p.logger.Info("pipeline started", "identities", p.opts.Registry.Len(), "tolerance", p.rec.tolerance(), "downscale", p.opts.Downscale)
	started := time.Now()
	defer func() {
		s := p.Stats()
		p.logger.Info("pipeline stopped",
			"reason", s.StopReason,
			"frames", s.Frames,
			"processed", s.Processed,
			"failed", s.Failed,
			"faces", s.Faces,
			"matches", s.Matches,
			"elapsed", time.Since(started).Round(time.Millisecond))
	}()

	for {
		if ctx.Err() != nil {
			p.stop("cancelled")
			return nil
		}

		frame, err := p.opts.Source.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				p.stop("cancelled")
			case errors.Is(err, io.EOF):
				p.logger.Info("frame source ended")
				p.stop("source ended")
			default:
				p.logger.Error("frame acquisition failed", "error", err)
				p.stop("camera failure: " + err.Error())
			}
			return nil
		}

		p.frames.Add(1)
		p.processFrame(ctx, frame)
		p.setState(Running)
	}
}

func (p *Pipeline) stop(reason string) {
	p.mu.Lock()
	p.stopReason = reason
	p.mu.Unlock()
	p.setState(Stopped)
}

// processFrame never fails: errors and panics are logged and counted. The
// frame completes even if cancellation arrives mid-way.
func (p *Pipeline) processFrame(ctx context.Context, frame types.Frame) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("frame panicked", "frame", frame.Index, "panic", r)
		}
	}()

	if err := p.handle(ctx, frame); err != nil {
		p.failed.Add(1)
		p.logger.Warn("frame skipped", "frame", frame.Index, "state", p.State().String(), "error", err)
		return
	}
	p.processed.Add(1)
}

func (p *Pipeline) handle(ctx context.Context, frame types.Frame) error {
	p.setState(Detecting)
	img, dets, err := p.rec.Detect(ctx, frame.Data)
	if err != nil {
		return err
	}
	p.faces.Add(int64(len(dets)))

	p.setState(Matching)
	snap := p.opts.Registry.Snapshot()
	var faces []types.FaceMatch
	if snap.Len() == 0 {
		// Emptied by a reload or invalidation while running: frames keep
		// flowing with every face unknown.
		if p.emptyWarned.CompareAndSwap(false, true) {
			p.logger.Warn("registry became empty, faces are reported as unknown until identities are reloaded")
		}
		faces = unknownFaces(dets)
	} else {
		p.emptyWarned.Store(false)
		if faces, err = p.rec.Match(dets, snap); err != nil {
			return err
		}
	}
	for _, f := range faces {
		if !f.Result.IsMatch() {
			continue
		}
		p.matches.Add(1)
		if p.opts.OnMatch != nil {
			p.opts.OnMatch(ctx, f.Result)
		}
	}

	out := types.AnnotatedFrame{Index: frame.Index, CapturedAt: frame.CapturedAt, Image: img, Faces: faces}
	if len(faces) > 0 {
		p.setState(Annotating)
		rgba := annotate.ToRGBA(img)
		annotate.Draw(rgba, faces)
		out.Image = rgba
	}

	p.setState(Presenting)
	if p.opts.Sink == nil {
		return nil
	}
	if err := p.opts.Sink.Present(ctx, out); err != nil {
		return fmt.Errorf("present frame: %w", err)
	}
	return nil
}
