// Package camera acquires JPEG frames from ffmpeg and writes annotated frames out.
package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
)

const (
	// DefaultOpenTimeout bounds how long Open waits for the first frame.
	DefaultOpenTimeout = 10 * time.Second

	maxFrameSize = 32 << 20
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("frame source closed")

type frameResult struct {
	data []byte
	err  error
}

// MJPEGSource splits a stream of concatenated JPEGs into frames. Open starts
// the stream and waits for the first frame so a dead device fails at startup.
type MJPEGSource struct {
	start       func() (io.ReadCloser, error)
	stop        func()
	reap        func() error
	diagnostics func() string

	OpenTimeout time.Duration
	logger      *slog.Logger

	frames chan frameResult
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	first  *frameResult
	index  int
}

// NewFFmpegSource captures from a webcam, file or stream URL through ffmpeg.
func NewFFmpegSource(in utils.CaptureInput, logger *slog.Logger) *MJPEGSource {
	if logger == nil {
		logger = slog.Default()
	}
	var cmd *utils.SafeCommand
	return &MJPEGSource{
		logger:      logger,
		OpenTimeout: DefaultOpenTimeout,
		start: func() (io.ReadCloser, error) {
			cmd = utils.NewCaptureCmd(in)
			stdout, err := cmd.StdoutPipe()
			if err != nil {
				return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
			}
			if err := cmd.Start(); err != nil {
				return nil, fmt.Errorf("start ffmpeg: %w", err)
			}
			logger.Info("capture started", "input", in.Input, "format", in.Format)
			return stdout, nil
		},
		stop: func() {
			if cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		},
		reap: func() error {
			if cmd == nil || cmd.Process == nil {
				return nil
			}
			// Killed on purpose, so the exit status is noise.
			_ = cmd.Wait()
			return nil
		},
		diagnostics: func() string {
			if cmd == nil {
				return ""
			}
			return strings.TrimSpace(cmd.Stderr.String())
		},
	}
}

// NewReaderSource serves frames from an already-open MJPEG stream.
func NewReaderSource(r io.Reader, logger *slog.Logger) *MJPEGSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MJPEGSource{
		logger:      logger,
		OpenTimeout: DefaultOpenTimeout,
		start:       func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
		stop:        func() {},
		reap:        func() error { return nil },
		diagnostics: func() string { return "" },
	}
}

func (s *MJPEGSource) Open(ctx context.Context) error {
	rc, err := s.start()
	if err != nil {
		return err
	}
	s.frames = make(chan frameResult)
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.read(rc)

	timeout := s.OpenTimeout
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-s.frames:
		if res.err != nil {
			s.Close()
			return s.describe(fmt.Errorf("no frames from source: %w", res.err))
		}
		s.first = &res
		return nil
	case <-timer.C:
		s.Close()
		return s.describe(fmt.Errorf("no frame within %s", timeout))
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

func (s *MJPEGSource) read(rc io.Reader) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 1<<20), maxFrameSize)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		// The scanner reuses its buffer.
		data := make([]byte, len(scanner.Bytes()))
		copy(data, scanner.Bytes())
		select {
		case s.frames <- frameResult{data: data}:
		case <-s.done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case s.frames <- frameResult{err: err}:
	case <-s.done:
	}
}

// Next blocks until the next frame, the end of the stream or ctx is done.
func (s *MJPEGSource) Next(ctx context.Context) (types.Frame, error) {
	if s.frames == nil {
		return types.Frame{}, errors.New("frame source not opened")
	}

	var res frameResult
	if s.first != nil {
		res, s.first = *s.first, nil
	} else {
		select {
		case r, ok := <-s.frames:
			if !ok {
				return types.Frame{}, ErrClosed
			}
			res = r
		case <-s.done:
			return types.Frame{}, ErrClosed
		case <-ctx.Done():
			return types.Frame{}, ctx.Err()
		}
	}

	if res.err != nil {
		if errors.Is(res.err, io.EOF) {
			return types.Frame{}, io.EOF
		}
		return types.Frame{}, res.err
	}
	f := types.Frame{Index: s.index, Data: res.data, CapturedAt: time.Now()}
	s.index++
	return f, nil
}

// Close stops the capture process and the reader.
func (s *MJPEGSource) Close() error {
	var err error
	s.once.Do(func() {
		if s.done != nil {
			close(s.done)
		}
		s.stop()
		// Drain the reader before reaping; Wait closes the pipe it reads from.
		s.wg.Wait()
		err = s.reap()
		s.logger.Debug("frame source closed", "frames", s.index)
	})
	return err
}

func (s *MJPEGSource) describe(err error) error {
	if d := s.diagnostics(); d != "" {
		return fmt.Errorf("%w (ffmpeg: %s)", err, d)
	}
	return err
}
