package camera

import (
	"bufio"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/vigil/internal/types"
)

const defaultQuality = 85

// DirSink saves every presented frame as frame_NNNNNN.jpg.
type DirSink struct {
	dir     string
	quality int
	saved   atomic.Uint64
}

func NewDirSink(dir string, quality int) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}
	return &DirSink{dir: dir, quality: quality}, nil
}

func (d *DirSink) Present(_ context.Context, f types.AnnotatedFrame) error {
	path := filepath.Join(d.dir, fmt.Sprintf("frame_%06d.jpg", f.Index))
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := jpeg.Encode(file, f.Image, &jpeg.Options{Quality: d.quality}); err != nil {
		file.Close()
		return fmt.Errorf("JPEG encode failed: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	d.saved.Add(1)
	return nil
}

// Saved reports how many frames were written.
func (d *DirSink) Saved() uint64 { return d.saved.Load() }

// MJPEGSink writes frames back to back as a raw MJPEG stream, which ffplay
// and ffmpeg read with "-f mjpeg -".
type MJPEGSink struct {
	mu      sync.Mutex
	w       *bufio.Writer
	quality int
}

func NewMJPEGSink(w io.Writer, quality int) *MJPEGSink {
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}
	return &MJPEGSink{w: bufio.NewWriter(w), quality: quality}
}

func (m *MJPEGSink) Present(_ context.Context, f types.AnnotatedFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := jpeg.Encode(m.w, f.Image, &jpeg.Options{Quality: m.quality}); err != nil {
		return fmt.Errorf("JPEG encode failed: %w", err)
	}
	return m.w.Flush()
}

// DiscardSink drops frames, for headless runs.
type DiscardSink struct{}

func (DiscardSink) Present(context.Context, types.AnnotatedFrame) error { return nil }
