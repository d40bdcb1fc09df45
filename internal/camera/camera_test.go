package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testImage(shade uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = shade, shade, shade, 255
	}
	return img
}

func mjpegStream(t *testing.T, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		if err := jpeg.Encode(&buf, testImage(uint8(i*40)), nil); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	return buf.Bytes()
}

func TestReaderSourceFrames(t *testing.T) {
	src := NewReaderSource(bytes.NewReader(mjpegStream(t, 3)), quietLogger())
	ctx := context.Background()
	if err := src.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer src.Close()

	for i := 0; i < 3; i++ {
		f, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if f.Index != i {
			t.Errorf("Expected index %d, got %d", i, f.Index)
		}
		if _, err := jpeg.Decode(bytes.NewReader(f.Data)); err != nil {
			t.Errorf("Frame %d is not a valid JPEG: %v", i, err)
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF at end of stream, got %v", err)
	}
}

func TestReaderSourceEmptyStreamFailsOpen(t *testing.T) {
	src := NewReaderSource(bytes.NewReader([]byte("no jpeg here")), quietLogger())
	if err := src.Open(context.Background()); err == nil {
		t.Fatal("Expected Open to fail without a first frame")
	}
}

func TestOpenTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	src := NewReaderSource(pr, quietLogger())
	src.OpenTimeout = 50 * time.Millisecond

	start := time.Now()
	// Close on the pipe unblocks the reader once Open gives up.
	go func() {
		time.Sleep(200 * time.Millisecond)
		pw.Close()
	}()
	if err := src.Open(context.Background()); err == nil {
		t.Fatal("Expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Open took too long to time out")
	}
}

func TestNextHonorsContext(t *testing.T) {
	pr, pw := io.Pipe()
	src := NewReaderSource(pr, quietLogger())

	stream := mjpegStream(t, 1)
	go func() {
		// One frame, then silence until the test ends.
		pw.Write(stream)
	}()
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := src.Next(context.Background()); err != nil {
		t.Fatalf("first Next failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	pw.Close()
	src.Close()
}

func TestDirSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink, err := NewDirSink(dir, 0)
	if err != nil {
		t.Fatalf("NewDirSink failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := sink.Present(context.Background(), types.AnnotatedFrame{Index: i, Image: testImage(100)}); err != nil {
			t.Fatalf("Present failed: %v", err)
		}
	}
	if sink.Saved() != 2 {
		t.Errorf("Expected 2 frames saved, got %d", sink.Saved())
	}
	data, err := os.ReadFile(filepath.Join(dir, "frame_000001.jpg"))
	if err != nil {
		t.Fatalf("Expected frame_000001.jpg: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Saved frame is not a JPEG: %v", err)
	}
	r, _, _, _ := img.At(4, 4).RGBA()
	if got := r >> 8; got < 90 || got > 110 {
		t.Errorf("Expected pixel around 100, got %d", got)
	}
}

func TestMJPEGSinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sink := NewMJPEGSink(&buf, 90)
	for i := 0; i < 3; i++ {
		if err := sink.Present(context.Background(), types.AnnotatedFrame{Index: i, Image: testImage(uint8(i * 50))}); err != nil {
			t.Fatalf("Present failed: %v", err)
		}
	}

	// The stream must split back into the same number of frames.
	scanner := bufio.NewScanner(&buf)
	scanner.Split(utils.SplitJpeg)
	n := 0
	for scanner.Scan() {
		n++
	}
	if n != 3 {
		t.Errorf("Expected 3 frames in the stream, got %d", n)
	}
}

func TestDiscardSink(t *testing.T) {
	if err := (DiscardSink{}).Present(context.Background(), types.AnnotatedFrame{}); err != nil {
		t.Errorf("DiscardSink returned %v", err)
	}
}
