package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils" // Using the SafeCommand wrapper
	"github.com/andresmejia3/vigil/internal/vecmath"
)

const (
	statusOK    = 0
	statusError = 1

	// maxResponse guards against a corrupt length header.
	maxResponse = 64 << 20
)

// Config selects the face engine process.
type Config struct {
	Python string // interpreter, default python3
	Script string // default python/worker.py
	Args   []string
	Dim    int // expected embedding length; 0 accepts whatever the engine sends
}

// PythonWorker talks to the face engine over a length-prefixed binary protocol.
//
// Request:  [u32 len][image bytes]
// Response: [u32 len][status u8] then
//
//	status 0: [u32 faces][u32 dim] and per face [4 x i32 top,right,bottom,left][dim x f32]
//	status 1: [u32 msgLen][msg]
//
// All integers are big-endian.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Dim      int

	mu sync.Mutex // one request in flight
}

func NewPythonWorker(id int, cfg Config) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	script := cfg.Script
	if script == "" {
		script = "python/worker.py"
	}
	args := append([]string{"-u", script}, cfg.Args...)
	py := utils.NewSafeCommand(python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Dim:      cfg.Dim,
	}, nil
}

// DetectAndEncode returns every face in img with its embedding. It checks ctx
// before sending; a request already on the wire runs to completion.
func (w *PythonWorker) DetectAndEncode(ctx context.Context, img []byte) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.ProcessFrame(img)
}

// ProcessFrame sends one image and decodes the engine's answer.
func (w *PythonWorker) ProcessFrame(data []byte) ([]types.Detection, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	resp, err := w.communicate(data)
	if err != nil {
		return nil, err
	}
	return w.decode(resp)
}

func (w *PythonWorker) communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, fmt.Errorf("write request header: %w", err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write request body: %w", err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, fmt.Errorf("read response header: %w", err) // This is where we catch a crashed engine
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return respBody, nil
}

func (w *PythonWorker) decode(resp []byte) ([]types.Detection, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("empty response")
	}

	switch status {
	case statusOK:
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("read error length: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("read error message: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown response status %d", status)
	}

	var hdr struct {
		Faces uint32
		Dim   uint32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read face header: %w", err)
	}
	if w.Dim > 0 && hdr.Faces > 0 && int(hdr.Dim) != w.Dim {
		return nil, fmt.Errorf("engine returned %d-dim embeddings, expected %d", hdr.Dim, w.Dim)
	}
	// Each face needs at least 16 bytes of box plus the vector.
	if need := int64(hdr.Faces) * (16 + 4*int64(hdr.Dim)); need > int64(r.Len()) {
		return nil, fmt.Errorf("truncated response: %d faces of dim %d need %d bytes, have %d", hdr.Faces, hdr.Dim, need, r.Len())
	}

	dets := make([]types.Detection, 0, hdr.Faces)
	for i := uint32(0); i < hdr.Faces; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("read box %d: %w", i, err)
		}
		raw := make([]float32, hdr.Dim)
		if err := binary.Read(r, binary.BigEndian, raw); err != nil {
			return nil, fmt.Errorf("read embedding %d: %w", i, err)
		}
		vec := vecmath.FromFloat32(raw)
		for _, v := range vec {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("embedding %d has a non-finite value", i)
			}
		}
		dets = append(dets, types.Detection{
			Box: types.BoundingBox{Top: int(box[0]), Right: int(box[1]), Bottom: int(box[2]), Left: int(box[3])},
			Vec: vec,
		})
	}
	return dets, nil
}

// Close shuts down the engine and waits for it to exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
