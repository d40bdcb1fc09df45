package utils

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python/ffmpeg logs)
// This ensures we don't lose critical crash information if a subprocess dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints the formatted error box without exiting.
// Subprocess logs are dumped when a SafeCommand captured any.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 VIGIL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nSUBPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for Vigil.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Frame Capture ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CaptureInput describes where ffmpeg reads frames from.
type CaptureInput struct {
	Input    string // device path, file or URL
	Format   string // ffmpeg demuxer, e.g. "v4l2", "avfoundation"; empty lets ffmpeg probe
	Width    int
	Height   int
	FPS      int
	Realtime bool // throttle file inputs to their native rate (-re)
}

// CaptureArgs builds the ffmpeg argument list that turns input into an MJPEG
// stream on stdout.
func CaptureArgs(in CaptureInput) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if in.Realtime {
		args = append(args, "-re")
	}
	if in.Format != "" {
		args = append(args, "-f", in.Format)
	}
	if in.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(in.FPS))
	}
	if in.Width > 0 && in.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", in.Width, in.Height))
	}
	// -vcodec mjpeg ensures we get JPEGs Go can split
	return append(args, "-i", in.Input, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
}

// NewCaptureCmd creates the ffmpeg decoder pipe for a live source.
func NewCaptureCmd(in CaptureInput) *SafeCommand {
	return NewSafeCommand("ffmpeg", CaptureArgs(in)...)
}

// --- 3. Names ---

// NormalizeName folds a display name for comparison: underscores become
// spaces, diacritics are stripped, case is folded and whitespace collapsed.
func NormalizeName(name string) string {
	name = strings.ReplaceAll(name, "_", " ")
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}
