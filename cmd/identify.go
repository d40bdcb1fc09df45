package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/annotate"
	"github.com/andresmejia3/vigil/internal/matcher"
	"github.com/andresmejia3/vigil/internal/pipeline"
	"github.com/andresmejia3/vigil/internal/recorder"
	"github.com/andresmejia3/vigil/internal/registry"
	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/types"
)

// IdentifyOptions holds the flags of the identify command
type IdentifyOptions struct {
	Tolerance  float64
	Matcher    string
	Record     bool
	ServerSide bool
	Single     bool
	Annotate   string
	Engine     engineOpts
}

var identifyOpts IdentifyOptions

var identifyCmd = &cobra.Command{
	Use:   "identify <image>",
	Short: "Recognize the faces in a still image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := identifyOpts
		if !cmd.Flags().Changed("tolerance") {
			opts.Tolerance = Cfg.Matching.Tolerance
		}
		if !cmd.Flags().Changed("matcher") {
			opts.Matcher = Cfg.Matching.Matcher
		}
		if opts.Tolerance <= 0 || opts.Tolerance > 1 {
			return fmt.Errorf("--tolerance must be in (0, 1], got %g", opts.Tolerance)
		}
		return runIdentify(cmd.Context(), args[0], opts)
	},
}

func init() {
	f := identifyCmd.Flags()
	f.Float64VarP(&identifyOpts.Tolerance, "tolerance", "t", 0, "Largest distance accepted as a match (lower is stricter)")
	f.StringVar(&identifyOpts.Matcher, "matcher", "", "Matching engine: linear or hnsw")
	f.BoolVar(&identifyOpts.Record, "record", false, "Record matches in the scan history")
	f.BoolVar(&identifyOpts.ServerSide, "server-side", false, "Run the nearest-neighbor lookup in PostgreSQL (pgvector)")
	f.BoolVar(&identifyOpts.Single, "single", false, "Expect exactly one face; report ambiguity otherwise")
	f.StringVarP(&identifyOpts.Annotate, "annotate", "a", "", "Write the annotated image to this JPEG file")
	addEngineFlags(identifyCmd, &identifyOpts.Engine)
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, path string, opts IdentifyOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	reg, err := loadRegistry(ctx)
	if err != nil {
		return err
	}
	engine, err := matcher.New(opts.Matcher, Logger)
	if err != nil {
		return err
	}
	provider, err := startEngine(opts.Engine)
	if err != nil {
		return err
	}
	defer provider.Close()

	rec := &pipeline.Recognizer{Provider: provider, Engine: engine, Tolerance: opts.Tolerance}

	var (
		img    image.Image
		faces  []types.FaceMatch
		status types.MatchStatus
	)
	if opts.ServerSide {
		img, faces, status, err = identifyServerSide(ctx, rec, data, opts)
	} else {
		img, faces, status, err = rec.Identify(ctx, data, reg.Snapshot(), opts.Single)
	}
	if err != nil {
		if errors.Is(err, registry.ErrEmptyRegistry) {
			return fmt.Errorf("%w: enroll someone first with 'vigil enroll'", err)
		}
		return err
	}

	printIdentify(os.Stdout, path, faces, status)

	if opts.Record {
		r := recorder.New(DB, reg, Logger)
		for _, f := range faces {
			if err := r.Record(ctx, f.Result, recorder.Context{Method: recorder.MethodImage, Source: path}); err != nil {
				return err
			}
		}
	}

	if opts.Annotate != "" {
		out := annotate.ToRGBA(img)
		annotate.Draw(out, faces)
		file, err := os.Create(opts.Annotate)
		if err != nil {
			return fmt.Errorf("failed to create file: %w", err)
		}
		defer file.Close()
		if err := jpeg.Encode(file, out, &jpeg.Options{Quality: Cfg.Pipeline.OutputQuality}); err != nil {
			return fmt.Errorf("JPEG encode failed: %w", err)
		}
		fmt.Printf("🖼️  Annotated image written to %s\n", opts.Annotate)
	}
	return nil
}

// identifyServerSide detects locally and resolves every face with the
// store's own nearest-neighbor query instead of the in-memory registry.
func identifyServerSide(ctx context.Context, rec *pipeline.Recognizer, data []byte, opts IdentifyOptions) (image.Image, []types.FaceMatch, types.MatchStatus, error) {
	finder, ok := DB.(store.NearestFinder)
	if !ok {
		return nil, nil, types.Unmatched, errors.New("--server-side needs the PostgreSQL store")
	}
	img, dets, err := rec.Detect(ctx, data)
	if err != nil {
		return nil, nil, types.Unmatched, err
	}
	if len(dets) == 0 {
		return img, nil, types.NoFaceDetected, nil
	}
	if opts.Single && len(dets) > 1 {
		faces := make([]types.FaceMatch, len(dets))
		for i, d := range dets {
			faces[i] = types.FaceMatch{Box: d.Box, Result: types.MatchResult{Distance: math.Inf(1), Status: types.MultipleFacesAmbiguous}}
		}
		return img, faces, types.MultipleFacesAmbiguous, nil
	}
	faces, err := matchServerSide(ctx, finder, dets, opts.Tolerance)
	if err != nil {
		return nil, nil, types.Unmatched, err
	}
	return img, faces, summarize(faces), nil
}

func matchServerSide(ctx context.Context, finder store.NearestFinder, dets []types.Detection, tolerance float64) ([]types.FaceMatch, error) {
	faces := make([]types.FaceMatch, 0, len(dets))
	for _, d := range dets {
		id, name, dist, found, err := finder.Nearest(ctx, d.Vec)
		if err != nil {
			return nil, err
		}
		res := types.MatchResult{Distance: math.Inf(1), Status: types.Unmatched}
		if found {
			res = matcher.Resolve(types.IdentityRecord{ID: id, Name: name}, dist, tolerance)
		}
		faces = append(faces, types.FaceMatch{Box: d.Box, Result: res})
	}
	return faces, nil
}

func summarize(faces []types.FaceMatch) types.MatchStatus {
	for _, f := range faces {
		if f.Result.IsMatch() {
			return types.Matched
		}
	}
	return types.Unmatched
}

func printIdentify(w io.Writer, path string, faces []types.FaceMatch, status types.MatchStatus) {
	switch status {
	case types.NoFaceDetected:
		fmt.Fprintf(w, "🙈 No face detected in %s\n", path)
		return
	case types.MultipleFacesAmbiguous:
		fmt.Fprintf(w, "⚠️  %d faces detected in %s; use an image with only one face\n", len(faces), path)
		return
	}

	rows := make([][]string, 0, len(faces))
	for i, f := range faces {
		name := annotate.UnknownLabel
		id, dist, conf := "-", "-", "-"
		if f.Result.IsMatch() {
			name = f.Result.Name
			id = strconv.FormatInt(f.Result.IdentityID, 10)
			conf = fmt.Sprintf("%.1f%%", f.Result.Confidence)
		}
		if !math.IsInf(f.Result.Distance, 0) {
			dist = fmt.Sprintf("%.4f", f.Result.Distance)
		}
		box := f.Box
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			fmt.Sprintf("%d,%d-%d,%d", box.Left, box.Top, box.Right, box.Bottom),
			name, id, dist, conf,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"#", "BOX", "NAME", "ID", "DISTANCE", "CONFIDENCE"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	))
	fmt.Fprintf(w, "Result: %s\n", status)
}
