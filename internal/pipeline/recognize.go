package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/andresmejia3/vigil/internal/matcher"
	"github.com/andresmejia3/vigil/internal/types"
)

// Provider is the external face engine: boxes plus one embedding per face.
// No faces is an empty slice, not an error.
type Provider interface {
	DetectAndEncode(ctx context.Context, img []byte) ([]types.Detection, error)
}

// Recognizer runs detection and matching for one image. The live pipeline and
// the one-shot identify command share it.
type Recognizer struct {
	Provider  Provider
	Engine    matcher.Engine
	Tolerance float64
	// Downscale in (0, 1) shrinks the image before detection; boxes are mapped
	// back to full-frame coordinates. 0 or 1 disables it.
	Downscale float64
}

func (r *Recognizer) tolerance() float64 {
	if r.Tolerance <= 0 {
		return matcher.DefaultTolerance
	}
	return r.Tolerance
}

// Detect decodes data and returns the full-size image with every detection in
// full-frame coordinates.
func (r *Recognizer) Detect(ctx context.Context, data []byte) (image.Image, []types.Detection, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("decode frame: %w", err)
	}

	bounds := img.Bounds()
	probe, scaled := data, false
	var fx, fy float64
	if r.Downscale > 0 && r.Downscale < 1 {
		small := resize(img, r.Downscale)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: 90}); err != nil {
			return nil, nil, fmt.Errorf("encode downscaled frame: %w", err)
		}
		// resize rounds the target size, so map back with the real ratios.
		sb := small.Bounds()
		probe, scaled = buf.Bytes(), true
		fx = float64(bounds.Dx()) / float64(sb.Dx())
		fy = float64(bounds.Dy()) / float64(sb.Dy())
	}

	dets, err := r.Provider.DetectAndEncode(ctx, probe)
	if err != nil {
		return nil, nil, fmt.Errorf("detect faces: %w", err)
	}

	for i := range dets {
		if scaled {
			dets[i].Box = dets[i].Box.Scale(fx, fy)
		}
		dets[i].Box = dets[i].Box.Clamp(bounds)
	}
	return img, dets, nil
}

// Match resolves each detection independently against src.
func (r *Recognizer) Match(dets []types.Detection, src matcher.Source) ([]types.FaceMatch, error) {
	faces := make([]types.FaceMatch, 0, len(dets))
	for _, d := range dets {
		res, err := r.Engine.Match(d.Vec, src, r.tolerance())
		if err != nil {
			return nil, fmt.Errorf("match face: %w", err)
		}
		faces = append(faces, types.FaceMatch{Box: d.Box, Result: res})
	}
	return faces, nil
}

func unknownFaces(dets []types.Detection) []types.FaceMatch {
	faces := make([]types.FaceMatch, len(dets))
	for i, d := range dets {
		faces[i] = types.FaceMatch{Box: d.Box, Result: types.MatchResult{Distance: math.Inf(1), Status: types.Unmatched}}
	}
	return faces
}

// Identify recognizes a still image. The returned status summarizes it:
// NoFaceDetected, MultipleFacesAmbiguous (only when single is set and more
// than one face is present), Matched when any face matched, else Unmatched.
func (r *Recognizer) Identify(ctx context.Context, data []byte, src matcher.Source, single bool) (image.Image, []types.FaceMatch, types.MatchStatus, error) {
	img, dets, err := r.Detect(ctx, data)
	if err != nil {
		return nil, nil, types.Unmatched, err
	}
	if len(dets) == 0 {
		return img, nil, types.NoFaceDetected, nil
	}
	if single && len(dets) > 1 {
		faces := make([]types.FaceMatch, len(dets))
		for i, d := range dets {
			faces[i] = types.FaceMatch{Box: d.Box, Result: types.MatchResult{Distance: math.Inf(1), Status: types.MultipleFacesAmbiguous}}
		}
		return img, faces, types.MultipleFacesAmbiguous, nil
	}

	faces, err := r.Match(dets, src)
	if err != nil {
		return nil, nil, types.Unmatched, err
	}
	status := types.Unmatched
	for _, f := range faces {
		if f.Result.IsMatch() {
			status = types.Matched
			break
		}
	}
	return img, faces, status, nil
}

func resize(img image.Image, factor float64) image.Image {
	b := img.Bounds()
	w := int(math.Max(1, math.Round(float64(b.Dx())*factor)))
	h := int(math.Max(1, math.Round(float64(b.Dy())*factor)))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}
