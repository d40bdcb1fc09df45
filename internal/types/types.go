package types

import (
	"image"
	"time"
)

// Embedding is the fixed-length descriptor the face engine produces for one face
type Embedding []float64

// BoundingBox is a face location in pixel coordinates
type BoundingBox struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Scale multiplies the horizontal edges by fx and the vertical edges by fy,
// rounding to the nearest pixel.
func (b BoundingBox) Scale(fx, fy float64) BoundingBox {
	round := func(v int, factor float64) int {
		f := float64(v) * factor
		if f < 0 {
			return int(f - 0.5)
		}
		return int(f + 0.5)
	}
	return BoundingBox{
		Top:    round(b.Top, fy),
		Right:  round(b.Right, fx),
		Bottom: round(b.Bottom, fy),
		Left:   round(b.Left, fx),
	}
}

// Clamp keeps the box inside bounds.
func (b BoundingBox) Clamp(bounds image.Rectangle) BoundingBox {
	clamp := func(v, lo, hi int) int {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	return BoundingBox{
		Top:    clamp(b.Top, bounds.Min.Y, bounds.Max.Y-1),
		Right:  clamp(b.Right, bounds.Min.X, bounds.Max.X-1),
		Bottom: clamp(b.Bottom, bounds.Min.Y, bounds.Max.Y-1),
		Left:   clamp(b.Left, bounds.Min.X, bounds.Max.X-1),
	}
}

// Area returns the box area in pixels, zero for inverted boxes.
func (b BoundingBox) Area() int {
	w, h := b.Right-b.Left, b.Bottom-b.Top
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Detection is one face found by the engine
type Detection struct {
	Box BoundingBox
	Vec Embedding
}

// Frame is a single encoded (JPEG) image pulled from a frame source
type Frame struct {
	Index      int
	Data       []byte
	CapturedAt time.Time
}

// IdentityRecord is an enrolled person as held by the store and the registry.
type IdentityRecord struct {
	ID        int64
	Name      string
	Embedding Embedding
	Photo     []byte
	Metadata  map[string]any
	ScanCount int
	LastSeen  *time.Time
	CreatedAt time.Time
}

// StoredRecord is a row as read from the store. A non-empty Reason marks the
// row as corrupt; Record then only carries whatever could be decoded.
type StoredRecord struct {
	Record IdentityRecord
	Reason string
}

// Valid reports whether the row decoded cleanly.
func (s StoredRecord) Valid() bool { return s.Reason == "" }

// MatchStatus is the outcome of resolving one probe
type MatchStatus int

const (
	Unmatched MatchStatus = iota
	Matched
	NoFaceDetected
	MultipleFacesAmbiguous
)

func (s MatchStatus) String() string {
	switch s {
	case Matched:
		return "matched"
	case Unmatched:
		return "unmatched"
	case NoFaceDetected:
		return "no_face_detected"
	case MultipleFacesAmbiguous:
		return "multiple_faces_ambiguous"
	default:
		return "unknown"
	}
}

// MatchResult is produced fresh for every probe and never persisted directly.
// IdentityID and Name are only set when Status is Matched.
type MatchResult struct {
	IdentityID int64
	Name       string
	Distance   float64
	Confidence float64
	Status     MatchStatus
}

// IsMatch reports whether the probe resolved to a known identity.
func (m MatchResult) IsMatch() bool { return m.Status == Matched }

// FaceMatch pairs a detected face (full-frame coordinates) with its resolution
type FaceMatch struct {
	Box    BoundingBox
	Result MatchResult
}

// AnnotatedFrame is what the pipeline hands to a frame sink
type AnnotatedFrame struct {
	Index      int
	CapturedAt time.Time
	Image      image.Image
	Faces      []FaceMatch
}

// ScanEvent is one append-only history entry for a successful match
type ScanEvent struct {
	IdentityID int64
	Confidence float64
	Timestamp  time.Time
	Method     string // "live", "image"
	Source     string
}
