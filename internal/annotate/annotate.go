// Package annotate draws recognition overlays onto frames.
package annotate

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/vigil/internal/types"
)

// UnknownLabel is drawn for faces that did not resolve to an identity.
const UnknownLabel = "Unknown"

const (
	boxThickness = 2
	labelHeight  = 35
	bannerHeight = 30
)

var (
	boxColor    = color.RGBA{0, 255, 0, 255}
	textColor   = color.RGBA{255, 255, 255, 255}
	bannerColor = color.RGBA{0, 0, 0, 200}
)

// ToRGBA returns img as a mutable RGBA image, copying when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	xdraw.Draw(dst, b, img, b.Min, xdraw.Src)
	return dst
}

// Draw outlines every face and writes its label. When at least one face
// matched, a banner naming the first match is drawn across the top.
func Draw(img *image.RGBA, faces []types.FaceMatch) {
	var recognized string
	for _, f := range faces {
		label := UnknownLabel
		if f.Result.IsMatch() {
			label = f.Result.Name
			if recognized == "" {
				recognized = f.Result.Name
			}
		}
		drawFace(img, f.Box, label)
	}
	if recognized != "" {
		drawBanner(img, "Recognized: "+recognized)
	}
}

// LabelOrigin returns the baseline y of the label strip for a box: just
// above the bottom edge, or below it when the face sits at the very top.
func LabelOrigin(box types.BoundingBox) int {
	if box.Bottom-10 > 10 {
		return box.Bottom - 10
	}
	return box.Bottom + 10
}

func drawFace(img *image.RGBA, box types.BoundingBox, label string) {
	outline(img, image.Rect(box.Left, box.Top, box.Right, box.Bottom), boxThickness, boxColor)

	y := LabelOrigin(box)
	strip := image.Rect(box.Left, y-labelHeight, box.Right, y).Intersect(img.Bounds())
	fill(img, strip, boxColor)
	text(img, box.Left+6, y-6, label, textColor)
}

func drawBanner(img *image.RGBA, msg string) {
	b := img.Bounds()
	fill(img, image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+bannerHeight).Intersect(b), bannerColor)
	text(img, b.Min.X+10, b.Min.Y+20, msg, boxColor)
}

func fill(img *image.RGBA, r image.Rectangle, c color.Color) {
	if r.Empty() {
		return
	}
	xdraw.Draw(img, r, image.NewUniform(c), image.Point{}, xdraw.Over)
}

func outline(img *image.RGBA, r image.Rectangle, t int, c color.Color) {
	fill(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t).Intersect(img.Bounds()), c)
	fill(img, image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y).Intersect(img.Bounds()), c)
	fill(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y).Intersect(img.Bounds()), c)
	fill(img, image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y).Intersect(img.Bounds()), c)
}

func text(img *image.RGBA, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
