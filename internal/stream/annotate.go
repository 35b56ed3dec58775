package stream

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	boxColor   = color.RGBA{R: 255, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const (
	boxThickness = 2
	labelHeight  = 35
	labelPadding = 6
)

// Annotate copies img and draws a box with a filled label bar for every face.
// labels[i] belongs to faces[i]; a missing or empty label draws the box only.
func Annotate(img image.Image, faces []Face, labels []string) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)

	for i, f := range faces {
		r := f.Box.Intersect(b)
		if r.Empty() {
			continue
		}
		strokeRect(out, r, boxColor, boxThickness)

		label := ""
		if i < len(labels) {
			label = labels[i]
		}
		if label == "" {
			continue
		}
		bar := image.Rect(r.Min.X, r.Max.Y-labelHeight, r.Max.X, r.Max.Y).Intersect(b)
		draw.Draw(out, bar, image.NewUniform(boxColor), image.Point{}, draw.Src)
		d := font.Drawer{
			Dst:  out,
			Src:  image.NewUniform(labelColor),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(r.Min.X+labelPadding, r.Max.Y-labelPadding),
		}
		d.DrawString(label)
	}
	return out
}

func strokeRect(dst draw.Image, r image.Rectangle, c color.Color, width int) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), u, image.Point{}, draw.Src)
	}
}

// EncodeJPEG encodes img at the given quality (1..100, default 80).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
