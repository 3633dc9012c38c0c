package recorder

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"

	"argos/internal/frame"
)

var boxColor = color.RGBA{R: 0x2e, G: 0xcc, B: 0x71, A: 0xff}

// writeThumbnail snapshots the triggering frame as a JPEG with the relevant
// detections outlined.
func writeThumbnail(path string, fts *frame.FrameToScan, objects []frame.DetectedObject, quality int) error {
	src := fts.Frame.RGB()

	img := image.NewRGBA(src.Rect)
	draw.Draw(img, img.Rect, src, src.Rect.Min, draw.Src)

	w, h := img.Rect.Dx(), img.Rect.Dy()
	for _, o := range objects {
		if !o.Relevant {
			continue
		}
		x1, y1, x2, y2 := o.Absolute(w, h)
		drawRect(img, x1, y1, x2, y2)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("thumbnail: %w", err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		return fmt.Errorf("thumbnail: %w", err)
	}
	return f.Close()
}

// drawRect outlines a box with a 2 px border, clamped to the image bounds.
func drawRect(img *image.RGBA, x1, y1, x2, y2 int) {
	const thickness = 2
	for t := 0; t < thickness; t++ {
		for x := x1; x <= x2; x++ {
			setPixel(img, x, y1+t)
			setPixel(img, x, y2-t)
		}
		for y := y1; y <= y2; y++ {
			setPixel(img, x1+t, y)
			setPixel(img, x2-t, y)
		}
	}
}

func setPixel(img *image.RGBA, x, y int) {
	if image.Pt(x, y).In(img.Rect) {
		img.SetRGBA(x, y, boxColor)
	}
}
