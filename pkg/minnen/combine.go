package minnen

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	_ "image/jpeg"
	_ "image/png"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
	"golang.org/x/image/webp"
)

const jpegQuality = 80

// Combined-image geometry, matching the in-app memory rendering.
const (
	overlayScale  = 0.3
	cornerRadius  = 60
	outlineWidth  = 7
	overlayInsetX = 55
	overlayInsetY = 55
)

// decodeImage decodes export image bytes. BeReal exports are WebP, but
// anything the registered decoders understand is accepted.
func decodeImage(data []byte) (image.Image, error) {
	if len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		img, err := webp.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode webp: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}

// encodeImage encodes a surface in the configured output format.
func encodeImage(img image.Image, format string) ([]byte, error) {
	enc := imgio.JPEGEncoder(jpegQuality)
	if format == FormatPNG {
		enc = imgio.PNGEncoder()
	}

	var buf bytes.Buffer
	if err := enc(&buf, img); err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// combine draws the overlay, scaled down and clipped to rounded corners
// with a solid outline behind it, onto the top-left corner of the base.
func combine(base, overlay image.Image) image.Image {
	ow := int(float64(overlay.Bounds().Dx()) * overlayScale)
	oh := int(float64(overlay.Bounds().Dy()) * overlayScale)
	small := transform.Resize(overlay, ow, oh, transform.Lanczos)

	canvas := image.NewRGBA(image.Rect(0, 0, base.Bounds().Dx(), base.Bounds().Dy()))
	draw.Draw(canvas, canvas.Bounds(), base, base.Bounds().Min, draw.Src)

	outline := image.Rect(
		overlayInsetX-outlineWidth, overlayInsetY-outlineWidth,
		overlayInsetX+ow+outlineWidth, overlayInsetY+oh+outlineWidth)
	mask := roundedMask(outline.Dx(), outline.Dy(), cornerRadius+outlineWidth)
	draw.DrawMask(canvas, outline, image.NewUniform(color.Black), image.Point{}, mask, image.Point{}, draw.Over)

	dst := image.Rect(overlayInsetX, overlayInsetY, overlayInsetX+ow, overlayInsetY+oh)
	mask = roundedMask(ow, oh, cornerRadius)
	draw.DrawMask(canvas, dst, small, small.Bounds().Min, mask, image.Point{}, draw.Over)

	return canvas
}

// roundedMask is an opaque rectangle with transparent rounded corners.
func roundedMask(w, h, r int) *image.Alpha {
	m := image.NewAlpha(image.Rect(0, 0, w, h))
	if r > w/2 {
		r = w / 2
	}
	if r > h/2 {
		r = h / 2
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cx, cy := x, y
			if cx >= r && cx < w-r {
				cx = r
			} else if cx >= w-r {
				cx -= w - 2*r
			}
			if cy >= r && cy < h-r {
				cy = r
			} else if cy >= h-r {
				cy -= h - 2*r
			}
			dx, dy := cx-r, cy-r
			if dx*dx+dy*dy <= r*r {
				m.SetAlpha(x, y, color.Alpha{A: 0xFF})
			}
		}
	}
	return m
}
