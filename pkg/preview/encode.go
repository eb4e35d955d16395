package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"

	"github.com/diffuselab/diffused/pkg/native"
)

// LoadFile decodes a PNG or JPEG from disk into an *image.RGBA.
func LoadFile(path string) (*image.RGBA, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba, nil
	}
	b := src.Bounds()
	rgba := image.NewRGBA(b)
	draw.Copy(rgba, b.Min, src, b, draw.Over, nil)
	return rgba, nil
}

// ToImage converts a raw engine frame into an *image.RGBA.
func ToImage(img native.Image) (*image.RGBA, error) {
	if img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%d", img.Width, img.Height)
	}
	switch img.Channels {
	case 3, 4:
	default:
		return nil, fmt.Errorf("unsupported channel count %d", img.Channels)
	}
	if len(img.Data) < img.Width*img.Height*img.Channels {
		return nil, fmt.Errorf("image data truncated: have %d bytes, need %d",
			len(img.Data), img.Width*img.Height*img.Channels)
	}

	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	src := img.Data
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			si := (y*img.Width + x) * img.Channels
			di := out.PixOffset(x, y)
			out.Pix[di+0] = src[si+0]
			out.Pix[di+1] = src[si+1]
			out.Pix[di+2] = src[si+2]
			if img.Channels == 4 {
				out.Pix[di+3] = src[si+3]
			} else {
				out.Pix[di+3] = 0xff
			}
		}
	}
	return out, nil
}

// Scale downsizes src so its longest side is at most maxSize, preserving
// aspect ratio. Images already within bounds are returned unchanged.
func Scale(src *image.RGBA, maxSize int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSize <= 0 || (w <= maxSize && h <= maxSize) {
		return src
	}
	var nw, nh int
	if w >= h {
		nw = maxSize
		nh = h * maxSize / w
	} else {
		nh = maxSize
		nw = w * maxSize / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// EncodeFrame converts, downsizes and JPEG-encodes an engine preview frame.
func EncodeFrame(frame native.PreviewFrame, maxSize, quality int) (Snapshot, error) {
	rgba, err := ToImage(frame.Image)
	if err != nil {
		return Snapshot{}, err
	}
	rgba = Scale(rgba, maxSize)

	if quality <= 0 || quality > 100 {
		quality = 75
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: quality}); err != nil {
		return Snapshot{}, fmt.Errorf("encoding preview: %w", err)
	}

	b := rgba.Bounds()
	return Snapshot{
		JPEG:       buf.Bytes(),
		Width:      b.Dx(),
		Height:     b.Dy(),
		Step:       frame.Step,
		TotalSteps: frame.TotalSteps,
		FrameCount: frame.FrameCount,
		IsNoisy:    frame.IsNoisy,
	}, nil
}
