package codec

//go:generate mockgen -destination=mocks/mock_codec.go -source=codec.go Codec

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // registers the webp decoder

	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/plan"
)

// Codec transforms one input image into one output artifact.
type Codec interface {
	// Probe returns the pixel dimensions of the input without a full decode.
	Probe(input []byte) (plan.Dimensions, error)
	Convert(ctx context.Context, input []byte, job plan.Job) ([]byte, error)
	Formats() []string
}

var encoders = map[string]imaging.Format{
	"jpeg": imaging.JPEG,
	"png":  imaging.PNG,
	"gif":  imaging.GIF,
	"tiff": imaging.TIFF,
	"bmp":  imaging.BMP,
}

// ProgressiveJPEG reports whether the jpeg encoder honours the progressive
// toggle. The stdlib encoder only writes baseline files.
const ProgressiveJPEG = false

// Imaging is a pure-Go codec backed by disintegration/imaging.
type Imaging struct{}

// NewImaging returns the default codec.
func NewImaging() *Imaging { return &Imaging{} }

// Formats lists the encodable output formats.
func (c *Imaging) Formats() []string {
	return []string{"webp", "jpeg", "png", "gif", "tiff", "bmp"}
}

func (c *Imaging) Probe(input []byte) (plan.Dimensions, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return plan.Dimensions{}, fmt.Errorf("%w: probe: %v", errs.ErrCodecFailure, err)
	}
	return plan.Dimensions{Width: cfg.Width, Height: cfg.Height}, nil
}

// Convert decodes, crops, resizes and re-encodes. Metadata is never carried
// over by the encoders, so stripping is always honoured.
func (c *Imaging) Convert(ctx context.Context, input []byte, job plan.Job) ([]byte, error) {
	format, ok := encoders[job.Format]
	if !ok && job.Format != "webp" {
		return nil, fmt.Errorf("%w: cannot encode %q", errs.ErrCodecFailure, job.Format)
	}
	src, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", errs.ErrCodecFailure, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err //nolint:wrapcheck
	}

	if rect := job.Options.Crop; rect != nil {
		b := src.Bounds()
		x0, y0, x1, y1 := rect.Apply(plan.Dimensions{Width: b.Dx(), Height: b.Dy()})
		src = imaging.Crop(src, image.Rect(b.Min.X+x0, b.Min.Y+y0, b.Min.X+x1, b.Min.Y+y1))
	}

	out := resize(src, job.Target, job.Options)
	if err := ctx.Err(); err != nil {
		return nil, err //nolint:wrapcheck
	}

	var buf bytes.Buffer
	if job.Format == "webp" {
		// lossless VP8L; quality does not apply
		err = nativewebp.Encode(&buf, out, nil)
	} else {
		err = imaging.Encode(&buf, out, format, encodeOptions(job.Options)...)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", errs.ErrCodecFailure, job.Format, err)
	}
	return buf.Bytes(), nil
}

func resize(src image.Image, t plan.Target, opts plan.Options) image.Image {
	switch {
	case t.Keep:
		return src
	case t.Canvas:
		return fill(src, t.Width, t.Height, opts)
	default:
		// one edge may be zero; imaging keeps the aspect ratio for it
		return imaging.Resize(src, t.Width, t.Height, imaging.Lanczos)
	}
}

func fill(src image.Image, w, h int, opts plan.Options) image.Image {
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return src
	}
	switch opts.Fill {
	case plan.FillColor:
		bg := imaging.New(w, h, opts.FillColor)
		return imaging.PasteCenter(bg, fitInside(src, w, h))
	case plan.FillBlur:
		sigma := float64(min(w, h)) / 20
		bg := imaging.Blur(imaging.Fill(src, w, h, imaging.Center, imaging.Lanczos), sigma)
		return imaging.PasteCenter(bg, fitInside(src, w, h))
	default:
		return imaging.Fill(src, w, h, imaging.Center, imaging.Lanczos)
	}
}

// fitInside scales src to fit within w x h. Unlike imaging.Fit it also enlarges.
func fitInside(src image.Image, w, h int) image.Image {
	b := src.Bounds()
	if b.Dx()*h > b.Dy()*w {
		return imaging.Resize(src, w, 0, imaging.Lanczos)
	}
	return imaging.Resize(src, 0, h, imaging.Lanczos)
}

func encodeOptions(opts plan.Options) []imaging.EncodeOption {
	level := png.DefaultCompression
	if opts.Aggressive || opts.WebOptimized {
		level = png.BestCompression
	}
	return []imaging.EncodeOption{
		imaging.JPEGQuality(opts.Quality),
		imaging.PNGCompressionLevel(level),
	}
}
