// Package media turns inbound images into WhatsApp stickers.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	// Registered decoders for inbound images.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrTranscode is the single error kind returned by the pipeline.
var ErrTranscode = errors.New("sticker transcode failed")

const (
	StickerSize     = 512
	DefaultQuality  = 100
	StickerMimetype = "image/webp"
	StickerFileName = "sticker.webp"

	// maxSourcePixels rejects decompression bombs before decoding.
	maxSourcePixels = 40_000_000
)

// Job is one transcode request.
type Job struct {
	Source  []byte
	Width   int
	Height  int
	Quality int
}

// Pipeline resizes images into a transparent square canvas and encodes
// them as WebP. It holds no mutable state and is safe for concurrent use.
type Pipeline struct {
	encoder Encoder
	size    int
	quality int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEncoder selects the WebP encoder. The default is NativeEncoder.
func WithEncoder(e Encoder) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.encoder = e
		}
	}
}

// WithQuality sets the encoder quality, 1-100.
func WithQuality(q int) Option {
	return func(p *Pipeline) {
		if q > 0 && q <= 100 {
			p.quality = q
		}
	}
}

func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		encoder: NativeEncoder{},
		size:    StickerSize,
		quality: DefaultQuality,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Transcode fits src into a 512x512 transparent canvas, preserving aspect
// ratio without cropping, and returns the WebP bytes.
func (p *Pipeline) Transcode(ctx context.Context, src []byte) ([]byte, error) {
	return p.Run(ctx, Job{Source: src, Width: p.size, Height: p.size, Quality: p.quality})
}

// Run executes a fully specified job. A decoder or encoder panic is
// reported as ErrTranscode like any other failure.
func (p *Pipeline) Run(ctx context.Context, job Job) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: %v", ErrTranscode, r)
		}
	}()

	if len(job.Source) == 0 {
		return nil, fmt.Errorf("%w: empty source", ErrTranscode)
	}
	if job.Width <= 0 || job.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid target %dx%d", ErrTranscode, job.Width, job.Height)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(job.Source))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTranscode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxSourcePixels {
		return nil, fmt.Errorf("%w: unsupported dimensions %dx%d", ErrTranscode, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(job.Source))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTranscode, err)
	}

	canvas := Contain(img, job.Width, job.Height)

	var buf bytes.Buffer
	if err := p.encoder.Encode(ctx, &buf, canvas, job.Quality); err != nil {
		return nil, fmt.Errorf("%w: encode: %w", ErrTranscode, err)
	}
	return buf.Bytes(), nil
}

// Contain scales img to fit inside width x height and centers it on a
// fully transparent canvas.
func Contain(img image.Image, width, height int) *image.NRGBA {
	// NewNRGBA is zeroed: every pixel starts fully transparent.
	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))

	sb := img.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	if sw == 0 || sh == 0 {
		return canvas
	}

	// Compare width/sw against height/sh without floating point.
	var dw, dh int
	if width*sh <= height*sw {
		dw = width
		dh = (sh*width + sw/2) / sw
	} else {
		dh = height
		dw = (sw*height + sh/2) / sh
	}
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	x0 := (width - dw) / 2
	y0 := (height - dh) / 2
	target := image.Rect(x0, y0, x0+dw, y0+dh)
	draw.CatmullRom.Scale(canvas, target, img, sb, draw.Over, nil)
	return canvas
}
