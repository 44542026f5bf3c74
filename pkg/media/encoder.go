package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/HugoSmits86/nativewebp"
)

// Encoder writes img as WebP.
type Encoder interface {
	Encode(ctx context.Context, w io.Writer, img image.Image, quality int) error
}

// NativeEncoder is the in-process lossless encoder. Quality is ignored:
// lossless output is always exact.
type NativeEncoder struct{}

func (NativeEncoder) Encode(ctx context.Context, w io.Writer, img image.Image, quality int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nativewebp.Encode(w, img, nil)
}

// CwebpEncoder shells out to libwebp's cwebp binary, which honours the
// lossy quality setting.
type CwebpEncoder struct {
	Path string // defaults to "cwebp" on PATH
}

func (e CwebpEncoder) Encode(ctx context.Context, w io.Writer, img image.Image, quality int) error {
	bin := e.Path
	if bin == "" {
		bin = "cwebp"
	}

	dir, err := os.MkdirTemp("", "sakaki-sticker-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.png")
	out := filepath.Join(dir, "out.webp")

	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		return fmt.Errorf("encode intermediate png: %w", err)
	}
	if err := os.WriteFile(in, pngBuf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write intermediate png: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin,
		"-quiet",
		"-q", strconv.Itoa(quality),
		"-alpha_q", "100",
		"-exact",
		in, "-o", out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("cwebp: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return fmt.Errorf("read cwebp output: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// NewEncoder maps a configured encoder name to an Encoder.
func NewEncoder(name, cwebpPath string) (Encoder, error) {
	switch name {
	case "", "native":
		return NativeEncoder{}, nil
	case "cwebp":
		return CwebpEncoder{Path: cwebpPath}, nil
	default:
		return nil, fmt.Errorf("unknown sticker encoder %q", name)
	}
}
