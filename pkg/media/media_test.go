package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"golang.org/x/image/webp"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestTranscodeProduces512SquareWithAlpha(t *testing.T) {
	src := solidPNG(t, 200, 100, color.NRGBA{R: 255, A: 255})

	out, err := NewPipeline().Transcode(context.Background(), src)
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}

	img, err := webp.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not decodable webp: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != StickerSize || b.Dy() != StickerSize {
		t.Fatalf("size = %dx%d, want 512x512", b.Dx(), b.Dy())
	}

	// A 2:1 source leaves transparent bands above and below.
	if _, _, _, a := img.At(0, 0).RGBA(); a != 0 {
		t.Errorf("corner alpha = %d, want transparent", a)
	}
	if _, _, _, a := img.At(256, 256).RGBA(); a == 0 {
		t.Error("center pixel is transparent, image content missing")
	}
}

func TestContainPreservesAspectRatio(t *testing.T) {
	tests := []struct {
		name       string
		w, h       int
		wantBounds image.Rectangle
	}{
		{"wide", 400, 100, image.Rect(0, 192, 512, 320)},
		{"tall", 50, 100, image.Rect(128, 0, 384, 512)},
		{"square upscale", 10, 10, image.Rect(0, 0, 512, 512)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := image.NewNRGBA(image.Rect(0, 0, tt.w, tt.h))
			for i := 3; i < len(src.Pix); i += 4 {
				src.Pix[i] = 255
			}
			canvas := Contain(src, StickerSize, StickerSize)

			opaque := image.Rectangle{}
			for y := 0; y < StickerSize; y++ {
				for x := 0; x < StickerSize; x++ {
					if canvas.NRGBAAt(x, y).A > 0 {
						opaque = opaque.Union(image.Rect(x, y, x+1, y+1))
					}
				}
			}
			if opaque != tt.wantBounds {
				t.Errorf("opaque region = %v, want %v", opaque, tt.wantBounds)
			}
		})
	}
}

func TestTranscodeRejectsCorruptInput(t *testing.T) {
	p := NewPipeline()
	for name, src := range map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("definitely not an image"),
		"truncated": solidPNG(t, 20, 20, color.Black)[:30],
	} {
		if _, err := p.Transcode(context.Background(), src); !errors.Is(err, ErrTranscode) {
			t.Errorf("%s: err = %v, want ErrTranscode", name, err)
		}
	}
}

type failingEncoder struct{}

func (failingEncoder) Encode(context.Context, io.Writer, image.Image, int) error {
	return errors.New("boom")
}

func TestTranscodeWrapsEncoderFailure(t *testing.T) {
	p := NewPipeline(WithEncoder(failingEncoder{}))
	_, err := p.Transcode(context.Background(), solidPNG(t, 8, 8, color.White))
	if !errors.Is(err, ErrTranscode) {
		t.Fatalf("err = %v, want ErrTranscode", err)
	}
}

type panickingEncoder struct{}

func (panickingEncoder) Encode(context.Context, io.Writer, image.Image, int) error {
	panic("index out of range")
}

func TestTranscodeRecoversEncoderPanic(t *testing.T) {
	p := NewPipeline(WithEncoder(panickingEncoder{}))
	out, err := p.Transcode(context.Background(), solidPNG(t, 8, 8, color.White))
	if !errors.Is(err, ErrTranscode) {
		t.Fatalf("err = %v, want ErrTranscode", err)
	}
	if out != nil {
		t.Errorf("out = %d bytes, want nil", len(out))
	}
}

func TestNewEncoder(t *testing.T) {
	if e, err := NewEncoder("", ""); err != nil || e != (NativeEncoder{}) {
		t.Errorf("default encoder = %v, %v", e, err)
	}
	if e, err := NewEncoder("cwebp", "/usr/bin/cwebp"); err != nil || e.(CwebpEncoder).Path != "/usr/bin/cwebp" {
		t.Errorf("cwebp encoder = %v, %v", e, err)
	}
	if _, err := NewEncoder("sharp", ""); err == nil {
		t.Error("expected error for unknown encoder")
	}
}

// simpleVP8L builds a minimal simple-format container whose VP8L header
// declares a w x h image with the alpha hint set.
func simpleVP8L(w, h int) []byte {
	data := make([]byte, 9)
	data[0] = 0x2f
	bits := uint32(w-1) | uint32(h-1)<<14 | 1<<28
	binary.LittleEndian.PutUint32(data[1:5], bits)
	return writeChunks([]Chunk{{FourCC: "VP8L", Data: data}})
}

func TestAttachStickerMetadataConvertsToExtended(t *testing.T) {
	meta := StickerMetadata{PackID: "pack-1", Pack: "SeuPacote", Author: "SeuNome"}
	out, err := AttachStickerMetadata(simpleVP8L(512, 512), meta)
	if err != nil {
		t.Fatalf("AttachStickerMetadata: %v", err)
	}

	chunks, err := ParseChunks(out)
	if err != nil {
		t.Fatalf("ParseChunks: %v", err)
	}
	if len(chunks) != 3 || chunks[0].FourCC != "VP8X" || chunks[1].FourCC != "VP8L" || chunks[2].FourCC != "EXIF" {
		t.Fatalf("unexpected chunk layout: %v", fourCCs(chunks))
	}

	vp8x := chunks[0].Data
	if vp8x[0]&vp8xFlagEXIF == 0 || vp8x[0]&vp8xFlagAlpha == 0 {
		t.Errorf("VP8X flags = %#x, want EXIF and alpha", vp8x[0])
	}
	w := int(vp8x[4]) | int(vp8x[5])<<8 | int(vp8x[6])<<16
	h := int(vp8x[7]) | int(vp8x[8])<<8 | int(vp8x[9])<<16
	if w+1 != 512 || h+1 != 512 {
		t.Errorf("canvas = %dx%d, want 512x512", w+1, h+1)
	}

	got, err := DecodeEXIF(chunks[2].Data)
	if err != nil {
		t.Fatalf("DecodeEXIF: %v", err)
	}
	if got.Pack != "SeuPacote" || got.Author != "SeuNome" || got.PackID != "pack-1" {
		t.Errorf("metadata = %+v", got)
	}

	if size := binary.LittleEndian.Uint32(out[4:8]); int(size) != len(out)-8 {
		t.Errorf("RIFF size = %d, want %d", size, len(out)-8)
	}
}

func TestAttachStickerMetadataReplacesExistingEXIF(t *testing.T) {
	first, err := AttachStickerMetadata(simpleVP8L(64, 64), StickerMetadata{Pack: "old"})
	if err != nil {
		t.Fatalf("first attach: %v", err)
	}
	second, err := AttachStickerMetadata(first, StickerMetadata{Pack: "new"})
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}

	chunks, _ := ParseChunks(second)
	var exifCount int
	for _, c := range chunks {
		if c.FourCC == "EXIF" {
			exifCount++
			meta, _ := DecodeEXIF(c.Data)
			if meta.Pack != "new" {
				t.Errorf("pack = %q, want new", meta.Pack)
			}
			if meta.PackID == "" {
				t.Error("expected generated pack id")
			}
		}
	}
	if exifCount != 1 {
		t.Errorf("EXIF chunks = %d, want 1", exifCount)
	}
}

func TestAttachStickerMetadataOnPipelineOutput(t *testing.T) {
	out, err := NewPipeline().Transcode(context.Background(), solidPNG(t, 30, 60, color.White))
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	tagged, err := AttachStickerMetadata(out, StickerMetadata{Pack: "p", Author: "a"})
	if err != nil {
		t.Fatalf("AttachStickerMetadata: %v", err)
	}
	chunks, err := ParseChunks(tagged)
	if err != nil {
		t.Fatalf("ParseChunks: %v", err)
	}
	if chunks[0].FourCC != "VP8X" || chunks[len(chunks)-1].FourCC != "EXIF" {
		t.Errorf("chunk layout = %v", fourCCs(chunks))
	}
}

func TestParseChunksRejectsNonWebP(t *testing.T) {
	if _, err := ParseChunks([]byte("RIFF\x04\x00\x00\x00WAVE")); err == nil {
		t.Error("expected error for non-webp container")
	}
	if _, err := AttachStickerMetadata([]byte("nope"), StickerMetadata{}); err == nil {
		t.Error("expected error for garbage input")
	}
}

func fourCCs(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.FourCC
	}
	return out
}
