package media

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// StickerMetadata is the sticker-pack information WhatsApp reads from the
// WebP EXIF chunk.
type StickerMetadata struct {
	PackID string   `json:"sticker-pack-id"`
	Pack   string   `json:"sticker-pack-name"`
	Author string   `json:"sticker-pack-publisher"`
	Emojis []string `json:"emojis,omitempty"`
}

const (
	vp8xFlagAlpha = 0x10
	vp8xFlagEXIF  = 0x08
)

// exifPrefix is a little-endian TIFF header with a single IFD entry
// (tag 0x5741, UNDEFINED) whose value starts at offset 22. Bytes 14-17
// hold the payload length.
var exifPrefix = []byte{
	0x49, 0x49, 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x41, 0x57, 0x07, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x16, 0x00, 0x00, 0x00,
}

var errNotWebP = errors.New("not a RIFF/WEBP container")

// Chunk is one RIFF chunk of a WebP file.
type Chunk struct {
	FourCC string
	Data   []byte
}

// ParseChunks splits a WebP file into its chunks.
func ParseChunks(webp []byte) ([]Chunk, error) {
	if len(webp) < 12 || string(webp[0:4]) != "RIFF" || string(webp[8:12]) != "WEBP" {
		return nil, errNotWebP
	}
	size := int(binary.LittleEndian.Uint32(webp[4:8]))
	end := 8 + size
	if end > len(webp) {
		return nil, fmt.Errorf("riff size %d exceeds buffer", size)
	}

	var chunks []Chunk
	off := 12
	for off+8 <= end {
		fourCC := string(webp[off : off+4])
		n := int(binary.LittleEndian.Uint32(webp[off+4 : off+8]))
		start := off + 8
		if start+n > end {
			return nil, fmt.Errorf("chunk %q overruns container", fourCC)
		}
		chunks = append(chunks, Chunk{FourCC: fourCC, Data: webp[start : start+n]})
		off = start + n + n%2
	}
	return chunks, nil
}

func writeChunks(chunks []Chunk) []byte {
	var body bytes.Buffer
	body.WriteString("WEBP")
	for _, c := range chunks {
		body.WriteString(c.FourCC)
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(c.Data)))
		body.Write(n[:])
		body.Write(c.Data)
		if len(c.Data)%2 == 1 {
			body.WriteByte(0)
		}
	}

	out := make([]byte, 8, 8+body.Len())
	copy(out, "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(body.Len()))
	return append(out, body.Bytes()...)
}

// EncodeEXIF builds the EXIF payload carrying meta.
func EncodeEXIF(meta StickerMetadata) ([]byte, error) {
	if meta.PackID == "" {
		meta.PackID = uuid.NewString()
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	exif := make([]byte, len(exifPrefix), len(exifPrefix)+len(payload))
	copy(exif, exifPrefix)
	binary.LittleEndian.PutUint32(exif[14:18], uint32(len(payload)))
	return append(exif, payload...), nil
}

// DecodeEXIF extracts sticker metadata from an EXIF payload built by
// EncodeEXIF.
func DecodeEXIF(exif []byte) (StickerMetadata, error) {
	var meta StickerMetadata
	if len(exif) < len(exifPrefix) || !bytes.Equal(exif[0:4], exifPrefix[0:4]) {
		return meta, errors.New("unexpected exif header")
	}
	n := int(binary.LittleEndian.Uint32(exif[14:18]))
	if len(exifPrefix)+n > len(exif) {
		return meta, errors.New("exif payload truncated")
	}
	err := json.Unmarshal(exif[len(exifPrefix):len(exifPrefix)+n], &meta)
	return meta, err
}

// AttachStickerMetadata rewrites a WebP file into the extended (VP8X)
// layout and appends an EXIF chunk carrying meta. An existing EXIF chunk
// is replaced.
func AttachStickerMetadata(webp []byte, meta StickerMetadata) ([]byte, error) {
	chunks, err := ParseChunks(webp)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, errors.New("webp has no chunks")
	}

	exif, err := EncodeEXIF(meta)
	if err != nil {
		return nil, fmt.Errorf("encode exif: %w", err)
	}

	var out []Chunk
	if chunks[0].FourCC == "VP8X" {
		vp8x := append([]byte(nil), chunks[0].Data...)
		if len(vp8x) < 10 {
			return nil, errors.New("short VP8X chunk")
		}
		vp8x[0] |= vp8xFlagEXIF
		out = append(out, Chunk{FourCC: "VP8X", Data: vp8x})
		var xmp []Chunk
		for _, c := range chunks[1:] {
			switch c.FourCC {
			case "EXIF":
			case "XMP ":
				xmp = append(xmp, c)
			default:
				out = append(out, c)
			}
		}
		out = append(out, Chunk{FourCC: "EXIF", Data: exif})
		out = append(out, xmp...)
		return writeChunks(out), nil
	}

	w, h, alpha, err := bitstreamInfo(chunks[0])
	if err != nil {
		return nil, err
	}
	vp8x := make([]byte, 10)
	vp8x[0] = vp8xFlagEXIF
	if alpha {
		vp8x[0] |= vp8xFlagAlpha
	}
	putUint24(vp8x[4:7], uint32(w-1))
	putUint24(vp8x[7:10], uint32(h-1))

	out = append(out, Chunk{FourCC: "VP8X", Data: vp8x})
	out = append(out, chunks...)
	out = append(out, Chunk{FourCC: "EXIF", Data: exif})
	return writeChunks(out), nil
}

// bitstreamInfo reads canvas size and alpha usage from a simple-format
// image chunk.
func bitstreamInfo(c Chunk) (w, h int, alpha bool, err error) {
	switch c.FourCC {
	case "VP8L":
		if len(c.Data) < 5 || c.Data[0] != 0x2f {
			return 0, 0, false, errors.New("bad VP8L header")
		}
		bits := binary.LittleEndian.Uint32(c.Data[1:5])
		w = int(bits&0x3fff) + 1
		h = int((bits>>14)&0x3fff) + 1
		alpha = (bits>>28)&1 == 1
		return w, h, alpha, nil
	case "VP8 ":
		if len(c.Data) < 10 || c.Data[3] != 0x9d || c.Data[4] != 0x01 || c.Data[5] != 0x2a {
			return 0, 0, false, errors.New("bad VP8 header")
		}
		w = int(binary.LittleEndian.Uint16(c.Data[6:8]) & 0x3fff)
		h = int(binary.LittleEndian.Uint16(c.Data[8:10]) & 0x3fff)
		return w, h, false, nil
	}
	return 0, 0, false, fmt.Errorf("unexpected first chunk %q", c.FourCC)
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
