package channels

import (
	"fmt"
	"io"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"rsc.io/qr"
)

// QRSVG renders data as a square SVG of the given pixel size. Each row of
// dark modules is drawn as horizontal runs in a single path.
func QRSVG(data string, size int) (string, error) {
	code, err := qr.Encode(data, qr.L)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR: %w", err)
	}
	n := code.Size
	if n == 0 {
		return "", fmt.Errorf("empty QR code")
	}

	// Four-module quiet zone.
	const quiet = 4
	total := n + 2*quiet

	var sb strings.Builder
	fmt.Fprintf(&sb, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" width="%d" height="%d" shape-rendering="crispEdges">`,
		total, total, size, size)
	fmt.Fprintf(&sb, `<rect width="%d" height="%d" fill="#fff"/><path fill="#000" d="`, total, total)
	for y := 0; y < n; y++ {
		for x := 0; x < n; {
			if !code.Black(x, y) {
				x++
				continue
			}
			start := x
			for x < n && code.Black(x, y) {
				x++
			}
			fmt.Fprintf(&sb, "M%d %dh%dv1h-%dz", start+quiet, y+quiet, x-start, x-start)
		}
	}
	sb.WriteString(`"/></svg>`)
	return sb.String(), nil
}

// printQR writes a scannable half-block QR code to w.
func printQR(w io.Writer, code string) {
	fmt.Fprintln(w, "\n--- Scan this QR code with WhatsApp (Linked Devices) ---")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
	fmt.Fprintln(w, "--- Waiting for scan... ---")
}
