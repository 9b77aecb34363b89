package transport

import (
	"image"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/pkg/errors"
)

// subImager is satisfied by the standard library's concrete image types
// (NRGBA, RGBA, ...), all of which support cheap cropping via SubImage.
type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Capture reads a directory of grid-frame PNGs in sorted filename order —
// a stand-in for the real camera/video capture collaborator of §6 — and
// decodes each grid cell independently via a pure-Go QR reader (no cgo,
// no camera dependency).
type Capture struct {
	Rows, Cols int
	files      []string
	idx        int
	reader     *qrcode.QRCodeReader
}

// NewCapture globs dir for frame_*.png files, sorted, and prepares to
// decode each as a Rows x Cols grid of QR cells.
func NewCapture(rows, cols int, dir string) (*Capture, error) {
	if rows <= 0 || cols <= 0 {
		return nil, errors.New("transport: grid-rows and grid-cols must be positive")
	}
	matches, err := filepath.Glob(filepath.Join(dir, "frame_*.png"))
	if err != nil {
		return nil, errors.Wrap(err, "transport: glob capture frames")
	}
	sort.Strings(matches)
	return &Capture{Rows: rows, Cols: cols, files: matches, reader: qrcode.NewQRCodeReader()}, nil
}

// Next decodes the next frame's grid cells and returns the textual
// payload recovered from each recognised symbol. A cell that fails to
// decode (blank, glare, out of range) is simply absent from the result —
// callers must expect zero or more payloads per frame. Returns io.EOF
// once every frame file has been consumed.
func (c *Capture) Next() ([]string, error) {
	if c.idx >= len(c.files) {
		return nil, io.EOF
	}
	path := c.files[c.idx]
	c.idx++

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "transport: open capture frame")
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, "transport: decode capture frame")
	}

	sub, ok := img.(subImager)
	if !ok {
		return nil, errors.New("transport: capture frame image type does not support cropping")
	}

	bounds := img.Bounds()
	cellW := bounds.Dx() / c.Cols
	cellH := bounds.Dy() / c.Rows

	var texts []string
	for row := 0; row < c.Rows; row++ {
		for col := 0; col < c.Cols; col++ {
			origin := image.Pt(bounds.Min.X+col*cellW, bounds.Min.Y+row*cellH)
			rect := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(cellW, cellH))}
			cell := sub.SubImage(rect)

			bmp, err := gozxing.NewBinaryBitmapFromImage(cell)
			if err != nil {
				continue
			}
			result, err := c.reader.Decode(bmp, nil)
			if err != nil {
				continue
			}
			texts = append(texts, result.GetText())
		}
	}
	return texts, nil
}
