// Package transport implements the two external collaborators the core
// transport hands batches of base64 frame text to and pulls decoded text
// from: a display (QR grid renderer) and a capture (QR grid decoder).
// Per spec §1 these are commodity boundaries — symbol rasterisation,
// video encoding, camera capture, and symbol decoding are not the core's
// concern, so the implementations here are the minimum needed to exercise
// the contract end-to-end rather than a full video pipeline.
package transport

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
)

// Display renders successive batches of base64 frame strings as grid
// images, one PNG per batch, under OutputDir — a stand-in for the real
// video/live-display collaborator of §6, which is out of scope here.
type Display struct {
	Rows, Cols, CellSize int
	OutputDir            string
	batchIndex           int
}

// NewDisplay validates grid geometry and ensures OutputDir exists.
func NewDisplay(rows, cols, cellSize int, outputDir string) (*Display, error) {
	if rows <= 0 || cols <= 0 {
		return nil, errors.New("transport: grid-rows and grid-cols must be positive")
	}
	if cellSize <= 0 {
		return nil, errors.New("transport: cell size must be positive")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "transport: create display output directory")
	}
	return &Display{Rows: rows, Cols: cols, CellSize: cellSize, OutputDir: outputDir}, nil
}

// RenderBatch composes up to Rows*Cols base64 symbol strings into a single
// grid PNG (high error-correction level, quiet-zone border from the QR
// encoder's own default margin) and writes it to OutputDir. It returns the
// written file's path.
func (d *Display) RenderBatch(symbols []string) (string, error) {
	if len(symbols) > d.Rows*d.Cols {
		return "", errors.Errorf("transport: batch of %d symbols exceeds grid capacity %d", len(symbols), d.Rows*d.Cols)
	}

	grid := image.NewRGBA(image.Rect(0, 0, d.Cols*d.CellSize, d.Rows*d.CellSize))
	draw.Draw(grid, grid.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	for i, symbol := range symbols {
		qr, err := qrcode.New(symbol, qrcode.Highest)
		if err != nil {
			return "", errors.Wrap(err, "transport: encode QR symbol")
		}
		cell := qr.Image(d.CellSize)

		row, col := i/d.Cols, i%d.Cols
		origin := image.Pt(col*d.CellSize, row*d.CellSize)
		dstRect := image.Rectangle{Min: origin, Max: origin.Add(cell.Bounds().Size())}
		draw.Draw(grid, dstRect, cell, image.Point{}, draw.Src)
	}

	path := filepath.Join(d.OutputDir, fmt.Sprintf("frame_%06d.png", d.batchIndex))
	d.batchIndex++
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "transport: create frame file")
	}
	defer f.Close()
	if err := png.Encode(f, grid); err != nil {
		return "", errors.Wrap(err, "transport: encode frame PNG")
	}
	return path, nil
}
