package payload

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Chunker yields fixed-size byte blocks from a prepared payload file,
// reading sequentially with no seeking. It is lazy, finite, and
// non-restartable: once exhausted, a new Chunker must be opened to read
// the file again.
type Chunker struct {
	f         *os.File
	chunkSize int
}

// NewChunker opens path for sequential reading in chunkSize blocks.
func NewChunker(path string, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, errors.New("chunker: chunk-size must be > 0")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "chunker: open")
	}
	return &Chunker{f: f, chunkSize: chunkSize}, nil
}

// Next returns the next block of up to chunkSize bytes. It returns
// io.EOF (with a nil block) once the file is exhausted; the final block
// before EOF may be shorter than chunkSize.
func (c *Chunker) Next() ([]byte, error) {
	buf := make([]byte, c.chunkSize)
	n, err := io.ReadFull(c.f, buf)
	switch {
	case err == nil:
		return buf, nil
	case err == io.ErrUnexpectedEOF:
		return buf[:n], nil
	case err == io.EOF:
		return nil, io.EOF
	default:
		return nil, errors.Wrap(err, "chunker: read")
	}
}

// Close releases the underlying file handle.
func (c *Chunker) Close() error {
	return c.f.Close()
}
