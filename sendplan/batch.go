package sendplan

import "io"

// Batcher groups a Planner's frame sequence into batches of up to
// rows*cols base64-encoded frame strings, ready for the display
// collaborator to render as one grid image per batch (§4.5).
type Batcher struct {
	planner  *Planner
	capacity int
	done     bool
}

// NewBatcher wraps p, grouping its frames into batches sized rows*cols.
func NewBatcher(p *Planner, rows, cols int) *Batcher {
	capacity := rows * cols
	if capacity <= 0 {
		capacity = 1
	}
	return &Batcher{planner: p, capacity: capacity}
}

// Next returns the next batch of base64-encoded frames, or io.EOF once
// the underlying planner's sequence is exhausted.
func (b *Batcher) Next() ([]string, error) {
	if b.done {
		return nil, io.EOF
	}
	batch := make([]string, 0, b.capacity)
	for len(batch) < b.capacity {
		frame, err := b.planner.Next()
		if err == io.EOF {
			b.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		encoded, err := frame.Encode()
		if err != nil {
			return nil, err
		}
		batch = append(batch, encoded)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}
