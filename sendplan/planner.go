// Package sendplan builds a session's frame sequence: the sender-side
// state machine that turns a prepared payload into headers, data blocks,
// and parity blocks, ready for a display collaborator to batch and render.
package sendplan

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/qrcm/qrcm/payload"
	"github.com/qrcm/qrcm/protocol"
)

// BuildMetadata assembles a SessionMetadata from a prepared payload and the
// operator's chosen framing parameters.
func BuildMetadata(prepared *payload.PreparedPayload, chunkSize, superblockData, redundancy int) protocol.SessionMetadata {
	return protocol.SessionMetadata{
		SessionID:      protocol.NewSessionID(),
		TotalSize:      prepared.Size,
		ChunkSize:      chunkSize,
		TotalChunks:    protocol.EstimateTotalChunks(prepared.Size, chunkSize),
		SuperblockData: superblockData,
		Redundancy:     redundancy,
		SHA256:         prepared.SHA256,
		Packaging:      prepared.Packaging,
		Compression:    prepared.Compression,
		RootName:       prepared.RootName,
		FileCount:      len(prepared.Files),
	}
}

// Planner is a pull-driven, non-restartable producer of Frame values: the
// lazy frame stream of spec §9. Consumers (a display batcher, or a test)
// call Next repeatedly until it returns io.EOF.
type Planner struct {
	meta           protocol.SessionMetadata
	headerInterval int
	chunker        *payload.Chunker
	header         *protocol.Frame
	headersPending int
	blockID        uint32
	superblockID   uint32
	finished       bool
	queue          []*protocol.Frame
}

// NewPlanner opens the prepared payload for sequential chunking and
// prepares to emit header_repeat copies of the session header before any
// data.
func NewPlanner(payloadPath string, meta protocol.SessionMetadata, headerRepeat, headerInterval int) (*Planner, error) {
	chunker, err := payload.NewChunker(payloadPath, meta.ChunkSize)
	if err != nil {
		return nil, err
	}
	header, err := headerFrame(meta)
	if err != nil {
		chunker.Close()
		return nil, err
	}
	if headerRepeat < 1 {
		headerRepeat = 1
	}
	return &Planner{
		meta:           meta,
		headerInterval: headerInterval,
		chunker:        chunker,
		header:         header,
		headersPending: headerRepeat,
	}, nil
}

func headerFrame(meta protocol.SessionMetadata) (*protocol.Frame, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "sendplan: marshal session header")
	}
	f := &protocol.Frame{
		Type:        protocol.FrameSessionHeader,
		TotalBlocks: meta.TotalChunks,
		Payload:     body,
	}
	f.SessionID = meta.SessionID
	return f, nil
}

// Close releases the underlying chunker's file handle. Safe to call after
// the sequence is exhausted.
func (p *Planner) Close() error {
	return p.chunker.Close()
}

// Next returns the next frame in the session's sequence, or io.EOF once
// the sequence is complete (all headers, data, parity, and periodic
// re-injections emitted).
func (p *Planner) Next() (*protocol.Frame, error) {
	for len(p.queue) == 0 {
		if p.finished {
			return nil, io.EOF
		}
		if err := p.fill(); err != nil {
			return nil, err
		}
	}
	f := p.queue[0]
	p.queue = p.queue[1:]
	return f, nil
}

// fill produces the next batch of frames into the queue: either the
// remaining header copies, or one superblock's worth of data+parity
// frames (plus a periodic header re-injection).
func (p *Planner) fill() error {
	if p.headersPending > 0 {
		for ; p.headersPending > 0; p.headersPending-- {
			p.queue = append(p.queue, p.header)
		}
		return nil
	}

	var dataBlocks [][]byte
	for i := 0; i < p.meta.SuperblockData; i++ {
		block, err := p.chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		dataBlocks = append(dataBlocks, block)
	}
	if len(dataBlocks) == 0 {
		p.finished = true
		return nil
	}

	blocksInSuper := uint16(len(dataBlocks))
	superblockID := p.superblockID
	for _, block := range dataBlocks {
		f := &protocol.Frame{
			Type:          protocol.FrameData,
			SessionID:     p.meta.SessionID,
			SuperblockID:  superblockID,
			BlockID:       p.blockID,
			TotalBlocks:   p.meta.TotalChunks,
			BlocksInSuper: blocksInSuper,
			Payload:       block,
		}
		p.queue = append(p.queue, f)
		p.blockID++
	}

	parity := protocol.GenerateParityBlocks(dataBlocks, p.meta.Redundancy)
	for idx, pBlock := range parity {
		f := &protocol.Frame{
			Type:          protocol.FrameFEC,
			SessionID:     p.meta.SessionID,
			SuperblockID:  superblockID,
			BlockID:       p.blockID + uint32(idx),
			TotalBlocks:   p.meta.TotalChunks,
			BlocksInSuper: blocksInSuper,
			Payload:       pBlock,
		}
		p.queue = append(p.queue, f)
	}

	p.superblockID++
	if p.headerInterval > 0 && p.blockID > 0 && p.blockID%uint32(p.headerInterval) == 0 {
		p.queue = append(p.queue, p.header)
	}
	return nil
}
