// Package reassembler implements the receiver-side state machine: frame
// ingestion, session adoption, per-superblock parity recovery, completion
// detection, and whole-payload integrity verification.
package reassembler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/qrcm/qrcm/protocol"
)

// ErrIncomplete is returned by Finalize when the capture stream ended (or
// Finalize was called) before every data block was recorded or recovered.
var ErrIncomplete = errors.New("reassembler: session incomplete")

// ErrIntegrity is returned by Finalize when the reassembled payload's
// SHA-256 does not match the adopted SessionMetadata's sha256.
var ErrIntegrity = errors.New("reassembler: payload integrity check failed")

// ErrNoSession is returned by operations that require an adopted session
// before one has been observed.
var ErrNoSession = errors.New("reassembler: no session adopted")

// Progress is a point-in-time snapshot suitable for operator reporting.
type Progress struct {
	Adopted         bool
	TotalChunks     uint32
	ReceivedBlocks  uint32
	RecoveredBlocks int
	HeaderCount     int
	SessionMismatch int
	IndexDropped    int
	Complete        bool
}

// Reassembler is the receiver-side state machine of §4.6: it consumes
// decoded frames one at a time from a capture collaborator, dedupes data
// blocks, attempts superblock parity recovery, and detects completion.
type Reassembler struct {
	adopted    bool
	adoptedID  [16]byte
	meta       protocol.SessionMetadata
	dataBlocks map[uint32][]byte
	parity     map[uint32][][]byte

	headerCount     int
	sessionMismatch int
	indexDropped    int
	recoveredBlocks int
}

// New returns a Reassembler with no adopted session.
func New() *Reassembler {
	return &Reassembler{
		dataBlocks: make(map[uint32][]byte),
		parity:     make(map[uint32][][]byte),
	}
}

// Ingest applies one decoded frame to the state machine per §4.6. It never
// returns an error for per-frame problems (a malformed SESSION_HEADER
// payload, a session mismatch, an INDEX frame) — those are soft drops,
// counted for diagnostics and visible via Progress.
func (r *Reassembler) Ingest(f *protocol.Frame) {
	switch f.Type {
	case protocol.FrameSessionHeader:
		r.ingestHeader(f)
	case protocol.FrameData:
		r.ingestData(f)
	case protocol.FrameFEC:
		r.ingestFEC(f)
	case protocol.FrameIndex:
		r.indexDropped++
	}
}

func (r *Reassembler) ingestHeader(f *protocol.Frame) {
	var meta protocol.SessionMetadata
	if err := json.Unmarshal(f.Payload, &meta); err != nil {
		return
	}
	if !r.adopted {
		r.meta = meta
		r.adoptedID = f.SessionID
		r.adopted = true
		r.headerCount++
		return
	}
	if f.SessionID == r.adoptedID {
		r.headerCount++
	}
}

func (r *Reassembler) sessionMatches(f *protocol.Frame) bool {
	if !r.adopted {
		return false
	}
	if f.SessionID != r.adoptedID {
		r.sessionMismatch++
		return false
	}
	return true
}

func (r *Reassembler) ingestData(f *protocol.Frame) {
	if !r.sessionMatches(f) {
		return
	}
	if _, exists := r.dataBlocks[f.BlockID]; !exists {
		r.dataBlocks[f.BlockID] = f.Payload
	}
	r.attemptRecovery(f.SuperblockID)
}

func (r *Reassembler) ingestFEC(f *protocol.Frame) {
	if !r.sessionMatches(f) {
		return
	}
	r.parity[f.SuperblockID] = append(r.parity[f.SuperblockID], f.Payload)
	r.attemptRecovery(f.SuperblockID)
}

// attemptRecovery determines the data-block id range owned by superblock
// s and, if exactly one of those ids is missing and at least one parity
// payload has arrived for s, recovers and stores it. Once a superblock has
// zero missing ids, its parity list is discarded.
func (r *Reassembler) attemptRecovery(superblockID uint32) {
	if r.meta.SuperblockData <= 0 {
		return
	}
	start := superblockID * uint32(r.meta.SuperblockData)
	end := start + uint32(r.meta.SuperblockData)
	if end > r.meta.TotalChunks {
		end = r.meta.TotalChunks
	}
	if start >= end {
		return
	}

	var missing []uint32
	known := make([][]byte, 0, end-start)
	for id := start; id < end; id++ {
		if b, ok := r.dataBlocks[id]; ok {
			known = append(known, b)
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) == 0 {
		delete(r.parity, superblockID)
		return
	}
	if len(missing) != 1 {
		return
	}
	parityList := r.parity[superblockID]
	if len(parityList) == 0 {
		return
	}

	recovered := protocol.RecoverSingleMissing(known, parityList[0])
	missingID := missing[0]
	if expected := r.blockLen(missingID); len(recovered) > expected {
		recovered = recovered[:expected]
	}
	r.dataBlocks[missingID] = recovered
	r.recoveredBlocks++
	delete(r.parity, superblockID)
}

// blockLen returns the expected byte length of data block id: chunk_size,
// except for the final block of the payload which may be shorter.
func (r *Reassembler) blockLen(id uint32) int {
	if r.meta.TotalChunks > 0 && id == r.meta.TotalChunks-1 {
		tail := r.meta.TotalSize - int64(r.meta.ChunkSize)*int64(r.meta.TotalChunks-1)
		return int(tail)
	}
	return r.meta.ChunkSize
}

// Complete reports whether every data block of the adopted session has
// been recorded (received or recovered).
func (r *Reassembler) Complete() bool {
	return r.adopted && uint32(len(r.dataBlocks)) == r.meta.TotalChunks
}

// Progress returns a snapshot of the reassembler's state for operator
// reporting.
func (r *Reassembler) Progress() Progress {
	return Progress{
		Adopted:         r.adopted,
		TotalChunks:     r.meta.TotalChunks,
		ReceivedBlocks:  uint32(len(r.dataBlocks)),
		RecoveredBlocks: r.recoveredBlocks,
		HeaderCount:     r.headerCount,
		SessionMismatch: r.sessionMismatch,
		IndexDropped:    r.indexDropped,
		Complete:        r.Complete(),
	}
}

// Metadata returns the adopted SessionMetadata. Only meaningful once
// Progress().Adopted is true.
func (r *Reassembler) Metadata() protocol.SessionMetadata {
	return r.meta
}

// Finalize concatenates recorded data blocks in ascending block_id order
// into a new temporary file under tempDir, verifies its SHA-256 against
// the adopted metadata, and returns the temp file's path. On ErrIncomplete
// or ErrIntegrity no file is left behind.
func (r *Reassembler) Finalize(tempDir string) (string, error) {
	if !r.adopted {
		return "", ErrNoSession
	}
	if !r.Complete() {
		return "", errors.Wrapf(ErrIncomplete, "have %d of %d blocks", len(r.dataBlocks), r.meta.TotalChunks)
	}

	path, f, err := newTempFile(tempDir)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for id := uint32(0); id < r.meta.TotalChunks; id++ {
		b := r.dataBlocks[id]
		if _, err := f.Write(b); err != nil {
			f.Close()
			os.Remove(path)
			return "", errors.Wrap(err, "reassembler: write concatenation file")
		}
		h.Write(b)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", errors.Wrap(err, "reassembler: close concatenation file")
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if sum != r.meta.SHA256 {
		os.Remove(path)
		return "", errors.Wrapf(ErrIntegrity, "got %s want %s", sum, r.meta.SHA256)
	}
	return path, nil
}

func newTempFile(dir string) (string, *os.File, error) {
	name := filepath.Join(dir, "qrcm-rx-"+newULID())
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return "", nil, errors.Wrap(err, "reassembler: create concatenation file")
	}
	return name, f, nil
}

func newULID() string {
	return ulid.Make().String()
}
