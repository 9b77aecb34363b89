package reassembler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"os"
	"strings"
	"testing"

	"github.com/qrcm/qrcm/protocol"
)

// buildSession splits data into chunkSize blocks, groups them into
// superblocks of superblockData, and returns the header frame plus every
// DATA/FEC frame in canonical (unshuffled) order.
func buildSession(t *testing.T, data []byte, chunkSize, superblockData, redundancy int) (*protocol.Frame, []*protocol.Frame, protocol.SessionMetadata) {
	t.Helper()
	sum := sha256.Sum256(data)
	meta := protocol.SessionMetadata{
		SessionID:      protocol.NewSessionID(),
		TotalSize:      int64(len(data)),
		ChunkSize:      chunkSize,
		TotalChunks:    protocol.EstimateTotalChunks(int64(len(data)), chunkSize),
		SuperblockData: superblockData,
		Redundancy:     redundancy,
		SHA256:         hex.EncodeToString(sum[:]),
		Packaging:      "raw",
		Compression:    "none",
	}

	var blocks [][]byte
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, data[i:end])
	}

	var frames []*protocol.Frame
	blockID := uint32(0)
	for s := 0; s*superblockData < len(blocks) || (len(blocks) == 0 && s == 0); s++ {
		lo := s * superblockData
		if lo >= len(blocks) {
			break
		}
		hi := lo + superblockData
		if hi > len(blocks) {
			hi = len(blocks)
		}
		super := blocks[lo:hi]
		blocksInSuper := uint16(len(super))
		for _, b := range super {
			frames = append(frames, &protocol.Frame{
				Type:          protocol.FrameData,
				SessionID:     toSessionID(meta.SessionID),
				SuperblockID:  uint32(s),
				BlockID:       blockID,
				TotalBlocks:   meta.TotalChunks,
				BlocksInSuper: blocksInSuper,
				Payload:       append([]byte(nil), b...),
			})
			blockID++
		}
		parity := protocol.GenerateParityBlocks(super, redundancy)
		for idx, p := range parity {
			frames = append(frames, &protocol.Frame{
				Type:          protocol.FrameFEC,
				SessionID:     toSessionID(meta.SessionID),
				SuperblockID:  uint32(s),
				BlockID:       blockID + uint32(idx),
				TotalBlocks:   meta.TotalChunks,
				BlocksInSuper: blocksInSuper,
				Payload:       p,
			})
		}
	}

	header := &protocol.Frame{
		Type:        protocol.FrameSessionHeader,
		SessionID:   toSessionID(meta.SessionID),
		TotalBlocks: meta.TotalChunks,
	}
	body, err := metaJSON(meta)
	if err != nil {
		t.Fatalf("marshal meta: %v", err)
	}
	header.Payload = body

	return header, frames, meta
}

func toSessionID(id [16]byte) [16]byte { return id }

func metaJSON(meta protocol.SessionMetadata) ([]byte, error) {
	return meta.MarshalJSON()
}

func TestReassemblyCompletenessNoLoss(t *testing.T) {
	data := make([]byte, 2500)
	rand.New(rand.NewSource(1)).Read(data)
	header, frames, meta := buildSession(t, data, 500, 3, 1)

	r := New()
	r.Ingest(header)
	for _, f := range frames {
		if f.Type == protocol.FrameFEC {
			continue
		}
		r.Ingest(f)
	}
	if !r.Complete() {
		t.Fatalf("expected completion with all data frames delivered")
	}

	dir := t.TempDir()
	path, err := r.Finalize(dir)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	defer os.Remove(path)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read finalized: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("reassembled payload mismatch")
	}
	if meta.SHA256 == "" {
		t.Fatalf("sanity: meta sha256 empty")
	}
}

func TestParityRecoverySingleMissingBlock(t *testing.T) {
	data := make([]byte, 1500)
	rand.New(rand.NewSource(2)).Read(data)
	header, frames, _ := buildSession(t, data, 500, 3, 1)

	r := New()
	r.Ingest(header)
	for _, f := range frames {
		if f.Type == protocol.FrameData && f.BlockID == 1 {
			continue // drop this one DATA frame
		}
		r.Ingest(f)
	}
	if !r.Complete() {
		t.Fatalf("expected recovery to complete the session")
	}

	dir := t.TempDir()
	path, err := r.Finalize(dir)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	defer os.Remove(path)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("recovered payload mismatch")
	}
}

func TestTailBlockRecoveryTruncatedLength(t *testing.T) {
	data := make([]byte, 1300)
	rand.New(rand.NewSource(3)).Read(data)
	header, frames, _ := buildSession(t, data, 500, 3, 1)

	r := New()
	r.Ingest(header)
	for _, f := range frames {
		if f.Type == protocol.FrameData && f.BlockID == 2 {
			continue // drop the tail block (300 bytes)
		}
		r.Ingest(f)
	}
	if !r.Complete() {
		t.Fatalf("expected tail-block recovery to complete the session")
	}

	recovered := r.dataBlocks[2]
	if len(recovered) != 300 {
		t.Fatalf("expected recovered tail block length 300, got %d", len(recovered))
	}

	dir := t.TempDir()
	path, err := r.Finalize(dir)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	defer os.Remove(path)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestTwoMissingBlocksNeverRecovered(t *testing.T) {
	data := make([]byte, 1500)
	rand.New(rand.NewSource(4)).Read(data)
	header, frames, _ := buildSession(t, data, 500, 3, 2)

	r := New()
	r.Ingest(header)
	for _, f := range frames {
		if f.Type == protocol.FrameData && (f.BlockID == 0 || f.BlockID == 1) {
			continue // drop two DATA frames from the same superblock
		}
		r.Ingest(f)
	}
	if r.Complete() {
		t.Fatalf("expected incompleteness with two missing blocks in one superblock")
	}
	if _, ok := r.dataBlocks[0]; ok {
		t.Fatalf("block 0 should remain absent")
	}
	if _, ok := r.dataBlocks[1]; ok {
		t.Fatalf("block 1 should remain absent")
	}

	dir := t.TempDir()
	if _, err := r.Finalize(dir); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestHeaderIdempotence(t *testing.T) {
	data := []byte("some payload bytes")
	header, frames, _ := buildSession(t, data, 8, 2, 1)

	r := New()
	r.Ingest(header)
	r.Ingest(header)
	r.Ingest(header)
	for _, f := range frames {
		r.Ingest(f)
	}
	progress := r.Progress()
	if progress.HeaderCount != 3 {
		t.Fatalf("expected header count 3, got %d", progress.HeaderCount)
	}
	if !r.Complete() {
		t.Fatalf("expected completion")
	}
}

func TestCrossSessionIsolation(t *testing.T) {
	data := []byte("payload for session isolation test")
	header, frames, _ := buildSession(t, data, 8, 2, 1)
	otherHeader, otherFrames, _ := buildSession(t, []byte("a different payload entirely!!!"), 8, 2, 1)

	r := New()
	r.Ingest(header)
	for _, f := range otherFrames {
		r.Ingest(f) // different session_id, must never alter state
	}
	if len(r.dataBlocks) != 0 {
		t.Fatalf("expected zero data blocks stored from a foreign session, got %d", len(r.dataBlocks))
	}
	progress := r.Progress()
	if progress.SessionMismatch == 0 {
		t.Fatalf("expected session mismatch count to be incremented")
	}

	r.Ingest(otherHeader) // later header from a different session must not overwrite adoption
	if r.meta.SessionID != toMetaSessionID(header) {
		t.Fatalf("adopted session metadata must not change after first adoption")
	}

	for _, f := range frames {
		r.Ingest(f)
	}
	if !r.Complete() {
		t.Fatalf("expected completion with the originally adopted session's frames")
	}
}

func toMetaSessionID(header *protocol.Frame) (id [16]byte) {
	var meta protocol.SessionMetadata
	if err := meta.UnmarshalJSON(header.Payload); err != nil {
		return id
	}
	return meta.SessionID
}

func TestOrderIndependence(t *testing.T) {
	data := make([]byte, 4000)
	rand.New(rand.NewSource(5)).Read(data)
	header, frames, _ := buildSession(t, data, 400, 5, 1)

	shuffled := append([]*protocol.Frame(nil), frames...)
	rand.New(rand.NewSource(6)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	r := New()
	r.Ingest(header)
	for _, f := range shuffled {
		r.Ingest(f)
	}
	if !r.Complete() {
		t.Fatalf("expected completion regardless of frame order")
	}
	dir := t.TempDir()
	path, err := r.Finalize(dir)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	defer os.Remove(path)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("shuffled reassembly mismatch")
	}
}

func TestEmptyPayloadScenario(t *testing.T) {
	header, frames, _ := buildSession(t, nil, 512, 20, 1)
	if len(frames) != 0 {
		t.Fatalf("expected zero data/fec frames for empty payload, got %d", len(frames))
	}

	r := New()
	r.Ingest(header)
	if !r.Complete() {
		t.Fatalf("expected immediate completion for a zero-chunk session")
	}

	dir := t.TempDir()
	path, err := r.Finalize(dir)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	defer os.Remove(path)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0-byte output, got %d bytes", len(got))
	}
	const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	sum := sha256.Sum256(got)
	if hex.EncodeToString(sum[:]) != emptySHA256 {
		t.Fatalf("unexpected sha256 for empty output")
	}
}

func TestIntegrityFailureOnHashMismatch(t *testing.T) {
	data := []byte("integrity check payload")
	header, frames, meta := buildSession(t, data, 8, 2, 0)
	meta.SHA256 = strings.Repeat("0", 64)

	body, err := meta.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	header.Payload = body

	r := New()
	r.Ingest(header)
	for _, f := range frames {
		r.Ingest(f)
	}
	if !r.Complete() {
		t.Fatalf("expected all blocks recorded before integrity check")
	}

	dir := t.TempDir()
	if _, err := r.Finalize(dir); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}
