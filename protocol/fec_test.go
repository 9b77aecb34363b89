package protocol

import (
	"bytes"
	"testing"
)

func TestXORParityLaw(t *testing.T) {
	blocks := [][]byte{
		{1, 2, 3, 4},
		{5, 6, 7},
		{9, 9, 9, 9, 9},
	}
	full := XORParity(blocks)
	for i := range blocks {
		rest := make([][]byte, 0, len(blocks)-1)
		for j, b := range blocks {
			if j != i {
				rest = append(rest, b)
			}
		}
		recovered := RecoverSingleMissing(rest, full)
		want := padTo(blocks[i], len(full))
		if !bytes.Equal(recovered, want) {
			t.Fatalf("block %d: recovered %x, want %x", i, recovered, want)
		}
	}
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

func TestGenerateParityBlocksCount(t *testing.T) {
	blocks := [][]byte{{1, 2}, {3, 4}}
	if p := GenerateParityBlocks(blocks, 0); p != nil {
		t.Fatalf("expected no parity blocks for redundancy=0, got %d", len(p))
	}
	p := GenerateParityBlocks(blocks, 3)
	if len(p) != 3 {
		t.Fatalf("expected 3 parity copies, got %d", len(p))
	}
	for _, copyBlock := range p {
		if !bytes.Equal(copyBlock, p[0]) {
			t.Fatalf("parity copies must be identical")
		}
	}
}

func TestRecoverSingleMissingNoParity(t *testing.T) {
	if got := RecoverSingleMissing([][]byte{{1, 2}}, nil); got != nil {
		t.Fatalf("expected nil recovery with no parity, got %x", got)
	}
}

func TestRecoverTailLength(t *testing.T) {
	// Tail block shorter than the rest of the superblock.
	blocks := [][]byte{
		{0xAA, 0xAA, 0xAA, 0xAA, 0xAA},
		{0xBB, 0xBB, 0xBB, 0xBB, 0xBB},
		{0xCC, 0xCC, 0xCC}, // tail, shorter
	}
	parity := XORParity(blocks)
	recovered := RecoverSingleMissing(blocks[:2], parity)
	truncated := recovered[:3]
	if !bytes.Equal(truncated, blocks[2]) {
		t.Fatalf("tail recovery mismatch: got %x, want %x", truncated, blocks[2])
	}
}
