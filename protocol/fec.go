package protocol

// XORParity returns the byte-wise XOR of all given blocks, each right-padded
// with zero bytes to the length of the longest block. This is the entire
// FEC algorithm: QR-symbol-level Reed-Solomon already protects individual
// frames, so the outer code only needs to rescue against occasional lost
// frames, and identical-copy XOR parity maximises the chance that some
// parity copy survives per superblock at minimal sender cost.
func XORParity(blocks [][]byte) []byte {
	if len(blocks) == 0 {
		return nil
	}
	maxLen := 0
	for _, b := range blocks {
		if len(b) > maxLen {
			maxLen = len(b)
		}
	}
	parity := make([]byte, maxLen)
	for _, b := range blocks {
		for i, v := range b {
			parity[i] ^= v
		}
	}
	return parity
}

// GenerateParityBlocks returns `count` identical copies of the XOR parity
// block for the given data blocks. count <= 0 yields no FEC frames at all.
func GenerateParityBlocks(blocks [][]byte, count int) [][]byte {
	if count <= 0 {
		return nil
	}
	parity := XORParity(blocks)
	out := make([][]byte, count)
	for i := range out {
		out[i] = parity
	}
	return out
}

// RecoverSingleMissing reconstructs one missing block from the remaining
// observed blocks of a superblock plus one parity copy. It only ever
// recovers exactly one missing block — recovery of two or more is not
// supported by this algorithm and must not be attempted by the caller.
// The returned slice is padded to the parity's length; callers must
// truncate to the block's expected length (chunk_size, or a shorter tail).
func RecoverSingleMissing(knownBlocks [][]byte, parity []byte) []byte {
	if len(parity) == 0 {
		return nil
	}
	blocks := make([][]byte, 0, len(knownBlocks)+1)
	blocks = append(blocks, knownBlocks...)
	blocks = append(blocks, parity)
	return XORParity(blocks)
}
