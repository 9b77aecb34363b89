package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"strings"

	"github.com/pkg/errors"
)

// Magic is the 4-byte frame identifier, big-endian ASCII "QRCM".
var Magic = [4]byte{'Q', 'R', 'C', 'M'}

// Version is the only wire format version this codec understands.
const Version uint8 = 1

// MaxPayloadLen is the largest payload a single frame can carry
// (payload_len is a 16-bit field).
const MaxPayloadLen = 0xFFFF

// headerSize is the size in bytes of the fixed frame header, per spec
// offsets 0..39 (magic..payload_len inclusive).
const headerSize = 39

// crcSize is the trailing CRC32 field size.
const crcSize = 4

// ErrFrame wraps all frame decode rejections. Every rejection is soft: the
// caller drops the frame without mutating receiver state.
var ErrFrame = errors.New("protocol: invalid frame")

// Frame is the single transport unit carried by one QR symbol.
type Frame struct {
	Type           FrameType
	SessionID      [16]byte
	SuperblockID   uint32
	BlockID        uint32
	TotalBlocks    uint32
	BlocksInSuper  uint16
	Flags          uint8
	Payload        []byte
}

// Encode serializes the frame to its fixed binary layout (header ∥ payload
// ∥ CRC32) and returns the base64-ascii wrapping suitable for a QR payload.
func (f *Frame) Encode() (string, error) {
	raw, err := f.encodeBytes()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (f *Frame) encodeBytes() ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, errors.Wrap(ErrFrame, "payload too large for frame")
	}

	buf := make([]byte, headerSize+len(f.Payload)+crcSize)
	// Header layout, big-endian, byte-exact per the wire contract:
	//   magic(4) version(1) type(1) flags(1) session_id(16)
	//   superblock_id(4) block_id(4) total_blocks(4) blocks_in_super(2) payload_len(2)
	copy(buf[0:4], Magic[:])
	buf[4] = Version
	buf[5] = uint8(f.Type)
	buf[6] = f.Flags
	copy(buf[7:23], f.SessionID[:])
	binary.BigEndian.PutUint32(buf[23:27], f.SuperblockID)
	binary.BigEndian.PutUint32(buf[27:31], f.BlockID)
	binary.BigEndian.PutUint32(buf[31:35], f.TotalBlocks)
	binary.BigEndian.PutUint16(buf[35:37], f.BlocksInSuper)
	binary.BigEndian.PutUint16(buf[37:39], uint16(len(f.Payload)))
	copy(buf[headerSize:headerSize+len(f.Payload)], f.Payload)

	crc := crc32.ChecksumIEEE(buf[:headerSize+len(f.Payload)])
	binary.BigEndian.PutUint32(buf[headerSize+len(f.Payload):], crc)
	return buf, nil
}

// DecodeFrame parses a base64-wrapped frame. Decoding is strict: any
// character outside the standard alphabet, incorrect padding, a too-short
// buffer, wrong magic, unsupported version, a payload length that disagrees
// with the buffer, or a CRC mismatch all produce an error. The caller must
// treat every error as "drop the frame", never as fatal.
func DecodeFrame(b64 string) (*Frame, error) {
	// The stdlib decoder silently skips CR and LF; reject them explicitly.
	if strings.ContainsAny(b64, "\r\n") {
		return nil, errors.Wrap(ErrFrame, "base64 decode failed: line break in input")
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(b64)
	if err != nil {
		return nil, errors.Wrap(ErrFrame, "base64 decode failed: "+err.Error())
	}
	return decodeFrameBytes(raw)
}

func decodeFrameBytes(raw []byte) (*Frame, error) {
	if len(raw) < headerSize+crcSize {
		return nil, errors.Wrap(ErrFrame, "frame too short")
	}
	if !bytesEqual(raw[0:4], Magic[:]) {
		return nil, errors.Wrap(ErrFrame, "bad magic")
	}
	if raw[4] != Version {
		return nil, errors.Wrap(ErrFrame, "unsupported version")
	}

	payloadLen := int(binary.BigEndian.Uint16(raw[37:39]))
	expectedLen := headerSize + payloadLen + crcSize
	if len(raw) != expectedLen {
		return nil, errors.Wrap(ErrFrame, "frame length mismatch")
	}

	payload := raw[headerSize : headerSize+payloadLen]
	crcStored := binary.BigEndian.Uint32(raw[headerSize+payloadLen:])
	crcCalc := crc32.ChecksumIEEE(raw[:headerSize+payloadLen])
	if crcCalc != crcStored {
		return nil, errors.Wrap(ErrFrame, "CRC mismatch")
	}

	f := &Frame{
		Type:          FrameType(raw[5]),
		Flags:         raw[6],
		SuperblockID:  binary.BigEndian.Uint32(raw[23:27]),
		BlockID:       binary.BigEndian.Uint32(raw[27:31]),
		TotalBlocks:   binary.BigEndian.Uint32(raw[31:35]),
		BlocksInSuper: binary.BigEndian.Uint16(raw[35:37]),
		Payload:       append([]byte(nil), payload...),
	}
	copy(f.SessionID[:], raw[7:23])
	return f, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
