// Package protocol implements the on-wire framing for the one-way optical
// transport: frame header layout, session metadata, and the XOR parity
// engine that lets a receiver recover an occasional lost frame.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// FrameType discriminates the four frame variants carried over the wire.
// All four share one binary header; only payload interpretation differs.
type FrameType uint8

const (
	FrameSessionHeader FrameType = 0
	FrameData          FrameType = 1
	FrameFEC           FrameType = 2
	FrameIndex         FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case FrameSessionHeader:
		return "SESSION_HEADER"
	case FrameData:
		return "DATA"
	case FrameFEC:
		return "FEC"
	case FrameIndex:
		return "INDEX"
	default:
		return "UNKNOWN"
	}
}

// SessionMetadata is the session descriptor carried, JSON-encoded, inside
// every SESSION_HEADER frame's payload.
type SessionMetadata struct {
	SessionID      uuid.UUID `json:"session_id"`
	TotalSize      int64     `json:"total_size"`
	ChunkSize      int       `json:"chunk_size"`
	TotalChunks    uint32    `json:"total_chunks"`
	SuperblockData int       `json:"superblock_data"`
	Redundancy     int       `json:"redundancy"`
	SHA256         string    `json:"sha256"`
	Packaging      string    `json:"packaging"`
	Compression    string    `json:"compression"`
	RootName       string    `json:"root_name"`
	FileCount      int       `json:"file_count"`
}

// sessionMetadataWire is the JSON wire shape. session_id is transmitted as
// 32 lowercase hex characters with no dashes, per the wire contract; the
// uuid package's default JSON marshaling uses dashed form, so this type
// exists purely to control that encoding.
type sessionMetadataWire struct {
	SessionID      string `json:"session_id"`
	TotalSize      int64  `json:"total_size"`
	ChunkSize      int    `json:"chunk_size"`
	TotalChunks    uint32 `json:"total_chunks"`
	SuperblockData int    `json:"superblock_data"`
	Redundancy     int    `json:"redundancy"`
	SHA256         string `json:"sha256"`
	Packaging      string `json:"packaging"`
	Compression    string `json:"compression"`
	RootName       string `json:"root_name"`
	FileCount      int    `json:"file_count"`
}

// MarshalJSON renders session_id as 32 hex characters, no dashes.
func (m SessionMetadata) MarshalJSON() ([]byte, error) {
	hexID := hexNoDashes(m.SessionID)
	return json.Marshal(sessionMetadataWire{
		SessionID:      hexID,
		TotalSize:      m.TotalSize,
		ChunkSize:      m.ChunkSize,
		TotalChunks:    m.TotalChunks,
		SuperblockData: m.SuperblockData,
		Redundancy:     m.Redundancy,
		SHA256:         m.SHA256,
		Packaging:      m.Packaging,
		Compression:    m.Compression,
		RootName:       m.RootName,
		FileCount:      m.FileCount,
	})
}

// UnmarshalJSON tolerates a missing root_name/file_count (default "" and 0,
// per the wire contract) and rejects anything that isn't a 32-hex-char
// session_id.
func (m *SessionMetadata) UnmarshalJSON(data []byte) error {
	var w sessionMetadataWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.SessionID) != 32 {
		return fmt.Errorf("protocol: session_id must be 32 hex characters, got %d", len(w.SessionID))
	}
	id, err := uuid.Parse(dashesFromHex(w.SessionID))
	if err != nil {
		return err
	}
	m.SessionID = id
	m.TotalSize = w.TotalSize
	m.ChunkSize = w.ChunkSize
	m.TotalChunks = w.TotalChunks
	m.SuperblockData = w.SuperblockData
	m.Redundancy = w.Redundancy
	m.SHA256 = w.SHA256
	m.Packaging = w.Packaging
	m.Compression = w.Compression
	m.RootName = w.RootName
	m.FileCount = w.FileCount
	return nil
}

func hexNoDashes(id uuid.UUID) string {
	var buf [32]byte
	const hexDigits = "0123456789abcdef"
	raw := id[:]
	for i, b := range raw {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf[:])
}

// dashesFromHex reinserts UUID dashes so uuid.Parse accepts a no-dash hex
// string (what the wire contract requires us to emit and accept).
func dashesFromHex(h string) string {
	if len(h) != 32 {
		return h
	}
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

// EstimateTotalChunks computes ceil(totalSize / chunkSize).
func EstimateTotalChunks(totalSize int64, chunkSize int) uint32 {
	if chunkSize <= 0 {
		return 0
	}
	return uint32((totalSize + int64(chunkSize) - 1) / int64(chunkSize))
}

// NewSessionID mints a random 16-byte session identifier.
func NewSessionID() uuid.UUID {
	return uuid.New()
}
