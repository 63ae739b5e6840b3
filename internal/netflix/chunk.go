// Package netflix synthesizes and parses the /netflix-chunk endpoint's
// fake streaming-video payload: a fixed binary header carrying sequence
// and quality metadata, followed by session/flow identifiers and a
// patterned filler body that is cheap to generate and cheap to verify.
package netflix

import (
	"encoding/binary"
	"fmt"
)

// Quality indexes the synthetic chunk's claimed video quality.
type Quality uint8

const (
	Quality480p Quality = iota
	Quality720p
	Quality1080p
	QualityHD
)

// HeaderSize is the fixed, little-endian header every chunk begins with.
const HeaderSize = 48

// IDSize is the length of each ASCII, NUL-padded identifier following
// the header.
const IDSize = 16

// PreludeSize is the header plus both identifiers; payload follows.
const PreludeSize = HeaderSize + 2*IDSize

// KeyframeInterval: a chunk is a keyframe iff sequence is a multiple of this.
const KeyframeInterval = 30

// Header is the decoded form of a chunk's first 48 bytes.
type Header struct {
	Sequence     uint32
	TimestampMs  uint32
	ChunkSize    uint32
	ViewerCount  uint16
	Keyframe     bool
	Quality      Quality
	Complexity   uint8
	BufferLevel  uint16
}

// Params are the inputs the caller supplies to Encode; everything else
// in the header is derived.
type Params struct {
	Sequence    uint32
	TimestampMs uint32
	ChunkSize   uint32
	ViewerCount uint16
	Quality     Quality
	Complexity  uint8
	BufferLevel uint16
	SessionID   string
	FlowID      string
}

// Encode builds a chunk of exactly p.ChunkSize bytes: the 48-byte header,
// the two 16-byte ASCII identifiers, and a patterned filler for the
// remainder. ChunkSize must be >= PreludeSize.
func Encode(p Params) ([]byte, error) {
	if p.ChunkSize < PreludeSize {
		return nil, fmt.Errorf("netflix: chunk size %d smaller than prelude %d", p.ChunkSize, PreludeSize)
	}
	if len(p.SessionID) > IDSize || len(p.FlowID) > IDSize {
		return nil, fmt.Errorf("netflix: session/flow id exceeds %d bytes", IDSize)
	}

	buf := make([]byte, p.ChunkSize)

	keyframe := uint8(0)
	if p.Sequence%KeyframeInterval == 0 {
		keyframe = 1
	}

	binary.LittleEndian.PutUint32(buf[0:4], p.Sequence)
	binary.LittleEndian.PutUint32(buf[4:8], p.TimestampMs)
	binary.LittleEndian.PutUint32(buf[8:12], p.ChunkSize)
	binary.LittleEndian.PutUint32(buf[12:16], 0) // reserved
	binary.LittleEndian.PutUint16(buf[16:18], p.ViewerCount)
	buf[18] = keyframe
	buf[19] = uint8(p.Quality)
	buf[20] = p.Complexity
	buf[21] = 0 // padding
	binary.LittleEndian.PutUint16(buf[22:24], p.BufferLevel)
	binary.LittleEndian.PutUint16(buf[24:26], 0) // padding
	// buf[26:48] stays zero: reserved tail of the fixed header.

	copy(buf[HeaderSize:HeaderSize+IDSize], padID(p.SessionID))
	copy(buf[HeaderSize+IDSize:PreludeSize], padID(p.FlowID))

	fillPayload(buf[PreludeSize:], p.Sequence, keyframe == 1)

	return buf, nil
}

func padID(id string) []byte {
	out := make([]byte, IDSize)
	copy(out, id)
	return out
}

// fillPayload writes the repeating filler pattern: a four-word rotation
// for keyframes, a single XOR-rotated word repeated for deltas.
func fillPayload(dst []byte, sequence uint32, keyframe bool) {
	if keyframe {
		words := [4]uint32{0xDEADBEEF, 0xCAFEBABE, 0xFEEDFACE, 0x8BADF00D}
		for i := 0; i+4 <= len(dst); i += 4 {
			binary.LittleEndian.PutUint32(dst[i:i+4], words[(i/4)%4])
		}
		tailWord(dst, words[(len(dst)/4)%4])
		return
	}

	word := 0x11111111 ^ (sequence & 0xFFFF)
	for i := 0; i+4 <= len(dst); i += 4 {
		binary.LittleEndian.PutUint32(dst[i:i+4], word)
	}
	tailWord(dst, word)
}

// tailWord fills any remaining bytes (< 4) with the low bytes of word.
func tailWord(dst []byte, word uint32) {
	full := len(dst) - len(dst)%4
	if full == len(dst) {
		return
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], word)
	copy(dst[full:], tmp[:len(dst)-full])
}

// Decode parses a chunk's header and identifiers back out. It does not
// validate the filler payload.
func Decode(data []byte) (Header, string, string, error) {
	if len(data) < PreludeSize {
		return Header{}, "", "", fmt.Errorf("netflix: chunk too short: %d bytes", len(data))
	}

	h := Header{
		Sequence:    binary.LittleEndian.Uint32(data[0:4]),
		TimestampMs: binary.LittleEndian.Uint32(data[4:8]),
		ChunkSize:   binary.LittleEndian.Uint32(data[8:12]),
		ViewerCount: binary.LittleEndian.Uint16(data[16:18]),
		Keyframe:    data[18] == 1,
		Quality:     Quality(data[19]),
		Complexity:  data[20],
		BufferLevel: binary.LittleEndian.Uint16(data[22:24]),
	}

	sessionID := trimID(data[HeaderSize : HeaderSize+IDSize])
	flowID := trimID(data[HeaderSize+IDSize : PreludeSize])

	return h, sessionID, flowID, nil
}

func trimID(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
