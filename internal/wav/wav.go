// Package wav inspects RIFF/WAVE containers at their canonical fixed offsets.
package wav

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size of the canonical 44-byte PCM WAV header.
const HeaderSize = 44

// Reasons reported for invalid containers.
const (
	ReasonTooShort = "too short"
	ReasonBadMagic = "bad magic"
)

// Info describes what could be read from a WAV header.
type Info struct {
	Valid  bool
	Reason string
	Size   int

	// Partial is set when the magic matched but the buffer ended before the
	// extended header fields.
	Partial bool

	FormatTag     uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataTag       string
	DataSize      uint32
}

// Inspect reads the header of b without decoding any samples.
func Inspect(b []byte) Info {
	info := Info{Size: len(b)}
	if len(b) < 12 {
		info.Reason = ReasonTooShort
		return info
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		info.Reason = ReasonBadMagic
		return info
	}
	info.Valid = true
	if len(b) < HeaderSize {
		info.Partial = true
		return info
	}

	le := binary.LittleEndian
	info.FormatTag = le.Uint16(b[20:22])
	info.Channels = le.Uint16(b[22:24])
	info.SampleRate = le.Uint32(b[24:28])
	info.ByteRate = le.Uint32(b[28:32])
	info.BlockAlign = le.Uint16(b[32:34])
	info.BitsPerSample = le.Uint16(b[34:36])
	info.DataTag = string(b[36:40])
	info.DataSize = le.Uint32(b[40:44])
	return info
}

// Duration returns the playback length in seconds. ok is false when the
// header lacks any of the fields needed to compute it.
func (i Info) Duration() (sec float64, ok bool) {
	if !i.Valid || i.Partial {
		return 0, false
	}
	frame := float64(i.Channels) * float64(i.BitsPerSample) / 8
	if i.DataSize == 0 || frame <= 0 || i.SampleRate == 0 {
		return 0, false
	}
	return float64(i.DataSize) / frame / float64(i.SampleRate), true
}

// String formats the header for logging.
func (i Info) String() string {
	switch {
	case !i.Valid:
		return fmt.Sprintf("invalid wav (%s, %d bytes)", i.Reason, i.Size)
	case i.Partial:
		return fmt.Sprintf("partial wav header (%d bytes)", i.Size)
	}
	return fmt.Sprintf("wav %dHz %dch %dbit data=%d", i.SampleRate, i.Channels, i.BitsPerSample, i.DataSize)
}

// Header builds a canonical 44-byte PCM header for dataSize bytes of samples.
func Header(sampleRate uint32, channels, bitsPerSample uint16, dataSize uint32) []byte {
	b := make([]byte, HeaderSize)
	le := binary.LittleEndian
	blockAlign := channels * bitsPerSample / 8

	copy(b[0:4], "RIFF")
	le.PutUint32(b[4:8], 36+dataSize)
	copy(b[8:12], "WAVE")
	copy(b[12:16], "fmt ")
	le.PutUint32(b[16:20], 16)
	le.PutUint16(b[20:22], 1)
	le.PutUint16(b[22:24], channels)
	le.PutUint32(b[24:28], sampleRate)
	le.PutUint32(b[28:32], sampleRate*uint32(blockAlign))
	le.PutUint16(b[32:34], blockAlign)
	le.PutUint16(b[34:36], bitsPerSample)
	copy(b[36:40], "data")
	le.PutUint32(b[40:44], dataSize)
	return b
}

// Encode wraps 16-bit little-endian PCM samples in a canonical header.
func Encode(pcm []byte, sampleRate uint32, channels uint16) []byte {
	out := make([]byte, 0, HeaderSize+len(pcm))
	out = append(out, Header(sampleRate, channels, 16, uint32(len(pcm)))...)
	return append(out, pcm...)
}
