package audio

import (
	"context"
	"encoding/binary"
)

// Block is one fixed-size read of interleaved signed 16-bit samples.
// Blocks are not mutated after a Source hands them out.
type Block struct {
	Samples    []int16
	SampleRate int
	Channels   int
	// Last is set when the source knows no further block follows.
	Last bool
}

// Frames returns the number of sample frames (samples per channel).
func (b Block) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Channel extracts one channel as a new slice.
func (b Block) Channel(ch int) []int16 {
	if b.Channels <= 1 {
		return append([]int16(nil), b.Samples...)
	}
	out := make([]int16, b.Frames())
	for i := range out {
		out[i] = b.Samples[i*b.Channels+ch]
	}
	return out
}

// Format describes the blocks a Source produces.
type Format struct {
	SampleRate int
	Channels   int
	// BlockSize is the nominal number of frames per block.
	BlockSize int
}

// Source yields audio blocks. Read returns io.EOF once the stream has ended.
type Source interface {
	Read(ctx context.Context) (Block, error)
	Format() Format
	Close() error
}

// DecodePCM converts little-endian s16 bytes into samples; a trailing odd byte is dropped.
func DecodePCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// EncodePCM is the inverse of DecodePCM.
func EncodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
