package audio

import (
	"context"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource decodes a 16-bit PCM WAV file block by block.
type WAVSource struct {
	file   *os.File
	dec    *wav.Decoder
	format Format
	buf    *goaudio.IntBuffer

	primed  bool
	next    Block
	nextErr error
}

func OpenWAV(path string, blockSize int) (*WAVSource, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	if dec.BitDepth != 16 {
		file.Close()
		return nil, fmt.Errorf("unsupported wav bit depth %d, want 16", dec.BitDepth)
	}
	format := Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BlockSize:  blockSize,
	}
	return &WAVSource{
		file:   file,
		dec:    dec,
		format: format,
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			Data:   make([]int, blockSize*format.Channels),
		},
	}, nil
}

func (s *WAVSource) Format() Format { return s.format }

func (s *WAVSource) Read(ctx context.Context) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	if !s.primed {
		s.next, s.nextErr = s.readBlock()
		s.primed = true
	}
	current, err := s.next, s.nextErr
	if err != nil {
		return Block{}, err
	}
	s.next, s.nextErr = s.readBlock()
	if s.nextErr == io.EOF {
		current.Last = true
	}
	return current, nil
}

func (s *WAVSource) readBlock() (Block, error) {
	n, err := s.dec.PCMBuffer(s.buf)
	if n == 0 {
		if err != nil && err != io.EOF {
			return Block{}, fmt.Errorf("decode wav: %w", err)
		}
		return Block{}, io.EOF
	}
	n -= n % s.format.Channels
	if n == 0 {
		return Block{}, io.EOF
	}
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(s.buf.Data[i])
	}
	return Block{
		Samples:    samples,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
	}, nil
}

func (s *WAVSource) Close() error {
	return s.file.Close()
}
