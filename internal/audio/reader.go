package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ReaderSource reads raw interleaved s16le PCM, e.g. piped from arecord or sox.
// It reads one block ahead so the final block can be flagged as Last.
type ReaderSource struct {
	r      io.Reader
	closer io.Closer
	format Format
	buf    []byte

	primed  bool
	next    Block
	nextErr error
}

func NewReaderSource(r io.Reader, format Format) (*ReaderSource, error) {
	if format.Channels <= 0 || format.BlockSize <= 0 || format.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid reader format %+v", format)
	}
	src := &ReaderSource{
		r:      r,
		format: format,
		buf:    make([]byte, format.BlockSize*format.Channels*2),
	}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src, nil
}

func (s *ReaderSource) Format() Format { return s.format }

func (s *ReaderSource) Read(ctx context.Context) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	if !s.primed {
		s.next, s.nextErr = s.readBlock()
		s.primed = true
	}
	current, err := s.next, s.nextErr
	if err != nil {
		if !errors.Is(err, io.EOF) {
			// a failed read is not sticky; try again on the next call
			s.primed = false
		}
		return Block{}, err
	}
	s.next, s.nextErr = s.readBlock()
	if errors.Is(s.nextErr, io.EOF) {
		current.Last = true
	}
	return current, nil
}

func (s *ReaderSource) readBlock() (Block, error) {
	n, err := io.ReadFull(s.r, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		return Block{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		frameBytes := s.format.Channels * 2
		n -= n % frameBytes
		if n == 0 {
			return Block{}, io.EOF
		}
	case err != nil:
		return Block{}, fmt.Errorf("read pcm: %w", err)
	}
	return Block{
		Samples:    DecodePCM(s.buf[:n]),
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
	}, nil
}

func (s *ReaderSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
