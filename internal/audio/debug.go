package audio

import (
	"context"
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DebugTap copies every block read through it into a WAV file, finalized on Close.
type DebugTap struct {
	src  Source
	path string
	file *os.File
	enc  *wav.Encoder
	// first write failure; the tap stops recording but never blocks the stream
	err error
}

func NewDebugTap(src Source, path string) (*DebugTap, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create debug wav: %w", err)
	}
	f := src.Format()
	return &DebugTap{
		src:  src,
		path: path,
		file: file,
		enc:  wav.NewEncoder(file, f.SampleRate, 16, f.Channels, 1),
	}, nil
}

func (t *DebugTap) Format() Format { return t.src.Format() }

func (t *DebugTap) Path() string { return t.path }

func (t *DebugTap) Read(ctx context.Context) (Block, error) {
	block, err := t.src.Read(ctx)
	if err != nil || t.err != nil {
		return block, err
	}
	data := make([]int, len(block.Samples))
	for i, s := range block.Samples {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: block.Channels, SampleRate: block.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := t.enc.Write(buf); err != nil {
		t.err = fmt.Errorf("write debug wav: %w", err)
	}
	return block, nil
}

func (t *DebugTap) Close() error {
	var errs []error
	if t.err != nil {
		errs = append(errs, t.err)
	}
	if err := t.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close debug wav encoder: %w", err))
	}
	if err := t.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.src.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
