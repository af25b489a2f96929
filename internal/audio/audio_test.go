package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func ramp(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i)
	}
	return out
}

func TestReaderSourceFlagsLastBlock(t *testing.T) {
	samples := ramp(10)
	src, err := NewReaderSource(bytes.NewReader(EncodePCM(samples)), Format{SampleRate: 16000, Channels: 1, BlockSize: 4})
	if err != nil {
		t.Fatalf("new reader source: %v", err)
	}
	ctx := context.Background()

	var blocks []Block
	for {
		b, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		blocks = append(blocks, b)
	}
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if blocks[0].Last || blocks[1].Last || !blocks[2].Last {
		t.Fatalf("expected only the final block to be flagged last")
	}
	if len(blocks[2].Samples) != 2 || blocks[2].Samples[1] != 9 {
		t.Fatalf("unexpected trailing block %v", blocks[2].Samples)
	}
}

func TestReaderSourceDropsPartialFrame(t *testing.T) {
	// 5 samples of stereo audio: the dangling sample is not a full frame
	src, err := NewReaderSource(bytes.NewReader(EncodePCM(ramp(5))), Format{SampleRate: 8000, Channels: 2, BlockSize: 4})
	if err != nil {
		t.Fatalf("new reader source: %v", err)
	}
	b, err := src.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if b.Frames() != 2 || !b.Last {
		t.Fatalf("expected 2 frames flagged last, got %d (last=%v)", b.Frames(), b.Last)
	}
	if got := b.Channel(1); got[0] != 1 || got[1] != 3 {
		t.Fatalf("unexpected right channel %v", got)
	}
}

func writeWAV(t *testing.T, path string, rate, channels int, samples []int16) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	if err := enc.Write(&goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: rate}, Data: data, SourceBitDepth: 16}); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func TestWAVSourceReadsBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.wav")
	writeWAV(t, path, 16000, 2, ramp(20))

	src, err := OpenWAV(path, 4)
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	if f := src.Format(); f.SampleRate != 16000 || f.Channels != 2 {
		t.Fatalf("unexpected format %+v", f)
	}
	var total int
	var last bool
	for {
		b, err := src.Read(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		total += len(b.Samples)
		last = b.Last
	}
	if total != 20 {
		t.Fatalf("expected 20 samples, got %d", total)
	}
	if !last {
		t.Fatal("expected final block flagged last")
	}
}

func TestDebugTapWritesWAV(t *testing.T) {
	samples := ramp(64)
	inner, err := NewReaderSource(bytes.NewReader(EncodePCM(samples)), Format{SampleRate: 16000, Channels: 1, BlockSize: 16})
	if err != nil {
		t.Fatalf("new reader source: %v", err)
	}
	path := filepath.Join(t.TempDir(), "debug.wav")
	tap, err := NewDebugTap(inner, path)
	if err != nil {
		t.Fatalf("new debug tap: %v", err)
	}
	for {
		if _, err := tap.Read(context.Background()); err != nil {
			break
		}
	}
	if err := tap.Close(); err != nil {
		t.Fatalf("close tap: %v", err)
	}

	check, err := OpenWAV(path, 128)
	if err != nil {
		t.Fatalf("reopen debug wav: %v", err)
	}
	defer check.Close()
	b, err := check.Read(context.Background())
	if err != nil {
		t.Fatalf("read debug wav: %v", err)
	}
	if len(b.Samples) != len(samples) || b.Samples[63] != 63 {
		t.Fatalf("debug wav does not match input: %d samples", len(b.Samples))
	}
}

func TestResamplerChangesRate(t *testing.T) {
	n := 1536
	tone := make([]int16, n)
	for i := range tone {
		tone[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	inner, err := NewReaderSource(bytes.NewReader(EncodePCM(tone)), Format{SampleRate: 48000, Channels: 1, BlockSize: n})
	if err != nil {
		t.Fatalf("new reader source: %v", err)
	}
	rs, err := NewResampler(inner, 16000, "sinc_fastest")
	if err != nil {
		t.Fatalf("new resampler: %v", err)
	}
	if f := rs.Format(); f.SampleRate != 16000 || f.BlockSize != 512 {
		t.Fatalf("unexpected resampled format %+v", f)
	}
	b, err := rs.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if b.SampleRate != 16000 || !b.Last {
		t.Fatalf("unexpected block header rate=%d last=%v", b.SampleRate, b.Last)
	}
	if len(b.Samples) != 512 {
		t.Fatalf("expected 512 samples after 3:1 downsampling, got %d", len(b.Samples))
	}
	if _, err := rs.Read(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after last block, got %v", err)
	}
}

func TestResamplerIsContinuousAcrossBlocks(t *testing.T) {
	const blocks, size = 10, 1024
	tone := make([]int16, blocks*size)
	for i := range tone {
		tone[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	inner, err := NewReaderSource(bytes.NewReader(EncodePCM(tone)), Format{SampleRate: 48000, Channels: 1, BlockSize: size})
	if err != nil {
		t.Fatalf("new reader source: %v", err)
	}
	rs, err := NewResampler(inner, 16000, "sinc_fastest")
	if err != nil {
		t.Fatalf("new resampler: %v", err)
	}

	var out []int16
	var sawLast bool
	for !sawLast {
		b, err := rs.Read(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if b.SampleRate != 16000 {
			t.Fatalf("block rate = %d", b.SampleRate)
		}
		out = append(out, b.Samples...)
		sawLast = b.Last
	}
	if !sawLast {
		t.Fatal("expected a block flagged last")
	}
	if want := blocks * size / 3; len(out) != want {
		t.Fatalf("resampled %d samples, want %d", len(out), want)
	}
	// every output sample lands on an input sample at 3:1, including those at block seams
	for i, got := range out {
		want := tone[3*i]
		if d := int(got) - int(want); d < -2 || d > 2 {
			t.Fatalf("sample %d = %d, want %d", i, got, want)
		}
	}
}

func TestResamplerPassthrough(t *testing.T) {
	inner, err := NewReaderSource(bytes.NewReader(EncodePCM(ramp(8))), Format{SampleRate: 16000, Channels: 1, BlockSize: 8})
	if err != nil {
		t.Fatalf("new reader source: %v", err)
	}
	rs, err := NewResampler(inner, 16000, "linear")
	if err != nil {
		t.Fatalf("new resampler: %v", err)
	}
	b, err := rs.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(b.Samples) != 8 || b.Samples[7] != 7 {
		t.Fatalf("expected untouched block, got %v", b.Samples)
	}
}

func TestResampleQualityRejectsUnknown(t *testing.T) {
	if _, err := ResampleQuality("cubic"); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}
