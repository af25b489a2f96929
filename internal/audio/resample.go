package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/gopxl/beep"
)

// ResampleQuality maps the algorithm names accepted in configuration to beep resampler quality.
func ResampleQuality(algorithm string) (int, error) {
	switch algorithm {
	case "zero_order_hold", "linear":
		return 1, nil
	case "sinc_fastest", "":
		return 3, nil
	case "sinc_medium":
		return 6, nil
	case "sinc_best":
		return 16, nil
	default:
		return 0, fmt.Errorf("unknown resample algorithm %q", algorithm)
	}
}

// Resampler converts the wrapped source to the target rate with one resampling stream per
// channel that lives as long as the source, so block boundaries are invisible in the output.
// Output lags the input by up to a few hundred milliseconds of lookahead; the lag is flushed when
// the source ends. Output blocks may differ in length from the nominal block size.
type Resampler struct {
	src     Source
	target  int
	quality int

	from    int
	ratio   float64 // input samples per output sample
	streams []*channelStream
	in      int // input frames queued so far
	out     int // output frames emitted so far
	done    bool
}

// channelStream feeds one channel's queued input to its beep resampler.
type channelStream struct {
	queue []float64
	ended bool
	rs    *beep.Resampler
}

func (c *channelStream) Stream(samples [][2]float64) (int, bool) {
	n := 0
	for n < len(samples) && n < len(c.queue) {
		samples[n][0], samples[n][1] = c.queue[n], c.queue[n]
		n++
	}
	c.queue = c.queue[n:]
	return n, n > 0 || !c.ended
}

func (c *channelStream) Err() error { return nil }

// resampleChunk is the unit in which beep pulls input; a short pull means end of stream, so
// output is only requested while whole chunks of lookahead are queued.
const resampleChunk = 512

func NewResampler(src Source, targetRate int, algorithm string) (*Resampler, error) {
	if targetRate <= 0 {
		return nil, fmt.Errorf("target sample rate must be positive")
	}
	quality, err := ResampleQuality(algorithm)
	if err != nil {
		return nil, err
	}
	return &Resampler{src: src, target: targetRate, quality: quality}, nil
}

func (r *Resampler) Format() Format {
	f := r.src.Format()
	ratio := float64(r.target) / float64(f.SampleRate)
	f.BlockSize = int(math.Round(float64(f.BlockSize) * ratio))
	f.SampleRate = r.target
	return f
}

// Read returns the next non-empty resampled block. Source blocks that only fill the lookahead
// are consumed without producing output.
func (r *Resampler) Read(ctx context.Context) (Block, error) {
	for {
		if r.done {
			return Block{}, io.EOF
		}
		block, err := r.src.Read(ctx)
		switch {
		case errors.Is(err, io.EOF):
			r.done = true
			if r.streams == nil || r.in == 0 {
				return Block{}, io.EOF
			}
			out := r.drain(true)
			if out.Frames() == 0 {
				return Block{}, io.EOF
			}
			return out, nil
		case err != nil:
			return Block{}, err
		}
		if r.streams == nil && (block.SampleRate == r.target || block.Frames() == 0) {
			if block.Last {
				r.done = true
			}
			return block, nil
		}
		if err := r.push(block); err != nil {
			return Block{}, err
		}
		out := r.drain(block.Last)
		if block.Last {
			r.done = true
			return out, nil
		}
		if out.Frames() > 0 {
			return out, nil
		}
	}
}

func (r *Resampler) push(block Block) error {
	if r.streams == nil {
		r.from = block.SampleRate
		r.ratio = float64(block.SampleRate) / float64(r.target)
		r.streams = make([]*channelStream, block.Channels)
		for ch := range r.streams {
			c := &channelStream{}
			c.rs = beep.Resample(r.quality, beep.SampleRate(block.SampleRate), beep.SampleRate(r.target), c)
			r.streams[ch] = c
		}
	}
	if block.SampleRate != r.from || block.Channels != len(r.streams) {
		return fmt.Errorf("resampler input changed from %d Hz/%d ch to %d Hz/%d ch",
			r.from, len(r.streams), block.SampleRate, block.Channels)
	}
	frames := block.Frames()
	for ch, c := range r.streams {
		for i := 0; i < frames; i++ {
			c.queue = append(c.queue, float64(block.Samples[i*block.Channels+ch])/32768)
		}
	}
	r.in += frames
	return nil
}

// ready counts the output frames whose interpolation window is fully covered by queued input.
func (r *Resampler) ready(last bool) int {
	if last {
		total := int(float64(r.in) * float64(r.target) / float64(r.from))
		return max(total-r.out, 0)
	}
	n := 0
	for {
		need := int(float64(r.out+n)*r.ratio) + r.quality
		if (need/resampleChunk+2)*resampleChunk > r.in {
			return n
		}
		n++
	}
}

func (r *Resampler) drain(last bool) Block {
	if last {
		for _, c := range r.streams {
			c.ended = true
		}
	}
	want := r.ready(last)
	channels := len(r.streams)
	frames := want
	pulled := make([][][2]float64, channels)
	for ch, c := range r.streams {
		buf := make([][2]float64, want)
		got := 0
		for got < want {
			n, ok := c.rs.Stream(buf[got:])
			got += n
			if !ok || n == 0 {
				break
			}
		}
		pulled[ch] = buf[:got]
		frames = min(frames, got)
	}
	out := make([]int16, frames*channels)
	for i := 0; i < frames; i++ {
		for ch := range pulled {
			out[i*channels+ch] = toInt16(pulled[ch][i][0])
		}
	}
	r.out += frames
	return Block{
		Samples:    out,
		SampleRate: r.target,
		Channels:   channels,
		Last:       last,
	}
}

func (r *Resampler) Close() error { return r.src.Close() }

func toInt16(v float64) int16 {
	s := math.Round(v * 32768)
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return int16(s)
}
