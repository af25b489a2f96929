// Package selector picks the active speaker channel from multi-channel audio.
package selector

import (
	"math"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-asr/internal/audio"
)

const (
	// normScale follows the simplified loudness measure: L2 of the block in [-0.5,0.5) times ten.
	normScale = 10.0
	// minTotalNorm keeps silence from ever triggering a switch.
	minTotalNorm = 1e-6
)

// SpeakerState is the hysteresis bookkeeping for the active speaker.
type SpeakerState struct {
	Channel           int
	Label             string
	Previous          audio.Block
	FramesSinceSwitch int
}

// Selection is the outcome for one block.
type Selection struct {
	Mono    audio.Block
	Channel int
	Label   string
	Norm    float64
	// Switched reports a confirmed speaker change; Label already names the new speaker.
	Switched bool
}

type Options struct {
	Cutoff   float64
	MinDwell int
	// LabelPattern names speakers; "#c#" is replaced by the channel number.
	LabelPattern string
}

type Selector struct {
	opts  Options
	state SpeakerState
}

func New(opts Options) *Selector {
	s := &Selector{opts: opts}
	s.state.Label = s.label(0)
	return s
}

// State returns a copy of the current speaker bookkeeping.
func (s *Selector) State() SpeakerState { return s.state }

// AddDecodedFrames credits the active speaker with newly decoded frames.
func (s *Selector) AddDecodedFrames(n int) {
	if n > 0 {
		s.state.FramesSinceSwitch += n
	}
}

func (s *Selector) Select(block audio.Block) Selection {
	if block.Channels <= 1 {
		sel := Selection{
			Mono:    block,
			Channel: s.state.Channel,
			Label:   s.state.Label,
			Norm:    Norm(block.Samples),
		}
		s.state.Previous = block
		return sel
	}

	norms := make([]float64, block.Channels)
	mono := make([][]int16, block.Channels)
	total := 0.0
	best := 0
	for ch := range norms {
		mono[ch] = block.Channel(ch)
		n := Norm(mono[ch])
		if n < s.opts.Cutoff {
			n = 0
		}
		norms[ch] = n
		total += n
		if n > norms[best] {
			best = ch
		}
	}

	switched := false
	if best != s.state.Channel && total > minTotalNorm && s.state.FramesSinceSwitch >= s.opts.MinDwell {
		s.state.Channel = best
		s.state.Label = s.label(best)
		s.state.FramesSinceSwitch = 0
		switched = true
	}

	// The active speaker's channel is decoded even when another one is momentarily louder.
	out := audio.Block{
		Samples:    mono[s.state.Channel],
		SampleRate: block.SampleRate,
		Channels:   1,
		Last:       block.Last,
	}
	s.state.Previous = out
	return Selection{
		Mono:     out,
		Channel:  s.state.Channel,
		Label:    s.state.Label,
		Norm:     norms[s.state.Channel],
		Switched: switched,
	}
}

func (s *Selector) label(ch int) string {
	pattern := s.opts.LabelPattern
	if pattern == "" {
		pattern = "speaker#c#"
	}
	return strings.ReplaceAll(pattern, "#c#", strconv.Itoa(ch))
}

// Norm is the scaled L2 norm of normalized samples.
func Norm(samples []int16) float64 {
	var sum float64
	for _, v := range samples {
		f := float64(v) / 65536.0
		sum += f * f
	}
	return math.Sqrt(sum) * normScale
}
