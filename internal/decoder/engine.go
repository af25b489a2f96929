package decoder

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-asr/internal/config"
)

// AdaptationState is the engine's opaque per-speaker normalization accumulator.
type AdaptationState []byte

// Lattice is an engine-specific serialized decode lattice.
type Lattice []byte

// Output is the best path of a finalized utterance and the lattice it came from.
type Output struct {
	Text    string
	Lattice Lattice
}

// FrameWeight is one silence-weighting update for the adaptive feature extractor.
type FrameWeight struct {
	Frame  int     `json:"frame"`
	Weight float64 `json:"weight"`
}

// Engine abstracts an online decoder with a single open feature pipeline.
// Implementations are not safe for concurrent use.
type Engine interface {
	// Init binds a fresh feature pipeline seeded with state and starts decoding.
	Init(state AdaptationState) error
	AcceptWaveform(sampleRate int, samples []int16) error
	InputFinished() error
	Advance() error
	FramesDecoded() int
	FramesReady() int
	EndpointDetected() bool
	PartialOutput() (string, error)
	Finalize() (Output, error)
	Confidences(lat Lattice) ([]float64, error)
	AdaptationState() (AdaptationState, error)

	SilenceWeightingActive() bool
	ComputeTraceback() error
	DeltaWeights(framesReady int) ([]FrameWeight, error)
	UpdateFrameWeights(weights []FrameWeight) error

	Close() error
}

// NewEngine builds the engine selected by cfg.Mode.
func NewEngine(ctx context.Context, cfg config.DecoderConfig, sampleRate int) (Engine, error) {
	switch cfg.Mode {
	case "", "mock":
		opts := DefaultMockOptions()
		opts.SampleRate = sampleRate
		return NewMockEngine(opts), nil
	case "exec":
		return NewExecEngine(ctx, cfg, sampleRate)
	default:
		return nil, fmt.Errorf("unsupported decoder mode %q", cfg.Mode)
	}
}
