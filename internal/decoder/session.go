package decoder

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-asr/internal/audio"
)

// ErrSessionFinalized is returned when a finalized session is used for decoding again.
var ErrSessionFinalized = errors.New("decode session already finalized")

type Options struct {
	SampleRate     int
	PadConfidences bool
	Logger         *slog.Logger
}

// Session is one utterance lifetime of an Engine: the feature pipeline bound at Open,
// its adaptation state and the silence-weighting bookkeeping.
type Session struct {
	engine    Engine
	opts      Options
	log       *slog.Logger
	finalized bool
	frames    int
	weighted  int
}

// Final is the terminal output of a session.
type Final struct {
	Text        string
	Confidences []float64
	Frames      int
}

func Open(engine Engine, state AdaptationState, opts Options) (*Session, error) {
	if engine == nil {
		return nil, errors.New("decoder engine is nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := engine.Init(state); err != nil {
		return nil, fmt.Errorf("init decoding: %w", err)
	}
	return &Session{engine: engine, opts: opts, log: log}, nil
}

// Reinit extracts the adaptation state of s and opens the next session with it.
func (s *Session) Reinit() (*Session, error) {
	state, err := s.ExtractAdaptationState()
	if err != nil {
		return nil, err
	}
	return Open(s.engine, state, s.opts)
}

func (s *Session) Finalized() bool { return s.finalized }

// FramesDecoded is the frame count reported after the last Advance.
func (s *Session) FramesDecoded() int { return s.frames }

// Accept feeds audio into the pipeline without stepping the decoder.
func (s *Session) Accept(block audio.Block) error {
	if s.finalized {
		return ErrSessionFinalized
	}
	if err := s.engine.AcceptWaveform(s.rate(block), block.Samples); err != nil {
		return fmt.Errorf("accept waveform: %w", err)
	}
	return nil
}

// Advance feeds one block and steps the decoder until the block is consumed.
func (s *Session) Advance(block audio.Block, isLast bool) (int, error) {
	if s.finalized {
		return 0, ErrSessionFinalized
	}
	if err := s.engine.AcceptWaveform(s.rate(block), block.Samples); err != nil {
		return 0, fmt.Errorf("accept waveform: %w", err)
	}
	if isLast {
		if err := s.engine.InputFinished(); err != nil {
			return 0, fmt.Errorf("input finished: %w", err)
		}
	}
	if s.engine.SilenceWeightingActive() {
		if err := s.updateSilenceWeights(); err != nil {
			return 0, err
		}
	}
	if err := s.engine.Advance(); err != nil {
		return 0, fmt.Errorf("advance decoding: %w", err)
	}
	s.frames = s.engine.FramesDecoded()
	return s.frames, nil
}

func (s *Session) updateSilenceWeights() error {
	if err := s.engine.ComputeTraceback(); err != nil {
		return fmt.Errorf("silence weighting traceback: %w", err)
	}
	weights, err := s.engine.DeltaWeights(s.engine.FramesReady())
	if err != nil {
		return fmt.Errorf("silence weighting deltas: %w", err)
	}
	if len(weights) == 0 {
		return nil
	}
	if err := s.engine.UpdateFrameWeights(weights); err != nil {
		return fmt.Errorf("update frame weights: %w", err)
	}
	s.weighted += len(weights)
	return nil
}

func (s *Session) EndpointDetected() bool {
	return !s.finalized && s.engine.EndpointDetected()
}

func (s *Session) PartialOutput() (string, error) {
	if s.finalized {
		return "", ErrSessionFinalized
	}
	return s.engine.PartialOutput()
}

// Finalize flushes the decoder and returns the best path with per-word confidences.
// The session cannot be advanced afterwards.
func (s *Session) Finalize() (Final, error) {
	if s.finalized {
		return Final{}, ErrSessionFinalized
	}
	s.finalized = true
	out, err := s.engine.Finalize()
	if err != nil {
		return Final{}, fmt.Errorf("finalize decoding: %w", err)
	}
	conf, err := s.engine.Confidences(out.Lattice)
	if err != nil {
		return Final{}, fmt.Errorf("compute confidences: %w", err)
	}
	if s.opts.PadConfidences {
		conf = AlignConfidences(out.Text, conf, s.log)
	}
	return Final{Text: out.Text, Confidences: conf, Frames: s.frames}, nil
}

// ExtractAdaptationState reads the accumulated state; valid before and after Finalize.
func (s *Session) ExtractAdaptationState() (AdaptationState, error) {
	state, err := s.engine.AdaptationState()
	if err != nil {
		return nil, fmt.Errorf("extract adaptation state: %w", err)
	}
	return state, nil
}

func (s *Session) rate(block audio.Block) int {
	if block.SampleRate > 0 {
		return block.SampleRate
	}
	return s.opts.SampleRate
}
