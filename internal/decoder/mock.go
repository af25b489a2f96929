package decoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// MockOptions tune the energy-driven mock engine.
type MockOptions struct {
	SampleRate int
	// FrameShiftMS is the duration of one decoded frame.
	FrameShiftMS int
	// Threshold is the RMS level (0..1) above which a frame counts as speech.
	Threshold float64
	// EndpointSilence is the trailing silence, in frames, that ends an utterance with speech.
	EndpointSilence int
	// MaxSilence ends an utterance that never saw speech.
	MaxSilence int
	// MinWordFrames is the shortest speech run that becomes a word.
	MinWordFrames    int
	SilenceWeighting bool
}

func DefaultMockOptions() MockOptions {
	return MockOptions{
		SampleRate:      16000,
		FrameShiftMS:    10,
		Threshold:       0.02,
		EndpointSilence: 50,
		MaxSilence:      500,
		MinWordFrames:   5,
	}
}

type mockAdaptation struct {
	Frames int     `json:"frames"`
	Energy float64 `json:"energy"`
}

// MockEngine emits one word per run of voiced frames. It needs no model and is used
// for local runs and tests.
type MockEngine struct {
	opts MockOptions

	open     bool
	finished bool
	done     bool
	pending  []int16
	energies []float64
	decoded  int
	weighted int
	adapt    mockAdaptation
	words    []mockWord
	run      int
	runSum   float64
	silence  int
}

type mockWord struct {
	frames int
	level  float64
}

func NewMockEngine(opts MockOptions) *MockEngine {
	def := DefaultMockOptions()
	if opts.SampleRate <= 0 {
		opts.SampleRate = def.SampleRate
	}
	if opts.FrameShiftMS <= 0 {
		opts.FrameShiftMS = def.FrameShiftMS
	}
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.EndpointSilence <= 0 {
		opts.EndpointSilence = def.EndpointSilence
	}
	if opts.MaxSilence <= 0 {
		opts.MaxSilence = def.MaxSilence
	}
	if opts.MinWordFrames <= 0 {
		opts.MinWordFrames = def.MinWordFrames
	}
	return &MockEngine{opts: opts}
}

func (m *MockEngine) frameSize() int {
	return m.opts.SampleRate * m.opts.FrameShiftMS / 1000
}

func (m *MockEngine) Init(state AdaptationState) error {
	m.adapt = mockAdaptation{}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &m.adapt); err != nil {
			return fmt.Errorf("decode adaptation state: %w", err)
		}
	}
	m.open = true
	m.finished = false
	m.done = false
	m.pending = m.pending[:0]
	m.energies = m.energies[:0]
	m.decoded = 0
	m.weighted = 0
	m.words = nil
	m.run = 0
	m.runSum = 0
	m.silence = 0
	return nil
}

func (m *MockEngine) AcceptWaveform(sampleRate int, samples []int16) error {
	if !m.open {
		return errors.New("mock engine not initialized")
	}
	if m.finished {
		return errors.New("input already finished")
	}
	if sampleRate != m.opts.SampleRate {
		return fmt.Errorf("sample rate %d does not match engine rate %d", sampleRate, m.opts.SampleRate)
	}
	m.pending = append(m.pending, samples...)
	size := m.frameSize()
	for len(m.pending) >= size {
		m.energies = append(m.energies, rms(m.pending[:size]))
		m.pending = m.pending[size:]
	}
	return nil
}

func (m *MockEngine) InputFinished() error {
	if len(m.pending) > 0 {
		m.energies = append(m.energies, rms(m.pending))
		m.pending = m.pending[:0]
	}
	m.finished = true
	return nil
}

func (m *MockEngine) Advance() error {
	if !m.open {
		return errors.New("mock engine not initialized")
	}
	for ; m.decoded < len(m.energies); m.decoded++ {
		level := m.energies[m.decoded]
		m.adapt.Frames++
		m.adapt.Energy += (level - m.adapt.Energy) / float64(m.adapt.Frames)
		if level >= m.opts.Threshold {
			m.run++
			m.runSum += level
			m.silence = 0
			continue
		}
		m.closeRun()
		m.silence++
	}
	return nil
}

func (m *MockEngine) closeRun() {
	if m.run >= m.opts.MinWordFrames {
		m.words = append(m.words, mockWord{frames: m.run, level: m.runSum / float64(m.run)})
	}
	m.run = 0
	m.runSum = 0
}

func (m *MockEngine) FramesDecoded() int { return m.decoded }

func (m *MockEngine) FramesReady() int { return len(m.energies) }

func (m *MockEngine) EndpointDetected() bool {
	if !m.open || m.decoded == 0 {
		return false
	}
	if len(m.words) > 0 && m.run == 0 {
		return m.silence >= m.opts.EndpointSilence
	}
	return len(m.words) == 0 && m.run == 0 && m.silence >= m.opts.MaxSilence
}

func (m *MockEngine) text(words []mockWord) string {
	parts := make([]string, len(words))
	for i := range words {
		parts[i] = fmt.Sprintf("word%d", i+1)
	}
	return strings.Join(parts, " ")
}

func (m *MockEngine) PartialOutput() (string, error) {
	words := m.words
	if m.run >= m.opts.MinWordFrames {
		words = append(append([]mockWord(nil), words...), mockWord{frames: m.run})
	}
	return m.text(words), nil
}

func (m *MockEngine) Finalize() (Output, error) {
	if !m.open {
		return Output{}, errors.New("mock engine not initialized")
	}
	if m.done {
		return Output{}, errors.New("mock engine already finalized")
	}
	if err := m.InputFinished(); err != nil {
		return Output{}, err
	}
	if err := m.Advance(); err != nil {
		return Output{}, err
	}
	m.closeRun()
	m.done = true
	conf := make([]float64, len(m.words))
	for i, w := range m.words {
		conf[i] = math.Min(1, 0.5+w.level)
	}
	lat, err := json.Marshal(conf)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: m.text(m.words), Lattice: lat}, nil
}

func (m *MockEngine) Confidences(lat Lattice) ([]float64, error) {
	if len(lat) == 0 {
		return nil, nil
	}
	var conf []float64
	if err := json.Unmarshal(lat, &conf); err != nil {
		return nil, fmt.Errorf("decode lattice: %w", err)
	}
	return conf, nil
}

func (m *MockEngine) AdaptationState() (AdaptationState, error) {
	return json.Marshal(m.adapt)
}

func (m *MockEngine) SilenceWeightingActive() bool { return m.opts.SilenceWeighting }

func (m *MockEngine) ComputeTraceback() error { return nil }

func (m *MockEngine) DeltaWeights(framesReady int) ([]FrameWeight, error) {
	if framesReady > len(m.energies) {
		framesReady = len(m.energies)
	}
	var out []FrameWeight
	for ; m.weighted < framesReady; m.weighted++ {
		w := 1.0
		if m.energies[m.weighted] < m.opts.Threshold {
			w = 0.001
		}
		out = append(out, FrameWeight{Frame: m.weighted, Weight: w})
	}
	return out, nil
}

func (m *MockEngine) UpdateFrameWeights(weights []FrameWeight) error { return nil }

func (m *MockEngine) Close() error {
	m.open = false
	return nil
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
