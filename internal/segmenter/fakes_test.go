package segmenter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/decoder"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/selector"
)

var errBoom = errors.New("engine exploded")

// step scripts the outcome of one decoder advance.
type step struct {
	frames   int
	endpoint bool
	err      error
}

type accepted struct {
	session int
	tag     int16
}

// scriptedEngine decodes according to a fixed script, one entry per advance. Blocks are
// identified by their first sample.
type scriptedEngine struct {
	mu       sync.Mutex
	script   []step
	fallback step
	calls    int
	inits    int
	states   []string
	frames   int
	endpoint bool
	finished int
	accepts  []accepted
	inFlight atomic.Int32
	overlaps atomic.Int32
	delay    time.Duration
}

func newScriptedEngine(script ...step) *scriptedEngine {
	return &scriptedEngine{script: script, fallback: step{frames: 10}}
}

func (e *scriptedEngine) Init(state decoder.AdaptationState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inits++
	e.states = append(e.states, string(state))
	e.frames = 0
	e.endpoint = false
	return nil
}

func (e *scriptedEngine) AcceptWaveform(_ int, samples []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var tag int16
	if len(samples) > 0 {
		tag = samples[0]
	}
	e.accepts = append(e.accepts, accepted{session: e.inits, tag: tag})
	return nil
}

func (e *scriptedEngine) InputFinished() error {
	e.mu.Lock()
	e.finished++
	e.mu.Unlock()
	return nil
}

func (e *scriptedEngine) Advance() error {
	if e.inFlight.Add(1) > 1 {
		e.overlaps.Add(1)
	}
	defer e.inFlight.Add(-1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.fallback
	if e.calls < len(e.script) {
		s = e.script[e.calls]
	}
	e.calls++
	if s.err != nil {
		return s.err
	}
	e.frames += s.frames
	e.endpoint = s.endpoint
	return nil
}

func (e *scriptedEngine) FramesDecoded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

func (e *scriptedEngine) FramesReady() int { return e.FramesDecoded() }

func (e *scriptedEngine) EndpointDetected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpoint
}

func (e *scriptedEngine) PartialOutput() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("partial %d", e.frames), nil
}

func (e *scriptedEngine) Finalize() (decoder.Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return decoder.Output{Text: fmt.Sprintf("utterance %d", e.inits)}, nil
}

func (e *scriptedEngine) Confidences(decoder.Lattice) ([]float64, error) {
	return []float64{0.9}, nil
}

func (e *scriptedEngine) AdaptationState() (decoder.AdaptationState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return decoder.AdaptationState(fmt.Sprintf("state-%d", e.inits)), nil
}

func (e *scriptedEngine) SilenceWeightingActive() bool { return false }
func (e *scriptedEngine) ComputeTraceback() error { return nil }
func (e *scriptedEngine) DeltaWeights(int) ([]decoder.FrameWeight, error) { return nil, nil }
func (e *scriptedEngine) UpdateFrameWeights([]decoder.FrameWeight) error { return nil }
func (e *scriptedEngine) Close() error { return nil }

// acceptedIn lists the tags fed to the given session, in order.
func (e *scriptedEngine) acceptedIn(session int) []int16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int16
	for _, a := range e.accepts {
		if a.session == session {
			out = append(out, a.tag)
		}
	}
	return out
}

// sliceSource serves prepared blocks and then io.EOF. onRead runs before block i (1-based)
// is returned.
type sliceSource struct {
	blocks []audio.Block
	errs   map[int]error
	reads  int
	onRead func(i int)
}

func (s *sliceSource) Read(context.Context) (audio.Block, error) {
	s.reads++
	if s.onRead != nil {
		s.onRead(s.reads)
	}
	if err := s.errs[s.reads]; err != nil {
		return audio.Block{}, err
	}
	if len(s.blocks) == 0 {
		return audio.Block{}, io.EOF
	}
	b := s.blocks[0]
	s.blocks = s.blocks[1:]
	return b, nil
}

func (s *sliceSource) Format() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1, BlockSize: 1024}
}

func (s *sliceSource) Close() error { return nil }

// monoBlocks builds n tagged mono blocks of 1024 samples; block i starts with sample i.
func monoBlocks(n int) []audio.Block {
	out := make([]audio.Block, n)
	for i := range out {
		samples := make([]int16, 1024)
		samples[0] = int16(i + 1)
		out[i] = audio.Block{Samples: samples, SampleRate: 16000, Channels: 1}
	}
	return out
}

// stereoBlock puts the tag on both channels and fills the rest with the given levels.
func stereoBlock(tag int16, left, right int16) audio.Block {
	samples := make([]int16, 2048)
	for i := 0; i < 1024; i++ {
		samples[i*2] = left
		samples[i*2+1] = right
	}
	samples[0], samples[1] = tag, tag
	return audio.Block{Samples: samples, SampleRate: 16000, Channels: 2}
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
	resets int
}

func (s *recordingSink) Publish(_ context.Context, ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) ResetTimer() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *recordingSink) byHandle(handle string) []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Event
	for _, ev := range s.events {
		if ev.Handle == handle {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	engine   *scriptedEngine
	source   *sliceSource
	sink     *recordingSink
	controls chan protocol.ControlMessage
	ctrl     *Controller
}

func newHarness(t *testing.T, opts Options, engine *scriptedEngine, blocks []audio.Block, sel *selector.Selector) *harness {
	t.Helper()
	h := &harness{
		engine:   engine,
		source:   &sliceSource{blocks: blocks},
		sink:     &recordingSink{},
		controls: make(chan protocol.ControlMessage, 8),
	}
	if opts.StreamID == "" {
		opts.StreamID = "test"
	}
	ctrl, err := New(opts, Deps{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Engine:   engine,
		Source:   h.source,
		Selector: sel,
		Sink:     h.sink,
		Controls: h.controls,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.ctrl.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func (h *harness) sendAt(read int, cmd protocol.Command) {
	prev := h.source.onRead
	h.source.onRead = func(i int) {
		if prev != nil {
			prev(i)
		}
		if i == read {
			h.controls <- protocol.ControlMessage{Command: cmd}
		}
	}
}
