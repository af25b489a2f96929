package decoder

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecEngine drives an external decoder process over newline-delimited JSON on its
// stdin and stdout. One request is answered by exactly one response line.
type ExecEngine struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    *bufio.Reader
	stderr *syncBuffer

	framesDecoded int
	framesReady   int
	endpoint      bool
	weighting     bool
}

type execRequest struct {
	Op          string          `json:"op"`
	SampleRate  int             `json:"sample_rate,omitempty"`
	PCM         []byte          `json:"pcm,omitempty"`
	State       AdaptationState `json:"state,omitempty"`
	Lattice     Lattice         `json:"lattice,omitempty"`
	FramesReady int             `json:"frames_ready,omitempty"`
	Weights     []FrameWeight   `json:"weights,omitempty"`
}

type execResponse struct {
	Error            string          `json:"error,omitempty"`
	FramesDecoded    int             `json:"frames_decoded"`
	FramesReady      int             `json:"frames_ready"`
	Endpoint         bool            `json:"endpoint"`
	SilenceWeighting bool            `json:"silence_weighting"`
	Text             string          `json:"text"`
	Lattice          Lattice         `json:"lattice"`
	Confidences      []float64       `json:"confidences"`
	State            AdaptationState `json:"state"`
	Weights          []FrameWeight   `json:"weights"`
}

// NewExecEngine starts cfg.Command with the model settings appended as flags.
func NewExecEngine(ctx context.Context, cfg config.DecoderConfig, sampleRate int) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse decoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("decoder command is empty")
	}
	args = append(args,
		"--sample-rate", strconv.Itoa(sampleRate),
		"--beam", strconv.Itoa(cfg.BeamSize),
		"--frames-per-chunk", strconv.Itoa(cfg.FramesPerChunk),
	)
	if cfg.ModelDir != "" {
		args = append(args, "--model-dir", cfg.ModelDir)
	}
	if cfg.ModelConfig != "" {
		args = append(args, "--model-config", cfg.ModelConfig)
	}
	if cfg.OnlineConfig != "" {
		args = append(args, "--online-config", cfg.OnlineConfig)
	}
	return startExecEngine(ctx, args, nil)
}

func startExecEngine(ctx context.Context, args []string, env []string) (*ExecEngine, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if env != nil {
		cmd.Env = env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdout: %w", err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	return &ExecEngine{
		cmd:    cmd,
		stdin:  stdin,
		out:    bufio.NewReaderSize(stdout, 1<<16),
		stderr: stderr,
	}, nil
}

func (e *ExecEngine) call(req execRequest) (execResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	payload, err := json.Marshal(req)
	if err != nil {
		return execResponse{}, fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	payload = append(payload, '\n')
	if _, err := e.stdin.Write(payload); err != nil {
		return execResponse{}, fmt.Errorf("write %s request: %w", req.Op, err)
	}
	line, err := e.out.ReadBytes('\n')
	if err != nil {
		return execResponse{}, fmt.Errorf("read %s response: %w: %s", req.Op, err, e.stderr.String())
	}
	var resp execResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return execResponse{}, fmt.Errorf("decode %s response: %w", req.Op, err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("decoder %s: %s", req.Op, resp.Error)
	}
	return resp, nil
}

func (e *ExecEngine) Init(state AdaptationState) error {
	resp, err := e.call(execRequest{Op: "init", State: state})
	if err != nil {
		return err
	}
	e.framesDecoded = 0
	e.framesReady = 0
	e.endpoint = false
	e.weighting = resp.SilenceWeighting
	return nil
}

// AcceptWaveform and InputFinished refresh FramesReady so silence weighting sees the audio
// just accepted.
func (e *ExecEngine) AcceptWaveform(sampleRate int, samples []int16) error {
	resp, err := e.call(execRequest{Op: "accept", SampleRate: sampleRate, PCM: audio.EncodePCM(samples)})
	if err != nil {
		return err
	}
	e.framesReady = resp.FramesReady
	return nil
}

func (e *ExecEngine) InputFinished() error {
	resp, err := e.call(execRequest{Op: "input_finished"})
	if err != nil {
		return err
	}
	e.framesReady = resp.FramesReady
	return nil
}

func (e *ExecEngine) Advance() error {
	resp, err := e.call(execRequest{Op: "advance"})
	if err != nil {
		return err
	}
	e.framesDecoded = resp.FramesDecoded
	e.framesReady = resp.FramesReady
	e.endpoint = resp.Endpoint
	return nil
}

func (e *ExecEngine) FramesDecoded() int { return e.framesDecoded }

func (e *ExecEngine) FramesReady() int { return e.framesReady }

func (e *ExecEngine) EndpointDetected() bool { return e.endpoint }

func (e *ExecEngine) PartialOutput() (string, error) {
	resp, err := e.call(execRequest{Op: "partial"})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (e *ExecEngine) Finalize() (Output, error) {
	resp, err := e.call(execRequest{Op: "finalize"})
	if err != nil {
		return Output{}, err
	}
	return Output{Text: resp.Text, Lattice: resp.Lattice}, nil
}

func (e *ExecEngine) Confidences(lat Lattice) ([]float64, error) {
	resp, err := e.call(execRequest{Op: "confidences", Lattice: lat})
	if err != nil {
		return nil, err
	}
	return resp.Confidences, nil
}

func (e *ExecEngine) AdaptationState() (AdaptationState, error) {
	resp, err := e.call(execRequest{Op: "adaptation_state"})
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}

func (e *ExecEngine) SilenceWeightingActive() bool { return e.weighting }

func (e *ExecEngine) ComputeTraceback() error {
	_, err := e.call(execRequest{Op: "traceback"})
	return err
}

func (e *ExecEngine) DeltaWeights(framesReady int) ([]FrameWeight, error) {
	resp, err := e.call(execRequest{Op: "delta_weights", FramesReady: framesReady})
	if err != nil {
		return nil, err
	}
	return resp.Weights, nil
}

func (e *ExecEngine) UpdateFrameWeights(weights []FrameWeight) error {
	_, err := e.call(execRequest{Op: "update_weights", Weights: weights})
	return err
}

// Close ends the decoder's input and waits for the process to exit.
func (e *ExecEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.stdin.Close()
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("decoder exited: %w: %s", err, e.stderr.String())
	}
	return nil
}

// syncBuffer collects decoder stderr; os/exec writes it from its own goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
