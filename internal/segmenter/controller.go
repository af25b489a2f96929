// Package segmenter turns a continuous block stream into utterances: it drives the decode
// session, interprets endpoint and speaker-switch signals, finalizes and reinitializes the
// session and emits partial and final events.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/decoder"
	"github.com/loqalabs/loqa-asr/internal/overlap"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/selector"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-asr/segmenter"

// Sink receives the events produced by the controller.
type Sink interface {
	Publish(ctx context.Context, ev protocol.Event) error
	ResetTimer()
}

type Options struct {
	StreamID     string
	UseThreads   bool
	WaitForStart bool
	// Continuous keeps decoding after the first final; otherwise the stream ends there.
	Continuous bool
	Decoder    decoder.Options
}

// Deps carries the collaborators of one stream. The controller does not close them.
type Deps struct {
	Logger   *slog.Logger
	Engine   decoder.Engine
	Source   audio.Source
	Selector *selector.Selector
	Sink     Sink
	Controls <-chan protocol.ControlMessage
	Meter    metric.Meter
	Tracer   trace.Tracer
}

type finalizeReason int

const (
	reasonNone finalizeReason = iota
	reasonEndpoint
	reasonSpeakerSwitch
	reasonStop
	reasonEndOfStream
)

func (r finalizeReason) String() string {
	switch r {
	case reasonEndpoint:
		return "endpoint"
	case reasonSpeakerSwitch:
		return "speaker_switch"
	case reasonStop:
		return "stop"
	case reasonEndOfStream:
		return "end_of_stream"
	default:
		return "none"
	}
}

// resends reports whether the block that closed the utterance is fed again to the next one.
func (r finalizeReason) resends() bool {
	return r == reasonEndpoint || r == reasonSpeakerSwitch
}

// Controller runs the foreground loop of one stream. It is not safe for concurrent use
// except for State, Finalized and Shutdown.
type Controller struct {
	opts     Options
	log      *slog.Logger
	engine   decoder.Engine
	source   audio.Source
	selector *selector.Selector
	sink     Sink
	controls <-chan protocol.ControlMessage
	tracer   trace.Tracer
	metrics  *metrics

	sched   *overlap.Scheduler
	handle  overlap.Handle
	sess    *decoder.Session
	prev    audio.Block
	pending finalizeReason

	utterance   int
	part        int
	frames      int
	speaker     string
	nextSpeaker string
	done        bool

	state    atomic.Int32
	shutdown atomic.Bool
	finals   atomic.Int64
}

func New(opts Options, deps Deps) (*Controller, error) {
	if deps.Engine == nil {
		return nil, errors.New("segmenter: decoder engine is required")
	}
	if deps.Source == nil {
		return nil, errors.New("segmenter: audio source is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("segmenter: event sink is required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	sel := deps.Selector
	if sel == nil {
		sel = selector.New(selector.Options{})
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	m, err := newMetrics(meter)
	if err != nil {
		return nil, err
	}
	if opts.Decoder.Logger == nil {
		opts.Decoder.Logger = log
	}
	if opts.Decoder.SampleRate == 0 {
		opts.Decoder.SampleRate = deps.Source.Format().SampleRate
	}
	c := &Controller{
		opts:      opts,
		log:       log.With(slog.String("component", "segmenter"), slog.String("stream", opts.StreamID)),
		engine:    deps.Engine,
		source:    deps.Source,
		selector:  sel,
		sink:      deps.Sink,
		controls:  deps.Controls,
		tracer:    tracer,
		metrics:   m,
		utterance: 1,
		part:      1,
	}
	c.speaker = sel.State().Label
	c.nextSpeaker = c.speaker
	c.setState(StateAwaitingAudio)
	return c, nil
}

// Shutdown asks the loop to finalize and exit at the top of its next iteration.
func (c *Controller) Shutdown() { c.shutdown.Store(true) }

// Run consumes the source until it ends, the context is cancelled or a shutdown command
// arrives. Pending decode work is resolved and the open utterance finalized before return.
func (c *Controller) Run(ctx context.Context) error {
	sess, err := decoder.Open(c.engine, nil, c.opts.Decoder)
	if err != nil {
		return fmt.Errorf("open decode session: %w", err)
	}
	c.sess = sess
	if c.opts.UseThreads {
		c.sched = overlap.New()
		defer c.sched.Close()
	}
	if c.opts.WaitForStart {
		c.setState(StateIdle)
	}
	c.log.Info("segmentation started",
		slog.Bool("use_threads", c.opts.UseThreads),
		slog.Bool("wait_for_start", c.opts.WaitForStart),
		slog.String("speaker", c.speaker))

	for {
		if c.done || c.shutdown.Load() || ctx.Err() != nil {
			return c.terminate(ctx)
		}
		ev := c.next(ctx)
		switch ev.kind {
		case eventControl:
			if err := c.handleControl(ctx, ev.control); err != nil {
				return err
			}
		case eventAudio:
			if err := c.handleBlock(ctx, ev.block); err != nil {
				c.abandonPending()
				return err
			}
			if ev.block.Last {
				return c.terminate(ctx)
			}
		case eventEnd:
			return c.terminate(ctx)
		case eventSkip:
		}
	}
}

type eventKind int

const (
	eventSkip eventKind = iota
	eventControl
	eventAudio
	eventEnd
)

// loopEvent is one input of the foreground loop. Control messages take priority over audio.
type loopEvent struct {
	kind    eventKind
	control protocol.ControlMessage
	block   audio.Block
}

func (c *Controller) next(ctx context.Context) loopEvent {
	if c.controls != nil {
		select {
		case msg, ok := <-c.controls:
			if ok {
				return loopEvent{kind: eventControl, control: msg}
			}
			c.controls = nil
		default:
		}
	}
	block, err := c.source.Read(ctx)
	switch {
	case err == nil:
		return loopEvent{kind: eventAudio, block: block}
	case errors.Is(err, io.EOF):
		return loopEvent{kind: eventEnd}
	case ctx.Err() != nil:
		return loopEvent{kind: eventEnd}
	default:
		c.log.Warn("audio read failed, skipping block", slogError(err))
		c.metrics.readErrors.Add(ctx, 1)
		return loopEvent{kind: eventSkip}
	}
}

func (c *Controller) handleBlock(ctx context.Context, block audio.Block) error {
	c.metrics.blocks.Add(ctx, 1)
	if c.State() == StateIdle {
		return nil
	}

	if err := c.resolvePending(ctx); err != nil {
		return err
	}

	if c.pending != reasonNone && c.frames > 0 {
		reason := c.pending
		if err := c.finalize(ctx, reason); err != nil {
			return err
		}
		if !c.opts.Continuous {
			c.done = true
			return nil
		}
		if err := c.reinit(); err != nil {
			return err
		}
		if reason.resends() && len(c.prev.Samples) > 0 {
			if err := c.sess.Accept(c.prev); err != nil {
				return fmt.Errorf("resend block to utterance %d: %w", c.utterance, err)
			}
			c.metrics.resends.Add(ctx, 1)
		}
	}

	sel := c.selector.Select(block)
	if sel.Switched {
		c.metrics.switches.Add(ctx, 1)
		c.log.Info("speaker switch", slog.String("speaker", sel.Label), slog.Float64("norm", sel.Norm))
		c.nextSpeaker = sel.Label
		if c.frames == 0 && c.pending == reasonNone {
			// nothing decoded yet: relabel the open utterance instead of closing it
			c.speaker = sel.Label
		} else if c.pending == reasonNone {
			c.pending = reasonSpeakerSwitch
		}
	}

	req := decoder.StepRequest{
		Block:      sel.Mono,
		PrevFrames: c.frames,
		Utterance:  c.utterance,
		Part:       c.part,
	}
	c.prev = sel.Mono
	if c.sched != nil {
		h, err := c.sched.Submit(c.sess, req)
		if err != nil {
			return fmt.Errorf("submit decode step: %w", err)
		}
		c.sess = nil
		c.handle = h
		c.setState(StateDecoding)
		return nil
	}
	c.setState(StateDecoding)
	res, err := c.sess.Step(req)
	if err != nil {
		return fmt.Errorf("decode utterance %d: %w", c.utterance, err)
	}
	return c.interpret(ctx, res)
}

// resolvePending waits for the in-flight step, takes the session back and interprets the result.
func (c *Controller) resolvePending(ctx context.Context) error {
	if c.sched == nil || !c.handle.Valid() {
		return nil
	}
	sess, res, err := c.sched.Resolve(c.handle)
	c.handle = overlap.Handle{}
	c.sess = sess
	if err != nil {
		return fmt.Errorf("decode utterance %d: %w", c.utterance, err)
	}
	return c.interpret(ctx, res)
}

func (c *Controller) abandonPending() {
	if c.sched != nil && c.handle.Valid() {
		c.sess, _, _ = c.sched.Resolve(c.handle)
		c.handle = overlap.Handle{}
	}
}

func (c *Controller) interpret(ctx context.Context, res decoder.StepResult) error {
	prev := c.frames
	c.frames = res.FramesDecoded
	c.selector.AddDecodedFrames(res.FramesDecoded - prev)

	if res.NeedsEndpointFinalize {
		if res.FramesDecoded == 0 {
			c.metrics.anomalies.Add(ctx, 1)
			c.log.Warn("endpoint before any decoded frame, ignoring",
				slog.Int("utterance", res.UtteranceIndex))
			return nil
		}
		if c.pending == reasonNone {
			c.pending = reasonEndpoint
		}
		c.setState(StateEndpointPending)
		return nil
	}
	if !res.HasPartial || res.FramesDecoded <= prev {
		return nil
	}
	c.publish(ctx, protocol.Event{
		Handle:    protocol.HandlePartial,
		Key:       protocol.UtteranceKey(c.opts.StreamID, res.UtteranceIndex, res.PartIndex),
		Utterance: res.UtteranceIndex,
		Part:      res.PartIndex,
		Text:      res.Partial,
		Speaker:   c.speaker,
	})
	c.metrics.partials.Add(ctx, 1)
	c.part++
	return nil
}

func (c *Controller) finalize(ctx context.Context, reason finalizeReason) error {
	ctx, span := c.tracer.Start(ctx, "segmenter.finalize", trace.WithAttributes(
		attribute.String("asr.stream", c.opts.StreamID),
		attribute.Int("asr.utterance", c.utterance),
		attribute.String("asr.reason", reason.String()),
	))
	defer span.End()

	c.setState(StateFinalizing)
	start := time.Now()
	final, err := c.sess.Finalize()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize failed")
		return fmt.Errorf("finalize utterance %d: %w", c.utterance, err)
	}
	c.metrics.finalizeLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.String("reason", reason.String())))
	c.metrics.finals.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason.String())))
	span.SetAttributes(attribute.Int("asr.frames", final.Frames))

	c.log.Info("utterance finalized",
		slog.Int("utterance", c.utterance),
		slog.Int("frames", final.Frames),
		slog.String("reason", reason.String()),
		slog.String("speaker", c.speaker))
	c.publish(ctx, protocol.Event{
		Handle:      protocol.HandleFinal,
		Key:         protocol.UtteranceKey(c.opts.StreamID, c.utterance, c.part),
		Utterance:   c.utterance,
		Part:        c.part,
		Text:        final.Text,
		Confidences: final.Confidences,
		Speaker:     c.speaker,
	})
	c.pending = reasonNone
	c.finals.Add(1)
	return nil
}

func (c *Controller) reinit() error {
	next, err := c.sess.Reinit()
	if err != nil {
		return fmt.Errorf("reinitialize after utterance %d: %w", c.utterance, err)
	}
	c.sess = next
	c.utterance++
	c.part = 1
	c.frames = 0
	c.speaker = c.nextSpeaker
	c.setState(StateAwaitingAudio)
	return nil
}

// terminate resolves in-flight work and closes the open utterance if it decoded anything.
func (c *Controller) terminate(ctx context.Context) error {
	// finalize work must not be cut short by the cancellation that ended the loop
	ctx = context.WithoutCancel(ctx)
	if err := c.resolvePending(ctx); err != nil {
		return err
	}
	if c.sess != nil && !c.sess.Finalized() && c.frames > 0 {
		reason := c.pending
		if reason == reasonNone {
			reason = reasonEndOfStream
		}
		if err := c.finalize(ctx, reason); err != nil {
			return err
		}
	}
	c.setState(StateIdle)
	c.log.Info("segmentation stopped",
		slog.Int("utterances", c.utterance),
		slog.Bool("shutdown", c.shutdown.Load()))
	return nil
}

func (c *Controller) handleControl(ctx context.Context, msg protocol.ControlMessage) error {
	if msg.StreamID != "" && msg.StreamID != c.opts.StreamID {
		return nil
	}
	c.log.Debug("control command", slog.String("command", string(msg.Command)))
	switch msg.Command {
	case protocol.CommandStart:
		if c.State() == StateIdle {
			c.setState(StateAwaitingAudio)
			c.log.Info("decoding started")
		}
	case protocol.CommandStop:
		if c.State() == StateIdle {
			return nil
		}
		if err := c.resolvePending(ctx); err != nil {
			return err
		}
		if c.frames > 0 {
			if err := c.finalize(ctx, reasonStop); err != nil {
				return err
			}
			if err := c.reinit(); err != nil {
				return err
			}
		}
		c.pending = reasonNone
		c.setState(StateIdle)
		c.log.Info("decoding stopped")
	case protocol.CommandShutdown:
		c.Shutdown()
	case protocol.CommandStatus:
		c.publish(ctx, protocol.Event{
			Handle:     protocol.HandleStatus,
			Speaker:    c.speaker,
			IsDecoding: c.State() != StateIdle,
			Shutdown:   c.shutdown.Load(),
		})
	case protocol.CommandResetTimer:
		c.sink.ResetTimer()
	default:
		c.log.Warn("unknown control command", slog.String("command", string(msg.Command)))
	}
	return nil
}

// publish is best effort: a failed event is logged and the stream continues.
func (c *Controller) publish(ctx context.Context, ev protocol.Event) {
	ev.StreamID = c.opts.StreamID
	if err := c.sink.Publish(ctx, ev); err != nil {
		c.log.Warn("failed to publish event", slog.String("handle", ev.Handle), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
