package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/nats-io/nats.go"
)

const busQueueDepth = 256

// BusSource receives audio frames from the bus and re-cuts them into fixed-size blocks.
// Frames arriving while the queue is full are dropped; delivery is best effort.
type BusSource struct {
	format Format
	sub    *nats.Subscription
	frames chan protocol.AudioFrame
	log    *slog.Logger

	pending []int16
	ended   bool

	closeOnce sync.Once
}

func NewBusSource(conn *nats.Conn, streamID string, format Format, log *slog.Logger) (*BusSource, error) {
	if format.Channels <= 0 || format.BlockSize <= 0 {
		return nil, fmt.Errorf("invalid bus source format %+v", format)
	}
	s := &BusSource{
		format: format,
		frames: make(chan protocol.AudioFrame, busQueueDepth),
		log:    log.With(slog.String("component", "audio.bus"), slog.String("stream_id", streamID)),
	}
	subject := protocol.SubjectAudioFramePrefix + "." + streamID
	sub, err := conn.Subscribe(subject, s.handleFrame)
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.log.Info("listening for audio frames", slog.String("subject", subject))
	return s, nil
}

func (s *BusSource) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	if frame.Channels != 0 && frame.Channels != s.format.Channels {
		s.log.Warn("dropping frame with unexpected channel count",
			slog.Int("channels", frame.Channels), slog.Int("want", s.format.Channels))
		return
	}
	select {
	case s.frames <- frame:
	default:
		s.log.Warn("audio queue full, dropping frame", slog.Int("sequence", frame.Sequence))
	}
}

func (s *BusSource) Format() Format { return s.format }

func (s *BusSource) Read(ctx context.Context) (Block, error) {
	want := s.format.BlockSize * s.format.Channels
	for len(s.pending) < want {
		if s.ended {
			n := len(s.pending) - len(s.pending)%s.format.Channels
			if n == 0 {
				s.pending = s.pending[:0]
				return Block{}, io.EOF
			}
			return s.cut(n, true), nil
		}
		select {
		case <-ctx.Done():
			return Block{}, ctx.Err()
		case frame := <-s.frames:
			s.pending = append(s.pending, DecodePCM(frame.PCM)...)
			if frame.Final {
				s.ended = true
			}
		}
	}
	// a tail shorter than one frame is dropped, so the block before it is the last
	last := s.ended && len(s.pending)-want < s.format.Channels
	return s.cut(want, last), nil
}

func (s *BusSource) cut(n int, last bool) Block {
	n -= n % s.format.Channels
	samples := append([]int16(nil), s.pending[:n]...)
	s.pending = s.pending[n:]
	if len(s.pending) < s.format.Channels {
		s.pending = s.pending[:0]
	}
	return Block{
		Samples:    samples,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Last:       last,
	}
}

func (s *BusSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.sub != nil {
			err = s.sub.Drain()
		}
	})
	return err
}
