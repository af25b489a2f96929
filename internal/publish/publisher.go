// Package publish delivers recognizer events to the bus and reads control commands from it.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/eventstore"
	"github.com/loqalabs/loqa-asr/internal/protocol"
)

// Publisher stamps events with the message timer and publishes them on asr.event.<handle>.
// Every published event is also appended to the history store when it is enabled.
type Publisher struct {
	client   *bus.Client
	store    *eventstore.Store
	log      *slog.Logger
	streamID string
	clock    func() time.Time

	mu    sync.Mutex
	start time.Time
}

func NewPublisher(client *bus.Client, store *eventstore.Store, streamID string, log *slog.Logger) *Publisher {
	p := &Publisher{
		client:   client,
		store:    store,
		log:      log.With(slog.String("component", "publisher")),
		streamID: streamID,
		clock:    time.Now,
	}
	p.start = p.clock()
	return p
}

// ResetTimer restarts the clock reported in the time field of later events.
func (p *Publisher) ResetTimer() {
	p.mu.Lock()
	p.start = p.clock()
	p.mu.Unlock()
	p.log.Info("message timer reset")
}

// Elapsed is the number of seconds since the timer was last reset.
func (p *Publisher) Elapsed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock().Sub(p.start).Seconds()
}

func (p *Publisher) Publish(ctx context.Context, ev protocol.Event) error {
	if ev.StreamID == "" {
		ev.StreamID = p.streamID
	}
	now := p.clock()
	ev.Timestamp = now.UTC()
	p.mu.Lock()
	ev.Time = now.Sub(p.start).Seconds()
	p.mu.Unlock()

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Handle, err)
	}
	if err := p.client.Publish(ctx, protocol.EventSubject(ev.Handle), payload); err != nil {
		return err
	}
	if p.store.Enabled() {
		rec := eventstore.Record{
			StreamID:  ev.StreamID,
			Handle:    ev.Handle,
			Key:       ev.Key,
			Payload:   payload,
			CreatedAt: ev.Timestamp,
		}
		if err := p.store.AppendEvent(ctx, rec); err != nil {
			p.log.Warn("failed to record event history", slog.String("handle", ev.Handle), slogError(err))
		}
	}
	p.log.Debug("event published", slog.String("handle", ev.Handle), slog.String("key", ev.Key))
	return nil
}

// Loading announces that the decoder engine is being prepared.
func (p *Publisher) Loading(ctx context.Context) error {
	return p.Publish(ctx, protocol.Event{Handle: protocol.HandleLoading})
}

// Ready announces that blocks are being consumed.
func (p *Publisher) Ready(ctx context.Context) error {
	return p.Publish(ctx, protocol.Event{Handle: protocol.HandleReady})
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
