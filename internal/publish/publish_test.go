package publish

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/eventstore"
	"github.com/loqalabs/loqa-asr/internal/natsserver"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := testLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "publish-test", log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublisherDeliversAndRecordsEvents(t *testing.T) {
	client := startBus(t)
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	msgs := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectEventPrefix+".>", msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub := NewPublisher(client, store, "mic", testLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pub.clock = func() time.Time { return base }
	pub.ResetTimer()
	pub.clock = func() time.Time { return base.Add(1500 * time.Millisecond) }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := protocol.Event{
		Handle:      protocol.HandleFinal,
		Key:         protocol.UtteranceKey("mic", 1, 3),
		Utterance:   1,
		Part:        3,
		Text:        "turn on the lights",
		Confidences: []float64{0.9, 0.8, 1, 1},
		Speaker:     "speaker0",
	}
	if err := pub.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Subject != "asr.event.completeUtterance" {
			t.Fatalf("unexpected subject %s", msg.Subject)
		}
		var got protocol.Event
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.StreamID != "mic" || got.Text != ev.Text || got.Time != 1.5 {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	history, err := store.ListStreamEvents(context.Background(), "mic", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Key != "mic-utt1-part3" || history[0].Handle != protocol.HandleFinal {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestLoadingAndReadyEvents(t *testing.T) {
	client := startBus(t)
	msgs := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectEventPrefix+".>", msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub := NewPublisher(client, nil, "mic", testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pub.Loading(ctx); err != nil {
		t.Fatalf("loading: %v", err)
	}
	if err := pub.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	for _, want := range []string{"asr.event.asr_loading", "asr.event.asr_ready"} {
		select {
		case msg := <-msgs:
			if msg.Subject != want {
				t.Fatalf("subject = %s, want %s", msg.Subject, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestControlFeedDecodesCommands(t *testing.T) {
	client := startBus(t)
	feed, err := SubscribeControls(client, testLogger())
	if err != nil {
		t.Fatalf("subscribe controls: %v", err)
	}
	t.Cleanup(func() { _ = feed.Close() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	payloads := [][]byte{
		[]byte("START"),
		[]byte("bogus"),
		[]byte(`{"command":"stop","stream_id":"mic"}`),
	}
	for _, p := range payloads {
		if err := client.Conn().Publish(protocol.SubjectControl, p); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	want := []protocol.ControlMessage{
		{Command: protocol.CommandStart},
		{Command: protocol.CommandStop, StreamID: "mic"},
	}
	for _, w := range want {
		select {
		case got := <-feed.C():
			if got.Command != w.Command || got.StreamID != w.StreamID {
				t.Fatalf("got %+v, want %+v", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", w.Command)
		}
	}
}

func TestDecodeControlRejectsUnknown(t *testing.T) {
	if _, err := DecodeControl([]byte(`{"command":"reboot"}`)); err == nil {
		t.Fatal("expected error for unknown command")
	}
	if _, err := DecodeControl([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	cm, err := DecodeControl([]byte(" reset_timer \n"))
	if err != nil || cm.Command != protocol.CommandResetTimer {
		t.Fatalf("unexpected decode %+v, %v", cm, err)
	}
}

func TestControlFeedCloseIsIdempotent(t *testing.T) {
	client := startBus(t)
	feed, err := SubscribeControls(client, testLogger())
	if err != nil {
		t.Fatalf("subscribe controls: %v", err)
	}
	if err := feed.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := feed.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-feed.C(); ok {
		t.Fatal("expected closed channel")
	}
}
