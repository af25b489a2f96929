package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/eventstore"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "expected 'send', 'tail', 'feed', 'history' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "tail":
		err = runTail(ctx, os.Args[2:])
	case "feed":
		err = runFeed(ctx, os.Args[2:])
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func connect(ctx context.Context, servers string) (*bus.Client, error) {
	cfg := config.BusConfig{ConnectTimeout: 2000}
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.Servers = append(cfg.Servers, s)
		}
	}
	return bus.Connect(ctx, cfg, "loqa-asrctl", logger())
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	servers := fs.String("servers", nats.DefaultURL, "Comma separated NATS servers")
	stream := fs.String("stream", "", "Target stream (all streams when empty)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: loqa-asrctl send [-servers url] [-stream id] <start|stop|shutdown|status|reset_timer>")
	}
	cmd, err := protocol.ParseCommand(fs.Arg(0))
	if err != nil {
		return err
	}

	client, err := connect(ctx, *servers)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := json.Marshal(protocol.ControlMessage{
		Command:  cmd,
		StreamID: *stream,
		Issued:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Publish(ctx, protocol.SubjectControl, payload); err != nil {
		return fmt.Errorf("publish control: %w", err)
	}
	fmt.Printf("sent %s\n", cmd)
	return nil
}

func runTail(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	servers := fs.String("servers", nats.DefaultURL, "Comma separated NATS servers")
	stream := fs.String("stream", "", "Only print events of this stream")
	fs.Parse(args)

	client, err := connect(ctx, *servers)
	if err != nil {
		return err
	}
	defer client.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectEventPrefix+".>", msgs)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			var ev protocol.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				fmt.Fprintf(os.Stderr, "skipping malformed event on %s: %v\n", msg.Subject, err)
				continue
			}
			if *stream != "" && ev.StreamID != *stream {
				continue
			}
			printEvent(ev)
		}
	}
}

func printEvent(ev protocol.Event) {
	switch ev.Handle {
	case protocol.HandlePartial, protocol.HandleFinal:
		fmt.Printf("%8.2f %-18s %-24s %-10s %s\n", ev.Time, ev.Handle, ev.Key, ev.Speaker, ev.Text)
	case protocol.HandleStatus:
		fmt.Printf("%8.2f %-18s decoding=%t shutdown=%t\n", ev.Time, ev.Handle, ev.IsDecoding, ev.Shutdown)
	default:
		fmt.Printf("%8.2f %-18s %s\n", ev.Time, ev.Handle, ev.StreamID)
	}
}

// runFeed streams a WAV file to a recognizer listening with source=bus.
func runFeed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	servers := fs.String("servers", nats.DefaultURL, "Comma separated NATS servers")
	stream := fs.String("stream", "", "Stream to publish audio on")
	chunk := fs.Int("chunk", 1024, "Frames per published message")
	realtime := fs.Bool("realtime", true, "Pace messages at the file's sample rate")
	fs.Parse(args)
	if fs.NArg() != 1 || *stream == "" {
		return errors.New("usage: loqa-asrctl feed -stream id [-servers url] [-chunk n] [-realtime=false] file.wav")
	}

	src, err := audio.OpenWAV(fs.Arg(0), *chunk)
	if err != nil {
		return err
	}
	defer src.Close()

	client, err := connect(ctx, *servers)
	if err != nil {
		return err
	}
	defer client.Close()

	subject := protocol.SubjectAudioFramePrefix + "." + *stream
	format := src.Format()
	seq := 0
	for {
		block, err := src.Read(ctx)
		last := block.Last
		if errors.Is(err, io.EOF) {
			block, last = audio.Block{}, true
		} else if err != nil {
			return err
		}
		payload, err := json.Marshal(protocol.AudioFrame{
			StreamID:   *stream,
			Sequence:   seq,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			PCM:        audio.EncodePCM(block.Samples),
			Final:      last,
		})
		if err != nil {
			return err
		}
		if err := client.Publish(ctx, subject, payload); err != nil {
			return fmt.Errorf("publish frame %d: %w", seq, err)
		}
		seq++
		if last {
			break
		}
		if *realtime && format.SampleRate > 0 {
			pause := time.Duration(block.Frames()) * time.Second / time.Duration(format.SampleRate)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
	}
	if err := client.Conn().FlushTimeout(2 * time.Second); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	fmt.Printf("published %d frames on %s\n", seq, subject)
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "Recognizer configuration file")
	stream := fs.String("stream", "", "Stream to list")
	limit := fs.Int("limit", 100, "Maximum events to print")
	fs.Parse(args)
	if *stream == "" {
		return errors.New("usage: loqa-asrctl history -stream id [-config file] [-limit n]")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	store, err := eventstore.Open(ctx, cfg.EventStore, logger())
	if err != nil {
		return err
	}
	defer store.Close()
	if !store.Enabled() {
		return errors.New("event store is disabled (retention_mode=ephemeral)")
	}

	records, err := store.ListStreamEvents(ctx, *stream, *limit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		var ev protocol.Event
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			fmt.Printf("%s %-18s %s\n", rec.CreatedAt.Format(time.RFC3339), rec.Handle, rec.Payload)
			continue
		}
		fmt.Printf("%s ", rec.CreatedAt.Format(time.RFC3339))
		printEvent(ev)
	}
	return nil
}
