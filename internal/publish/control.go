package publish

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/nats-io/nats.go"
)

const controlBuffer = 64

// ControlFeed buffers commands received on asr.control so the segmentation loop can
// poll them without blocking.
type ControlFeed struct {
	sub *nats.Subscription
	ch  chan protocol.ControlMessage
	log *slog.Logger

	mu     sync.Mutex
	closed bool
}

func SubscribeControls(client *bus.Client, log *slog.Logger) (*ControlFeed, error) {
	f := &ControlFeed{
		ch:  make(chan protocol.ControlMessage, controlBuffer),
		log: log.With(slog.String("component", "control")),
	}
	sub, err := client.Conn().Subscribe(protocol.SubjectControl, f.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectControl, err)
	}
	f.sub = sub
	return f, nil
}

// C returns the channel of decoded commands. It is closed by Close.
func (f *ControlFeed) C() <-chan protocol.ControlMessage { return f.ch }

func (f *ControlFeed) handle(msg *nats.Msg) {
	cm, err := DecodeControl(msg.Data)
	if err != nil {
		f.log.Warn("invalid control message", slogError(err))
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- cm:
	default:
		f.log.Warn("control queue full, dropping command", slog.String("command", string(cm.Command)))
	}
}

func (f *ControlFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.ch)
	if err := f.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe controls: %w", err)
	}
	return nil
}

// DecodeControl accepts either a JSON ControlMessage or a bare command token.
func DecodeControl(data []byte) (protocol.ControlMessage, error) {
	trimmed := bytes.TrimSpace(data)
	var cm protocol.ControlMessage
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &cm); err != nil {
			return cm, fmt.Errorf("decode control message: %w", err)
		}
	} else {
		cm.Command = protocol.Command(trimmed)
	}
	cmd, err := protocol.ParseCommand(string(cm.Command))
	if err != nil {
		return cm, err
	}
	cm.Command = cmd
	return cm, nil
}
