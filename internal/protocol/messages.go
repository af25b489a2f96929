package protocol

import (
	"fmt"
	"strings"
	"time"
)

// AudioFrame carries interleaved s16le PCM for a stream published by a remote capture client.
type AudioFrame struct {
	StreamID   string `json:"stream_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Event handles published by the recognizer.
const (
	HandlePartial = "partialUtterance"
	HandleFinal   = "completeUtterance"
	HandleLoading = "asr_loading"
	HandleReady   = "asr_ready"
	HandleStatus  = "status"
)

// Event is one message on the telemetry side of the bus.
type Event struct {
	Handle      string    `json:"handle"`
	StreamID    string    `json:"stream_id,omitempty"`
	Key         string    `json:"key,omitempty"`
	Utterance   int       `json:"utterance,omitempty"`
	Part        int       `json:"part,omitempty"`
	Text        string    `json:"text,omitempty"`
	Confidences []float64 `json:"confidences,omitempty"`
	Speaker     string    `json:"speaker,omitempty"`
	Time        float64   `json:"time"`
	IsDecoding  bool      `json:"is_decoding,omitempty"`
	Shutdown    bool      `json:"shutdown,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// UtteranceKey renders the stable key used by downstream consumers.
func UtteranceKey(streamID string, utterance, part int) string {
	return fmt.Sprintf("%s-utt%d-part%d", streamID, utterance, part)
}

// Command is a control token consumed by the segmentation loop.
type Command string

const (
	CommandStart      Command = "start"
	CommandStop       Command = "stop"
	CommandShutdown   Command = "shutdown"
	CommandStatus     Command = "status"
	CommandResetTimer Command = "reset_timer"
)

// ControlMessage is the JSON form of a control token. Plain text payloads are accepted too.
type ControlMessage struct {
	Command  Command   `json:"command"`
	StreamID string    `json:"stream_id,omitempty"`
	Issued   time.Time `json:"issued,omitempty"`
}

// ParseCommand normalizes a textual control token.
func ParseCommand(raw string) (Command, error) {
	switch cmd := Command(strings.ToLower(strings.TrimSpace(raw))); cmd {
	case CommandStart, CommandStop, CommandShutdown, CommandStatus, CommandResetTimer:
		return cmd, nil
	default:
		return "", fmt.Errorf("unknown control command %q", raw)
	}
}

const (
	SubjectAudioFramePrefix = "asr.audio"
	SubjectEventPrefix      = "asr.event"
	SubjectControl          = "asr.control"
)

// EventSubject maps a handle to its publish subject.
func EventSubject(handle string) string {
	return SubjectEventPrefix + "." + handle
}
