package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Audio.ChunkSize != 1024 {
		t.Fatalf("expected chunk size 1024, got %d", cfg.Audio.ChunkSize)
	}
	if cfg.Segmenter.MinFramesPerSpeaker != 5 {
		t.Fatalf("expected min frames per speaker 5, got %d", cfg.Segmenter.MinFramesPerSpeaker)
	}
	if !cfg.Segmenter.Continuous || !cfg.Decoder.PadConfidences {
		t.Fatalf("expected continuous decoding and confidence padding by default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asr.yaml")
	data := []byte(`audio:
  source: wav
  path: /tmp/in.wav
  channels: 2
  record_sample_rate: 48000
decoder:
  beam_size: 13
segmenter:
  use_threads: true
  speaker_name: "mic#c#"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.Source != "wav" || cfg.Audio.Channels != 2 || cfg.Audio.RecordSampleRate != 48000 {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Audio.DecodeSampleRate != 16000 {
		t.Fatalf("expected default decode rate to survive overlay, got %d", cfg.Audio.DecodeSampleRate)
	}
	if cfg.Decoder.BeamSize != 13 || cfg.Decoder.FramesPerChunk != 30 {
		t.Fatalf("unexpected decoder config: %+v", cfg.Decoder)
	}
	if !cfg.Segmenter.UseThreads || cfg.Segmenter.SpeakerName != "mic#c#" {
		t.Fatalf("unexpected segmenter config: %+v", cfg.Segmenter)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_AUDIO_CHANNELS", "4")
	t.Setenv("LOQA_AUDIO_RECORD_SAMPLE_RATE", "44100")
	t.Setenv("LOQA_DECODER_FRAMES_PER_CHUNK", "50")
	t.Setenv("LOQA_SEGMENTER_USE_THREADS", "true")
	t.Setenv("LOQA_SEGMENTER_MIC_VOL_CUTOFF", "0.25")
	t.Setenv("LOQA_SEGMENTER_WAIT_FOR_START", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.Audio.Channels != 4 || cfg.Audio.RecordSampleRate != 44100 {
		t.Fatalf("expected audio overrides, got %+v", cfg.Audio)
	}
	if cfg.Decoder.FramesPerChunk != 50 {
		t.Fatalf("expected frames per chunk override")
	}
	if !cfg.Segmenter.UseThreads || !cfg.Segmenter.WaitForStart {
		t.Fatalf("expected segmenter flag overrides")
	}
	if cfg.Segmenter.MicVolCutoff != 0.25 {
		t.Fatalf("expected cutoff 0.25, got %v", cfg.Segmenter.MicVolCutoff)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"wav without path":  func(c *Config) { c.Audio.Source = "wav" },
		"unknown source":    func(c *Config) { c.Audio.Source = "alsa" },
		"exec without cmd":  func(c *Config) { c.Decoder.Mode = "exec" },
		"zero chunk":        func(c *Config) { c.Audio.ChunkSize = 0 },
		"negative dwell":    func(c *Config) { c.Segmenter.MinFramesPerSpeaker = -1 },
		"bad retention":     func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"unknown mode":      func(c *Config) { c.Decoder.Mode = "kaldi" },
		"zero decode rate":  func(c *Config) { c.Audio.DecodeSampleRate = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
