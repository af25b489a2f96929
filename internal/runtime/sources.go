package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
)

// openSource builds the block pipeline: capture, optional raw tap, resampling to the
// decode rate and optional decoded tap.
func openSource(cfg config.AudioConfig, streamID string, client *bus.Client, log *slog.Logger) (audio.Source, error) {
	format := audio.Format{
		SampleRate: cfg.RecordSampleRate,
		Channels:   cfg.Channels,
		BlockSize:  cfg.ChunkSize,
	}

	var (
		src audio.Source
		err error
	)
	switch cfg.Source {
	case "wav":
		src, err = audio.OpenWAV(cfg.Path, cfg.ChunkSize)
	case "stdin":
		src, err = audio.NewReaderSource(os.Stdin, format)
	case "bus":
		if client == nil {
			return nil, errors.New("bus audio source requires a bus connection")
		}
		src, err = audio.NewBusSource(client.Conn(), streamID, format, log)
	default:
		err = fmt.Errorf("unsupported audio source %q", cfg.Source)
	}
	if err != nil {
		return nil, err
	}

	if cfg.SaveDebugWAV {
		if err := os.MkdirAll(cfg.DebugDir, 0o755); err != nil {
			src.Close()
			return nil, fmt.Errorf("create debug dir: %w", err)
		}
		tap, err := audio.NewDebugTap(src, filepath.Join(cfg.DebugDir, "debugraw.wav"))
		if err != nil {
			src.Close()
			return nil, err
		}
		src = tap
	}

	if src.Format().SampleRate != cfg.DecodeSampleRate {
		log.Info("resampling audio",
			slog.Int("from", src.Format().SampleRate),
			slog.Int("to", cfg.DecodeSampleRate),
			slog.String("algorithm", cfg.ResampleAlgorithm))
		rs, err := audio.NewResampler(src, cfg.DecodeSampleRate, cfg.ResampleAlgorithm)
		if err != nil {
			src.Close()
			return nil, err
		}
		src = rs
	}

	if cfg.SaveDebugWAV {
		tap, err := audio.NewDebugTap(src, filepath.Join(cfg.DebugDir, "debug.wav"))
		if err != nil {
			src.Close()
			return nil, err
		}
		src = tap
	}
	return src, nil
}
