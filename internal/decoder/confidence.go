package decoder

import (
	"log/slog"
	"strings"
)

// NeutralConfidence pads words the confidence scorer did not cover.
const NeutralConfidence = 1.0

// AlignConfidences makes conf match the token count of text: missing entries are padded
// with NeutralConfidence at the end, surplus entries are dropped.
func AlignConfidences(text string, conf []float64, log *slog.Logger) []float64 {
	tokens := len(strings.Fields(text))
	switch {
	case len(conf) < tokens:
		if log != nil {
			log.Warn("fewer confidences than tokens, padding",
				slog.Int("confidences", len(conf)), slog.Int("tokens", tokens))
		}
		out := make([]float64, tokens)
		copy(out, conf)
		for i := len(conf); i < tokens; i++ {
			out[i] = NeutralConfidence
		}
		return out
	case len(conf) > tokens:
		if log != nil {
			log.Warn("more confidences than tokens, truncating",
				slog.Int("confidences", len(conf)), slog.Int("tokens", tokens))
		}
		return append([]float64(nil), conf[:tokens]...)
	default:
		return conf
	}
}
