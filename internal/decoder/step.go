package decoder

import (
	"fmt"

	"github.com/loqalabs/loqa-asr/internal/audio"
)

// StepRequest is one decode step as issued by the segmentation loop.
type StepRequest struct {
	Block      audio.Block
	PrevFrames int
	Utterance  int
	Part       int
}

// StepResult is the progress reported by one decode step. It must be consumed before the
// next step on the same session is issued.
type StepResult struct {
	NeedsEndpointFinalize bool
	FramesDecoded         int
	PartIndex             int
	UtteranceIndex        int
	// Partial holds the hypothesis when HasPartial is set (frames advanced, no endpoint).
	Partial    string
	HasPartial bool
	Last       bool
}

// Step advances the session by one block and reads the endpoint and partial signals.
// On the final block of a stream only the frame count is reported.
func (s *Session) Step(req StepRequest) (StepResult, error) {
	res := StepResult{
		PartIndex:      req.Part,
		UtteranceIndex: req.Utterance,
		Last:           req.Block.Last,
	}
	frames, err := s.Advance(req.Block, req.Block.Last)
	if err != nil {
		return res, err
	}
	res.FramesDecoded = frames
	if req.Block.Last {
		return res, nil
	}
	if s.EndpointDetected() {
		res.NeedsEndpointFinalize = true
		return res, nil
	}
	if frames > req.PrevFrames {
		text, err := s.PartialOutput()
		if err != nil {
			return res, fmt.Errorf("partial output: %w", err)
		}
		res.Partial = text
		res.HasPartial = true
	}
	return res, nil
}
