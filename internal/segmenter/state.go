package segmenter

// State is the position of the controller in the utterance lifecycle.
type State int32

const (
	StateAwaitingAudio State = iota
	StateDecoding
	StateEndpointPending
	StateFinalizing
	// StateIdle suspends decoding without tearing down the session.
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateAwaitingAudio:
		return "awaiting_audio"
	case StateDecoding:
		return "decoding"
	case StateEndpointPending:
		return "endpoint_pending"
	case StateFinalizing:
		return "finalizing"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) { c.state.Store(int32(s)) }

// Finalized counts the utterances closed so far.
func (c *Controller) Finalized() int { return int(c.finals.Load()) }
