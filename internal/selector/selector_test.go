package selector

import (
	"math"
	"testing"

	"github.com/loqalabs/loqa-asr/internal/audio"
)

// stereo builds an interleaved two-channel block with constant amplitudes per channel.
func stereo(left, right int16, frames int) audio.Block {
	samples := make([]int16, frames*2)
	for i := 0; i < frames; i++ {
		samples[i*2] = left
		samples[i*2+1] = right
	}
	return audio.Block{Samples: samples, SampleRate: 16000, Channels: 2}
}

func TestNorm(t *testing.T) {
	samples := make([]int16, 1024)
	for i := range samples {
		samples[i] = 6553 // ~0.1 after normalization
	}
	want := math.Sqrt(1024*math.Pow(6553.0/65536.0, 2)) * 10
	if got := Norm(samples); math.Abs(got-want) > 1e-9 {
		t.Fatalf("norm = %v, want %v", got, want)
	}
	if Norm(nil) != 0 {
		t.Fatal("expected zero norm for empty block")
	}
}

func TestMonoBypassesSelection(t *testing.T) {
	s := New(Options{Cutoff: 0.5, MinDwell: 0})
	block := audio.Block{Samples: []int16{100, -100, 100}, SampleRate: 16000, Channels: 1}
	sel := s.Select(block)
	if sel.Switched {
		t.Fatal("mono input must never switch")
	}
	if sel.Label != "speaker0" || len(sel.Mono.Samples) != 3 {
		t.Fatalf("unexpected selection %+v", sel)
	}
	if sel.Norm == 0 {
		t.Fatal("expected mono norm to be computed")
	}
}

func TestNoSwitchBeforeDwell(t *testing.T) {
	// channel 1 louder for 3 blocks with one frame decoded per block, dwell of 5
	s := New(Options{Cutoff: 0.5, MinDwell: 5})
	for i := 0; i < 3; i++ {
		sel := s.Select(stereo(10, 10000, 1024))
		if sel.Switched || sel.Channel != 0 {
			t.Fatalf("block %d: unexpected switch to %d", i, sel.Channel)
		}
		if sel.Mono.Samples[0] != 10 {
			t.Fatalf("block %d: expected active speaker's channel to be kept", i)
		}
		s.AddDecodedFrames(1)
	}
	sel := s.Select(stereo(10000, 10, 1024))
	if sel.Switched || sel.Label != "speaker0" {
		t.Fatalf("expected speaker 0 to remain active, got %+v", sel.Label)
	}
}

func TestSwitchAfterDwell(t *testing.T) {
	s := New(Options{Cutoff: 0.5, MinDwell: 5, LabelPattern: "mic-#c#"})
	s.AddDecodedFrames(5)
	sel := s.Select(stereo(10, 10000, 1024))
	if !sel.Switched || sel.Channel != 1 || sel.Label != "mic-1" {
		t.Fatalf("expected switch to mic-1, got %+v", sel)
	}
	if sel.Mono.Channels != 1 || sel.Mono.Samples[0] != 10000 {
		t.Fatalf("expected the new speaker's channel, got %v", sel.Mono.Samples[:2])
	}
	if s.State().FramesSinceSwitch != 0 {
		t.Fatal("expected dwell counter reset on switch")
	}
	// switching straight back is blocked until the new speaker has dwelt
	if sel := s.Select(stereo(10000, 10, 1024)); sel.Switched {
		t.Fatal("unexpected immediate switch back")
	}
}

func TestCutoffSuppressesQuietChannels(t *testing.T) {
	s := New(Options{Cutoff: 100, MinDwell: 0})
	// both channels below the cutoff: total energy is zero, no switch
	sel := s.Select(stereo(10, 3000, 1024))
	if sel.Switched {
		t.Fatal("expected no switch when every channel is under the cutoff")
	}
	if sel.Norm != 0 {
		t.Fatalf("expected zeroed norm, got %v", sel.Norm)
	}
}
