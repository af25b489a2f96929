// Package overlap runs decode steps on a background worker so the caller can read the
// next audio block while the previous one is being decoded.
package overlap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-asr/internal/decoder"
)

// ErrClosed is returned by Submit once the scheduler has shut down.
var ErrClosed = errors.New("overlap scheduler closed")

// Handle identifies one submitted step.
type Handle struct {
	id uint64
}

// Valid reports whether h refers to a submitted step.
func (h Handle) Valid() bool { return h.id != 0 }

type job struct {
	id      uint64
	session *decoder.Session
	req     decoder.StepRequest
}

type outcome struct {
	id      uint64
	session *decoder.Session
	result  decoder.StepResult
	err     error
}

// Scheduler owns at most one in-flight decode step. The submitted session belongs to the
// worker until Resolve hands it back.
type Scheduler struct {
	jobs    chan job
	results chan outcome
	wg      sync.WaitGroup

	mu      sync.Mutex
	next    uint64
	pending uint64
	closed  bool
}

func New() *Scheduler {
	s := &Scheduler{
		jobs:    make(chan job, 1),
		results: make(chan outcome, 1),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for j := range s.jobs {
		res, err := runStep(j.session, j.req)
		s.results <- outcome{id: j.id, session: j.session, result: res, err: err}
	}
}

func runStep(sess *decoder.Session, req decoder.StepRequest) (res decoder.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode step panicked: %v", r)
		}
	}()
	return sess.Step(req)
}

// Submit hands sess to the worker for one step. Submitting while a step is pending is a
// programming error and panics.
func (s *Scheduler) Submit(sess *decoder.Session, req decoder.StepRequest) (Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Handle{}, ErrClosed
	}
	if s.pending != 0 {
		s.mu.Unlock()
		panic("overlap: step submitted while another is pending")
	}
	s.next++
	id := s.next
	s.pending = id
	// the slot is free: the previous job was taken by the worker before it was resolved
	s.jobs <- job{id: id, session: sess, req: req}
	s.mu.Unlock()
	return Handle{id: id}, nil
}

// Pending reports whether a step is in flight.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != 0
}

// Resolve blocks until the step behind h completes and returns the session with its result.
// A submitted step always runs to completion, so the session is never lost.
func (s *Scheduler) Resolve(h Handle) (*decoder.Session, decoder.StepResult, error) {
	s.mu.Lock()
	if !h.Valid() || h.id != s.pending {
		s.mu.Unlock()
		panic("overlap: resolve of unknown handle")
	}
	s.mu.Unlock()

	out := <-s.results
	s.mu.Lock()
	s.pending = 0
	s.mu.Unlock()
	return out.session, out.result, out.err
}

// Close stops the worker once the queued step, if any, has run. A pending step must
// still be resolved by its owner.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}
