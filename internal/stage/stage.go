// Package stage implements the ordering-preserving worker pool at the heart
// of the pipeline: N workers consume frames from an input buffer, transform
// them in parallel, and emit results downstream in exactly the input order.
//
// Each claimed frame is assigned a sequence ticket atomically with the claim.
// The transform runs with no locks held; before emitting, a worker waits for
// its turn (next-to-emit ticket equals its own), so output order matches
// input order even though transform completion order is unconstrained.
package stage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mvail/capstream/internal/buffer"
	"github.com/mvail/capstream/internal/message"
	"github.com/mvail/capstream/internal/session"
)

// Output is a message produced by a transform: its type and payload, framed
// downstream under the stage's ordering guarantee.
type Output struct {
	Type    message.Type
	Payload []byte
}

// Transform processes one message. Returning a non-nil Output emits it;
// returning (nil, nil) declines the message, which is forwarded verbatim in
// pass-through mode and dropped otherwise. Transforms must not block on
// anything but computation, and run concurrently across workers.
type Transform func(hdr message.Header, payload []byte) (*Output, error)

// Config describes a stage.
type Config struct {
	// Name is the stage's completion signal in the session registry.
	Name string

	// Workers is the worker pool size; values below 1 are treated as 1.
	Workers int

	// PassThrough forwards messages the transform declines verbatim.
	PassThrough bool

	// ReadOnly marks a terminal stage with no output buffer. Results are
	// handed to Sink instead, in input order.
	ReadOnly bool

	// Transform runs in parallel across workers. Optional for ReadOnly
	// stages, required otherwise.
	Transform Transform

	// Sink receives each message of a ReadOnly stage in input order,
	// including the terminal Close frame so the collaborator can persist
	// or finalize it. A Sink error is treated as a transform failure.
	Sink func(hdr message.Header, payload []byte) error

	// OnFinish, if set, is called exactly once after all workers have
	// exited, with the first error seen (nil on clean drain).
	OnFinish func(err error)

	Log *slog.Logger
}

// Stats is a snapshot of a stage's message and byte counters.
type Stats struct {
	MessagesIn  int64
	MessagesOut int64
	BytesIn     int64
	BytesOut    int64
}

// Stage is a pool of worker goroutines between two buffers (or one, when
// terminal). Create with New, drive with Run.
type Stage struct {
	cfg  Config
	sess *session.Session
	in   *buffer.Buffer
	out  *buffer.Buffer // nil when ReadOnly
	log  *slog.Logger

	claimMu sync.Mutex
	nextSeq uint64

	mu       sync.Mutex
	emitCond *sync.Cond
	nextEmit uint64
	aborted  bool
	firstErr error

	msgsIn, msgsOut   atomic.Int64
	bytesIn, bytesOut atomic.Int64
}

// New creates a stage reading from in and writing to out. out must be nil
// if and only if cfg.ReadOnly is set.
func New(cfg Config, sess *session.Session, in, out *buffer.Buffer) *Stage {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Stage{
		cfg:  cfg,
		sess: sess,
		in:   in,
		out:  out,
		log:  log.With("stage", cfg.Name),
	}
	s.emitCond = sync.NewCond(&s.mu)
	// A session cancel must unstick workers wherever they block: the emit
	// turn wait and both attached buffers. Buffer Cancel is idempotent, so
	// stages sharing a buffer may each register it.
	sess.OnCancel(s.abort)
	sess.OnCancel(in.Cancel)
	if out != nil {
		sess.OnCancel(out.Cancel)
	}
	return s
}

// Stats returns the stage's counters.
func (s *Stage) Stats() Stats {
	return Stats{
		MessagesIn:  s.msgsIn.Load(),
		MessagesOut: s.msgsOut.Load(),
		BytesIn:     s.bytesIn.Load(),
		BytesOut:    s.bytesOut.Load(),
	}
}

// Run starts the worker pool and blocks until the stage has drained: every
// worker exited, whether via Close, cancellation, or error. It then posts
// the stage's completion signal, invokes OnFinish once, and returns the
// first error seen. Cancellation and end-of-stream are normal terminations,
// not errors. Cancelling ctx cancels the whole session.
func (s *Stage) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.sess.Cancel)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(id)
		}(i)
	}
	wg.Wait()

	s.mu.Lock()
	err := s.firstErr
	s.mu.Unlock()

	if err != nil {
		s.log.Error("stage failed", "error", err)
	} else {
		s.log.Debug("stage drained",
			"in", s.msgsIn.Load(),
			"out", s.msgsOut.Load(),
		)
	}

	s.sess.Complete(s.cfg.Name)
	if s.cfg.OnFinish != nil {
		s.cfg.OnFinish(err)
	}
	return err
}

// worker is one pool goroutine: claim, transform, emit in turn, repeat.
func (s *Stage) worker(id int) {
	for {
		if s.sess.Cancelled() {
			return
		}

		fr, seq, err := s.claim()
		if err != nil {
			// EndOfStream and Cancelled are normal exits here; anything
			// else is a framing failure on the input buffer.
			if err != buffer.ErrEndOfStream && err != buffer.ErrCancelled {
				s.fail(err)
			}
			return
		}

		isClose := fr.Header.Type == message.TypeClose

		var out *Output
		var terr error
		if !isClose && s.cfg.Transform != nil {
			out, terr = s.cfg.Transform(fr.Header, fr.Data)
		}

		if terr != nil {
			s.log.Warn("transform failed", "worker", id, "seq", seq, "error", terr)
			s.fail(terr)
			fr.Release()
			return
		}

		if !s.awaitTurn(seq) {
			fr.Release()
			return
		}
		s.emit(fr, out, isClose)
		fr.Release()
		s.advanceTurn()

		if isClose {
			return
		}
	}
}

// claim atomically pairs frame acquisition with the next sequence ticket, so
// frame N always carries ticket N regardless of which worker wins the claim.
func (s *Stage) claim() (*buffer.ReadFrame, uint64, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	fr, err := s.in.BeginRead()
	if err != nil {
		return nil, 0, err
	}
	seq := s.nextSeq
	s.nextSeq++
	s.msgsIn.Add(1)
	s.bytesIn.Add(int64(len(fr.Data)))
	return fr, seq, nil
}

// awaitTurn blocks until seq is next to emit. Returns false if the stage
// aborted while waiting, in which case the turn is abandoned along with
// everyone else's.
func (s *Stage) awaitTurn(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.nextEmit != seq && !s.aborted {
		s.emitCond.Wait()
	}
	return !s.aborted
}

// advanceTurn hands the emit turn to the next ticket.
func (s *Stage) advanceTurn() {
	s.mu.Lock()
	s.nextEmit++
	s.mu.Unlock()
	s.emitCond.Broadcast()
}

// emit delivers the transform result in input order: downstream for
// forwarding stages, to the Sink for terminal ones.
func (s *Stage) emit(fr *buffer.ReadFrame, out *Output, isClose bool) {
	typ := fr.Header.Type
	payload := fr.Data
	switch {
	case isClose:
		// Handed over or forwarded unchanged below.
	case out != nil:
		typ = out.Type
		payload = out.Payload
	case !s.cfg.PassThrough && !s.cfg.ReadOnly:
		return // declined and not pass-through: dropped
	}

	if s.cfg.ReadOnly {
		hdr := message.Header{Type: typ, Size: uint64(len(payload))}
		if err := s.cfg.Sink(hdr, payload); err != nil {
			s.fail(err)
			return
		}
		s.msgsOut.Add(1)
		s.bytesOut.Add(int64(len(payload)))
		return
	}

	wf, err := s.out.BeginWrite(typ, len(payload))
	if err != nil {
		if err != buffer.ErrCancelled && err != buffer.ErrClosed {
			s.fail(err)
		}
		return
	}
	copy(wf.Bytes, payload)
	wf.Commit()
	s.msgsOut.Add(1)
	s.bytesOut.Add(int64(len(payload)))
}

// fail records the first error and cancels the session so the rest of the
// pipeline unwinds instead of processing a truncated stream.
func (s *Stage) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	s.sess.Cancel()
}

// abort releases every worker waiting for its emit turn.
func (s *Stage) abort() {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	s.emitCond.Broadcast()
}
