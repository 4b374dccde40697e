// Package pipe assembles whole pipelines out of buffers and stages and
// supervises them: capture producers feeding a pack stage into a container
// or relay sink, and a source feeding an unpack stage into paced playback.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mvail/capstream/internal/buffer"
	"github.com/mvail/capstream/internal/capture"
	"github.com/mvail/capstream/internal/compress"
	"github.com/mvail/capstream/internal/message"
	"github.com/mvail/capstream/internal/playback"
	"github.com/mvail/capstream/internal/session"
	"github.com/mvail/capstream/internal/stage"
	"github.com/mvail/capstream/internal/timebase"
)

// DefaultBufferSize is the per-buffer arena capacity when none is configured:
// enough for several raw 1080p BGRA frames.
const DefaultBufferSize = 64 << 20

// Completion signal names, one per stage family.
const (
	SignalPack   = "pack"
	SignalSink   = "sink"
	SignalUnpack = "unpack"
	SignalPlay   = "play"
)

// RecordConfig describes a capture pipeline: producers write raw frames,
// a pack stage compresses them, and exactly one of Sink or Consumer drains
// the packed stream.
type RecordConfig struct {
	BufferSize      int
	PackWorkers     int
	MinCompressSize int

	// Sink receives packed frames in order (e.g. a container Writer).
	Sink func(hdr message.Header, payload []byte) error

	// Consumer drains the packed buffer itself (e.g. a relay server).
	// Used when Sink is nil.
	Consumer func(ctx context.Context, packed *buffer.Buffer) error

	Log *slog.Logger
}

// Recording is an assembled capture pipeline. Write frames through Video
// and Audio from producer goroutines, call CloseInput when capture ends,
// and Run to drive the stages to completion.
type Recording struct {
	sess  *session.Session
	raw   *buffer.Buffer
	pack  *stage.Stage
	sink  *stage.Stage // nil when a Consumer drains the packed buffer
	cfg   RecordConfig
	clock *timebase.Clock
	log   *slog.Logger

	packed *buffer.Buffer
	video  *capture.VideoWriter
	audio  *capture.AudioWriter
}

// NewRecording assembles a capture pipeline.
func NewRecording(cfg RecordConfig) (*Recording, error) {
	if cfg.Sink == nil && cfg.Consumer == nil {
		return nil, errors.New("pipe: record needs a sink or a consumer")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PackWorkers < 1 {
		cfg.PackWorkers = 1
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	names := []string{SignalPack}
	if cfg.Sink != nil {
		names = append(names, SignalSink)
	}
	sess := session.New(names...)

	clock := timebase.New()
	raw := buffer.New(cfg.BufferSize)
	packed := buffer.New(cfg.BufferSize)

	r := &Recording{
		sess:   sess,
		raw:    raw,
		packed: packed,
		cfg:    cfg,
		clock:  clock,
		log:    log,
		video:  capture.NewVideoWriter(raw, clock, log),
		audio:  capture.NewAudioWriter(raw, clock, log),
	}

	r.pack = stage.New(stage.Config{
		Name:        SignalPack,
		Workers:     cfg.PackWorkers,
		PassThrough: true,
		Transform:   compress.Pack(cfg.MinCompressSize),
		Log:         log,
	}, sess, raw, packed)

	if cfg.Sink != nil {
		r.sink = stage.New(stage.Config{
			Name:     SignalSink,
			Workers:  1,
			ReadOnly: true,
			Sink:     cfg.Sink,
			Log:      log,
		}, sess, packed, nil)
	}

	return r, nil
}

// Video returns the picture producer. Not safe for concurrent use with
// itself; run one producer goroutine per writer.
func (r *Recording) Video() *capture.VideoWriter { return r.video }

// Audio returns the PCM producer.
func (r *Recording) Audio() *capture.AudioWriter { return r.audio }

// Clock returns the pipeline time base used for capture timestamps.
func (r *Recording) Clock() *timebase.Clock { return r.clock }

// CloseInput writes the terminal Close frame. Call after the last producer
// has detached; the pipeline then drains deterministically.
func (r *Recording) CloseInput() error {
	return r.raw.WriteClose()
}

// Cancel aborts the whole recording.
func (r *Recording) Cancel() {
	r.sess.Cancel()
}

// Run drives the pipeline until every stage has drained and returns the
// first error. Cancelling ctx unwinds the pipeline cleanly.
func (r *Recording) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pack.Run(ctx) })
	if r.sink != nil {
		g.Go(func() error { return r.sink.Run(ctx) })
	} else {
		g.Go(func() error { return r.cfg.Consumer(ctx, r.packed) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("pipe: record: %w", err)
	}
	r.log.Info("recording drained",
		"packed_in", r.pack.Stats().MessagesIn,
		"packed_out", r.pack.Stats().MessagesOut,
	)
	return nil
}

// PlayConfig describes a playback pipeline: a feed produces framed messages
// (from a container file or a relay), an unpack stage restores wrapped
// frames, and a paced player presents the chosen context.
type PlayConfig struct {
	BufferSize    int
	UnpackWorkers int

	// Feed produces the framed stream into its argument, terminating it
	// with Close on success and Cancel on failure.
	Feed func(raw *buffer.Buffer) error

	Ctx  int32
	FPS  uint32
	Sink playback.RenderSink

	// Clock, if nil, is created fresh; pass one to share with an
	// interactive seek controller.
	Clock *timebase.Clock

	Log *slog.Logger
}

// Play assembles and runs a playback pipeline, blocking until the stream is
// drained, cancelled, or failed.
func Play(ctx context.Context, cfg PlayConfig) error {
	if cfg.Feed == nil || cfg.Sink == nil {
		return errors.New("pipe: play needs a feed and a render sink")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.UnpackWorkers < 1 {
		cfg.UnpackWorkers = 1
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timebase.New()
	}

	sess := session.New(SignalUnpack, SignalPlay)
	raw := buffer.New(cfg.BufferSize)
	plain := buffer.New(cfg.BufferSize)

	unpack := stage.New(stage.Config{
		Name:        SignalUnpack,
		Workers:     cfg.UnpackWorkers,
		PassThrough: true,
		Transform:   compress.Unpack(),
		Log:         log,
	}, sess, raw, plain)

	player := playback.New(cfg.Ctx, cfg.FPS, cfg.Sink, clock, log)
	play := stage.New(stage.Config{
		Name:     SignalPlay,
		Workers:  1,
		ReadOnly: true,
		Sink:     player.Sink,
		Log:      log,
	}, sess, plain, nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A feed stopped by downstream cancellation is a symptom, not the
		// failure itself; let the failing stage report the cause.
		if err := cfg.Feed(raw); err != nil && !errors.Is(err, buffer.ErrCancelled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return unpack.Run(ctx) })
	g.Go(func() error { return play.Run(ctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("pipe: play: %w", err)
	}
	return nil
}
