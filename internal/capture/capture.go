// Package capture adapts raw frame sources to the message stream: it turns
// pixel buffers into Picture frames and PCM chunks into AudioData frames,
// announcing ContextInfo and AudioFormat messages whenever a source's
// geometry or format changes.
package capture

import (
	"fmt"
	"log/slog"

	"github.com/mvail/capstream/internal/buffer"
	"github.com/mvail/capstream/internal/message"
	"github.com/mvail/capstream/internal/timebase"
)

// VideoFrame is one raw captured picture, as supplied by a capture source
// collaborator.
type VideoFrame struct {
	Ctx    int32
	Width  uint32
	Height uint32
	Format message.PixelFormat
	Data   []byte
}

// AudioChunk is one raw captured PCM buffer.
type AudioChunk struct {
	Stream      int32
	Format      message.SampleFormat
	Rate        uint32
	Channels    uint32
	Interleaved bool
	Data        []byte
}

type geometry struct {
	w, h   uint32
	format message.PixelFormat
}

// VideoWriter produces Picture frames into a pipeline buffer, emitting a
// ContextInfo create or update ahead of any picture whose context is new or
// has changed shape. Timestamps come from the shared time base. Not safe
// for concurrent use; run one writer per producer goroutine.
type VideoWriter struct {
	out   *buffer.Buffer
	clock *timebase.Clock
	ctxs  map[int32]geometry
	log   *slog.Logger
}

// NewVideoWriter creates a VideoWriter producing into out.
func NewVideoWriter(out *buffer.Buffer, clock *timebase.Clock, log *slog.Logger) *VideoWriter {
	if log == nil {
		log = slog.Default()
	}
	return &VideoWriter{
		out:   out,
		clock: clock,
		ctxs:  make(map[int32]geometry),
		log:   log.With("component", "video-writer"),
	}
}

// Write emits f as a Picture frame, preceded by a ContextInfo announcement
// when the context is new or its geometry changed.
func (w *VideoWriter) Write(f VideoFrame) error {
	g := geometry{w: f.Width, h: f.Height, format: f.Format}
	prev, known := w.ctxs[f.Ctx]
	if !known || prev != g {
		flags := message.CtxCreate
		if known {
			flags = message.CtxUpdate
			w.log.Info("context updated", "ctx", f.Ctx, "width", f.Width, "height", f.Height)
		}
		var ci [message.ContextInfoSize]byte
		message.EncodeContextInfo(ci[:], message.ContextInfo{
			Flags:  flags | uint32(f.Format),
			Ctx:    f.Ctx,
			Width:  f.Width,
			Height: f.Height,
		})
		if err := w.out.WriteMessage(message.TypeContextInfo, ci[:]); err != nil {
			return fmt.Errorf("capture: announce ctx %d: %w", f.Ctx, err)
		}
		w.ctxs[f.Ctx] = g
	}

	wf, err := w.out.BeginWrite(message.TypePicture, message.PictureHeaderSize+len(f.Data))
	if err != nil {
		return err
	}
	message.EncodePictureHeader(wf.Bytes, message.PictureHeader{
		Timestamp: w.clock.Now(),
		Ctx:       f.Ctx,
	})
	copy(wf.Bytes[message.PictureHeaderSize:], f.Data)
	wf.Commit()
	return nil
}

// AudioWriter produces AudioData frames into a pipeline buffer, announcing
// AudioFormat whenever a stream's format changes. Not safe for concurrent use.
type AudioWriter struct {
	out     *buffer.Buffer
	clock   *timebase.Clock
	formats map[int32]message.AudioFormat
	log     *slog.Logger
}

// NewAudioWriter creates an AudioWriter producing into out.
func NewAudioWriter(out *buffer.Buffer, clock *timebase.Clock, log *slog.Logger) *AudioWriter {
	if log == nil {
		log = slog.Default()
	}
	return &AudioWriter{
		out:     out,
		clock:   clock,
		formats: make(map[int32]message.AudioFormat),
		log:     log.With("component", "audio-writer"),
	}
}

// Write emits c as an AudioData frame, preceded by an AudioFormat
// announcement when the stream is new or its format changed.
func (w *AudioWriter) Write(c AudioChunk) error {
	format := message.AudioFormat{
		Stream:      c.Stream,
		Format:      c.Format,
		Rate:        c.Rate,
		Channels:    c.Channels,
		Interleaved: c.Interleaved,
	}
	if prev, known := w.formats[c.Stream]; !known || prev != format {
		if known {
			w.log.Info("audio format changed", "stream", c.Stream, "rate", c.Rate, "channels", c.Channels)
		}
		var af [message.AudioFormatSize]byte
		message.EncodeAudioFormat(af[:], format)
		if err := w.out.WriteMessage(message.TypeAudioFormat, af[:]); err != nil {
			return fmt.Errorf("capture: announce audio stream %d: %w", c.Stream, err)
		}
		w.formats[c.Stream] = format
	}

	wf, err := w.out.BeginWrite(message.TypeAudioData, message.AudioDataHeaderSize+len(c.Data))
	if err != nil {
		return err
	}
	message.EncodeAudioDataHeader(wf.Bytes, message.AudioDataHeader{
		Timestamp: w.clock.Now(),
		Stream:    c.Stream,
	})
	copy(wf.Bytes[message.AudioDataHeaderSize:], c.Data)
	wf.Commit()
	return nil
}
