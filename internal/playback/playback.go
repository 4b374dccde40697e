// Package playback implements the paced terminal consumer: a ReadOnly stage
// sink that follows one video context, drives a render surface, and times
// frame presentation against the shared time base.
package playback

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mvail/capstream/internal/message"
	"github.com/mvail/capstream/internal/timebase"
)

// RenderSink is the render surface collaborator. Create is called for the
// context's ContextInfo create, Update for later reshapes, Present once per
// picture, and Close when the stream ends.
type RenderSink interface {
	Create(width, height int, format message.PixelFormat) error
	Update(width, height int) error
	Present(pixels []byte) error
	Close() error
}

// ProtocolError reports a stream that violates the context protocol, such
// as an update for a context that was never created or an unsupported pixel
// format. It aborts playback.
type ProtocolError struct {
	Ctx    int32
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("playback: ctx %d: %s", e.Ctx, e.Reason)
}

// DefaultFPS paces streams whose container does not declare a frame rate.
const DefaultFPS = 30

// Player consumes the message stream for one chosen context. Use Sink as a
// ReadOnly stage's sink with a single worker; presentation is inherently
// serial.
type Player struct {
	ctx      int32
	sink     RenderSink
	clock    *timebase.Clock
	interval uint64 // nominal frame interval, microseconds
	created  bool
	log      *slog.Logger
}

// New creates a Player following ctx, pacing at fps against clock.
func New(ctx int32, fps uint32, sink RenderSink, clock *timebase.Clock, log *slog.Logger) *Player {
	if fps == 0 {
		fps = DefaultFPS
	}
	if log == nil {
		log = slog.Default()
	}
	return &Player{
		ctx:      ctx,
		sink:     sink,
		clock:    clock,
		interval: 1_000_000 / uint64(fps),
		log:      log.With("component", "playback", "ctx", ctx),
	}
}

// Sink handles one message in stream order.
func (p *Player) Sink(hdr message.Header, payload []byte) error {
	switch hdr.Type {
	case message.TypeContextInfo:
		return p.handleContextInfo(payload)
	case message.TypePicture:
		return p.handlePicture(payload)
	case message.TypeClose:
		return p.sink.Close()
	default:
		return nil // audio and format messages belong to other consumers
	}
}

func (p *Player) handleContextInfo(payload []byte) error {
	ci, err := message.ParseContextInfo(payload)
	if err != nil {
		return err
	}
	if ci.Ctx != p.ctx {
		return nil
	}

	switch ci.Format() {
	case message.FormatBGR, message.FormatBGRA:
	default:
		return &ProtocolError{Ctx: ci.Ctx, Reason: fmt.Sprintf("unsupported pixel format %v", ci.Format())}
	}

	switch {
	case ci.Flags&message.CtxCreate != 0:
		if err := p.sink.Create(int(ci.Width), int(ci.Height), ci.Format()); err != nil {
			return fmt.Errorf("playback: create surface: %w", err)
		}
		p.created = true
		p.log.Info("context created", "width", ci.Width, "height", ci.Height, "format", ci.Format())
	case ci.Flags&message.CtxUpdate != 0:
		if !p.created {
			return &ProtocolError{Ctx: ci.Ctx, Reason: "update before create"}
		}
		if err := p.sink.Update(int(ci.Width), int(ci.Height)); err != nil {
			return fmt.Errorf("playback: update surface: %w", err)
		}
	default:
		return &ProtocolError{Ctx: ci.Ctx, Reason: "ctx-info with neither create nor update"}
	}
	return nil
}

func (p *Player) handlePicture(payload []byte) error {
	ph, err := message.ParsePictureHeader(payload)
	if err != nil {
		return err
	}
	if ph.Ctx != p.ctx {
		return nil
	}
	if !p.created {
		// A stray picture before its announcement is skipped; a broken
		// context announcement aborts.
		p.log.Warn("picture for uninitialized context, skipping", "timestamp", ph.Timestamp)
		return nil
	}

	// Present as soon as allowed: sleep only if the frame is early; if it
	// is late by more than one frame interval, skip the wait entirely but
	// still present.
	now := p.clock.Now()
	if ph.Timestamp > now {
		time.Sleep(time.Duration(ph.Timestamp-now) * time.Microsecond)
	}

	if err := p.sink.Present(payload[message.PictureHeaderSize:]); err != nil {
		return fmt.Errorf("playback: present: %w", err)
	}
	return nil
}
