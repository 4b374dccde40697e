package capture

import (
	"testing"

	"github.com/mvail/capstream/internal/buffer"
	"github.com/mvail/capstream/internal/message"
	"github.com/mvail/capstream/internal/timebase"
)

func readTypes(t *testing.T, b *buffer.Buffer, n int) []message.Type {
	t.Helper()
	types := make([]message.Type, 0, n)
	for i := 0; i < n; i++ {
		fr, err := b.BeginRead()
		if err != nil {
			t.Fatalf("BeginRead %d: %v", i, err)
		}
		types = append(types, fr.Header.Type)
		fr.Release()
	}
	return types
}

func TestVideoWriterAnnouncesContext(t *testing.T) {
	t.Parallel()

	out := buffer.New(1 << 16)
	w := NewVideoWriter(out, timebase.New(), nil)

	frame := VideoFrame{Ctx: 1, Width: 320, Height: 240, Format: message.FormatBGR, Data: make([]byte, 320*240*3/64)}
	if err := w.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(frame); err != nil {
		t.Fatalf("Write again: %v", err)
	}

	got := readTypes(t, out, 3)
	want := []message.Type{message.TypeContextInfo, message.TypePicture, message.TypePicture}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestVideoWriterEmitsUpdateOnResize(t *testing.T) {
	t.Parallel()

	out := buffer.New(1 << 16)
	w := NewVideoWriter(out, timebase.New(), nil)

	if err := w.Write(VideoFrame{Ctx: 1, Width: 320, Height: 240, Format: message.FormatBGR, Data: []byte{0}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(VideoFrame{Ctx: 1, Width: 640, Height: 480, Format: message.FormatBGR, Data: []byte{0}}); err != nil {
		t.Fatalf("Write resized: %v", err)
	}

	// ctx-info(create), picture, ctx-info(update), picture
	fr, err := out.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	ci, err := message.ParseContextInfo(fr.Data)
	if err != nil {
		t.Fatalf("ParseContextInfo: %v", err)
	}
	if ci.Flags&message.CtxCreate == 0 {
		t.Error("first announcement should be a create")
	}
	fr.Release()

	fr, _ = out.BeginRead()
	fr.Release() // picture

	fr, err = out.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead update: %v", err)
	}
	ci, err = message.ParseContextInfo(fr.Data)
	if err != nil {
		t.Fatalf("ParseContextInfo update: %v", err)
	}
	if ci.Flags&message.CtxUpdate == 0 {
		t.Error("resize should announce an update")
	}
	if ci.Width != 640 || ci.Height != 480 {
		t.Errorf("update geometry: got %dx%d, want 640x480", ci.Width, ci.Height)
	}
	fr.Release()
}

func TestAudioWriterAnnouncesFormatOnce(t *testing.T) {
	t.Parallel()

	out := buffer.New(1 << 16)
	w := NewAudioWriter(out, timebase.New(), nil)

	chunk := AudioChunk{Stream: 1, Format: message.SampleS16LE, Rate: 44100, Channels: 2, Interleaved: true, Data: make([]byte, 128)}
	for i := 0; i < 3; i++ {
		if err := w.Write(chunk); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	got := readTypes(t, out, 4)
	want := []message.Type{message.TypeAudioFormat, message.TypeAudioData, message.TypeAudioData, message.TypeAudioData}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPictureTimestampFromClock(t *testing.T) {
	t.Parallel()

	out := buffer.New(1 << 16)
	clock := timebase.New()
	clock.Adjust(5_000_000)
	w := NewVideoWriter(out, clock, nil)

	if err := w.Write(VideoFrame{Ctx: 1, Width: 2, Height: 2, Format: message.FormatBGR, Data: make([]byte, 12)}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	fr, _ := out.BeginRead() // ctx-info
	fr.Release()
	fr, err := out.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead picture: %v", err)
	}
	ph, err := message.ParsePictureHeader(fr.Data)
	if err != nil {
		t.Fatalf("ParsePictureHeader: %v", err)
	}
	if ph.Timestamp < 5_000_000 {
		t.Errorf("timestamp %d should reflect adjusted clock", ph.Timestamp)
	}
	fr.Release()
}
