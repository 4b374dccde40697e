package pipe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mvail/capstream/internal/buffer"
	"github.com/mvail/capstream/internal/capture"
	"github.com/mvail/capstream/internal/container"
	"github.com/mvail/capstream/internal/message"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu       sync.Mutex
	creates  int
	updates  int
	pictures [][]byte
	closed   bool
}

func (s *recordingSink) Create(w, h int, f message.PixelFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	return nil
}

func (s *recordingSink) Update(w, h int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	return nil
}

func (s *recordingSink) Present(pixels []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pictures = append(s.pictures, bytes.Clone(pixels))
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func testFrame(ctx int32, seed byte) capture.VideoFrame {
	data := make([]byte, 64*48*3)
	for i := range data {
		data[i] = seed + byte(i)
	}
	return capture.VideoFrame{
		Ctx:    ctx,
		Width:  64,
		Height: 48,
		Format: message.FormatBGR,
		Data:   data,
	}
}

// Records frames through the pack stage into a container in memory, then
// plays the container back and checks the sink saw every picture unchanged.
func TestRecordThenPlayRoundTrip(t *testing.T) {
	t.Parallel()

	const frames = 20
	var file bytes.Buffer
	cw, err := container.NewWriter(&file, container.StreamInfo{
		FPS:  30,
		Name: "round-trip",
		Date: "2026-08-31",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	rec, err := NewRecording(RecordConfig{
		BufferSize:      4 << 20,
		PackWorkers:     4,
		MinCompressSize: 1, // wrap everything so playback exercises unpack
		Sink:            cw.Sink,
		Log:             testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRecording: %v", err)
	}

	go func() {
		for i := 0; i < frames; i++ {
			if err := rec.Video().Write(testFrame(1, byte(i))); err != nil {
				t.Errorf("Write frame %d: %v", i, err)
				break
			}
		}
		if err := rec.CloseInput(); err != nil {
			t.Errorf("CloseInput: %v", err)
		}
	}()

	if err := rec.Run(context.Background()); err != nil {
		t.Fatalf("record Run: %v", err)
	}

	r := bytes.NewReader(file.Bytes())
	info, err := container.ReadStreamInfo(r)
	if err != nil {
		t.Fatalf("ReadStreamInfo: %v", err)
	}
	if info.Name != "round-trip" {
		t.Fatalf("info.Name = %q, want %q", info.Name, "round-trip")
	}

	sink := &recordingSink{}
	err = Play(context.Background(), PlayConfig{
		BufferSize:    4 << 20,
		UnpackWorkers: 4,
		Feed: func(raw *buffer.Buffer) error {
			return container.Feed(r, raw, testLogger())
		},
		Ctx:  1,
		FPS:  info.FPS,
		Sink: sink,
		Log:  testLogger(),
	})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.closed {
		t.Error("render sink never closed")
	}
	if sink.creates != 1 {
		t.Errorf("creates = %d, want 1", sink.creates)
	}
	if len(sink.pictures) != frames {
		t.Fatalf("presented %d pictures, want %d", len(sink.pictures), frames)
	}
	for i, got := range sink.pictures {
		want := testFrame(1, byte(i)).Data
		if !bytes.Equal(got, want) {
			t.Fatalf("picture %d differs after round trip", i)
		}
	}
}

// A recording draining into a custom consumer instead of a sink stage.
func TestRecordWithConsumer(t *testing.T) {
	t.Parallel()

	var seen []message.Type
	rec, err := NewRecording(RecordConfig{
		BufferSize: 1 << 20,
		Consumer: func(ctx context.Context, packed *buffer.Buffer) error {
			for {
				fr, err := packed.BeginRead()
				if errors.Is(err, buffer.ErrEndOfStream) {
					return nil
				}
				if err != nil {
					return err
				}
				seen = append(seen, fr.Header.Type)
				fr.Release()
				if fr.Header.Type == message.TypeClose {
					return nil
				}
			}
		},
		Log: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRecording: %v", err)
	}

	go func() {
		if err := rec.Video().Write(testFrame(7, 0)); err != nil {
			t.Errorf("Write: %v", err)
		}
		if err := rec.CloseInput(); err != nil {
			t.Errorf("CloseInput: %v", err)
		}
	}()

	if err := rec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []message.Type{message.TypeContextInfo, message.TypePicture, message.TypeClose}
	if len(seen) != len(want) {
		t.Fatalf("consumer saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("consumer saw %v, want %v", seen, want)
		}
	}
}

func TestRecordRequiresSinkOrConsumer(t *testing.T) {
	t.Parallel()

	if _, err := NewRecording(RecordConfig{Log: testLogger()}); err == nil {
		t.Fatal("NewRecording without sink or consumer succeeded")
	}
}

// A feed that fails mid-stream must surface its error and unwind both
// stages rather than leaving them blocked.
func TestPlayFeedFailureUnwinds(t *testing.T) {
	t.Parallel()

	failure := errors.New("source lost")
	sink := &recordingSink{}

	done := make(chan error, 1)
	go func() {
		done <- Play(context.Background(), PlayConfig{
			BufferSize: 1 << 20,
			Feed: func(raw *buffer.Buffer) error {
				raw.Cancel()
				return failure
			},
			Ctx:  1,
			Sink: sink,
			Log:  testLogger(),
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, failure) {
			t.Fatalf("Play error = %v, want %v", err, failure)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Play did not unwind after feed failure")
	}
}

// Cancelling the caller's context must stop a recording whose producer has
// gone quiet without writing Close.
func TestRecordContextCancel(t *testing.T) {
	t.Parallel()

	rec, err := NewRecording(RecordConfig{
		BufferSize: 1 << 20,
		Sink:       func(message.Header, []byte) error { return nil },
		Log:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRecording: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		// Cancellation is a normal termination for the stages themselves.
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
