// Command capstream records a synthetic capture stream to a container file
// or a relay, and plays streams back from either source.
//
// Usage:
//
//	capstream record <file>   write a test-pattern capture to <file>
//	capstream record -        serve the capture over the relay instead
//	capstream play <file>     play a container file
//	capstream play <addr>     play from a relay at host:port
//
// Configuration is taken from the environment: CAP_FPS, CAP_WIDTH,
// CAP_HEIGHT, CAP_FRAMES, CAP_WORKERS, CAP_BUFFER_MB, CAP_COMPRESS_MIN,
// CAP_CTX, CAP_RELAY_ADDR, CAP_FINGERPRINT, DEBUG.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mvail/capstream/internal/buffer"
	"github.com/mvail/capstream/internal/capture"
	"github.com/mvail/capstream/internal/certs"
	"github.com/mvail/capstream/internal/container"
	"github.com/mvail/capstream/internal/message"
	"github.com/mvail/capstream/internal/pipe"
	"github.com/mvail/capstream/internal/relay"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: capstream record|play <file|addr|->")
		os.Exit(2)
	}
	mode, target := os.Args[1], os.Args[2]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	cfg := loadConfig()
	slog.Info("capstream starting", "version", version, "mode", mode, "target", target)

	var err error
	switch mode {
	case "record":
		err = record(ctx, cfg, target)
	case "play":
		err = play(ctx, cfg, target)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("capstream failed", "error", err)
		os.Exit(1)
	}
}

type config struct {
	fps         uint32
	width       uint32
	height      uint32
	frames      int
	workers     int
	bufferSize  int
	compressMin int
	ctx         int32
	relayAddr   string
	fingerprint string
}

func loadConfig() config {
	return config{
		fps:         uint32(envInt("CAP_FPS", 30)),
		width:       uint32(envInt("CAP_WIDTH", 640)),
		height:      uint32(envInt("CAP_HEIGHT", 480)),
		frames:      envInt("CAP_FRAMES", 300),
		workers:     envInt("CAP_WORKERS", 4),
		bufferSize:  envInt("CAP_BUFFER_MB", 64) << 20,
		compressMin: envInt("CAP_COMPRESS_MIN", 0),
		ctx:         int32(envInt("CAP_CTX", 1)),
		relayAddr:   envOr("CAP_RELAY_ADDR", ":4460"),
		fingerprint: os.Getenv("CAP_FINGERPRINT"),
	}
}

func record(ctx context.Context, cfg config, target string) error {
	rc := pipe.RecordConfig{
		BufferSize:      cfg.bufferSize,
		PackWorkers:     cfg.workers,
		MinCompressSize: cfg.compressMin,
	}

	var file *os.File
	if target == "-" {
		cert, err := certs.Generate(0)
		if err != nil {
			return fmt.Errorf("generate relay cert: %w", err)
		}
		slog.Info("relay certificate generated",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		srv := relay.NewServer(cfg.relayAddr, cfg.fps, cert, nil)
		rc.Consumer = func(ctx context.Context, packed *buffer.Buffer) error {
			return srv.Serve(ctx, packed)
		}
	} else {
		f, err := os.Create(target)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		file = f
		cw, err := container.NewWriter(f, container.StreamInfo{
			FPS:  cfg.fps,
			PID:  uint32(os.Getpid()),
			Name: "capstream test pattern",
			Date: time.Now().UTC().Format(time.RFC3339),
		}, nil)
		if err != nil {
			return err
		}
		rc.Sink = cw.Sink
	}

	rec, err := pipe.NewRecording(rc)
	if err != nil {
		return err
	}

	go produceTestPattern(ctx, rec, cfg)

	if err := rec.Run(ctx); err != nil {
		return err
	}
	if file != nil {
		if err := file.Close(); err != nil {
			return fmt.Errorf("close output: %w", err)
		}
		slog.Info("recording written", "file", target, "frames", cfg.frames)
	}
	return nil
}

// produceTestPattern drives the capture writers with a moving color ramp at
// the configured frame rate, then closes the input.
func produceTestPattern(ctx context.Context, rec *pipe.Recording, cfg config) {
	frame := capture.VideoFrame{
		Ctx:    cfg.ctx,
		Width:  cfg.width,
		Height: cfg.height,
		Format: message.FormatBGR,
		Data:   make([]byte, int(cfg.width)*int(cfg.height)*3),
	}
	tick := time.NewTicker(time.Second / time.Duration(cfg.fps))
	defer tick.Stop()

	for i := 0; i < cfg.frames; i++ {
		select {
		case <-ctx.Done():
			rec.Cancel()
			return
		case <-tick.C:
		}
		shade := byte(i)
		for p := range frame.Data {
			frame.Data[p] = shade + byte(p%3)
		}
		if err := rec.Video().Write(frame); err != nil {
			if !errors.Is(err, buffer.ErrCancelled) {
				slog.Error("write frame", "error", err)
			}
			return
		}
	}
	if err := rec.CloseInput(); err != nil {
		slog.Error("close input", "error", err)
	}
}

func play(ctx context.Context, cfg config, target string) error {
	pc := pipe.PlayConfig{
		BufferSize:    cfg.bufferSize,
		UnpackWorkers: cfg.workers,
		Ctx:           cfg.ctx,
		FPS:           cfg.fps,
		Sink:          &logSink{log: slog.With("component", "render")},
	}

	if strings.Contains(target, ":") {
		client, err := relay.Dial(ctx, target, cfg.fingerprint, nil)
		if err != nil {
			return err
		}
		if fps := client.Hello().FPS; fps != 0 {
			pc.FPS = fps
		}
		pc.Feed = client.Feed
	} else {
		f, err := os.Open(target)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		info, err := container.ReadStreamInfo(f)
		if err != nil {
			return err
		}
		slog.Info("playing container", "name", info.Name, "date", info.Date, "fps", info.FPS)
		if info.FPS != 0 {
			pc.FPS = info.FPS
		}
		pc.Feed = func(raw *buffer.Buffer) error {
			return container.Feed(f, raw, nil)
		}
	}

	return pipe.Play(ctx, pc)
}

// logSink is a headless render surface: it validates the stream shape and
// counts presented frames instead of drawing them.
type logSink struct {
	log       *slog.Logger
	presented int
	started   time.Time
}

func (s *logSink) Create(width, height int, format message.PixelFormat) error {
	s.started = time.Now()
	s.log.Info("surface created", "width", width, "height", height, "format", format)
	return nil
}

func (s *logSink) Update(width, height int) error {
	s.log.Info("surface resized", "width", width, "height", height)
	return nil
}

func (s *logSink) Present(pixels []byte) error {
	s.presented++
	if s.presented%100 == 0 {
		s.log.Debug("presenting", "frames", s.presented, "bytes", len(pixels))
	}
	return nil
}

func (s *logSink) Close() error {
	elapsed := time.Since(s.started)
	s.log.Info("stream ended", "frames", s.presented, "elapsed", elapsed.Round(time.Millisecond))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("ignoring malformed env value", "key", key, "value", v)
	}
	return fallback
}
