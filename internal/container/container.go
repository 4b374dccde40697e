// Package container reads and writes the on-disk stream container: a
// fixed-size stream info header (signature, version, flags, frame rate,
// producer identity, name and date strings) followed by the framed message
// sequence, always ending in a Close frame.
package container

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mvail/capstream/internal/buffer"
	"github.com/mvail/capstream/internal/message"
)

// Signature is the first four bytes of every container file ("GLC\0" LE).
const Signature uint32 = 0x00434C47

// Version of the container layout this package writes.
const Version uint32 = 1

const infoSize = 28

// StreamInfo is the container file header. Name identifies the captured
// program, Date the capture start in UTC.
type StreamInfo struct {
	Flags uint32
	FPS   uint32
	PID   uint32
	Name  string
	Date  string
}

// WriteStreamInfo writes the fixed header and the trailing name/date strings.
func WriteStreamInfo(w io.Writer, info StreamInfo) error {
	var hdr [infoSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], Signature)
	binary.LittleEndian.PutUint32(hdr[4:], Version)
	binary.LittleEndian.PutUint32(hdr[8:], info.Flags)
	binary.LittleEndian.PutUint32(hdr[12:], info.FPS)
	binary.LittleEndian.PutUint32(hdr[16:], info.PID)
	binary.LittleEndian.PutUint32(hdr[20:], uint32(len(info.Name)))
	binary.LittleEndian.PutUint32(hdr[24:], uint32(len(info.Date)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("container: write stream info: %w", err)
	}
	if _, err := io.WriteString(w, info.Name); err != nil {
		return fmt.Errorf("container: write name: %w", err)
	}
	if _, err := io.WriteString(w, info.Date); err != nil {
		return fmt.Errorf("container: write date: %w", err)
	}
	return nil
}

// ReadStreamInfo reads and validates the container header.
func ReadStreamInfo(r io.Reader) (StreamInfo, error) {
	var hdr [infoSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return StreamInfo{}, fmt.Errorf("container: read stream info: %w", err)
	}
	if sig := binary.LittleEndian.Uint32(hdr[0:]); sig != Signature {
		return StreamInfo{}, &message.FramingError{Reason: fmt.Sprintf("bad container signature 0x%08X", sig)}
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != Version {
		return StreamInfo{}, &message.FramingError{Reason: fmt.Sprintf("unsupported container version %d", v)}
	}

	info := StreamInfo{
		Flags: binary.LittleEndian.Uint32(hdr[8:]),
		FPS:   binary.LittleEndian.Uint32(hdr[12:]),
		PID:   binary.LittleEndian.Uint32(hdr[16:]),
	}
	nameSize := binary.LittleEndian.Uint32(hdr[20:])
	dateSize := binary.LittleEndian.Uint32(hdr[24:])
	strs := make([]byte, nameSize+dateSize)
	if _, err := io.ReadFull(r, strs); err != nil {
		return StreamInfo{}, fmt.Errorf("container: read name/date: %w", err)
	}
	info.Name = string(strs[:nameSize])
	info.Date = string(strs[nameSize:])
	return info, nil
}

// Writer persists a framed message stream to an io.Writer. Use Sink with a
// ReadOnly stage; frames arrive in stream order and the Close frame is
// written out and flushed before the stage drains.
type Writer struct {
	bw  *bufio.Writer
	log *slog.Logger
}

// NewWriter writes the stream info header and returns a Writer for the
// message sequence that follows it.
func NewWriter(w io.Writer, info StreamInfo, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	bw := bufio.NewWriter(w)
	if err := WriteStreamInfo(bw, info); err != nil {
		return nil, err
	}
	return &Writer{bw: bw, log: log.With("component", "container-writer")}, nil
}

// Sink writes one frame. It satisfies the stage Sink contract.
func (w *Writer) Sink(hdr message.Header, payload []byte) error {
	var fh [message.HeaderSize]byte
	message.EncodeHeader(fh[:], hdr)
	if _, err := w.bw.Write(fh[:]); err != nil {
		return fmt.Errorf("container: write frame header: %w", err)
	}
	if _, err := w.bw.Write(payload); err != nil {
		return fmt.Errorf("container: write frame payload: %w", err)
	}
	if hdr.Type == message.TypeClose {
		if err := w.bw.Flush(); err != nil {
			return fmt.Errorf("container: flush: %w", err)
		}
		w.log.Debug("container stream closed")
	}
	return nil
}

// Flush forces buffered frames to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// maxFrameSize bounds a single frame read from untrusted input, matching
// the largest plausible raw picture (8K BGRA) with headroom.
const maxFrameSize = 256 << 20

// Feed reads the message sequence from r and produces it into out, frame by
// frame, until the Close frame has been forwarded. On success the Close
// frame terminates out; on failure out is cancelled so downstream stages
// unwind instead of waiting forever. The caller is expected to have consumed
// the stream info header already.
func Feed(r io.Reader, out *buffer.Buffer, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "container-reader")

	br := bufio.NewReader(r)
	var fh [message.HeaderSize]byte
	for {
		if _, err := io.ReadFull(br, fh[:]); err != nil {
			out.Cancel()
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return &message.FramingError{Reason: "container truncated before close frame"}
			}
			return fmt.Errorf("container: read frame header: %w", err)
		}
		hdr, err := message.ParseHeader(fh[:])
		if err != nil {
			out.Cancel()
			return err
		}
		if hdr.Size > maxFrameSize {
			out.Cancel()
			return &message.FramingError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit", hdr.Size)}
		}

		wf, err := out.BeginWrite(hdr.Type, int(hdr.Size))
		if err != nil {
			return err // cancelled downstream, nothing to clean up
		}
		if _, err := io.ReadFull(br, wf.Bytes); err != nil {
			out.Cancel()
			return fmt.Errorf("container: read frame payload: %w", err)
		}
		wf.Commit()

		if hdr.Type == message.TypeClose {
			log.Debug("container drained")
			return nil
		}
	}
}
