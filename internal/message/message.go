// Package message defines the wire format for framed stream messages: a
// fixed-size frame header (type tag + payload size) followed by an opaque
// payload whose leading bytes are a typed sub-header for picture and audio
// messages. All integers are little-endian.
package message

import (
	"encoding/binary"
	"fmt"
)

// Type identifies the kind of a framed message. The set is closed; decoding
// an unknown type is a framing error because frame boundaries cannot be
// recovered from a corrupt header.
type Type byte

// Stream message types.
const (
	TypeClose       Type = 0x01 // end of stream, terminal
	TypePicture     Type = 0x02 // picture header + pixel data
	TypeContextInfo Type = 0x03 // video context create/update
	TypeCompressed  Type = 0x04 // compressed wrapper around another message
	TypeAudioFormat Type = 0x05 // audio stream format announcement
	TypeAudioData   Type = 0x06 // audio data header + PCM bytes
)

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	return t >= TypeClose && t <= TypeAudioData
}

func (t Type) String() string {
	switch t {
	case TypeClose:
		return "close"
	case TypePicture:
		return "picture"
	case TypeContextInfo:
		return "ctx-info"
	case TypeCompressed:
		return "compressed"
	case TypeAudioFormat:
		return "audio-format"
	case TypeAudioData:
		return "audio-data"
	}
	return fmt.Sprintf("unknown(0x%02X)", byte(t))
}

// FramingError indicates a malformed or inconsistent message header. It is
// fatal to the stream that produced it: the reader cannot resynchronize.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "message: " + e.Reason
}

func framingErrorf(format string, args ...any) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// HeaderSize is the encoded size of a frame header.
const HeaderSize = 9

// Header prefixes every frame on a pipeline buffer: one type byte followed
// by the payload size.
type Header struct {
	Type Type
	Size uint64
}

// EncodeHeader writes h into dst, which must be at least HeaderSize bytes.
func EncodeHeader(dst []byte, h Header) {
	dst[0] = byte(h.Type)
	binary.LittleEndian.PutUint64(dst[1:], h.Size)
}

// ParseHeader decodes a frame header, rejecting unknown types and short input.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, framingErrorf("short frame header: %d bytes", len(b))
	}
	t := Type(b[0])
	if !t.Valid() {
		return Header{}, framingErrorf("unknown message type 0x%02X", b[0])
	}
	return Header{Type: t, Size: binary.LittleEndian.Uint64(b[1:])}, nil
}

// PixelFormat tags the pixel layout of a video context.
type PixelFormat uint32

// Pixel formats carried in ContextInfo flags.
const (
	FormatBGR      PixelFormat = 1 << 2 // 24-bit BGR, bottom row first
	FormatBGRA     PixelFormat = 1 << 3 // 32-bit BGRA, bottom row first
	FormatYCbCr420 PixelFormat = 1 << 4 // planar Y'CbCr 4:2:0
)

func (f PixelFormat) String() string {
	switch f {
	case FormatBGR:
		return "bgr"
	case FormatBGRA:
		return "bgra"
	case FormatYCbCr420:
		return "ycbcr420"
	}
	return fmt.Sprintf("format(0x%X)", uint32(f))
}

// ContextInfo flag bits. Exactly one of CtxCreate and CtxUpdate must be set,
// combined with one pixel format bit.
const (
	CtxCreate uint32 = 1 << 0
	CtxUpdate uint32 = 1 << 1

	ctxFormatMask = uint32(FormatBGR | FormatBGRA | FormatYCbCr420)
)

// ContextInfoSize is the encoded size of a ContextInfo payload.
const ContextInfoSize = 16

// ContextInfo announces or updates a video context: a logical video track
// with its own dimensions and pixel format. It is the entire payload of a
// TypeContextInfo frame.
type ContextInfo struct {
	Flags  uint32
	Ctx    int32
	Width  uint32
	Height uint32
}

// Format extracts the pixel format bits from the flags.
func (c ContextInfo) Format() PixelFormat {
	return PixelFormat(c.Flags & ctxFormatMask)
}

// EncodeContextInfo writes c into dst, which must be at least
// ContextInfoSize bytes.
func EncodeContextInfo(dst []byte, c ContextInfo) {
	binary.LittleEndian.PutUint32(dst[0:], c.Flags)
	binary.LittleEndian.PutUint32(dst[4:], uint32(c.Ctx))
	binary.LittleEndian.PutUint32(dst[8:], c.Width)
	binary.LittleEndian.PutUint32(dst[12:], c.Height)
}

// ParseContextInfo decodes a ContextInfo payload.
func ParseContextInfo(b []byte) (ContextInfo, error) {
	if len(b) < ContextInfoSize {
		return ContextInfo{}, framingErrorf("short ctx-info payload: %d bytes", len(b))
	}
	return ContextInfo{
		Flags:  binary.LittleEndian.Uint32(b[0:]),
		Ctx:    int32(binary.LittleEndian.Uint32(b[4:])),
		Width:  binary.LittleEndian.Uint32(b[8:]),
		Height: binary.LittleEndian.Uint32(b[12:]),
	}, nil
}

// PictureHeaderSize is the encoded size of the header leading a picture payload.
const PictureHeaderSize = 12

// PictureHeader leads the payload of a TypePicture frame; the pixel data
// follows it immediately and must be interpreted under the most recent
// ContextInfo for Ctx.
type PictureHeader struct {
	Timestamp uint64 // capture time, microseconds on the stream time base
	Ctx       int32
}

// EncodePictureHeader writes h into dst, which must be at least
// PictureHeaderSize bytes.
func EncodePictureHeader(dst []byte, h PictureHeader) {
	binary.LittleEndian.PutUint64(dst[0:], h.Timestamp)
	binary.LittleEndian.PutUint32(dst[8:], uint32(h.Ctx))
}

// ParsePictureHeader decodes the picture header at the start of a payload.
func ParsePictureHeader(b []byte) (PictureHeader, error) {
	if len(b) < PictureHeaderSize {
		return PictureHeader{}, framingErrorf("short picture header: %d bytes", len(b))
	}
	return PictureHeader{
		Timestamp: binary.LittleEndian.Uint64(b[0:]),
		Ctx:       int32(binary.LittleEndian.Uint32(b[8:])),
	}, nil
}

// SampleFormat tags the PCM sample encoding of an audio stream.
type SampleFormat uint32

// Audio sample formats.
const (
	SampleUnknown SampleFormat = 1
	SampleS16LE   SampleFormat = 2
	SampleS24LE   SampleFormat = 3
	SampleS32LE   SampleFormat = 4
)

// AudioFormatSize is the encoded size of an AudioFormat payload.
const AudioFormatSize = 20

// AudioFormat announces the format of an audio stream. Subsequent
// TypeAudioData frames referencing Stream carry PCM in this format. It is
// the entire payload of a TypeAudioFormat frame.
type AudioFormat struct {
	Stream      int32
	Format      SampleFormat
	Rate        uint32
	Channels    uint32
	Interleaved bool
}

// EncodeAudioFormat writes f into dst, which must be at least
// AudioFormatSize bytes.
func EncodeAudioFormat(dst []byte, f AudioFormat) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(f.Stream))
	binary.LittleEndian.PutUint32(dst[4:], uint32(f.Format))
	binary.LittleEndian.PutUint32(dst[8:], f.Rate)
	binary.LittleEndian.PutUint32(dst[12:], f.Channels)
	var il uint32
	if f.Interleaved {
		il = 1
	}
	binary.LittleEndian.PutUint32(dst[16:], il)
}

// ParseAudioFormat decodes an AudioFormat payload.
func ParseAudioFormat(b []byte) (AudioFormat, error) {
	if len(b) < AudioFormatSize {
		return AudioFormat{}, framingErrorf("short audio-format payload: %d bytes", len(b))
	}
	return AudioFormat{
		Stream:      int32(binary.LittleEndian.Uint32(b[0:])),
		Format:      SampleFormat(binary.LittleEndian.Uint32(b[4:])),
		Rate:        binary.LittleEndian.Uint32(b[8:]),
		Channels:    binary.LittleEndian.Uint32(b[12:]),
		Interleaved: binary.LittleEndian.Uint32(b[16:]) != 0,
	}, nil
}

// AudioDataHeaderSize is the encoded size of the header leading PCM data.
const AudioDataHeaderSize = 12

// AudioDataHeader leads the payload of a TypeAudioData frame; the PCM bytes
// follow it immediately.
type AudioDataHeader struct {
	Timestamp uint64
	Stream    int32
}

// EncodeAudioDataHeader writes h into dst, which must be at least
// AudioDataHeaderSize bytes.
func EncodeAudioDataHeader(dst []byte, h AudioDataHeader) {
	binary.LittleEndian.PutUint64(dst[0:], h.Timestamp)
	binary.LittleEndian.PutUint32(dst[8:], uint32(h.Stream))
}

// ParseAudioDataHeader decodes the audio data header at the start of a payload.
func ParseAudioDataHeader(b []byte) (AudioDataHeader, error) {
	if len(b) < AudioDataHeaderSize {
		return AudioDataHeader{}, framingErrorf("short audio-data header: %d bytes", len(b))
	}
	return AudioDataHeader{
		Timestamp: binary.LittleEndian.Uint64(b[0:]),
		Stream:    int32(binary.LittleEndian.Uint32(b[8:])),
	}, nil
}

// CompressedHeaderSize is the encoded size of the header leading compressed bytes.
const CompressedHeaderSize = 9

// CompressedHeader leads the payload of a TypeCompressed frame. Decompressing
// the bytes that follow it reproduces the exact payload of the wrapped
// message, whose type is preserved here.
type CompressedHeader struct {
	UncompressedSize uint64
	Wrapped          Type
}

// EncodeCompressedHeader writes h into dst, which must be at least
// CompressedHeaderSize bytes.
func EncodeCompressedHeader(dst []byte, h CompressedHeader) {
	binary.LittleEndian.PutUint64(dst[0:], h.UncompressedSize)
	dst[8] = byte(h.Wrapped)
}

// ParseCompressedHeader decodes the compressed wrapper header, validating the
// wrapped type. A nested TypeCompressed wrapper is rejected.
func ParseCompressedHeader(b []byte) (CompressedHeader, error) {
	if len(b) < CompressedHeaderSize {
		return CompressedHeader{}, framingErrorf("short compressed header: %d bytes", len(b))
	}
	t := Type(b[8])
	if !t.Valid() || t == TypeCompressed {
		return CompressedHeader{}, framingErrorf("invalid wrapped type 0x%02X", b[8])
	}
	return CompressedHeader{
		UncompressedSize: binary.LittleEndian.Uint64(b[0:]),
		Wrapped:          t,
	}, nil
}
