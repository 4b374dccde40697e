// Package compress provides the pipeline transforms that wrap picture and
// audio payloads in compressed-wrapper frames and restore them byte-exactly.
// The codec is S2; the wrapper header records the wrapped message's type and
// uncompressed size so consumers can verify the round trip.
package compress

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/mvail/capstream/internal/message"
	"github.com/mvail/capstream/internal/stage"
)

// DefaultMinSize is the smallest payload worth wrapping. Below it the
// wrapper header and codec overhead outweigh any savings.
const DefaultMinSize = 1024

// Pack returns a transform that wraps Picture and AudioData messages of at
// least minSize payload bytes in compressed-wrapper frames. Everything else
// is declined, so the owning stage should run in pass-through mode.
// minSize 0 wraps everything; negative selects DefaultMinSize.
func Pack(minSize int) stage.Transform {
	if minSize < 0 {
		minSize = DefaultMinSize
	}
	return func(hdr message.Header, payload []byte) (*stage.Output, error) {
		switch hdr.Type {
		case message.TypePicture, message.TypeAudioData:
		default:
			return nil, nil
		}
		if len(payload) < minSize {
			return nil, nil
		}

		out := make([]byte, message.CompressedHeaderSize, message.CompressedHeaderSize+s2.MaxEncodedLen(len(payload)))
		message.EncodeCompressedHeader(out, message.CompressedHeader{
			UncompressedSize: uint64(len(payload)),
			Wrapped:          hdr.Type,
		})
		out = append(out, s2.Encode(nil, payload)...)
		return &stage.Output{Type: message.TypeCompressed, Payload: out}, nil
	}
}

// Unpack returns a transform that unwraps compressed-wrapper frames,
// reproducing the original message header and payload exactly. Other
// message types are declined for pass-through.
func Unpack() stage.Transform {
	return func(hdr message.Header, payload []byte) (*stage.Output, error) {
		if hdr.Type != message.TypeCompressed {
			return nil, nil
		}

		ch, err := message.ParseCompressedHeader(payload)
		if err != nil {
			return nil, err
		}
		raw, err := s2.Decode(nil, payload[message.CompressedHeaderSize:])
		if err != nil {
			return nil, fmt.Errorf("compress: decode: %w", err)
		}
		if uint64(len(raw)) != ch.UncompressedSize {
			return nil, &message.FramingError{
				Reason: fmt.Sprintf("compressed frame inflated to %d bytes, header says %d", len(raw), ch.UncompressedSize),
			}
		}
		return &stage.Output{Type: ch.Wrapped, Payload: raw}, nil
	}
}
