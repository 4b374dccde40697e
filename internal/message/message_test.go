package message

import (
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	var buf [HeaderSize]byte
	want := Header{Type: TypePicture, Size: 320 * 240 * 3}
	EncodeHeader(buf[:], want)

	got, err := ParseHeader(buf[:])
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseHeaderUnknownType(t *testing.T) {
	t.Parallel()

	buf := []byte{0x7F, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err := ParseHeader(buf)
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Errorf("want FramingError, got %T: %v", err, err)
	}
}

func TestParseHeaderShort(t *testing.T) {
	t.Parallel()

	if _, err := ParseHeader([]byte{byte(TypeClose)}); err == nil {
		t.Error("expected error for short header")
	}
}

func TestTypeValid(t *testing.T) {
	t.Parallel()

	for _, typ := range []Type{TypeClose, TypePicture, TypeContextInfo, TypeCompressed, TypeAudioFormat, TypeAudioData} {
		if !typ.Valid() {
			t.Errorf("%v should be valid", typ)
		}
	}
	if Type(0x00).Valid() {
		t.Error("0x00 should be invalid")
	}
	if Type(0x07).Valid() {
		t.Error("0x07 should be invalid")
	}
}

func TestContextInfoRoundTrip(t *testing.T) {
	t.Parallel()

	var buf [ContextInfoSize]byte
	want := ContextInfo{
		Flags:  CtxCreate | uint32(FormatBGR),
		Ctx:    1,
		Width:  320,
		Height: 240,
	}
	EncodeContextInfo(buf[:], want)

	got, err := ParseContextInfo(buf[:])
	if err != nil {
		t.Fatalf("ParseContextInfo: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.Format() != FormatBGR {
		t.Errorf("Format: got %v, want %v", got.Format(), FormatBGR)
	}
}

func TestPictureHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	var buf [PictureHeaderSize]byte
	want := PictureHeader{Timestamp: 1000, Ctx: 1}
	EncodePictureHeader(buf[:], want)

	got, err := ParsePictureHeader(buf[:])
	if err != nil {
		t.Fatalf("ParsePictureHeader: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestAudioFormatRoundTrip(t *testing.T) {
	t.Parallel()

	var buf [AudioFormatSize]byte
	want := AudioFormat{Stream: 2, Format: SampleS16LE, Rate: 44100, Channels: 2, Interleaved: true}
	EncodeAudioFormat(buf[:], want)

	got, err := ParseAudioFormat(buf[:])
	if err != nil {
		t.Fatalf("ParseAudioFormat: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestAudioDataHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	var buf [AudioDataHeaderSize]byte
	want := AudioDataHeader{Timestamp: 123456, Stream: -1}
	EncodeAudioDataHeader(buf[:], want)

	got, err := ParseAudioDataHeader(buf[:])
	if err != nil {
		t.Fatalf("ParseAudioDataHeader: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestCompressedHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	var buf [CompressedHeaderSize]byte
	want := CompressedHeader{UncompressedSize: 1 << 20, Wrapped: TypePicture}
	EncodeCompressedHeader(buf[:], want)

	got, err := ParseCompressedHeader(buf[:])
	if err != nil {
		t.Fatalf("ParseCompressedHeader: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestCompressedHeaderRejectsNesting(t *testing.T) {
	t.Parallel()

	var buf [CompressedHeaderSize]byte
	EncodeCompressedHeader(buf[:], CompressedHeader{UncompressedSize: 10, Wrapped: TypeCompressed})
	if _, err := ParseCompressedHeader(buf[:]); err == nil {
		t.Error("expected error for nested compressed wrapper")
	}
}
