// Package relay streams the framed message sequence over QUIC, either
// serving a live capture to a remote viewer or receiving one into a local
// pipeline buffer. Each frame is sent on a unidirectional stream as
// varint(len) || type || payload, preceded by a fixed hello carrying the
// relay version, target frame rate, and a session id.
package relay

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/mvail/capstream/internal/buffer"
	"github.com/mvail/capstream/internal/certs"
	"github.com/mvail/capstream/internal/message"
)

const (
	alpn         = "capstream/1"
	helloMagic   = 0x43535452 // "CSTR"
	version      = 1
	maxFrameSize = 256 << 20
)

// Hello is the stream preamble exchanged before any frames.
type Hello struct {
	FPS     uint32
	Session uuid.UUID
}

func appendHello(b []byte, h Hello) []byte {
	b = binary.BigEndian.AppendUint32(b, helloMagic)
	b = quicvarint.Append(b, version)
	b = quicvarint.Append(b, uint64(h.FPS))
	return append(b, h.Session[:]...)
}

func readHello(br *bufio.Reader) (Hello, error) {
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return Hello{}, fmt.Errorf("relay: read hello: %w", err)
	}
	if binary.BigEndian.Uint32(magic[:]) != helloMagic {
		return Hello{}, errors.New("relay: bad hello magic")
	}
	v, err := quicvarint.Read(br)
	if err != nil {
		return Hello{}, fmt.Errorf("relay: read version: %w", err)
	}
	if v != version {
		return Hello{}, fmt.Errorf("relay: unsupported version %d", v)
	}
	fps, err := quicvarint.Read(br)
	if err != nil {
		return Hello{}, fmt.Errorf("relay: read fps: %w", err)
	}
	var h Hello
	h.FPS = uint32(fps)
	if _, err := io.ReadFull(br, h.Session[:]); err != nil {
		return Hello{}, fmt.Errorf("relay: read session id: %w", err)
	}
	return h, nil
}

// Server serves one capture stream to the first remote viewer that connects.
type Server struct {
	addr string
	fps  uint32
	cert *certs.CertInfo
	log  *slog.Logger
}

// NewServer creates a Server for addr using the given certificate.
func NewServer(addr string, fps uint32, cert *certs.CertInfo, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, fps: fps, cert: cert, log: log.With("component", "relay-server")}
}

// Serve listens, accepts a single connection, and forwards every frame from
// in until the Close frame has been sent or the buffer is cancelled.
// Cancelling ctx aborts the accept and cancels in so the pipeline unwinds.
func (s *Server) Serve(ctx context.Context, in *buffer.Buffer) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	defer ln.Close()
	return s.serve(ctx, ln, in)
}

func (s *Server) listen() (*quic.Listener, error) {
	ln, err := quic.ListenAddr(s.addr, &tls.Config{
		Certificates: []tls.Certificate{s.cert.TLSCert},
		NextProtos:   []string{alpn},
	}, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("relay: listen %s: %w", s.addr, err)
	}
	return ln, nil
}

func (s *Server) serve(ctx context.Context, ln *quic.Listener, in *buffer.Buffer) error {
	stop := context.AfterFunc(ctx, in.Cancel)
	defer stop()

	s.log.Info("relay listening", "addr", ln.Addr().String(), "fingerprint", s.cert.FingerprintBase64())

	conn, err := ln.Accept(ctx)
	if err != nil {
		return fmt.Errorf("relay: accept: %w", err)
	}
	session := uuid.New()
	log := s.log.With("session", session.String(), "remote", conn.RemoteAddr().String())
	log.Info("viewer connected")

	st, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("relay: open stream: %w", err)
	}

	bw := bufio.NewWriter(st)
	if _, err := bw.Write(appendHello(nil, Hello{FPS: s.fps, Session: session})); err != nil {
		return fmt.Errorf("relay: write hello: %w", err)
	}

	var sent int64
	for {
		fr, err := in.BeginRead()
		if err != nil {
			if errors.Is(err, buffer.ErrCancelled) {
				conn.CloseWithError(1, "cancelled")
				return nil
			}
			return fmt.Errorf("relay: read frame: %w", err)
		}

		prefix := quicvarint.Append(nil, uint64(1+len(fr.Data)))
		prefix = append(prefix, byte(fr.Header.Type))
		_, werr := bw.Write(prefix)
		if werr == nil {
			_, werr = bw.Write(fr.Data)
		}
		isClose := fr.Header.Type == message.TypeClose
		fr.Release()
		if werr != nil {
			in.Cancel()
			return fmt.Errorf("relay: send frame: %w", werr)
		}
		sent++

		if isClose {
			if err := bw.Flush(); err != nil {
				return fmt.Errorf("relay: flush: %w", err)
			}
			st.Close()
			conn.CloseWithError(0, "")
			log.Info("stream complete", "frames", sent)
			return nil
		}
	}
}

// Client is a dialed relay session. Obtain with Dial, read the Hello, then
// Feed the frames into a pipeline buffer.
type Client struct {
	conn  quic.Connection
	br    *bufio.Reader
	hello Hello
	log   *slog.Logger
}

// Dial connects to a relay server and reads the stream preamble. If
// fingerprint is non-empty it must match the server certificate's base64
// SHA-256 fingerprint; otherwise any certificate is accepted, as relay
// certificates are self-signed.
func Dial(ctx context.Context, addr, fingerprint string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}
	if fingerprint != "" {
		tlsConf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				ci := certs.CertInfo{Fingerprint: sha256.Sum256(raw)}
				if ci.FingerprintBase64() == fingerprint {
					return nil
				}
			}
			return errors.New("relay: server certificate fingerprint mismatch")
		}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", addr, err)
	}

	st, err := conn.AcceptUniStream(ctx)
	if err != nil {
		conn.CloseWithError(1, "no stream")
		return nil, fmt.Errorf("relay: accept stream: %w", err)
	}

	br := bufio.NewReader(st)
	hello, err := readHello(br)
	if err != nil {
		conn.CloseWithError(1, "bad hello")
		return nil, err
	}

	return &Client{
		conn:  conn,
		br:    br,
		hello: hello,
		log:   log.With("component", "relay-client", "session", hello.Session.String()),
	}, nil
}

// Hello returns the stream preamble.
func (c *Client) Hello() Hello { return c.hello }

// Feed produces received frames into out until the Close frame has been
// forwarded. On failure out is cancelled so downstream stages unwind.
func (c *Client) Feed(out *buffer.Buffer) error {
	defer c.conn.CloseWithError(0, "")

	for {
		n, err := quicvarint.Read(c.br)
		if err != nil {
			out.Cancel()
			return fmt.Errorf("relay: read frame length: %w", err)
		}
		if n == 0 || n > maxFrameSize {
			out.Cancel()
			return &message.FramingError{Reason: fmt.Sprintf("relay frame of %d bytes", n)}
		}
		tb, err := c.br.ReadByte()
		if err != nil {
			out.Cancel()
			return fmt.Errorf("relay: read frame type: %w", err)
		}
		typ := message.Type(tb)
		if !typ.Valid() {
			out.Cancel()
			return &message.FramingError{Reason: fmt.Sprintf("unknown relay frame type 0x%02X", tb)}
		}

		wf, err := out.BeginWrite(typ, int(n-1))
		if err != nil {
			return err // pipeline cancelled locally
		}
		if _, err := io.ReadFull(c.br, wf.Bytes); err != nil {
			out.Cancel()
			return fmt.Errorf("relay: read frame payload: %w", err)
		}
		wf.Commit()

		if typ == message.TypeClose {
			c.log.Info("relay stream drained")
			return nil
		}
	}
}
