package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrEmptyFrame is returned when a frame carries no payload
	ErrEmptyFrame = errors.New("empty frame")
)

// Frames on a TCP session are laid out as:
//
//	Length  [4 bytes] - Payload length (big-endian)
//	Payload [N bytes] - One JSON-encoded Message

// EncodeFrame prefixes payload with its length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, LengthSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthSize], uint32(len(payload)))
	copy(buf[LengthSize:], payload)
	return buf, nil
}

// ============================================================================
// Frame Reader/Writer
// ============================================================================

// FrameReader reads length-prefixed frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [LengthSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads the next frame payload.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(fr.header[:])
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if length == 0 {
		return nil, ErrEmptyFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Read reads the next frame and decodes it as a Message. n is the payload
// length of the frame read, set even when decoding fails. Decoding errors wrap
// ErrMalformedMessage or ErrUnknownType and leave the stream positioned at the
// next frame, so callers may drop the message and keep reading.
func (fr *FrameReader) Read() (m *Message, n int, err error) {
	payload, err := fr.ReadFrame()
	if err != nil {
		return nil, 0, err
	}
	m, err = Decode(payload)
	return m, len(payload), err
}

// FrameWriter writes length-prefixed frames to an io.Writer. It is safe for
// concurrent use; each call produces exactly one frame.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes payload as a single frame.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	buf, err := EncodeFrame(payload)
	if err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err = fw.w.Write(buf)
	return err
}

// Write encodes m and writes it as a single frame. It returns the payload
// length.
func (fw *FrameWriter) Write(m *Message) (int, error) {
	data, err := m.Encode()
	if err != nil {
		return 0, err
	}
	if err := fw.WriteFrame(data); err != nil {
		return 0, err
	}
	return len(data), nil
}
