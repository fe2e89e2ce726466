package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameSize bounds the payload of a single frame. Large payloads
// (file contents, diffs) should be chunked above this layer.
const DefaultMaxFrameSize = 8 << 20

// frameHeaderSize is the length prefix: a big-endian uint32.
const frameHeaderSize = 4

// FrameTooLargeError reports a frame whose declared payload length exceeds
// the decoder's configured maximum. The oversized payload is consumed so the
// stream remains usable for subsequent frames.
type FrameTooLargeError struct {
	Size int
	Max  int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame too large: %d bytes (max %d)", e.Size, e.Max)
}

// MalformedPayloadError reports a complete frame whose payload did not parse
// as a protocol message. Raw carries the payload bytes for diagnostics. The
// stream position is unaffected; the next frame decodes normally.
type MalformedPayloadError struct {
	Raw []byte
	Err error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// Decoder turns an ordered byte stream into a sequence of Messages. It is
// not safe for concurrent use; a connection owns exactly one Decoder per
// direction.
type Decoder struct {
	r   *bufio.Reader
	max int
}

// NewDecoder wraps r. maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), max: maxFrameSize}
}

// Decode blocks until one complete frame is available and returns its
// Message. A partial frame at the end of the stream yields
// io.ErrUnexpectedEOF; a cleanly closed stream yields io.EOF. Frame-level
// failures return *FrameTooLargeError or *MalformedPayloadError; both leave
// the decoder positioned at the next frame.
func (d *Decoder) Decode() (*Message, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(header[:]))

	if size > d.max {
		// Drain the oversized payload so the stream stays framed.
		if _, err := io.CopyN(io.Discard, d.r, int64(size)); err != nil {
			return nil, fmt.Errorf("drain oversized frame: %w", err)
		}
		return nil, &FrameTooLargeError{Size: size, Max: d.max}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &MalformedPayloadError{Raw: payload, Err: err}
	}
	return &msg, nil
}

// Encoder produces the exact on-wire encoding of Messages. Writes are
// serialized internally, so one Encoder may be shared by every goroutine
// writing to a connection.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	max int
}

// NewEncoder wraps w. maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewEncoder(w io.Writer, maxFrameSize int) *Encoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Encoder{w: bufio.NewWriterSize(w, 64*1024), max: maxFrameSize}
}

// Encode writes msg as one frame and flushes. A message whose encoding
// exceeds the maximum frame size is rejected before any bytes are written.
func (e *Encoder) Encode(msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(payload) > e.max {
		return &FrameTooLargeError{Size: len(payload), Max: e.max}
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := e.w.Write(payload); err != nil {
		return err
	}
	return e.w.Flush()
}

// EncodeFrame returns the wire bytes of msg without writing them anywhere.
func EncodeFrame(msg *Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}
