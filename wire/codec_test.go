package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"testing"
)

func mustEncode(t *testing.T, enc *Encoder, msg *Message) {
	t.Helper()
	if err := enc.Encode(msg); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	msgs := []*Message{
		NewRequest(1, "textlsp.hover", "rust", json.RawMessage(`{"line":3}`)),
		NewRequest(2, "terminal.write", "", json.RawMessage(`{"data":"ls\n"}`)),
		NewNotification("watch.event", json.RawMessage(`{"path":"/a/b","kind":"modified"}`)),
		NewErrorResponse(7, KindBackendGone, "language server exited", nil),
	}
	ok, err := NewResultResponse(3, map[string]any{"contents": "fn main()"})
	if err != nil {
		t.Fatalf("result response: %v", err)
	}
	msgs = append(msgs, ok)

	var buf bytes.Buffer
	enc := NewEncoder(&buf, 0)
	for _, m := range msgs {
		mustEncode(t, enc, m)
	}

	dec := NewDecoder(&buf, 0)
	for i, want := range msgs {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("message %d: got %+v, want %+v", i, got, want)
		}
	}
	if _, err := dec.Decode(); err != io.EOF {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestDecodePartialReads(t *testing.T) {
	t.Parallel()

	want := NewRequest(42, "fs.read", "", json.RawMessage(`{"path":"main.go"}`))
	frame, err := EncodeFrame(want)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	// Feed the frame one byte at a time.
	dec := NewDecoder(&oneByteReader{data: frame}, 0)
	got, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

// oneByteReader yields at most one byte per Read call.
type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestDecodeTruncatedFrame(t *testing.T) {
	t.Parallel()

	frame, err := EncodeFrame(NewNotification("watch.event", nil))
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	dec := NewDecoder(bytes.NewReader(frame[:len(frame)-2]), 0)
	if _, err := dec.Decode(); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	big := make([]byte, 256)
	for i := range big {
		big[i] = 'x'
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(big)))
	buf.Write(header[:])
	buf.Write(big)

	// A well-formed small frame follows the oversized one.
	want := NewNotification("session.ping", nil)
	frame, err := EncodeFrame(want)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	buf.Write(frame)

	dec := NewDecoder(&buf, 128)
	_, err = dec.Decode()
	var tooBig *FrameTooLargeError
	if !errors.As(err, &tooBig) {
		t.Fatalf("expected FrameTooLargeError, got %v", err)
	}
	if tooBig.Size != 256 || tooBig.Max != 128 {
		t.Fatalf("unexpected sizes: %+v", tooBig)
	}

	// The stream continues past the rejected frame.
	got, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode after oversized frame: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{"id":1,`},
		{"request with result", `{"id":1,"method":"a.b","result":{}}`},
		{"response with both", `{"id":1,"result":{},"error":{"kind":"internal","message":"x"}}`},
		{"response with neither", `{"id":1}`},
		{"response without id", `{"result":{}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			var header [4]byte
			binary.BigEndian.PutUint32(header[:], uint32(len(tc.payload)))
			buf.Write(header[:])
			buf.WriteString(tc.payload)

			next := NewNotification("session.ping", nil)
			frame, err := EncodeFrame(next)
			if err != nil {
				t.Fatalf("encode frame: %v", err)
			}
			buf.Write(frame)

			dec := NewDecoder(&buf, 0)
			_, err = dec.Decode()
			var malformed *MalformedPayloadError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedPayloadError, got %v", err)
			}
			if string(malformed.Raw) != tc.payload {
				t.Fatalf("raw bytes not preserved: %q", malformed.Raw)
			}

			got, err := dec.Decode()
			if err != nil {
				t.Fatalf("decode after malformed frame: %v", err)
			}
			if !reflect.DeepEqual(got, next) {
				t.Fatalf("got %+v, want %+v", got, next)
			}
		})
	}
}

func TestEncodeRejectsOversizedMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := NewEncoder(&buf, 32)
	big := make([]byte, 64)
	for i := range big {
		big[i] = 'a'
	}
	err := enc.Encode(NewNotification("watch.event", json.RawMessage(`"`+string(big)+`"`)))
	var tooBig *FrameTooLargeError
	if !errors.As(err, &tooBig) {
		t.Fatalf("expected FrameTooLargeError, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no bytes written, got %d", buf.Len())
	}
}

func TestMessageType(t *testing.T) {
	t.Parallel()

	if got := NewRequest(1, "a.b", "", nil).Type(); got != TypeRequest {
		t.Fatalf("request type: %v", got)
	}
	if got := NewNotification("a.b", nil).Type(); got != TypeNotification {
		t.Fatalf("notification type: %v", got)
	}
	if got := NewErrorResponse(1, KindInternal, "x", nil).Type(); got != TypeResponse {
		t.Fatalf("response type: %v", got)
	}
}

func TestNamespace(t *testing.T) {
	t.Parallel()

	for method, want := range map[string]string{
		"textlsp.hover":    "textlsp",
		"watch.event":      "watch",
		"plugin.vcs.blame": "plugin",
		"ping":             "ping",
	} {
		if got := Namespace(method); got != want {
			t.Errorf("Namespace(%q) = %q, want %q", method, got, want)
		}
	}
}
