// Package framing implements the gRPC length-prefixed-message (LPM) wire
// unit shared by the gRPC, gRPC-Web and WebSocket translators.
//
// Frame layout: 1 byte flags | 4 bytes big-endian length | payload.
// Flag bit 0 marks a compressed payload, bit 7 marks a trailer frame
// (used by gRPC-Web to carry grpc-status after the body).
package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	// FlagCompressed marks a gzip-compressed payload.
	FlagCompressed byte = 0x01
	// FlagTrailer marks a trailer frame.
	FlagTrailer byte = 0x80

	// HeaderSize is the fixed LPM header size (1 flag + 4 length).
	HeaderSize = 5

	// DefaultMaxMessageSize bounds decoded payloads (4MB).
	DefaultMaxMessageSize = 4 * 1024 * 1024
)

// ErrUnsupportedCompression is returned when a frame advertises a
// compression scheme the decoder does not support. Callers surface it as
// UNIMPLEMENTED.
var ErrUnsupportedCompression = errors.New("unsupported message compression")

// Frame is a decoded LPM frame.
type Frame struct {
	Flags   byte
	Payload []byte
}

// IsTrailer reports whether this is a trailer frame.
func (f *Frame) IsTrailer() bool {
	return f.Flags&FlagTrailer != 0
}

// IsCompressed reports whether the payload arrived compressed.
func (f *Frame) IsCompressed() bool {
	return f.Flags&FlagCompressed != 0
}

// Encode wraps a serialized message in an uncompressed data frame.
func Encode(payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[1:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// EncodeCompressed gzips the payload and wraps it in a data frame with the
// compression flag set.
func EncodeCompressed(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	compressed := buf.Bytes()
	frame := make([]byte, HeaderSize+len(compressed))
	frame[0] = FlagCompressed
	binary.BigEndian.PutUint32(frame[1:HeaderSize], uint32(len(compressed)))
	copy(frame[HeaderSize:], compressed)
	return frame, nil
}

// TryPeek inspects buf without consuming it. It returns whether a complete
// frame is available and, when the header is present, the total frame length
// including the header.
func TryPeek(buf []byte) (complete bool, length int) {
	if len(buf) < HeaderSize {
		return false, 0
	}
	payloadLen := int(binary.BigEndian.Uint32(buf[1:HeaderSize]))
	total := HeaderSize + payloadLen
	return len(buf) >= total, total
}

// Decode consumes one frame from buf, returning the frame and the remaining
// bytes. A nil frame with nil error means more bytes are needed. Compressed
// payloads are decompressed; encoding identifies gzip only, so any
// compressed frame the gzip reader rejects fails with
// ErrUnsupportedCompression.
func Decode(buf []byte, maxSize int) (*Frame, []byte, error) {
	complete, total := TryPeek(buf)
	if !complete {
		if total > 0 && maxSize > 0 && total-HeaderSize > maxSize {
			return nil, buf, fmt.Errorf("message size %d exceeds maximum %d", total-HeaderSize, maxSize)
		}
		return nil, buf, nil
	}

	if maxSize > 0 && total-HeaderSize > maxSize {
		return nil, buf, fmt.Errorf("message size %d exceeds maximum %d", total-HeaderSize, maxSize)
	}

	frame := &Frame{
		Flags:   buf[0],
		Payload: append([]byte(nil), buf[HeaderSize:total]...),
	}
	remaining := buf[total:]

	if frame.IsCompressed() {
		zr, err := gzip.NewReader(bytes.NewReader(frame.Payload))
		if err != nil {
			return nil, remaining, ErrUnsupportedCompression
		}
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return nil, remaining, ErrUnsupportedCompression
		}
		frame.Payload = decompressed
		frame.Flags &^= FlagCompressed
	}

	return frame, remaining, nil
}

// ReadFrame reads a single frame from the reader, blocking for the full
// payload. io.EOF before the first header byte means a clean end of stream.
func ReadFrame(r io.Reader, maxSize int) (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[1:HeaderSize])
	if maxSize > 0 && int(length) > maxSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", length, maxSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, 0, HeaderSize+int(length))
	buf = append(buf, header...)
	buf = append(buf, payload...)

	frame, _, err := Decode(buf, maxSize)
	return frame, err
}

// EncodeTrailers encodes trailers as a trailer frame. The payload is UTF-8
// CRLF-separated "name: value" lines with no terminating CRLF.
func EncodeTrailers(trailers map[string]string) []byte {
	keys := make([]string, 0, len(trailers))
	for k := range trailers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("\r\n")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(trailers[k])
	}
	payload := []byte(sb.String())

	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = FlagTrailer
	binary.BigEndian.PutUint32(frame[1:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// DecodeTrailers parses a trailer frame payload into key-value pairs.
// Blank lines are ignored.
func DecodeTrailers(payload []byte) map[string]string {
	trailers := make(map[string]string)
	for _, line := range strings.Split(string(payload), "\r\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			trailers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return trailers
}
