package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// maxContentLength caps a single frame body. Larger headers indicate a
// corrupt stream, not a legitimate message.
const maxContentLength = 64 << 20

// Stream frames messages over a byte-stream pair. Receive is single-reader;
// Send is safe for concurrent use. Once the read side reports EOF or a read
// error, the stream is permanently closed and every subsequent Receive
// returns io.EOF without blocking.
type Stream struct {
	reader *bufio.Reader

	writeMu sync.Mutex
	writer  io.Writer

	readMu sync.Mutex
	closed bool
}

// NewStream wraps a read/write pair in Content-Length framing.
func NewStream(r io.Reader, w io.Writer) *Stream {
	return &Stream{reader: bufio.NewReader(r), writer: w}
}

// Send writes a single framed message.
func (s *Stream) Send(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := s.writer.Write([]byte(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := s.writer.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Receive reads the next framed message. It returns io.EOF when the peer
// closes the stream, and keeps returning io.EOF on every later call.
func (s *Stream) Receive() (*Message, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.closed {
		return nil, io.EOF
	}

	msg, err := s.readMessage()
	if err != nil {
		s.closed = true
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return msg, nil
}

func (s *Stream) readMessage() (*Message, error) {
	contentLength := -1
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return nil, io.EOF
			}
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			break // end of headers
		}

		if value, ok := strings.CutPrefix(line, "Content-Length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length %q: %w", value, err)
			}
			if n < 0 || n > maxContentLength {
				return nil, fmt.Errorf("content length %d out of range", n)
			}
			contentLength = n
		}
		// Other headers (Content-Type) are tolerated and ignored.
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return &msg, nil
}
