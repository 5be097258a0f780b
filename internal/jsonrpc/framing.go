package jsonrpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sourcegraph/jsonrpc2"
)

const (
	// MaxFrameSize bounds a single message body. Worker transcripts can be
	// large, but anything beyond this is treated as a corrupt stream.
	MaxFrameSize = 64 * 1024 * 1024

	// maxHeaderLine bounds one header line, terminator included.
	maxHeaderLine = 4096
)

// ErrFraming is returned when a stream does not carry well-formed
// Content-Length framed messages. The connection cannot be resynchronized.
var ErrFraming = errors.New("jsonrpc: malformed framing")

// frameCodec is the jsonrpc2 object codec used on every connection. Writes
// use the VS Code base protocol framing as is; reads go through ReadFrame so
// that header lines and bodies are bounded.
type frameCodec struct{}

func (frameCodec) WriteObject(w io.Writer, obj any) error {
	return jsonrpc2.VSCodeObjectCodec{}.WriteObject(w, obj)
}

func (frameCodec) ReadObject(r *bufio.Reader, v any) error {
	body, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrFraming, err)
	}
	return nil
}

// ReadFrame reads one Content-Length framed message body from r. It returns
// io.EOF when the stream ends cleanly between frames.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	sawHeader := false

	for {
		line, err := readHeaderLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) && !sawHeader && line == "" {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				// Tolerate stray blank lines between frames
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line %q", ErrFraming, line)
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad Content-Length %q", ErrFraming, value)
		}
		length = n
	}

	if length < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length", ErrFraming)
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrFraming, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// readHeaderLine returns one line without buffering more than maxHeaderLine
// bytes of it.
func readHeaderLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) || len(line) > maxHeaderLine {
		return "", fmt.Errorf("%w: header line longer than %d bytes", ErrFraming, maxHeaderLine)
	}
	return string(line), err
}
