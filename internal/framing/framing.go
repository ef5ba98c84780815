package framing

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
)

const (
	// MaxHeaderBytes bounds the header section of a single frame.
	MaxHeaderBytes = 8 * 1024

	// DefaultMaxBody is used when a parser is created with a non-positive max.
	DefaultMaxBody = 16 * 1024 * 1024

	headerLength = "content-length"
	headerType   = "content-type"

	readChunk = 32 * 1024
)

var headerTerminator = []byte("\r\n\r\n")

// Frame is one decoded message.
type Frame struct {
	Header map[string]string
	Body   []byte

	// Err is set for session-scoped failures: an oversized frame (whose
	// Body is nil) or a body that is not valid JSON.
	Err error
}

// Encode frames payload with a Content-Length header.
func Encode(payload []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(payload) + 32)
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(payload))
	b.Write(payload)
	return b.Bytes()
}

// EncodeWithType frames payload with Content-Length and Content-Type headers.
func EncodeWithType(payload []byte, contentType string) []byte {
	var b bytes.Buffer
	b.Grow(len(payload) + 64 + len(contentType))
	fmt.Fprintf(&b, "Content-Length: %d\r\nContent-Type: %s\r\n\r\n", len(payload), contentType)
	b.Write(payload)
	return b.Bytes()
}

// EncodeJSON marshals v and frames the result.
func EncodeJSON(v interface{}) ([]byte, error) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return Encode(payload), nil
}

// Write frames payload onto w in a single call.
func Write(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}

// Parser decodes frames from a byte stream. It is not safe for concurrent
// use; each stream owns one.
type Parser struct {
	max  int
	buf  []byte
	skip int
	err  error
}

// NewParser creates a parser rejecting bodies larger than max bytes.
func NewParser(max int) *Parser {
	if max <= 0 {
		max = DefaultMaxBody
	}
	return &Parser{max: max}
}

// Buffered returns the number of bytes held waiting for a complete frame.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Feed appends chunk to the stream and returns every frame it completes,
// in order. A non-nil error means the header section was malformed and the
// stream cannot be resynchronized; the parser stays failed after that.
func (p *Parser) Feed(chunk []byte) ([]Frame, error) {
	if p.err != nil {
		return nil, p.err
	}

	if p.skip > 0 {
		if len(chunk) <= p.skip {
			p.skip -= len(chunk)
			return nil, nil
		}
		chunk = chunk[p.skip:]
		p.skip = 0
	}
	p.buf = append(p.buf, chunk...)

	var frames []Frame
	for {
		end := bytes.Index(p.buf, headerTerminator)
		if end < 0 {
			if len(p.buf) > MaxHeaderBytes {
				return frames, p.fail(errs.New(errs.CodeProtocol, "header section exceeds %d bytes", MaxHeaderBytes))
			}
			return frames, nil
		}
		if end > MaxHeaderBytes {
			return frames, p.fail(errs.New(errs.CodeProtocol, "header section exceeds %d bytes", MaxHeaderBytes))
		}

		header, length, err := parseHeader(p.buf[:end])
		if err != nil {
			return frames, p.fail(err)
		}
		bodyStart := end + len(headerTerminator)

		if length > p.max {
			frames = append(frames, Frame{
				Header: header,
				Err:    errs.New(errs.CodeMessageTooLarge, "frame of %d bytes exceeds limit of %d", length, p.max),
			})
			avail := len(p.buf) - bodyStart
			if avail >= length {
				p.buf = p.compact(bodyStart + length)
				continue
			}
			p.skip = length - avail
			p.buf = p.buf[:0]
			return frames, nil
		}

		if len(p.buf)-bodyStart < length {
			return frames, nil
		}

		body := make([]byte, length)
		copy(body, p.buf[bodyStart:bodyStart+length])
		p.buf = p.compact(bodyStart + length)

		frame := Frame{Header: header, Body: body}
		if !sonic.Valid(body) {
			frame.Err = errs.New(errs.CodeProtocol, "frame body is not valid JSON")
		}
		frames = append(frames, frame)
	}
}

func (p *Parser) compact(consumed int) []byte {
	rest := len(p.buf) - consumed
	if rest == 0 {
		return p.buf[:0]
	}
	copy(p.buf, p.buf[consumed:])
	return p.buf[:rest]
}

func (p *Parser) fail(err error) error {
	p.err = err
	p.buf = nil
	return err
}

func parseHeader(raw []byte) (map[string]string, int, error) {
	header := make(map[string]string, 2)
	for _, line := range strings.Split(string(raw), "\r\n") {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, 0, errs.New(errs.CodeProtocol, "malformed header line %q", line)
		}
		header[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	rawLen, ok := header[headerLength]
	if !ok {
		return nil, 0, errs.New(errs.CodeProtocol, "missing Content-Length header")
	}
	length, err := strconv.Atoi(rawLen)
	if err != nil || length < 0 {
		return nil, 0, errs.New(errs.CodeProtocol, "invalid Content-Length %q", rawLen)
	}
	return header, length, nil
}

// ContentType returns the frame's Content-Type header, if any.
func (f Frame) ContentType() string {
	return f.Header[headerType]
}

// Reader pulls frames from an io.Reader.
type Reader struct {
	r       io.Reader
	parser  *Parser
	pending []Frame
	chunk   []byte
	err     error
}

// NewReader wraps r with a parser limited to max bytes per body.
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{
		r:      r,
		parser: NewParser(max),
		chunk:  make([]byte, readChunk),
	}
}

// Next returns the next frame. Session-scoped failures come back as a
// Frame with Err set and a nil error; the returned error is terminal
// (io.EOF, a read error or a protocol error).
func (r *Reader) Next() (Frame, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return Frame{}, r.err
		}
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			frames, perr := r.parser.Feed(r.chunk[:n])
			r.pending = append(r.pending, frames...)
			if perr != nil {
				r.err = perr
			}
		}
		if err != nil && r.err == nil {
			r.err = err
		}
	}
	f := r.pending[0]
	r.pending = r.pending[1:]
	return f, nil
}
