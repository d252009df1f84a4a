package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
)

// Marker prefixes every payload in the streams we consume.
const Marker = "data: "

// Done is the terminal payload some gateways send.
const Done = "[DONE]"

var markerBytes = []byte(Marker)

// Splitter is a stateful "data: " splitter.
//
// A payload is complete once the next marker arrives, once it is the
// [DONE] sentinel, or once it is a syntactically complete JSON value at the
// end of the buffer. Anything else stays buffered for the next Feed.
type Splitter struct {
	buf  []byte
	done bool
}

// NewSplitter creates an empty splitter.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// Done reports whether the [DONE] sentinel has been seen.
func (s *Splitter) Done() bool {
	return s.done
}

// Buffered returns the number of bytes held back for the next read.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// Feed appends a chunk and returns every payload completed by it.
// [DONE] is consumed and never returned.
func (s *Splitter) Feed(chunk []byte) []string {
	if s.done {
		return nil
	}
	s.buf = append(s.buf, chunk...)

	var out []string
	for {
		start := bytes.Index(s.buf, markerBytes)
		if start == -1 {
			// 保留可能被截断的半个 marker
			if keep := len(markerBytes) - 1; len(s.buf) > keep {
				s.buf = append(s.buf[:0], s.buf[len(s.buf)-keep:]...)
			}
			return out
		}

		body := s.buf[start+len(markerBytes):]
		next := bytes.Index(body, markerBytes)
		if next != -1 {
			if p := string(bytes.TrimSpace(body[:next])); p != "" {
				if p == Done {
					s.done = true
					s.buf = s.buf[:0]
					return out
				}
				out = append(out, p)
			}
			s.buf = append(s.buf[:0], body[next:]...)
			continue
		}

		if nl := bytes.IndexByte(body, '\n'); nl != -1 {
			line := bytes.TrimSpace(body[:nl])
			if string(line) == Done {
				s.done = true
				s.buf = s.buf[:0]
				return out
			}
			if len(line) > 0 && json.Valid(line) {
				out = append(out, string(line))
				s.buf = append(s.buf[:0], body[nl+1:]...)
				continue
			}
		}

		tail := bytes.TrimSpace(body)
		switch {
		case bytes.HasPrefix(tail, []byte(Done)):
			s.done = true
			s.buf = s.buf[:0]
		case closesJSON(tail):
			out = append(out, string(tail))
			s.buf = s.buf[:0]
		default:
			// 不完整的片段留到下一次读取
			s.buf = append(s.buf[:0], s.buf[start:]...)
		}
		return out
	}
}

// closesJSON 只接受以 } 或 ] 结尾的完整 JSON，避免把被截断的数字当成完整值。
func closesJSON(tail []byte) bool {
	if len(tail) == 0 {
		return false
	}
	c := tail[len(tail)-1]
	return (c == '}' || c == ']') && json.Valid(tail)
}

// Flush returns whatever payload is left at EOF.
func (s *Splitter) Flush() []string {
	if s.done {
		return nil
	}
	defer func() { s.buf = s.buf[:0] }()
	start := bytes.Index(s.buf, markerBytes)
	if start == -1 {
		return nil
	}
	p := string(bytes.TrimSpace(s.buf[start+len(markerBytes):]))
	if p == "" || p == Done {
		return nil
	}
	return []string{p}
}

// ErrStop can be returned by a Read callback to stop early without error.
var ErrStop = errors.New("streaming: stop")

// Read drains r through a Splitter, invoking fn for every payload in order.
func Read(ctx context.Context, r io.Reader, fn func(payload string) error) error {
	s := NewSplitter()
	buf := make([]byte, 8*1024)
	emit := func(payloads []string) error {
		for _, p := range payloads {
			if err := fn(p); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := emit(s.Feed(buf[:n])); ferr != nil {
				if errors.Is(ferr, ErrStop) {
					return nil
				}
				return ferr
			}
			if s.Done() {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			ferr := emit(s.Flush())
			if errors.Is(ferr, ErrStop) {
				return nil
			}
			return ferr
		}
		if err != nil {
			return err
		}
	}
}
