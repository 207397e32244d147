// Package protocol implements the host command line protocol: frames of the
// form '>' name {',' arg} '\n', dispatched against a stage.
package protocol

import (
	"bufio"
	"io"
	"strings"
)

const (
	StartMarker = '>'
	EndMarker   = '\n'
	Separator   = ','
	// MaxFrame is the longest frame body kept; the rest of an oversized line
	// is dropped and the frame is marked Truncated.
	MaxFrame = 64
)

type Frame struct {
	Name      string
	Args      []string
	Truncated bool
}

// ParseFrame splits a frame body into trimmed fields.
func ParseFrame(body string) Frame {
	fields := strings.Split(body, string(Separator))
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return Frame{Name: fields[0], Args: fields[1:]}
}

// Scanner reads frames from a byte stream. Bytes outside a frame and carriage
// returns are ignored. A start marker inside a frame restarts it.
type Scanner struct {
	r     *bufio.Reader
	buf   []byte
	frame Frame
	err   error
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r), buf: make([]byte, 0, MaxFrame)}
}

// Scan advances to the next complete frame. It returns false at end of input
// or on a read error; a partial frame at end of input is discarded.
func (s *Scanner) Scan() bool {
	inFrame, truncated := false, false
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			if err != io.EOF {
				s.err = err
			}
			return false
		}
		switch {
		case b == StartMarker:
			inFrame, truncated = true, false
			s.buf = s.buf[:0]
		case !inFrame, b == '\r':
		case b == EndMarker:
			s.frame = ParseFrame(string(s.buf))
			s.frame.Truncated = truncated
			return true
		case len(s.buf) < MaxFrame:
			s.buf = append(s.buf, b)
		default:
			truncated = true
		}
	}
}

func (s *Scanner) Frame() Frame { return s.frame }

func (s *Scanner) Err() error { return s.err }
