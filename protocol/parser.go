package protocol

import (
	"errors"
	"io"
)

// Parser cuts frames out of a byte stream that arrives in arbitrary pieces.
//
// Bytes are only consumed once a whole frame is buffered. Bodies returned by Next
// alias the internal buffer; the parser only ever appends past the bytes it has
// handed out, so a returned body stays valid after further calls to Feed.
type Parser struct {
	maxBodySize uint32
	buf         []byte
}

// NewParser creates a parser that rejects bodies larger than maxBodySize.
// Zero means DefaultMaxBodySize.
func NewParser(maxBodySize uint32) *Parser {
	if maxBodySize == 0 {
		maxBodySize = DefaultMaxBodySize
	}
	return &Parser{maxBodySize: maxBodySize}
}

// Feed appends freshly read bytes.
func (p *Parser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// Buffered returns the number of bytes not yet consumed.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Next returns the next complete frame, ErrNotEnoughData, or a fatal error.
func (p *Parser) Next() (Frame, error) {
	f, n, err := Parse(p.buf, p.maxBodySize)
	if err != nil {
		return Frame{}, err
	}
	p.buf = p.buf[n:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return f, nil
}

// Scanner reads frames from an io.Reader, one per call to Scan,
// in the manner of bufio.Scanner.
//
//	sc := protocol.NewScanner(conn, maxBodySize)
//	for sc.Scan() {
//		handle(sc.Frame())
//	}
//	if err := sc.Err(); err != nil { ... }
type Scanner struct {
	r       io.Reader
	parser  *Parser
	chunk   []byte
	frame   Frame
	readErr error
	err     error
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader, maxBodySize uint32) *Scanner {
	return &Scanner{
		r:      r,
		parser: NewParser(maxBodySize),
		chunk:  make([]byte, 4096),
	}
}

// Scan advances to the next frame. It returns false at the end of the stream or
// on the first error; Err tells them apart.
func (s *Scanner) Scan() bool {
	if s.err != nil {
		return false
	}
	for {
		f, err := s.parser.Next()
		if err == nil {
			s.frame = f
			return true
		}
		if !errors.Is(err, ErrNotEnoughData) {
			s.err = err
			return false
		}

		// The buffer holds at most a partial frame, read more
		if s.readErr != nil {
			s.err = s.readErr
			if s.err == io.EOF && s.parser.Buffered() > 0 {
				s.err = io.ErrUnexpectedEOF
			}
			return false
		}
		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.parser.Feed(s.chunk[:n])
		}
		if err != nil {
			s.readErr = err
		}
	}
}

// Frame returns the most recent frame produced by Scan.
func (s *Scanner) Frame() Frame {
	return s.frame
}

// Err returns the first non-EOF error encountered by the Scanner.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
