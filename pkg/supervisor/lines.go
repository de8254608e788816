package supervisor

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
)

// MaxLineLength caps a single output line. Longer lines are split.
const MaxLineLength = 1 << 20

// LineReader splits a job's output into lines. It is safe for one reader
// at a time.
type LineReader struct {
	mu  sync.Mutex
	buf *bufio.Reader
	err error
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{buf: bufio.NewReaderSize(r, 64*1024)}
}

// ReadLine returns the next line without its trailing "\n" or "\r\n".
// Bytes left after the last newline are returned as a final line, after
// which every call returns the terminal error (io.EOF on a clean close).
func (l *LineReader) ReadLine() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}

	var sb strings.Builder
	for {
		chunk, err := l.buf.ReadSlice('\n')
		sb.Write(chunk)
		switch err {
		case nil:
			return trimEOL(sb.String()), nil
		case bufio.ErrBufferFull:
			if sb.Len() >= MaxLineLength {
				return sb.String(), nil
			}
			continue
		}
		l.err = normalizeReadErr(err)
		if sb.Len() > 0 {
			return trimEOL(sb.String()), nil
		}
		return "", l.err
	}
}

func trimEOL(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

// A read on a pipe closed by Close reports os.ErrClosed or
// io.ErrClosedPipe. Treat it like EOF.
func normalizeReadErr(err error) error {
	if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return io.EOF
	}
	return err
}
