package tailer

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// Line is one complete line and the file offset just past its terminator.
type Line struct {
	Text string
	End  int64
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadLines streams every complete line in path starting at offset to emit,
// in file order, and returns the offset just past the last line emit
// accepted. A trailing fragment without a newline is left unread so the next
// call sees it whole. CR before LF is trimmed and invalid UTF-8 is replaced
// with U+FFFD.
//
// If emit returns an error, reading stops, that line is not consumed and the
// error is returned with the offset reached so far.
func ReadLines(path string, offset int64, emit func(Line) error) (int64, error) {
	f, err := openShared(path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	br := bufio.NewReaderSize(f, 64*1024)
	pos := offset
	for {
		chunk, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Unterminated fragment (possibly empty): leave it for next time.
			return pos, nil
		}
		if err != nil {
			return pos, err
		}

		start := pos
		end := pos + int64(len(chunk))

		chunk = bytes.TrimSuffix(chunk, []byte{'\n'})
		chunk = bytes.TrimSuffix(chunk, []byte{'\r'})
		if start == 0 {
			chunk = bytes.TrimPrefix(chunk, utf8BOM)
		}

		text := string(chunk)
		if !utf8.ValidString(text) {
			text = strings.ToValidUTF8(text, "\uFFFD")
		}
		if err := emit(Line{Text: text, End: end}); err != nil {
			return pos, err
		}
		pos = end
	}
}
