package server

import (
	"bytes"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Framer splits an accumulating byte buffer into newline-terminated UTF-8
// lines. A zero maxLine disables the length check.
type Framer struct {
	maxLine int
}

// NewFramer returns a Framer rejecting lines longer than maxLine bytes.
func NewFramer(maxLine int) *Framer {
	return &Framer{maxLine: maxLine}
}

// Split extracts every complete line from buf. The returned rest holds the
// trailing partial line and reuses buf's storage. The delimiter and one
// optional trailing '\r' are stripped; invalid UTF-8 is replaced with U+FFFD.
func (f *Framer) Split(buf []byte) (lines []string, rest []byte, err error) {
	start := 0
	for {
		i := bytes.IndexByte(buf[start:], '\n')
		if i < 0 {
			break
		}
		raw := buf[start : start+i]
		start += i + 1
		if f.tooLong(len(raw)) {
			return lines, nil, ErrLineTooLong
		}
		lines = append(lines, decodeLine(raw))
	}

	rest = append(buf[:0], buf[start:]...)
	if f.tooLong(len(rest)) {
		return lines, nil, ErrLineTooLong
	}
	return lines, rest, nil
}

func (f *Framer) tooLong(n int) bool {
	return f.maxLine > 0 && n > f.maxLine
}

func decodeLine(raw []byte) string {
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	if utf8.Valid(raw) {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
}

// FormatFrame renders the broadcast frame "<source>: <message>\n".
func FormatFrame(source ConnID, message string) []byte {
	frame := make([]byte, 0, len(message)+24)
	frame = strconv.AppendUint(frame, uint64(source), 10)
	frame = append(frame, ": "...)
	frame = append(frame, message...)
	return append(frame, '\n')
}
