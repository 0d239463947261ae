package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxLineBytes bounds a single wire record. A peer that exceeds it has lost
// framing, so the connection cannot be salvaged.
const MaxLineBytes = 64 * 1024

// ErrLineTooLong reports a record larger than MaxLineBytes. It is a transport
// error: the caller must drop the connection.
var ErrLineTooLong = errors.New("wire record exceeds maximum length")

// LineReader frames a byte stream into newline-terminated records, buffering
// partial reads until a full record arrives.
type LineReader struct {
	r *bufio.Reader
}

// NewLineReader wraps r for record-at-a-time reading.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadRecord blocks until one full record is available and returns it with
// the trailing newline stripped. Any error, including ErrLineTooLong and
// io.EOF, means the stream is no longer usable for framed reads.
func (lr *LineReader) ReadRecord() ([]byte, error) {
	var record []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		record = append(record, chunk...)
		if len(record) > MaxLineBytes {
			return nil, ErrLineTooLong
		}
		if err == nil {
			return bytes.TrimRight(record, "\r\n"), nil
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
}
