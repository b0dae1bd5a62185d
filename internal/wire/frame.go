package wire

import (
	"bufio"
	"io"
)

// maxFrameSize bounds a single control frame on the TCP stream.
const maxFrameSize = 64 * 1024

// WriteFrame writes one newline-delimited frame to a TCP control stream.
// Frames are JSON and therefore never contain a raw newline.
func WriteFrame(w io.Writer, frame []byte) error {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// NewFrameScanner returns a scanner yielding one frame per Scan on a TCP
// control stream.
func NewFrameScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxFrameSize)
	return sc
}
