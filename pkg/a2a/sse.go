package a2a

import (
	"bufio"
	"bytes"
	"io"
)

// sseReader splits a text/event-stream body into events. ReadBytes is used
// rather than bufio.Scanner so large inline file parts do not hit the token
// size limit.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReader(r)}
}

// next returns the event name and data of the next complete event. Multiple
// data lines are joined with a newline. It returns io.EOF once the stream ends
// with nothing buffered.
func (s *sseReader) next() (event string, data []byte, err error) {
	var buf [][]byte
	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if len(buf) > 0 {
				return event, bytes.Join(buf, []byte("\n")), nil
			}
			return "", nil, err
		}
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(line) == 0:
			if len(buf) > 0 {
				return event, bytes.Join(buf, []byte("\n")), nil
			}
			event = ""
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			d := line[len("data:"):]
			if len(d) > 0 && d[0] == ' ' {
				d = d[1:]
			}
			buf = append(buf, append([]byte(nil), d...))
		}

		if err != nil {
			if len(buf) > 0 {
				return event, bytes.Join(buf, []byte("\n")), nil
			}
			return "", nil, err
		}
	}
}
