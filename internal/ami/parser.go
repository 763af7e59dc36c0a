package ami

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const maxLineSize = 1 << 20

// Parser reads a manager byte stream and emits Events.
type Parser struct {
	scanner *bufio.Scanner
	started bool
}

// NewParser creates a Parser that reads from the given reader.
func NewParser(r io.Reader) *Parser {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Parser{scanner: s}
}

// Next reads the next frame from the stream.
//
// A malformed frame is consumed in full and reported as a *DecodeError; the
// parser stays usable and the following call continues with the next frame.
// At end of stream Next returns io.EOF, or the underlying read error.
func (p *Parser) Next() (Event, error) {
	var (
		headers []Header
		bad     string
	)

	for p.scanner.Scan() {
		line := strings.TrimRight(p.scanner.Text(), "\r")

		// Blank line marks end of a frame
		if line == "" {
			if len(headers) == 0 && bad == "" {
				continue
			}
			return finishFrame(headers, bad)
		}

		key, value, ok := splitHeader(line)
		if !ok {
			// Lines ahead of the first frame (the banner) are skipped.
			if !p.started {
				continue
			}
			if bad == "" {
				bad = line
			}
			continue
		}
		p.started = true
		headers = append(headers, Header{Key: key, Value: value})
	}

	if err := p.scanner.Err(); err != nil {
		return Event{}, err
	}
	// EOF: flush any pending frame
	if len(headers) > 0 || bad != "" {
		return finishFrame(headers, bad)
	}
	return Event{}, io.EOF
}

func finishFrame(headers []Header, bad string) (Event, error) {
	if bad != "" {
		return Event{}, &DecodeError{Line: bad, Headers: len(headers)}
	}
	evt := Event{headers: headers}
	if evt.Name() == "" && !evt.IsResponse() && evt.Get("Action") == "" {
		return Event{}, &DecodeError{Line: headers[0].Key + ": " + headers[0].Value, Headers: len(headers)}
	}
	return evt, nil
}

// splitHeader parses "Key: Value". The space after the colon is optional so
// empty values ("CallerIDName:") still parse.
func splitHeader(line string) (string, string, bool) {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", false
	}
	key := line[:idx]
	if strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return key, strings.TrimPrefix(line[idx+1:], " "), true
}

// ParseAll reads all well-formed events from the stream, skipping
// malformed frames.
func (p *Parser) ParseAll() []Event {
	var events []Event
	for {
		evt, err := p.Next()
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				continue
			}
			break
		}
		events = append(events, evt)
	}
	return events
}

// ParseBytes is a convenience function that parses all events from a byte slice.
func ParseBytes(data []byte) []Event {
	return NewParser(strings.NewReader(string(data))).ParseAll()
}
