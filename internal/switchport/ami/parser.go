package ami

import (
	"bufio"
	"io"
	"strings"
)

// Parser reads an AMI byte stream and emits Messages.
type Parser struct {
	scanner *bufio.Scanner
}

// NewParser creates a Parser that reads from r.
func NewParser(r io.Reader) *Parser {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Parser{scanner: s}
}

// Next reads the next message. It returns false at EOF or on a read error.
func (p *Parser) Next() (Message, bool) {
	var headers []header

	for p.scanner.Scan() {
		line := strings.TrimRight(p.scanner.Text(), "\r")

		// blank line ends a block
		if line == "" {
			if len(headers) > 0 {
				return Message{headers: headers}, true
			}
			continue
		}

		idx := strings.Index(line, ": ")
		if idx < 0 {
			// banner and other bare lines outside a block
			if len(headers) == 0 {
				continue
			}
			if strings.HasSuffix(line, ":") {
				headers = append(headers, header{Key: strings.TrimSuffix(line, ":")})
				continue
			}
			headers = append(headers, header{Value: line})
			continue
		}

		headers = append(headers, header{Key: line[:idx], Value: line[idx+2:]})
	}

	if len(headers) > 0 {
		return Message{headers: headers}, true
	}
	return Message{}, false
}

// Err returns the first non-EOF read error.
func (p *Parser) Err() error {
	return p.scanner.Err()
}

// ParseAll reads every message in the stream.
func (p *Parser) ParseAll() []Message {
	var out []Message
	for {
		msg, ok := p.Next()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

// ParseBytes parses all messages in data.
func ParseBytes(data []byte) []Message {
	return NewParser(strings.NewReader(string(data))).ParseAll()
}
