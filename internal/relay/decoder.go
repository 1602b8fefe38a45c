// Package relay turns an event-framed completion stream into content tokens.
//
// The wire format is newline-delimited records. Data records carry the
// prefix "data:" followed by a JSON delta payload; the record "data: [DONE]"
// ends the stream.
package relay

import (
	"bytes"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// DoneMarker is the payload of the terminating record.
const DoneMarker = "[DONE]"

// Decoder reassembles records across arbitrary chunk boundaries. It is not
// safe for concurrent use.
type Decoder struct {
	buf    []byte
	done   bool
	logger *zap.Logger
}

func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger}
}

// Done reports whether the terminating record has been seen.
func (d *Decoder) Done() bool { return d.done }

// Feed consumes one chunk and returns the tokens of every record it
// completed. Input after the terminating record is ignored.
func (d *Decoder) Feed(chunk []byte) []string {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var tokens []string
	for !d.done {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		if tok, ok := d.line(line); ok {
			tokens = append(tokens, tok)
		}
	}
	if d.done {
		d.buf = nil
	}
	return tokens
}

// Flush handles a final record that was not newline-terminated.
func (d *Decoder) Flush() []string {
	if d.done || len(d.buf) == 0 {
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	if tok, ok := d.line(line); ok {
		return []string{tok}
	}
	return nil
}

func (d *Decoder) line(raw string) (string, bool) {
	line := strings.TrimRight(raw, "\r")
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", false
	}
	if payload == DoneMarker {
		d.done = true
		return "", false
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		d.logger.Warn("skipping malformed stream record",
			zap.Int("bytes", len(payload)),
			zap.Error(err),
		)
		return "", false
	}
	tok := chunk.text()
	return tok, tok != ""
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
}

// text returns the first non-empty delta content, falling back to the
// legacy completion "text" field.
func (c *streamChunk) text() string {
	for _, ch := range c.Choices {
		if ch.Delta.Content != "" {
			return ch.Delta.Content
		}
	}
	for _, ch := range c.Choices {
		if ch.Text != "" {
			return ch.Text
		}
	}
	return ""
}
