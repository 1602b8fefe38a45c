package relay

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"go.uber.org/zap"
)

const readChunkSize = 4096

// Tokens returns a single-pass sequence of content tokens read from body.
// The body is closed when the sequence ends, including when the consumer
// stops early. A stream that ends without the terminating record ends
// quietly; read errors are yielded once as the final element.
func Tokens(body io.ReadCloser, logger *zap.Logger) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer func() { _ = body.Close() }()

		dec := NewDecoder(logger)
		buf := make([]byte, readChunkSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				for _, tok := range dec.Feed(buf[:n]) {
					if !yield(tok, nil) {
						return
					}
				}
				if dec.Done() {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				for _, tok := range dec.Flush() {
					if !yield(tok, nil) {
						return
					}
				}
				return
			}
			if err != nil {
				yield("", fmt.Errorf("read stream: %w", err))
				return
			}
		}
	}
}
