package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"clawgate/internal/domain"
)

// maxSSELine bounds a single SSE line; large tool-free completions fit well within it.
const maxSSELine = 1 << 20

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a StreamDelta using parseLine. The channel always ends with a
// delta that has Done or Err set, unless ctx is cancelled first, and is then
// closed.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			line := scanner.Bytes()

			// Skip empty lines, comments and non-data fields.
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			data = bytes.TrimSpace(data)

			if bytes.Equal(data, []byte("[DONE]")) {
				send(domain.StreamDelta{Done: true})
				return
			}

			delta, err := parseLine(data)
			if err != nil || delta == nil {
				continue
			}
			if !send(*delta) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			send(domain.StreamDelta{Err: fmt.Errorf("%w: stream read: %v", domain.ErrUpstream, err)})
			return
		}
		// EOF without [DONE]: treat what arrived as the complete answer.
		send(domain.StreamDelta{Done: true})
	}()
	return ch
}
