// Package transport frames protocol messages over stdio and HTTP.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/soddygo/kode-acp/internal/protocol"
)

// MaxLineSize bounds one inbound record.
const MaxLineSize = 8 * 1024 * 1024

// Handler turns one raw record into at most one response.
type Handler interface {
	HandleRaw(ctx context.Context, data []byte) (protocol.Response, bool)
}

// ServeStdio reads newline-delimited records from r and writes one response
// line per record to w. Each record is handled on its own goroutine, so
// responses can arrive out of order; clients correlate them through the
// echoed id. It returns when r is exhausted and all handlers have finished,
// or when ctx is cancelled.
func ServeStdio(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &lineWriter{enc: json.NewEncoder(w)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		// scanErr is always sent before lines is closed.
		defer close(lines)
		defer func() { scanErr <- scanner.Err() }()
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				if err := ctx.Err(); err != nil {
					return err
				}
				err := <-scanErr
				if errors.Is(err, bufio.ErrTooLong) {
					log.Error().Int("limit", MaxLineSize).Msg("Inbound line too long, closing stdio transport")
				}
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, ok := h.HandleRaw(ctx, line)
				if !ok {
					return
				}
				if err := out.write(resp); err != nil {
					log.Error().Err(err).Msg("Failed to write response")
				}
			}()
		}
	}
}

// lineWriter serializes response writes so lines never interleave.
type lineWriter struct {
	enc *json.Encoder
	mu  sync.Mutex
}

func (l *lineWriter) write(v interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(v)
}
