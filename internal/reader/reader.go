// Package reader accepts tag codes from a keyboard-wedge style input stream
// and tracks the scan status shown to the operator.
package reader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Handler receives one trimmed, non-blank code.
type Handler interface {
	HandleCode(ctx context.Context, code string)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, code string)

func (f HandlerFunc) HandleCode(ctx context.Context, code string) { f(ctx, code) }

// SessionHandler feeds codes into a Session, discarding the result.
func SessionHandler(s *Session) Handler {
	return HandlerFunc(func(ctx context.Context, code string) {
		_, _ = s.Handle(ctx, code)
	})
}

// Reader splits an input stream into codes, one per line.
type Reader struct {
	handler Handler
	logger  *slog.Logger
}

func New(h Handler, logger *slog.Logger) *Reader {
	return &Reader{handler: h, logger: logger}
}

// Run reads until EOF or until ctx is done. A blocked read is not
// interrupted; the loop exits after the next line arrives.
func (r *Reader) Run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code := strings.TrimSpace(sc.Text())
		if code == "" {
			continue
		}
		r.logger.Debug("code read", "tag", code)
		r.handler.HandleCode(ctx, code)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read codes: %w", err)
	}
	return nil
}
