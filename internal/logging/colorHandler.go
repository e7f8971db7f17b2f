package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// ColorHandler writes text records and colors WARN and above when out is a terminal.
type ColorHandler struct {
	slog.Handler
	out       io.Writer
	isColored bool
}

func NewColorHandler(out io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	isColored := false
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		isColored = true
	}

	return &ColorHandler{
		Handler:   slog.NewTextHandler(out, opts),
		out:       out,
		isColored: isColored,
	}
}

func (h *ColorHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.isColored {
		switch {
		case r.Level >= slog.LevelError:
			fmt.Fprint(h.out, "\033[31m") // red
		case r.Level >= slog.LevelWarn:
			fmt.Fprint(h.out, "\033[33m") // yellow
		case r.Level < slog.LevelInfo:
			fmt.Fprint(h.out, "\033[34m") // blue
		}
	}

	err := h.Handler.Handle(ctx, r)

	if h.isColored {
		fmt.Fprint(h.out, "\033[0m")
	}
	return err
}

func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorHandler{Handler: h.Handler.WithAttrs(attrs), out: h.out, isColored: h.isColored}
}

func (h *ColorHandler) WithGroup(name string) slog.Handler {
	return &ColorHandler{Handler: h.Handler.WithGroup(name), out: h.out, isColored: h.isColored}
}
