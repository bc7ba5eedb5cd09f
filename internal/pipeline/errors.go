package pipeline

import (
	"errors"
	"log/slog"
)

var (
	// ErrUnavailable reports a stage whose engine is not loaded.
	ErrUnavailable = errors.New("engine not loaded")
	// ErrDecodeFailed wraps a failed engine step. The current turn or item is
	// abandoned; the worker keeps running.
	ErrDecodeFailed = errors.New("decode step failed")
)

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
