package handlers

import (
	"io"
	"log/slog"
)

// testLogger возвращает логгер, который ничего не пишет
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
