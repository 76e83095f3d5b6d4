package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MEKXH/tollgate/internal/config"
)

// logFile is the append-only file behind the default logger, kept open
// between commands run in the same process.
var logFile struct {
	sync.Mutex
	f *os.File
}

// configureLogger points slog's default logger at cfg.Log. Console output is
// dropped for quiet commands unless --log-level asks for it, so JSON and
// table output stay clean on stdout.
func configureLogger(cfg *config.Config, overrideLevel string, quiet bool) error {
	raw := cfg.Log.Level
	if strings.TrimSpace(overrideLevel) != "" {
		raw = overrideLevel
	}
	level, err := parseLogLevel(raw)
	if err != nil {
		return err
	}

	w, err := logWriter(strings.TrimSpace(cfg.Log.File))
	if err != nil {
		return err
	}
	if w == nil {
		w = os.Stderr
		if quiet && overrideLevel == "" {
			w = io.Discard
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(strings.TrimSpace(cfg.Log.Format), "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h).With("service", "tollgate"))
	return nil
}

// logWriter returns the open log file for path, reopening it when the path
// changed. An empty path closes any open file and returns nil.
func logWriter(path string) (io.Writer, error) {
	logFile.Lock()
	defer logFile.Unlock()

	if logFile.f != nil && logFile.f.Name() == path {
		return logFile.f, nil
	}
	if logFile.f != nil {
		_ = logFile.f.Close()
		logFile.f = nil
	}
	if path == "" {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logFile.f = f
	return f, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: use debug, info, warn or error", raw)
	}
	return level, nil
}
