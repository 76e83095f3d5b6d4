package notify

import (
	"context"
	"log/slog"

	"github.com/MEKXH/tollgate/internal/audit"
)

// LogSink writes events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logs through logger, or the default logger when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	if ev.Type == EventUnassignable || ev.Type == EventExpired {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "case "+string(ev.Type),
		"case_id", ev.CaseID,
		"transaction_id", ev.TransactionID,
		"tier", ev.Tier,
		"from", ev.From,
		"to", ev.To,
		"actor", ev.Actor,
		"note", ev.Note,
	)
	return nil
}

// AuditSink appends each event to the JSONL audit stream.
type AuditSink struct {
	writer *audit.Writer
}

// NewAuditSink creates a sink writing through w.
func NewAuditSink(w *audit.Writer) *AuditSink {
	return &AuditSink{writer: w}
}

func (s *AuditSink) Name() string { return "audit" }

func (s *AuditSink) Send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	typ := "transition"
	if ev.Type == EventUnassignable {
		typ = string(EventUnassignable)
	}
	return s.writer.Append(audit.Event{
		Time:          ev.At,
		Type:          typ,
		CaseID:        ev.CaseID,
		TransactionID: ev.TransactionID,
		Seq:           ev.Seq,
		Actor:         ev.Actor,
		Action:        ev.Action,
		From:          ev.From,
		To:            ev.To,
		Note:          ev.Note,
	})
}
