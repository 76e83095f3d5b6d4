package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MEKXH/tollgate/internal/approval"
)

const (
	auditFileMode = 0644
	auditDirMode  = 0755
)

// Event is one decision-history record written as a single JSON line.
type Event struct {
	Time          time.Time       `json:"time"`
	Type          string          `json:"type"`
	RequestID     string          `json:"request_id,omitempty"`
	CaseID        string          `json:"case_id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Seq           int             `json:"seq,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	Action        approval.Action `json:"action,omitempty"`
	From          approval.State  `json:"from,omitempty"`
	To            approval.State  `json:"to,omitempty"`
	Note          string          `json:"note,omitempty"`
}

// FromEntry builds the audit record for one history entry of c.
func FromEntry(c *approval.Case, e approval.HistoryEntry) Event {
	return Event{
		Time:          e.At,
		Type:          "transition",
		CaseID:        c.ID,
		TransactionID: c.Transaction.ID,
		Seq:           e.Seq,
		Actor:         e.Actor,
		Action:        e.Action,
		From:          e.From,
		To:            e.To,
		Note:          e.Note,
	}
}

// Writer appends audit events to a JSONL file.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates an append-only audit writer at path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// DefaultPath returns <stateDir>/audit.jsonl.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, "audit.jsonl")
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string { return w.path }

// Append writes one event as one JSONL line.
func (w *Writer) Append(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), auditDirMode); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, auditFileMode)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	encoded = append(encoded, '\n')

	if _, err := file.Write(encoded); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	return nil
}
