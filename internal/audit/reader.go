package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Filter narrows the events returned by Read.
type Filter struct {
	CaseID string
	Actor  string
	Since  time.Time
	Limit  int
}

func (f Filter) matches(e Event) bool {
	if id := strings.TrimSpace(f.CaseID); id != "" && e.CaseID != id {
		return false
	}
	if a := strings.TrimSpace(f.Actor); a != "" && e.Actor != a {
		return false
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	return true
}

// Read returns the events in path matching f, oldest first. With a Limit only
// the most recent Limit matches are kept. A missing file yields no events.
// Malformed lines are reported with their line number.
func Read(path string, f Filter) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("parse audit line %d: %w", line, err)
		}
		if !f.matches(e) {
			continue
		}
		events = append(events, e)
		if f.Limit > 0 && len(events) > f.Limit {
			events = events[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit file: %w", err)
	}
	return events, nil
}
