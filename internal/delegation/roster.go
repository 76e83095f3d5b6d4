package delegation

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Roster maps user IDs to the roles they hold.
type Roster map[string][]string

// UsersWithAnyRole returns the sorted users holding at least one of roles.
func (r Roster) UsersWithAnyRole(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		want[strings.ToLower(strings.TrimSpace(role))] = struct{}{}
	}
	var out []string
	for user, held := range r {
		for _, role := range held {
			if _, ok := want[strings.ToLower(strings.TrimSpace(role))]; ok {
				out = append(out, user)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// RolesOf returns the roles held by user.
func (r Roster) RolesOf(user string) []string {
	return append([]string(nil), r[strings.TrimSpace(user)]...)
}

// RosterSource supplies the current roster. Identity is owned elsewhere; the
// engine only reads role facts.
type RosterSource interface {
	Roster(ctx context.Context) (Roster, error)
}

// StaticRoster is a fixed in-memory roster.
type StaticRoster Roster

func (s StaticRoster) Roster(context.Context) (Roster, error) {
	out := make(Roster, len(s))
	for user, roles := range s {
		out[user] = append([]string(nil), roles...)
	}
	return out, nil
}

type rosterFile struct {
	Users map[string][]string `yaml:"users"`
}

// FileRoster reads a YAML roster document of the form:
//
//	users:
//	  ana: [approver]
//	  cfo: [senior_approver, treasury_admin]
//
// The file is read once and cached until Reload is called.
type FileRoster struct {
	path string

	mu     sync.RWMutex
	roster Roster
}

// NewFileRoster loads the roster at path.
func NewFileRoster(path string) (*FileRoster, error) {
	f := &FileRoster{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the roster file.
func (f *FileRoster) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read roster: %w", err)
	}
	roster, err := ParseRoster(data)
	if err != nil {
		return fmt.Errorf("parse roster %s: %w", f.path, err)
	}
	f.mu.Lock()
	f.roster = roster
	f.mu.Unlock()
	return nil
}

func (f *FileRoster) Roster(ctx context.Context) (Roster, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return StaticRoster(f.roster).Roster(ctx)
}

// ParseRoster decodes a YAML roster document.
func ParseRoster(data []byte) (Roster, error) {
	var doc rosterFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := make(Roster, len(doc.Users))
	for user, roles := range doc.Users {
		user = strings.TrimSpace(user)
		if user == "" {
			return nil, fmt.Errorf("roster contains an empty user id")
		}
		normalized := make([]string, 0, len(roles))
		for _, role := range roles {
			if role = strings.ToLower(strings.TrimSpace(role)); role != "" {
				normalized = append(normalized, role)
			}
		}
		out[user] = normalized
	}
	return out, nil
}
