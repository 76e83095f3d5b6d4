package commands

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"strings"
	"testing"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	os.Stdout = w
	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()
	fn()
	_ = w.Close()
	os.Stdout = old

	out := <-done
	_ = r.Close()
	return out
}

// setupHome points the config directory at a fresh temp dir.
func setupHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TOLLGATE_HOME", dir)
	return dir
}

// execute runs the root command with args and returns stripped stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var runErr error
	out := captureOutput(t, func() {
		cmd := NewRootCmd()
		cmd.SetArgs(args)
		cmd.SetErr(io.Discard)
		runErr = cmd.Execute()
	})
	return stripANSI(out), runErr
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("tollgate %s: %v\noutput: %s", strings.Join(args, " "), err, out)
	}
	return out
}
