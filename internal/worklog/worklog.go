// Package worklog keeps a human-readable markdown log of agent outcomes.
// Newest entries sit directly under the header. Writers from any number of
// processes hold an exclusive file lock while rewriting the file.
package worklog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultHeader is written when the log file does not exist yet
const DefaultHeader = "# dogood work log\n\n"

// Field is one "**Key:** value" line of an entry
type Field struct {
	Key   string
	Value string
}

// Entry is one log section
type Entry struct {
	Title  string
	At     time.Time
	Fields []Field
}

// Render formats the entry as a markdown section ending in a rule
func (e Entry) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s - %s\n", e.At.Format("2006-01-02 15:04"), e.Title)
	for _, f := range e.Fields {
		fmt.Fprintf(&sb, "**%s:** %s\n", f.Key, f.Value)
	}
	sb.WriteString("---")
	return sb.String()
}

// LogWriter inserts entries after the first line of a markdown file
type LogWriter struct {
	path   string
	header string
	now    func() time.Time
}

// New creates a writer for path; the file is created on first append
func New(path string) *LogWriter {
	return &LogWriter{path: path, header: DefaultHeader, now: time.Now}
}

// Path returns the log file path
func (w *LogWriter) Path() string {
	return w.path
}

// Log stamps and appends an entry with the writer's clock
func (w *LogWriter) Log(title string, fields ...Field) error {
	return w.Append(Entry{Title: title, At: w.now(), Fields: fields}.Render())
}

// Append inserts text after the header line
func (w *LogWriter) Append(text string) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("opening work log: %w", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("locking work log: %w", err)
	}
	defer func() { _ = unlockFile(f) }()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("reading work log: %w", err)
	}
	content := string(data)
	if content == "" {
		content = w.header
	}

	var updated string
	if head, rest, ok := strings.Cut(content, "\n"); ok {
		updated = head + "\n\n" + text + "\n" + rest
	} else {
		updated = content + "\n\n" + text + "\n"
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding work log: %w", err)
	}
	if _, err := f.WriteString(updated); err != nil {
		return fmt.Errorf("writing work log: %w", err)
	}
	if err := f.Truncate(int64(len(updated))); err != nil {
		return fmt.Errorf("truncating work log: %w", err)
	}
	return nil
}
