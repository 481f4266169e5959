package core

import (
	"strings"

	"github.com/proliferate-ai/proliferate-sub003/schema"
)

// termBuffer stores terminal scrollback lines. Raw pty bytes are
// split on newlines; the trailing partial line is kept separate until
// completed so a snapshot never shows a torn line twice.
type termBuffer struct {
	lines    []string
	partial  string
	maxLines int
}

func newTermBuffer(maxLines int) *termBuffer {
	if maxLines <= 0 {
		maxLines = schema.DefaultTerminalBufferMaxLines
	}
	return &termBuffer{maxLines: maxLines}
}

// Append folds raw output bytes into the line store.
func (b *termBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	text := b.partial + string(data)
	parts := strings.Split(text, "\n")
	b.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		b.lines = append(b.lines, strings.TrimSuffix(line, "\r"))
	}
	if len(b.lines) > b.maxLines {
		trim := len(b.lines) - b.maxLines
		b.lines = append([]string(nil), b.lines[trim:]...)
	}
}

// Snapshot returns up to limit lines from the bottom plus the total
// line count. A non-positive limit returns everything.
func (b *termBuffer) Snapshot(limit int) ([]string, int) {
	total := len(b.lines)
	count := total
	if b.partial != "" {
		count++
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	out := make([]string, 0, limit)
	if b.partial != "" && limit > 0 {
		limit--
		start := total - limit
		if start < 0 {
			start = 0
		}
		out = append(out, b.lines[start:]...)
		out = append(out, b.partial)
	} else {
		start := total - limit
		if start < 0 {
			start = 0
		}
		out = append(out, b.lines[start:]...)
	}
	return out, count
}

// Reset discards all buffered content.
func (b *termBuffer) Reset() {
	b.lines = nil
	b.partial = ""
}

// logBuffer stores the tail of one service log as a byte-capped blob.
// An initial event replaces the content; append events concatenate.
type logBuffer struct {
	content  strings.Builder
	maxBytes int
}

func newLogBuffer(maxBytes int) *logBuffer {
	if maxBytes <= 0 {
		maxBytes = schema.DefaultLogBufferMaxBytes
	}
	return &logBuffer{maxBytes: maxBytes}
}

// Apply folds one log event into the buffer.
func (b *logBuffer) Apply(event schema.LogEvent) {
	if event.Type == schema.LogInitial {
		b.content.Reset()
	}
	b.content.WriteString(event.Content)
	if b.content.Len() > b.maxBytes {
		trimmed := b.content.String()
		trimmed = trimmed[len(trimmed)-b.maxBytes:]
		b.content.Reset()
		b.content.WriteString(trimmed)
	}
}

// String returns the buffered content.
func (b *logBuffer) String() string {
	return b.content.String()
}
