package tracelog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Writer appends entries to a capture file. A trace log writer terminates
// every JSON object with ','; a dependency dump writer terminates every
// symbol with a newline.
type Writer struct {
	mu        sync.Mutex
	path      string
	separator string
	jsonOnly  bool
}

// NewTraceWriter returns a writer producing the API monitor wire format.
func NewTraceWriter(path string) *Writer {
	return &Writer{path: path, separator: ",", jsonOnly: true}
}

// NewDependencyWriter returns a writer producing one symbol per line.
func NewDependencyWriter(path string) *Writer {
	return &Writer{path: path, separator: "\n"}
}

// Path returns the file being written.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one entry followed by the separator. Trace writers reject
// anything that is not a single JSON object so a bad message cannot corrupt
// every later read.
func (w *Writer) Append(entry []byte) error {
	entry = bytes.TrimSpace(entry)
	if w.jsonOnly {
		if len(entry) == 0 || entry[0] != '{' || !json.Valid(entry) {
			return fmt.Errorf("tracelog: entry is not a JSON object")
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", w.path, err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(entry)+len(w.separator))
	buf = append(buf, entry...)
	buf = append(buf, w.separator...)
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to append to %s: %w", w.path, err)
	}
	return nil
}

// Truncate empties the file if it exists.
func (w *Writer) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := os.Stat(w.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(w.path, nil, 0644)
}
