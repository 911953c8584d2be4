package tracelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// ErrNoData is returned when the trace log does not exist yet. A session
// that has not emitted anything is a normal state, not a failure.
var ErrNoData = errors.New("tracelog: no data captured yet")

// Read parses the trace log at path into records, in file order.
//
// The file may still be growing. Reads that land between two record writes
// parse cleanly; a read that races a partial write returns a parse error and
// the caller is expected to retry on its next poll.
func Read(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoData
		}
		return nil, fmt.Errorf("failed to read trace log: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw trace log content. The last character is always the
// engine's trailing separator and is stripped before bracket-wrapping.
func Parse(data []byte) ([]Record, error) {
	content := strings.ToValidUTF8(string(data), "")
	content = dropLastRune(content)

	records := []Record{}
	if err := json.Unmarshal([]byte("["+content+"]"), &records); err != nil {
		return nil, fmt.Errorf("failed to parse trace log: %w", err)
	}
	return records, nil
}

func dropLastRune(s string) string {
	if s == "" {
		return s
	}
	_, size := utf8.DecodeLastRuneInString(s)
	return s[:len(s)-size]
}
