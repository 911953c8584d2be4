// Package tracelog reads and writes the API monitor trace log.
//
// The log is the wire contract between the instrumentation engine and its
// readers: UTF-8 text made of concatenated JSON objects, each followed by a
// single ',' separator, with no enclosing array. Readers take the whole file,
// drop the final character and parse "[" + content + "]".
package tracelog

import (
	"bytes"
	"encoding/json"
	"sort"
)

// File names inside an application's capture directory.
const (
	APIMonitorFile = "mobsf_api_monitor.txt"
	DependencyFile = "mobsf_app_deps.txt"
	ScriptFile     = "dynamon_injected.js"
)

// Record is one intercepted call as emitted by the API monitor hooks.
// Decoded and Icon are filled in by analysis; they are never written by
// the engine. Fields the hooks add beyond the known ones are kept in Extra
// and written back unchanged, and numbers keep their exact text.
type Record struct {
	Name        string `json:"name"`
	Class       string `json:"class"`
	Method      string `json:"method"`
	Arguments   []any  `json:"arguments"`
	ReturnValue any    `json:"returnValue,omitempty"`
	CalledFrom  string `json:"calledFrom"`

	Decoded string `json:"decoded,omitempty"`
	Icon    string `json:"icon,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var recordFields = map[string]bool{
	"name": true, "class": true, "method": true, "arguments": true,
	"returnValue": true, "calledFrom": true, "decoded": true, "icon": true,
}

// plainRecord is the JSON shape of Record without its methods.
type plainRecord Record

// UnmarshalJSON decodes numbers as json.Number and collects unknown fields.
func (r *Record) UnmarshalJSON(data []byte) error {
	var p plainRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for k := range fields {
		if recordFields[k] {
			delete(fields, k)
		}
	}
	p.Extra = nil
	if len(fields) > 0 {
		p.Extra = fields
	}
	*r = Record(p)
	return nil
}

// MarshalJSON writes the known fields followed by Extra in key order.
func (r Record) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(plainRecord(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}

	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		if !recordFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(base[:len(base)-1])
	for _, k := range keys {
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(r.Extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FirstArgument returns the first argument when it is a string.
func (r Record) FirstArgument() (string, bool) {
	if len(r.Arguments) == 0 {
		return "", false
	}
	s, ok := r.Arguments[0].(string)
	return s, ok
}

// ReturnString returns the return value when it is a non-empty string.
func (r Record) ReturnString() (string, bool) {
	s, ok := r.ReturnValue.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
