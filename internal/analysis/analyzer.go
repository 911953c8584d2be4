// Package analysis turns captured instrumentation output into findings:
// API calls grouped by category with decoded Base64 payloads, and the
// third-party packages an app loaded at runtime.
//
// Analysis is advisory. Every entry point returns a usable (possibly empty)
// result and logs instead of failing.
package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"dynamon/internal/payload"
	"dynamon/internal/tracelog"

	"go.uber.org/zap"
)

const base64Class = "android.util.Base64"

// DecodedString is a payload recovered from a Base64 call, with the call
// site that produced or consumed it.
type DecodedString struct {
	CalledFrom string `json:"calledFrom"`
	Value      string `json:"value"`
}

// CallGroups groups records by API category name. Names keep the order of
// their first occurrence and records keep file order within a name. The zero
// value is empty and ready to use.
type CallGroups struct {
	names []string
	calls map[string][]tracelog.Record
}

func (g *CallGroups) add(r tracelog.Record) {
	if g.calls == nil {
		g.calls = make(map[string][]tracelog.Record)
	}
	if _, seen := g.calls[r.Name]; !seen {
		g.names = append(g.names, r.Name)
	}
	g.calls[r.Name] = append(g.calls[r.Name], r)
}

// Names returns the category names in first-occurrence order.
func (g *CallGroups) Names() []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.names...)
}

// Calls returns the records captured under name.
func (g *CallGroups) Calls(name string) []tracelog.Record {
	if g == nil {
		return nil
	}
	return g.calls[name]
}

// Len returns the number of distinct names.
func (g *CallGroups) Len() int {
	if g == nil {
		return 0
	}
	return len(g.names)
}

// MarshalJSON encodes the groups as a JSON object in first-occurrence order.
func (g *CallGroups) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if g != nil {
		for i, name := range g.names {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(name)
			if err != nil {
				return nil, err
			}
			value, err := json.Marshal(g.calls[name])
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(value)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores groups written by MarshalJSON, keeping key order.
func (g *CallGroups) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("analysis: call groups must be a JSON object")
	}

	*g = CallGroups{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var records []tracelog.Record
		if err := dec.Decode(&records); err != nil {
			return err
		}
		if g.calls == nil {
			g.calls = make(map[string][]tracelog.Record)
		}
		if _, seen := g.calls[name]; !seen {
			g.names = append(g.names, name)
		}
		g.calls[name] = append(g.calls[name], records...)
	}
	_, err = dec.Token()
	return err
}

// Result is the outcome of an API monitor analysis.
type Result struct {
	APIs    *CallGroups     `json:"apis"`
	Strings []DecodedString `json:"strings"`
}

func emptyResult() Result {
	return Result{APIs: &CallGroups{}, Strings: []DecodedString{}}
}

// Analyze reads the API monitor log in appDir once and enriches every record.
// A missing log, a parse failure or a panic yields an empty result.
func Analyze(log *zap.Logger, appDir string) Result {
	if log == nil {
		log = zap.NewNop()
	}
	location := filepath.Join(appDir, tracelog.APIMonitorFile)

	records, err := tracelog.Read(location)
	if err != nil {
		if errors.Is(err, tracelog.ErrNoData) {
			return emptyResult()
		}
		log.Error("API monitor analysis", zap.String("path", location), zap.Error(err))
		return emptyResult()
	}

	log.Info("frida API monitor analysis", zap.Int("records", len(records)))
	return AnalyzeRecords(log, records)
}

// AnalyzeRecords enriches and groups already-parsed records. Input records
// are copied, not modified.
func AnalyzeRecords(log *zap.Logger, records []tracelog.Record) (res Result) {
	if log == nil {
		log = zap.NewNop()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("API monitor analysis", zap.Any("panic", r))
			res = emptyResult()
		}
	}()

	res = emptyResult()
	for _, rec := range records {
		if encoded, ok := payloadOf(rec); ok {
			if decoded, ok := payload.Decode(encoded); ok {
				rec.Decoded = decoded
				res.Strings = append(res.Strings, DecodedString{CalledFrom: rec.CalledFrom, Value: decoded})
			}
		}
		rec.Icon = Icon(rec.Name)
		res.APIs.add(rec)
	}
	return res
}

// payloadOf returns the Base64 text carried by a record: the return value
// of an encode, or the first argument of a decode.
func payloadOf(rec tracelog.Record) (string, bool) {
	if rec.Class != base64Class {
		return "", false
	}
	switch rec.Method {
	case "encodeToString":
		ret, ok := rec.ReturnString()
		if !ok {
			return "", false
		}
		encoded := strings.ReplaceAll(ret, `"`, "")
		if encoded == "" {
			return "", false
		}
		return encoded, true
	case "decode":
		arg, ok := rec.FirstArgument()
		if !ok || arg == "" {
			return "", false
		}
		return arg, true
	}
	return "", false
}
