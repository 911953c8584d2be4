package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dynamon/internal/target"

	"go.uber.org/zap"
)

// Hook script directories under the script root.
const (
	DefaultHookDir   = "default"
	AuxiliaryHookDir = "auxiliary"
)

// classPlaceholder is replaced with the class an auxiliary hook targets.
const classPlaceholder = "{{CLASS}}"

// classHooks are auxiliary hooks that only make sense with a class extra.
var classHooks = map[string]func(target.Extras) string{
	"enum_methods": func(e target.Extras) string { return e.ClassName },
	"search_class": func(e target.Extras) string { return e.ClassSearch },
	"trace_class":  func(e target.Extras) string { return e.ClassTrace },
}

// ScriptBuilder renders hook selections into one injectable script.
type ScriptBuilder struct {
	dir string
	log *zap.Logger
}

// NewScriptBuilder reads hook scripts from dir/default and dir/auxiliary.
func NewScriptBuilder(dir string, log *zap.Logger) *ScriptBuilder {
	if log == nil {
		log = zap.NewNop()
	}
	return &ScriptBuilder{dir: dir, log: log}
}

// Build concatenates default hooks, auxiliary hooks and custom code, in
// that order. Unknown hooks and class hooks without their extra are skipped.
func (b *ScriptBuilder) Build(sel target.HookSelection) (string, error) {
	var parts []string

	for _, name := range sel.Default {
		src, err := b.load(DefaultHookDir, name)
		if err != nil {
			return "", err
		}
		if src != "" {
			parts = append(parts, src)
		}
	}

	for _, name := range sel.Auxiliary {
		src, err := b.load(AuxiliaryHookDir, name)
		if err != nil {
			return "", err
		}
		if src == "" {
			continue
		}
		if extra, ok := classHooks[name]; ok {
			class := extra(sel.Extras)
			if class == "" {
				b.log.Warn("auxiliary hook needs a class, skipping", zap.String("hook", name))
				continue
			}
			src = strings.ReplaceAll(src, classPlaceholder, jsStringContent(class))
		}
		parts = append(parts, src)
	}

	if code := strings.TrimSpace(sel.Code); code != "" {
		parts = append(parts, "// custom\n"+code)
	}

	return strings.Join(parts, "\n"), nil
}

// load returns the script body, or "" when the hook does not exist.
func (b *ScriptBuilder) load(kind, name string) (string, error) {
	path := filepath.Join(b.dir, kind, name+".js")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.log.Warn("hook script not found", zap.String("kind", kind), zap.String("hook", name))
			return "", nil
		}
		return "", fmt.Errorf("failed to read hook %s/%s: %w", kind, name, err)
	}
	return fmt.Sprintf("// %s: %s\n%s", kind, name, strings.TrimRight(string(data), "\n")), nil
}

// jsStringContent escapes s for use inside a single or double quoted
// JavaScript string literal.
func jsStringContent(s string) string {
	quoted, _ := json.Marshal(s)
	inner := string(quoted[1 : len(quoted)-1])
	return strings.ReplaceAll(inner, "'", `\u0027`)
}
