package target

import "fmt"

// Extras parameterize auxiliary hooks that operate on a class.
type Extras struct {
	ClassName   string `json:"class_name,omitempty"`
	ClassSearch string `json:"class_search,omitempty"`
	ClassTrace  string `json:"class_trace,omitempty"`
}

// HookSelection is the set of hooks applied when a session starts.
type HookSelection struct {
	Default   []string `json:"default_hooks"`
	Auxiliary []string `json:"auxiliary_hooks"`
	// Code is a free-form script appended after the hook sets.
	Code   string `json:"code,omitempty"`
	Extras Extras `json:"extras,omitempty"`
}

// Validate screens hook names and extras. Hook names also double as script
// file names, so anything beyond word characters and '-' is refused.
func (h HookSelection) Validate() error {
	for _, list := range [][]string{h.Default, h.Auxiliary} {
		for _, name := range list {
			if IsAttackPattern(name) {
				return fmt.Errorf("%w: hook %q", ErrAttackPattern, name)
			}
			if !hookPattern.MatchString(name) {
				return fmt.Errorf("%w: %q", ErrInvalidHook, name)
			}
		}
	}
	for _, extra := range []string{h.Extras.ClassName, h.Extras.ClassSearch, h.Extras.ClassTrace} {
		if IsAttackPattern(extra) {
			return fmt.Errorf("%w: extra %q", ErrAttackPattern, extra)
		}
	}
	return nil
}
