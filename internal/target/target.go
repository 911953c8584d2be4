// Package target describes what an instrumentation request points at and
// screens every caller-supplied identifier before it reaches the engine.
package target

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validation errors. Callers report all of them as invalid parameters.
var (
	ErrInvalidHash    = errors.New("invalid content hash")
	ErrInvalidPackage = errors.New("invalid package name")
	ErrAttackPattern  = errors.New("possible command injection in input")
	ErrInvalidHook    = errors.New("invalid hook name")
)

// MaxPackageLength bounds package names accepted from callers.
const MaxPackageLength = 100

var (
	md5Pattern     = regexp.MustCompile(`^[0-9a-f]{32}$`)
	packagePattern = regexp.MustCompile(`^([\w]+\.)+[\w]+$`)
	attackPattern  = regexp.MustCompile(`;|\$\(|\|\||&&`)
	hookPattern    = regexp.MustCompile(`^[\w-]+$`)
)

// IsMD5 reports whether s is a lowercase hex MD5 digest.
func IsMD5(s string) bool {
	return md5Pattern.MatchString(s)
}

// IsPackageName reports whether s is a reverse-DNS package identifier.
func IsPackageName(s string) bool {
	return len(s) <= MaxPackageLength && packagePattern.MatchString(s)
}

// IsAttackPattern reports whether s contains shell command chaining or
// substitution sequences.
func IsAttackPattern(s string) bool {
	return attackPattern.MatchString(s)
}

// Target identifies one analysis job.
type Target struct {
	Hash    string `json:"hash"`
	Package string `json:"package"`
	// PID of an already running process; zero when unknown.
	PID int `json:"pid,omitempty"`
}

// Validate checks the hash and, when set, the package name.
func (t Target) Validate() error {
	if !IsMD5(t.Hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, t.Hash)
	}
	if t.Package != "" && !IsPackageName(t.Package) {
		return fmt.Errorf("%w: %q", ErrInvalidPackage, t.Package)
	}
	if t.PID < 0 {
		return fmt.Errorf("invalid pid: %d", t.PID)
	}
	return nil
}

// String returns package@hash for log lines.
func (t Target) String() string {
	if t.PID > 0 {
		return fmt.Sprintf("%s[%d]@%s", t.Package, t.PID, t.Hash)
	}
	return t.Package + "@" + t.Hash
}

// SplitHooks turns a comma separated hook field into an ordered list,
// dropping blanks.
func SplitHooks(field string) []string {
	var hooks []string
	for _, h := range strings.Split(field, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hooks = append(hooks, h)
		}
	}
	return hooks
}
