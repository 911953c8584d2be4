package analysis

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dynamon/internal/tracelog"

	"go.uber.org/zap"
)

// platformPrefixes are namespaces never reported as third-party
// dependencies: the Android platform, language runtimes and SDKs that show
// up in every app.
var platformPrefixes = []string{
	"android.", "androidx.", "kotlin.", "kotlinx.", "java.", "javax.",
	"sun.", "com.android.", "j$", "dalvik.system.", "libcore.",
	"com.google.", "org.kxml2.", "org.apache.", "org.json.",
}

// DependencySet is a set of discovered package identifiers.
type DependencySet map[string]struct{}

// Sorted returns the set members in lexical order.
func (s DependencySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for dep := range s {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// FilterDependencies reduces a raw class dump (one fully-qualified name per
// line) to the distinct packages that belong neither to the app itself nor
// to the platform.
func FilterDependencies(raw, appPackage string) DependencySet {
	deps := DependencySet{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || isIgnored(line, appPackage) {
			continue
		}
		if i := strings.LastIndexByte(line, '.'); i >= 0 {
			line = line[:i]
		}
		deps[line] = struct{}{}
	}
	return deps
}

func isIgnored(symbol, appPackage string) bool {
	if appPackage != "" && strings.HasPrefix(symbol, appPackage) {
		return true
	}
	for _, prefix := range platformPrefixes {
		if strings.HasPrefix(symbol, prefix) {
			return true
		}
	}
	return false
}

// DependencyAnalysis filters the runtime dependency dump collected for an
// app. A missing dump is not an error: the collector may not have run.
func DependencyAnalysis(log *zap.Logger, appPackage, appDir string) DependencySet {
	if log == nil {
		log = zap.NewNop()
	}
	location := filepath.Join(appDir, tracelog.DependencyFile)

	data, err := os.ReadFile(location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("no runtime dependency dump", zap.String("path", location))
		} else {
			log.Error("collecting runtime dependency analysis data", zap.String("path", location), zap.Error(err))
		}
		return DependencySet{}
	}

	log.Info("collecting runtime dependency analysis data", zap.String("package", appPackage))
	return FilterDependencies(strings.ToValidUTF8(string(data), ""), appPackage)
}
