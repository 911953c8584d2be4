package config

import (
	"os"
	"path/filepath"
)

// WorkspaceDirName is the per-project directory holding dynamon state.
const WorkspaceDirName = ".dynamon"

// FindWorkspaceRoot walks up from the working directory to the first
// directory containing .dynamon/. Falls back to the working directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if info, err := os.Stat(filepath.Join(dir, WorkspaceDirName)); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}

// DefaultConfigPath returns <workspace>/.dynamon/config.yaml.
func DefaultConfigPath() string {
	root, err := FindWorkspaceRoot()
	if err != nil {
		return filepath.Join(WorkspaceDirName, "config.yaml")
	}
	return filepath.Join(root, WorkspaceDirName, "config.yaml")
}
