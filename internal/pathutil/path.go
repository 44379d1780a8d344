// Package pathutil expands user supplied file paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves $VAR / ${VAR} references and a leading "~" or "~/" in p.
// Relative paths stay relative.
func Expand(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if p == "~" {
		return home, nil
	}
	return filepath.Join(home, p[2:]), nil
}
