// Package prompt loads the per-mode instruction documents fed to the agent.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ScopePlaceholder is replaced with the scope identifier in templates.
const ScopePlaceholder = "{{SCOPE}}"

// ErrTemplateNotFound is returned when the template for a mode is missing.
var ErrTemplateNotFound = errors.New("prompt template not found")

// FileName returns the template file name for a mode, e.g. PROMPT_build.md.
func FileName(mode string) string {
	return "PROMPT_" + mode + ".md"
}

// Path returns the template path for a mode inside dir.
func Path(dir, mode string) string {
	return filepath.Join(dir, FileName(mode))
}

// Load reads the template for mode from dir and renders it for scope.
func Load(dir, mode, scope string) (string, error) {
	path := Path(dir, mode)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
		}
		return "", fmt.Errorf("failed to read prompt %s: %w", path, err)
	}
	return Render(string(data), scope), nil
}

// Render substitutes scope into the template. Without a scope, every line
// mentioning the placeholder is dropped so the agent never sees it.
func Render(template, scope string) string {
	if scope != "" {
		return strings.ReplaceAll(template, ScopePlaceholder, scope)
	}
	if !strings.Contains(template, ScopePlaceholder) {
		return template
	}

	lines := strings.SplitAfter(template, "\n")
	var b strings.Builder
	b.Grow(len(template))
	for _, line := range lines {
		if strings.Contains(line, ScopePlaceholder) {
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}
