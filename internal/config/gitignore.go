package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadGitignorePatterns translates the root .gitignore into doublestar exclusion
// globs. Negated entries are skipped: the exclusion list has no way to
// re-include a path, so honouring them would require a second matcher.
func LoadGitignorePatterns(rootPath string) ([]string, error) {
	file, err := os.Open(filepath.Join(rootPath, ".gitignore"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		patterns = append(patterns, gitignoreToGlobs(line)...)
	}
	return patterns, scanner.Err()
}

// gitignoreToGlobs converts one gitignore line into the globs matching the
// same paths relative to the workspace root.
func gitignoreToGlobs(line string) []string {
	dirOnly := strings.HasSuffix(line, "/")
	line = strings.TrimSuffix(line, "/")

	// A leading slash or an inner slash anchors the pattern to the root
	anchored := strings.HasPrefix(line, "/") || strings.Contains(line, "/")
	line = strings.TrimPrefix(line, "/")
	if line == "" {
		return nil
	}

	base := line
	if !anchored && !strings.HasPrefix(line, "**/") {
		base = "**/" + line
	}

	if dirOnly {
		return []string{base + "/**"}
	}
	// Without a trailing slash the entry may name a file or a directory
	return []string{base, base + "/**"}
}
