// Build artifact detection from language-specific configuration files
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// BuildArtifactDetector finds build output directories declared by the
// languages the daemon indexes, so generated code stays out of the graph.
type BuildArtifactDetector struct {
	projectRoot string
}

// NewBuildArtifactDetector creates a new build artifact detector
func NewBuildArtifactDetector(projectRoot string) *BuildArtifactDetector {
	return &BuildArtifactDetector{projectRoot: projectRoot}
}

// DetectOutputDirectories returns glob patterns to exclude (e.g. "**/lib/**")
func (bad *BuildArtifactDetector) DetectOutputDirectories() []string {
	var patterns []string
	patterns = append(patterns, bad.detectJavaScriptOutputs()...)
	patterns = append(patterns, bad.detectRustOutputs()...)
	patterns = append(patterns, bad.detectPythonOutputs()...)
	return patterns
}

func dirGlob(dir string) string {
	dir = strings.Trim(strings.TrimPrefix(dir, "./"), "/\"'")
	if dir == "" || dir == "." {
		return ""
	}
	return "**/" + dir + "/**"
}

// detectJavaScriptOutputs reads outDir from tsconfig.json and package.json scripts
func (bad *BuildArtifactDetector) detectJavaScriptOutputs() []string {
	var patterns []string

	if data, err := os.ReadFile(filepath.Join(bad.projectRoot, "package.json")); err == nil {
		var pkg struct {
			Scripts map[string]string `json:"scripts"`
		}
		if json.Unmarshal(data, &pkg) == nil {
			for _, script := range pkg.Scripts {
				parts := strings.Fields(script)
				for i, part := range parts {
					if (part == "--outDir" || part == "-outDir") && i+1 < len(parts) {
						if g := dirGlob(parts[i+1]); g != "" {
							patterns = append(patterns, g)
						}
					}
				}
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(bad.projectRoot, "tsconfig.json")); err == nil {
		var tsconfig struct {
			CompilerOptions struct {
				OutDir string `json:"outDir"`
			} `json:"compilerOptions"`
		}
		if json.Unmarshal(data, &tsconfig) == nil {
			if g := dirGlob(tsconfig.CompilerOptions.OutDir); g != "" {
				patterns = append(patterns, g)
			}
		}
	}

	return patterns
}

// detectRustOutputs reads a custom target directory from Cargo.toml
func (bad *BuildArtifactDetector) detectRustOutputs() []string {
	data, err := os.ReadFile(filepath.Join(bad.projectRoot, "Cargo.toml"))
	if err != nil {
		return nil
	}
	var cargo struct {
		Build struct {
			TargetDir string `toml:"target-dir"`
		} `toml:"build"`
		Profile struct {
			Release struct {
				TargetDir string `toml:"target-dir"`
			} `toml:"release"`
		} `toml:"profile"`
	}
	if toml.Unmarshal(data, &cargo) != nil {
		return nil
	}

	var patterns []string
	for _, dir := range []string{cargo.Build.TargetDir, cargo.Profile.Release.TargetDir} {
		if g := dirGlob(dir); g != "" {
			patterns = append(patterns, g)
		}
	}
	return patterns
}

// detectPythonOutputs reads poetry's build target from pyproject.toml
func (bad *BuildArtifactDetector) detectPythonOutputs() []string {
	data, err := os.ReadFile(filepath.Join(bad.projectRoot, "pyproject.toml"))
	if err != nil {
		return nil
	}
	var pyproject struct {
		Tool struct {
			Poetry struct {
				Build struct {
					TargetDir string `toml:"target-dir"`
				} `toml:"build"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
	if toml.Unmarshal(data, &pyproject) != nil {
		return nil
	}
	if g := dirGlob(pyproject.Tool.Poetry.Build.TargetDir); g != "" {
		return []string{g}
	}
	return nil
}

// DeduplicatePatterns removes duplicate exclusion patterns, keeping first occurrence order
func DeduplicatePatterns(patterns []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(patterns))

	for _, pattern := range patterns {
		if !seen[pattern] {
			seen[pattern] = true
			result = append(result, pattern)
		}
	}

	return result
}
