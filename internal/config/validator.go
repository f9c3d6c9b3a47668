package config

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"

	symerrors "github.com/standardbeagle/symvead/internal/errors"
)

// Validator validates configuration and sets smart defaults
type Validator struct{}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAndSetDefaults validates configuration and applies smart defaults.
// Returned errors are *errors.ConfigError naming the offending field.
func (v *Validator) ValidateAndSetDefaults(cfg *Config) error {
	if err := v.validateProjectConfig(&cfg.Project); err != nil {
		return symerrors.NewConfigError("project.root", cfg.Project.Root, err)
	}

	if err := v.validateServerConfig(&cfg.Server); err != nil {
		return symerrors.NewConfigError("server", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)), err)
	}

	if err := v.validateIndexConfig(&cfg.Index); err != nil {
		return symerrors.NewConfigError("index", "", err)
	}

	if cfg.Performance.ExtractWorkers < 0 || cfg.Performance.ScanWorkers < 0 || cfg.Performance.ExtractQueue < 0 {
		return symerrors.NewConfigError("performance", "", errors.New("worker counts and queue depth cannot be negative"))
	}

	if cfg.Search.MaxResults < 0 {
		return symerrors.NewConfigError("search.max_results", strconv.Itoa(cfg.Search.MaxResults), errors.New("cannot be negative"))
	}

	for _, pattern := range append(append([]string{}, cfg.Include...), cfg.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return symerrors.NewConfigError("include/exclude", pattern, errors.New("invalid glob pattern"))
		}
	}

	v.setSmartDefaults(cfg)
	return nil
}

func (v *Validator) validateProjectConfig(project *Project) error {
	if project.Root == "" {
		return errors.New("project root cannot be empty")
	}
	return nil
}

func (v *Validator) validateServerConfig(server *Server) error {
	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", server.Port)
	}
	if server.RequestTimeoutMs < 0 {
		return fmt.Errorf("request timeout cannot be negative, got %d", server.RequestTimeoutMs)
	}
	if server.MaxInFlight < 0 {
		return fmt.Errorf("max in-flight cannot be negative, got %d", server.MaxInFlight)
	}
	return nil
}

// validateIndexConfig rejects a memory cap that cannot hold a workspace.
// The daemon treats this as fatal.
func (v *Validator) validateIndexConfig(index *Index) error {
	if index.MaxFileSize <= 0 {
		return fmt.Errorf("MaxFileSize must be positive, got %d", index.MaxFileSize)
	}

	if index.MaxFileSize > 100*1024*1024 {
		return fmt.Errorf("MaxFileSize should not exceed 100MB, got %d", index.MaxFileSize)
	}

	if index.MaxIndexMemoryMB < MinIndexMemoryMB {
		return fmt.Errorf("%w: max index memory must be at least %dMB, got %d",
			symerrors.ErrResourceExhausted, MinIndexMemoryMB, index.MaxIndexMemoryMB)
	}

	if index.WatchDebounceMs < 0 {
		return fmt.Errorf("WatchDebounceMs cannot be negative, got %d", index.WatchDebounceMs)
	}

	return nil
}

// setSmartDefaults applies defaults based on system capabilities
func (v *Validator) setSmartDefaults(cfg *Config) {
	// Use cores-1 to leave headroom for the dispatcher, minimum of 1
	if cfg.Performance.ExtractWorkers == 0 {
		cfg.Performance.ExtractWorkers = max(1, runtime.NumCPU()-1)
	}
	if cfg.Performance.ScanWorkers == 0 {
		cfg.Performance.ScanWorkers = runtime.NumCPU()
	}
	if cfg.Server.MaxInFlight == 0 {
		cfg.Server.MaxInFlight = 64
	}
	if cfg.Server.RequestTimeoutMs == 0 {
		cfg.Server.RequestTimeoutMs = 10000
	}
	if cfg.Search.MaxResults == 0 {
		cfg.Search.MaxResults = 100
	}
	if cfg.Project.Name == "" {
		cfg.Project.Name = "workspace"
	}
}

// ValidateConfig is a convenience function for quick validation
func ValidateConfig(cfg *Config) error {
	return NewValidator().ValidateAndSetDefaults(cfg)
}
