package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// tomlFile mirrors symvea.toml. Pointer fields distinguish "absent" from
// zero so a partial file only overrides what it names.
type tomlFile struct {
	ListenAddress  *string      `toml:"listen_address,omitempty"`
	WorkspaceRoot  *string      `toml:"workspace_root,omitempty"`
	MaxIndexMemory *int64       `toml:"max_index_memory_mb,omitempty"`
	MaxFileSize    *int64       `toml:"max_file_size,omitempty"`
	Server         *tomlServer  `toml:"server,omitempty"`
	Index          *tomlIndex   `toml:"index,omitempty"`
	Search         *tomlSearch  `toml:"search,omitempty"`
	Performance    *tomlWorkers `toml:"performance,omitempty"`
	Persist        *tomlPersist `toml:"persist,omitempty"`
	Include        []string     `toml:"include,omitempty"`
	Exclude        []string     `toml:"exclude,omitempty"`
}

type tomlServer struct {
	Port             *int `toml:"port,omitempty"`
	RequestTimeoutMs *int `toml:"request_timeout_ms,omitempty"`
	MaxInFlight      *int `toml:"max_in_flight,omitempty"`
}

type tomlIndex struct {
	FollowSymlinks   *bool `toml:"follow_symlinks,omitempty"`
	RespectGitignore *bool `toml:"respect_gitignore,omitempty"`
	WatchMode        *bool `toml:"watch_mode,omitempty"`
	WatchDebounceMs  *int  `toml:"watch_debounce_ms,omitempty"`
}

type tomlSearch struct {
	MaxResults        *int  `toml:"max_results,omitempty"`
	EnableSuggestions *bool `toml:"enable_suggestions,omitempty"`
}

type tomlPersist struct {
	Path *string `toml:"path,omitempty"`
}

type tomlWorkers struct {
	ExtractWorkers *int `toml:"extract_workers,omitempty"`
	ScanWorkers    *int `toml:"scan_workers,omitempty"`
	ExtractQueue   *int `toml:"extract_queue,omitempty"`
}

// applyTOMLFile overlays a symvea.toml file onto cfg. A missing file is not an error.
func applyTOMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := applyTOML(cfg, data); err != nil {
		return err
	}
	if !filepath.IsAbs(cfg.Project.Root) {
		cfg.Project.Root = filepath.Clean(filepath.Join(filepath.Dir(path), cfg.Project.Root))
	}
	return nil
}

func applyTOML(cfg *Config, data []byte) error {
	var f tomlFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse TOML config: %w", err)
	}

	if f.ListenAddress != nil {
		host, port, err := net.SplitHostPort(*f.ListenAddress)
		if err != nil {
			return fmt.Errorf("invalid listen_address %q: %w", *f.ListenAddress, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid listen_address port %q: %w", port, err)
		}
		cfg.Server.Host = host
		cfg.Server.Port = p
	}
	if f.WorkspaceRoot != nil {
		cfg.Project.Root = *f.WorkspaceRoot
		cfg.Project.Name = filepath.Base(*f.WorkspaceRoot)
	}
	if f.MaxIndexMemory != nil {
		cfg.Index.MaxIndexMemoryMB = *f.MaxIndexMemory
	}
	if f.MaxFileSize != nil {
		cfg.Index.MaxFileSize = *f.MaxFileSize
	}

	if s := f.Server; s != nil {
		setInt(&cfg.Server.Port, s.Port)
		setInt(&cfg.Server.RequestTimeoutMs, s.RequestTimeoutMs)
		setInt(&cfg.Server.MaxInFlight, s.MaxInFlight)
	}
	if ix := f.Index; ix != nil {
		setBool(&cfg.Index.FollowSymlinks, ix.FollowSymlinks)
		setBool(&cfg.Index.RespectGitignore, ix.RespectGitignore)
		setBool(&cfg.Index.WatchMode, ix.WatchMode)
		setInt(&cfg.Index.WatchDebounceMs, ix.WatchDebounceMs)
	}
	if s := f.Search; s != nil {
		setInt(&cfg.Search.MaxResults, s.MaxResults)
		setBool(&cfg.Search.EnableSuggestions, s.EnableSuggestions)
	}
	if p := f.Performance; p != nil {
		setInt(&cfg.Performance.ExtractWorkers, p.ExtractWorkers)
		setInt(&cfg.Performance.ScanWorkers, p.ScanWorkers)
		setInt(&cfg.Performance.ExtractQueue, p.ExtractQueue)
	}
	if f.Persist != nil && f.Persist.Path != nil {
		cfg.Persist.Path = *f.Persist.Path
	}
	if len(f.Include) > 0 {
		cfg.Include = f.Include
	}
	cfg.Exclude = append(cfg.Exclude, f.Exclude...)

	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// MarshalTOML renders cfg as a complete symvea.toml document.
func (c *Config) MarshalTOML() ([]byte, error) {
	listen := c.ListenAddress()
	root := c.Project.Root
	f := tomlFile{
		ListenAddress:  &listen,
		WorkspaceRoot:  &root,
		MaxIndexMemory: &c.Index.MaxIndexMemoryMB,
		MaxFileSize:    &c.Index.MaxFileSize,
		Server: &tomlServer{
			RequestTimeoutMs: &c.Server.RequestTimeoutMs,
			MaxInFlight:      &c.Server.MaxInFlight,
		},
		Index: &tomlIndex{
			FollowSymlinks:   &c.Index.FollowSymlinks,
			RespectGitignore: &c.Index.RespectGitignore,
			WatchMode:        &c.Index.WatchMode,
			WatchDebounceMs:  &c.Index.WatchDebounceMs,
		},
		Search: &tomlSearch{
			MaxResults:        &c.Search.MaxResults,
			EnableSuggestions: &c.Search.EnableSuggestions,
		},
		Performance: &tomlWorkers{
			ExtractWorkers: &c.Performance.ExtractWorkers,
			ScanWorkers:    &c.Performance.ScanWorkers,
			ExtractQueue:   &c.Performance.ExtractQueue,
		},
		Include: c.Include,
	}
	if c.Persist.Path != "" {
		f.Persist = &tomlPersist{Path: &c.Persist.Path}
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SaveTOML writes cfg to path, refusing to overwrite unless force is set.
func (c *Config) SaveTOML(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := c.MarshalTOML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
