package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/standardbeagle/symvead/internal/config"
	"github.com/standardbeagle/symvead/internal/debug"
	"github.com/standardbeagle/symvead/internal/server"
	"github.com/standardbeagle/symvead/internal/version"

	"github.com/urfave/cli/v2"
)

// loadConfigWithOverrides loads configuration for the selected root, applies
// CLI flag overrides and validates the result.
func loadConfigWithOverrides(c *cli.Context) (*config.Config, error) {
	root := c.String("root")
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root path %q: %w", root, err)
		}
		root = abs
	}

	var cfg *config.Config
	var err error
	if configPath := c.String("config"); configPath != "" {
		cfg, err = config.LoadFile(configPath, root)
	} else {
		cfg, err = config.Load(root)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if includeFlags := c.StringSlice("include"); len(includeFlags) > 0 {
		cfg.Include = includeFlags
	}
	if excludeFlags := c.StringSlice("exclude"); len(excludeFlags) > 0 {
		cfg.Exclude = append(cfg.Exclude, excludeFlags...)
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("host") {
		cfg.Server.Host = c.String("host")
	}
	if c.IsSet("max-index-memory-mb") {
		cfg.Index.MaxIndexMemoryMB = c.Int64("max-index-memory-mb")
	}
	if c.IsSet("persist") {
		cfg.Persist.Path = c.String("persist")
	}
	if c.Bool("no-watch") {
		cfg.Index.WatchMode = false
	}

	if err := config.NewValidator().ValidateAndSetDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// clientFor connects to the daemon named by --addr, or the configured
// listen address.
func clientFor(c *cli.Context) (*server.Client, error) {
	if addr := c.String("addr"); addr != "" {
		return server.NewClient(addr), nil
	}
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return nil, err
	}
	return server.NewClient(cfg.ListenAddress()), nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:                   "symvead",
		Usage:                  "Incremental symbol index daemon",
		Version:                version.String(),
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Explicit config file (.toml or .kdl); default reads symvea.toml and .symvea.kdl from the root",
			},
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Workspace root to index (overrides config)",
			},
			&cli.StringSliceFlag{
				Name:  "include",
				Usage: "Include files matching glob patterns (e.g., --include '**/*.go')",
			},
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "Exclude files matching glob patterns (e.g., --exclude '**/testdata/**')",
			},
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Usage:   "Daemon address for client commands (default: configured listen address)",
				EnvVars: []string{"SYMVEAD_ADDR"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.StringFlag{
				Name:  "debug-log-dir",
				Usage: "Write debug output to a file in this directory",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				debug.SetEnabled(true)
			}
			if dir := c.String("debug-log-dir"); dir != "" {
				path, err := debug.InitDebugLogFile(dir)
				if err != nil {
					return err
				}
				debug.SetEnabled(true)
				fmt.Fprintf(os.Stderr, "Debug log: %s\n", path)
			}
			return nil
		},
		After: func(c *cli.Context) error {
			return debug.CloseDebugLog()
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the index daemon in the foreground",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Listen port"},
					&cli.StringFlag{Name: "host", Usage: "Interface to bind"},
					&cli.Int64Flag{Name: "max-index-memory-mb", Usage: "Soft cap on the index footprint before LRU eviction"},
					&cli.StringFlag{Name: "persist", Usage: "SQLite file to restore from and save snapshots to"},
					&cli.BoolFlag{Name: "no-watch", Usage: "Disable file system watching"},
				},
				Action: serveCommand,
			},
			{
				Name:  "mcp",
				Usage: "Index the workspace in-process and serve MCP tools over stdio",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "max-index-memory-mb", Usage: "Soft cap on the index footprint before LRU eviction"},
					&cli.StringFlag{Name: "persist", Usage: "SQLite file to restore from and save the final snapshot to"},
					&cli.BoolFlag{Name: "no-watch", Usage: "Disable file system watching"},
				},
				Action: mcpCommand,
			},
			{
				Name:   "status",
				Usage:  "Show daemon status and statistics",
				Flags:  []cli.Flag{jsonFlag()},
				Action: statusCommand,
			},
			{
				Name:      "search",
				Aliases:   []string{"s"},
				Usage:     "Search workspace symbols by name",
				ArgsUsage: "<pattern>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "prefix", Usage: "Match names starting with the pattern instead of containing it"},
					&cli.StringSliceFlag{Name: "kind", Aliases: []string{"k"}, Usage: "Restrict to symbol kinds (function, type, variable, module, other)"},
					&cli.IntFlag{Name: "max-results", Aliases: []string{"n"}, Usage: "Maximum results (0 = daemon default)"},
					jsonFlag(),
				},
				Action: searchCommand,
			},
			{
				Name:      "definition",
				Aliases:   []string{"def"},
				Usage:     "Find a definition by name, symbol id or position",
				ArgsUsage: "[<name>]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Symbol id"},
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "File for a position lookup"},
					&cli.IntFlag{Name: "line", Aliases: []string{"l"}, Usage: "1-based line for a position lookup"},
					&cli.IntFlag{Name: "col", Usage: "0-based column for a position lookup"},
					jsonFlag(),
				},
				Action: definitionCommand,
			},
			{
				Name:      "references",
				Aliases:   []string{"refs"},
				Usage:     "List references to a symbol, given by id or name",
				ArgsUsage: "<symbol-id|name>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "include-definition", Usage: "Include the definition itself"},
					jsonFlag(),
				},
				Action: referencesCommand,
			},
			{
				Name:      "symbols",
				Usage:     "List the symbols defined in a file",
				ArgsUsage: "<path>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "references", Usage: "Include the file's references"},
					jsonFlag(),
				},
				Action: symbolsCommand,
			},
			{
				Name:  "reindex",
				Usage: "Rescan the workspace",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "wait", Aliases: []string{"w"}, Usage: "Wait for the scan to finish"},
				},
				Action: reindexCommand,
			},
			{
				Name:   "shutdown",
				Usage:  "Stop the running daemon",
				Action: shutdownCommand,
			},
			{
				Name:  "generate-config",
				Usage: "Write a symvea.toml with the effective configuration",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output path (default: <root>/symvea.toml)"},
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
				},
				Action: generateConfigCommand,
			},
		},
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "json",
		Aliases: []string{"j"},
		Usage:   "Output as JSON",
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}
