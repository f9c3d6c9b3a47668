package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/standardbeagle/symvead/internal/config"
	"github.com/standardbeagle/symvead/internal/query"
	"github.com/standardbeagle/symvead/internal/server"
	"github.com/standardbeagle/symvead/internal/types"
	"github.com/urfave/cli/v2"
)

// commandTimeout bounds a single client round trip.
const commandTimeout = 30 * time.Second

// withClient runs fn against the daemon and closes the client afterwards.
func withClient(c *cli.Context, fn func(ctx context.Context, client *server.Client) error) error {
	client, err := clientFor(c)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(c.Context, commandTimeout)
	defer cancel()
	return fn(ctx, client)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// location renders a span start as path:line:col.
func location(path string, span types.Span) string {
	return fmt.Sprintf("%s:%d:%d", path, span.Start.Line, span.Start.Column)
}

func printSymbol(w io.Writer, s query.SymbolResult) {
	stale := ""
	if s.Stale {
		stale = " [stale]"
	}
	sig := ""
	if s.Signature != "" {
		sig = " | " + s.Signature
	}
	fmt.Fprintf(w, "%s: %s %s%s%s\n", location(s.Path, s.Span), s.Kind, s.QualifiedName, sig, stale)
}

// statusCommand shows daemon status and statistics
func statusCommand(c *cli.Context) error {
	return withClient(c, func(ctx context.Context, client *server.Client) error {
		status, err := client.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get server status: %w", err)
		}
		stats, err := client.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to get server stats: %w", err)
		}
		if c.Bool("json") {
			return writeJSON(c.App.Writer, struct {
				Status *server.StatusResult `json:"status"`
				Stats  *server.StatsResult  `json:"stats"`
			}{status, stats})
		}

		w := c.App.Writer
		fmt.Fprintf(w, "Root:        %s\n", status.Root)
		fmt.Fprintf(w, "Ready:       %v\n", status.Ready)
		fmt.Fprintf(w, "Generation:  %d\n", status.Generation)
		fmt.Fprintf(w, "Files:       %d (%d failed)\n", status.Files, status.FailedFiles)
		fmt.Fprintf(w, "Symbols:     %d\n", status.Symbols)
		fmt.Fprintf(w, "References:  %d\n", status.References)
		fmt.Fprintf(w, "Index size:  %.1f MB of %.0f MB (%d evictions)\n",
			float64(stats.Graph.EstimatedBytes)/1024/1024, float64(stats.Graph.MemoryCap)/1024/1024, stats.Graph.Evictions)
		fmt.Fprintf(w, "In flight:   %d extractions, %d requests\n", status.Progress.InFlight, stats.InFlight)
		fmt.Fprintf(w, "Memory:      %.1f MB heap, %d goroutines\n", stats.MemoryHeapMB, stats.NumGoroutines)
		fmt.Fprintf(w, "Uptime:      %s\n", time.Duration(stats.UptimeSeconds*float64(time.Second)).Round(time.Second))
		if stats.Watch != nil {
			fmt.Fprintf(w, "Watching:    %v (%d events, %d errors)\n", stats.Watch.IsActive, stats.Watch.EventsProcessed, stats.Watch.ErrorCount)
		}
		return nil
	})
}

func searchCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("usage: symvead search <pattern>")
	}
	params := server.SearchParams{
		Pattern: c.Args().First(),
		Kinds:   c.StringSlice("kind"),
		Limit:   c.Int("max-results"),
	}
	if c.Bool("prefix") {
		params.Mode = "prefix"
	}

	return withClient(c, func(ctx context.Context, client *server.Client) error {
		res, err := client.Search(ctx, params)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if c.Bool("json") {
			return writeJSON(c.App.Writer, res)
		}
		for _, s := range res.Symbols {
			printSymbol(c.App.Writer, s)
		}
		if len(res.Symbols) == 0 && len(res.Suggestions) > 0 {
			fmt.Fprintf(c.App.Writer, "No matches. Did you mean: %v\n", res.Suggestions)
		}
		return nil
	})
}

func definitionCommand(c *cli.Context) error {
	q := query.DefinitionQuery{
		SymbolID: types.SymbolID(c.String("id")),
		Path:     c.String("file"),
		Line:     c.Int("line"),
		Column:   c.Int("col"),
		Name:     c.Args().First(),
	}
	if q.Path != "" {
		abs, err := filepath.Abs(q.Path)
		if err != nil {
			return err
		}
		q.Path = abs
	}
	if q.SymbolID == "" && q.Path == "" && q.Name == "" {
		return errors.New("usage: symvead definition <name> | --id <symbol-id> | --file <path> --line <n> --col <n>")
	}

	return withClient(c, func(ctx context.Context, client *server.Client) error {
		res, err := client.Definition(ctx, q)
		if err != nil {
			return fmt.Errorf("definition lookup failed: %w", err)
		}
		if c.Bool("json") {
			return writeJSON(c.App.Writer, res)
		}
		if res.Unresolved && res.Reference != nil {
			fmt.Fprintf(c.App.Writer, "%s: unresolved reference to %s\n",
				location(res.Reference.Path, res.Reference.Span), res.Reference.Target.Name)
			return nil
		}
		for _, d := range res.Definitions {
			printSymbol(c.App.Writer, d)
		}
		return nil
	})
}

// referencesCommand accepts a symbol id, or a name that is first resolved
// to its definitions.
func referencesCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("usage: symvead references <symbol-id|name>")
	}
	arg := c.Args().First()

	return withClient(c, func(ctx context.Context, client *server.Client) error {
		ids := []types.SymbolID{types.SymbolID(arg)}
		if !types.SymbolID(arg).Valid() {
			defs, err := client.Definition(ctx, query.DefinitionQuery{Name: arg})
			if err != nil {
				return fmt.Errorf("definition lookup failed: %w", err)
			}
			ids = ids[:0]
			for _, d := range defs.Definitions {
				ids = append(ids, d.ID)
			}
		}

		var results []*query.ReferencesResult
		for _, id := range ids {
			res, err := client.References(ctx, id, c.Bool("include-definition"))
			if err != nil {
				return fmt.Errorf("references search failed: %w", err)
			}
			results = append(results, res)
		}
		if c.Bool("json") {
			return writeJSON(c.App.Writer, results)
		}
		for _, res := range results {
			if res.Definition != nil {
				printSymbol(c.App.Writer, *res.Definition)
			}
			for _, r := range res.References {
				fmt.Fprintf(c.App.Writer, "%s: %s %s\n", location(r.Path, r.Span), r.Kind, r.Target.Name)
			}
		}
		return nil
	})
}

func symbolsCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("usage: symvead symbols <path>")
	}
	path, err := filepath.Abs(c.Args().First())
	if err != nil {
		return err
	}

	return withClient(c, func(ctx context.Context, client *server.Client) error {
		res, err := client.DocumentSymbols(ctx, path, c.Bool("references"))
		if err != nil {
			return fmt.Errorf("document symbols failed: %w", err)
		}
		if c.Bool("json") {
			return writeJSON(c.App.Writer, res)
		}
		if res.File == nil {
			return fmt.Errorf("%s is not indexed", path)
		}
		for _, s := range res.Symbols {
			printSymbol(c.App.Writer, s)
		}
		for _, r := range res.References {
			state := "-> " + string(r.ResolvedID)
			if r.Unresolved {
				state = "unresolved"
			}
			fmt.Fprintf(c.App.Writer, "%s: %s %s %s\n", location(r.Path, r.Span), r.Kind, r.Target.Name, state)
		}
		return nil
	})
}

func reindexCommand(c *cli.Context) error {
	return withClient(c, func(ctx context.Context, client *server.Client) error {
		res, err := client.Reindex(ctx, c.Bool("wait"))
		if err != nil {
			return fmt.Errorf("reindex failed: %w", err)
		}
		fmt.Fprintln(c.App.Writer, res.Message)
		if res.Scan != nil {
			fmt.Fprintf(c.App.Writer, "%d files, %d queued, %d removed in %v\n",
				res.Scan.Files, res.Scan.Queued, res.Scan.Removed, res.Scan.Duration.Round(time.Millisecond))
		}
		return nil
	})
}

// shutdownCommand sends a shutdown request to the running server
func shutdownCommand(c *cli.Context) error {
	return withClient(c, func(ctx context.Context, client *server.Client) error {
		if !client.IsServerRunning(ctx) {
			return errors.New("no server is running at the configured address")
		}
		if err := client.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		fmt.Fprintln(c.App.Writer, "Server shutting down")
		return nil
	})
}

func generateConfigCommand(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}
	output := c.String("output")
	if output == "" {
		output = filepath.Join(cfg.Project.Root, config.TOMLFileName)
	}
	if err := cfg.SaveTOML(output, c.Bool("force")); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Configuration file created: %s\n", output)
	if _, err := os.Stat(filepath.Join(cfg.Project.Root, config.KDLFileName)); err == nil {
		fmt.Fprintf(c.App.Writer, "Note: %s is read after %s and overrides it\n", config.KDLFileName, config.TOMLFileName)
	}
	return nil
}
