package main

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/standardbeagle/symvead/internal/extract"
	"github.com/standardbeagle/symvead/internal/graph"
	"github.com/standardbeagle/symvead/internal/indexing"
	"github.com/standardbeagle/symvead/internal/mcp"
	"github.com/standardbeagle/symvead/internal/persist"
	"github.com/standardbeagle/symvead/internal/query"
	"github.com/urfave/cli/v2"
)

// mcpCommand indexes the workspace in-process and serves it as MCP tools on
// stdin/stdout. Stdout carries the protocol, so everything else goes to
// stderr.
func mcpCommand(c *cli.Context) error {
	log.SetOutput(os.Stderr)

	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	registry := extract.DefaultRegistry()
	defer registry.Close()

	g := graph.New(cfg.MaxIndexMemoryBytes())
	ix := indexing.NewIndexer(cfg, g, registry)
	defer ix.Close()

	var store *persist.Store
	if cfg.Persist.Path != "" {
		store, err = openStore(cfg, g, ix)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ix.Start(ctx); err != nil {
		log.Printf("File watching unavailable: %v", err)
	}

	var scanWG sync.WaitGroup
	scanWG.Add(1)
	go func() {
		defer scanWG.Done()
		if _, err := ix.IndexWorkspace(ctx); err != nil {
			log.Printf("Initial scan finished with errors: %v", err)
		}
	}()

	engine := query.NewEngine(g, query.Options{
		MaxResults:        cfg.Search.MaxResults,
		EnableSuggestions: cfg.Search.EnableSuggestions,
	})
	runErr := mcp.NewServer(cfg, ix, engine).Run(ctx)

	stop()
	scanWG.Wait()
	if store != nil && ix.Ready() {
		if err := store.Save(g.CurrentSnapshot()); err != nil {
			log.Printf("Failed to save snapshot to %s: %v", cfg.Persist.Path, err)
		}
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}
