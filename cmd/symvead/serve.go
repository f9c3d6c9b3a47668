package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/standardbeagle/symvead/internal/config"
	"github.com/standardbeagle/symvead/internal/debug"
	symerrors "github.com/standardbeagle/symvead/internal/errors"
	"github.com/standardbeagle/symvead/internal/extract"
	"github.com/standardbeagle/symvead/internal/graph"
	"github.com/standardbeagle/symvead/internal/indexing"
	"github.com/standardbeagle/symvead/internal/persist"
	"github.com/standardbeagle/symvead/internal/query"
	"github.com/standardbeagle/symvead/internal/server"
	"github.com/urfave/cli/v2"
)

// serveCommand runs the daemon until a signal or a shutdown request.
func serveCommand(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if errors.Is(err, symerrors.ErrResourceExhausted) {
		// a supervisor restarts us once the cap is fixed
		debug.FatalAndExit("invalid memory cap: %v", err)
	}
	if err != nil {
		return err
	}

	registry := extract.DefaultRegistry()
	defer registry.Close()

	g := graph.New(cfg.MaxIndexMemoryBytes())
	ix := indexing.NewIndexer(cfg, g, registry)
	defer ix.Close()

	engine := query.NewEngine(g, query.Options{
		MaxResults:        cfg.Search.MaxResults,
		EnableSuggestions: cfg.Search.EnableSuggestions,
	})
	srv := server.NewIndexServer(cfg, ix, engine)

	if cfg.Persist.Path != "" {
		store, err := openStore(cfg, g, ix)
		if err != nil {
			return err
		}
		defer store.Close()
		srv.SetStore(store)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
		if ctx.Err() == nil {
			if err := srv.Persist(); err != nil {
				log.Printf("%v", err)
			}
		}
	}()

	fmt.Printf("symvead listening on %s\n", srv.Addr())
	fmt.Printf("Root: %s\n", cfg.Project.Root)
	fmt.Printf("\nUse 'symvead shutdown' to stop the server\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
	case <-srv.Done():
		fmt.Println("Server shutdown requested")
	}

	cancel()
	scanWG.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	fmt.Println("Server shut down cleanly")
	return nil
}

// openStore opens the persistence database and restores its snapshot into
// g. A restored index serves queries while the initial scan catches up.
func openStore(cfg *config.Config, g *graph.Graph, ix *indexing.Indexer) (*persist.Store, error) {
	store, err := persist.NewStore(cfg.Persist.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence store %s: %w", cfg.Persist.Path, err)
	}
	start := time.Now()
	n, err := store.Restore(g)
	if err != nil {
		log.Printf("Ignoring unreadable snapshot in %s: %v", cfg.Persist.Path, err)
		return store, nil
	}
	if n > 0 {
		ix.MarkReady()
		log.Printf("Restored %d files from %s in %v", n, cfg.Persist.Path, time.Since(start))
	}
	return store, nil
}
