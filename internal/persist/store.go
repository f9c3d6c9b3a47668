// Package persist saves graph snapshots to SQLite and restores them on the
// next start, so a restarted daemon only re-extracts files that changed.
// It is used only when a persistence path is configured.
package persist

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/standardbeagle/symvead/internal/debug"
	"github.com/standardbeagle/symvead/internal/graph"
	"github.com/standardbeagle/symvead/internal/types"
)

// Store is the SQLite data access layer for persisted snapshots.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled and
// creates the schema if needed.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables. Idempotent.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	// databases written before failures were persisted lack these columns
	for _, col := range []struct{ name, ddl string }{
		{"failed_version", "ALTER TABLE files ADD COLUMN failed_version INTEGER NOT NULL DEFAULT 0"},
		{"failure_message", "ALTER TABLE files ADD COLUMN failure_message TEXT"},
	} {
		ok, err := s.hasColumn("files", col.name)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if ok {
			continue
		}
		if _, err := s.db.Exec(col.ddl); err != nil {
			return fmt.Errorf("migrate: add %s: %w", col.name, err)
		}
	}
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS meta (
  key             TEXT PRIMARY KEY,
  value           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
  path            TEXT PRIMARY KEY,
  language        TEXT NOT NULL,
  version         INTEGER NOT NULL,
  content_hash    INTEGER NOT NULL,
  indexed_at      TIMESTAMP,
  failed_version  INTEGER NOT NULL DEFAULT 0,
  failure_message TEXT
);

CREATE TABLE IF NOT EXISTS symbols (
  file_path       TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
  name            TEXT NOT NULL,
  qualified_name  TEXT NOT NULL,
  kind            TEXT NOT NULL,
  visibility      TEXT NOT NULL,
  start_line      INTEGER, start_col INTEGER, end_line INTEGER, end_col INTEGER,
  name_start_line INTEGER, name_start_col INTEGER, name_end_line INTEGER, name_end_col INTEGER,
  container       TEXT,
  signature       TEXT,
  language        TEXT
);

CREATE TABLE IF NOT EXISTS references_ (
  file_path       TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
  ordinal         INTEGER NOT NULL,
  name            TEXT NOT NULL,
  qualifier       TEXT,
  kind            TEXT NOT NULL,
  container       TEXT,
  start_line      INTEGER, start_col INTEGER, end_line INTEGER, end_col INTEGER,
  PRIMARY KEY (file_path, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(file_path);
`

// Save replaces the stored state with snap. Files whose only extraction
// failed have no good data and are skipped. A file whose newest extraction
// failed keeps its last good data along with the failed version, so it is
// restored as stale.
func (s *Store) Save(snap *graph.Snapshot) error {
	start := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{"DELETE FROM references_", "DELETE FROM symbols", "DELETE FROM files"} {
		if _, err := tx.Exec(q); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}

	fileStmt, err := tx.Prepare(`INSERT INTO files (path, language, version, content_hash, indexed_at,
		failed_version, failure_message) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer fileStmt.Close()
	symStmt, err := tx.Prepare(`INSERT INTO symbols (file_path, name, qualified_name, kind, visibility,
		start_line, start_col, end_line, end_col, name_start_line, name_start_col, name_end_line, name_end_col,
		container, signature, language) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer symStmt.Close()
	refStmt, err := tx.Prepare(`INSERT INTO references_ (file_path, ordinal, name, qualifier, kind, container,
		start_line, start_col, end_line, end_col) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer refStmt.Close()

	files := 0
	for _, f := range snap.Files() {
		if f.Version == 0 {
			continue
		}
		var failedVersion int64
		var failure sql.NullString
		if f.ExtractionFailed {
			failedVersion = int64(f.FailedVersion)
			failure = sql.NullString{String: f.FailureMessage, Valid: true}
		}
		// sqlite integers are signed; the hash round-trips through int64
		if _, err := fileStmt.Exec(f.Path, f.Language, int64(f.Version), int64(f.ContentHash), f.IndexedAt,
			failedVersion, failure); err != nil {
			return fmt.Errorf("insert file %s: %w", f.Path, err)
		}
		for _, sym := range snap.SymbolsInFile(f.Path) {
			if _, err := symStmt.Exec(f.Path, sym.Name, sym.QualifiedName, sym.Kind.String(), sym.Visibility.String(),
				sym.Span.Start.Line, sym.Span.Start.Column, sym.Span.End.Line, sym.Span.End.Column,
				sym.NameSpan.Start.Line, sym.NameSpan.Start.Column, sym.NameSpan.End.Line, sym.NameSpan.End.Column,
				sym.Container, sym.Signature, sym.Language); err != nil {
				return fmt.Errorf("insert symbol %s: %w", sym.QualifiedName, err)
			}
		}
		for i, ref := range snap.ReferencesInFile(f.Path) {
			if _, err := refStmt.Exec(f.Path, i, ref.Target.Name, ref.Target.Qualifier, ref.Kind.String(), ref.Container,
				ref.Span.Start.Line, ref.Span.Start.Column, ref.Span.End.Line, ref.Span.End.Column); err != nil {
				return fmt.Errorf("insert reference in %s: %w", f.Path, err)
			}
		}
		files++
	}

	if _, err := tx.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('generation', ?)", fmt.Sprint(snap.Generation)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	debug.LogIndexing("persisted %d files (generation %d) in %v", files, snap.Generation, time.Since(start))
	return nil
}

// Load reads every stored file back as a graph update.
func (s *Store) Load() ([]graph.FileUpdate, error) {
	rows, err := s.db.Query("SELECT path, language, version, content_hash FROM files ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	var updates []graph.FileUpdate
	index := make(map[string]int)
	for rows.Next() {
		var u graph.FileUpdate
		var version, hash int64
		if err := rows.Scan(&u.Path, &u.Language, &version, &hash); err != nil {
			rows.Close()
			return nil, err
		}
		u.Version = uint64(version)
		u.ContentHash = uint64(hash)
		index[u.Path] = len(updates)
		updates = append(updates, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadSymbols(updates, index); err != nil {
		return nil, err
	}
	if err := s.loadReferences(updates, index); err != nil {
		return nil, err
	}
	return updates, nil
}

func (s *Store) loadSymbols(updates []graph.FileUpdate, index map[string]int) error {
	rows, err := s.db.Query(`SELECT file_path, name, qualified_name, kind, visibility,
		start_line, start_col, end_line, end_col, name_start_line, name_start_col, name_end_line, name_end_col,
		container, signature, language FROM symbols`)
	if err != nil {
		return fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var path, kind, vis string
		var sym types.Symbol
		var container, signature, lang sql.NullString
		if err := rows.Scan(&path, &sym.Name, &sym.QualifiedName, &kind, &vis,
			&sym.Span.Start.Line, &sym.Span.Start.Column, &sym.Span.End.Line, &sym.Span.End.Column,
			&sym.NameSpan.Start.Line, &sym.NameSpan.Start.Column, &sym.NameSpan.End.Line, &sym.NameSpan.End.Column,
			&container, &signature, &lang); err != nil {
			return err
		}
		i, ok := index[path]
		if !ok {
			continue
		}
		sym.Kind = types.ParseSymbolKind(kind)
		_ = sym.Visibility.UnmarshalText([]byte(vis))
		sym.Container = container.String
		sym.Signature = signature.String
		sym.Language = lang.String
		updates[i].Symbols = append(updates[i].Symbols, sym)
	}
	return rows.Err()
}

func (s *Store) loadReferences(updates []graph.FileUpdate, index map[string]int) error {
	rows, err := s.db.Query(`SELECT file_path, name, qualifier, kind, container,
		start_line, start_col, end_line, end_col FROM references_ ORDER BY file_path, ordinal`)
	if err != nil {
		return fmt.Errorf("query references: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var path, kind string
		var ref types.Reference
		var qualifier, container sql.NullString
		if err := rows.Scan(&path, &ref.Target.Name, &qualifier, &kind, &container,
			&ref.Span.Start.Line, &ref.Span.Start.Column, &ref.Span.End.Line, &ref.Span.End.Column); err != nil {
			return err
		}
		i, ok := index[path]
		if !ok {
			continue
		}
		ref.Target.Qualifier = qualifier.String
		ref.Container = container.String
		_ = ref.Kind.UnmarshalText([]byte(kind))
		updates[i].References = append(updates[i].References, ref)
	}
	return rows.Err()
}

// failure is a persisted failed extraction newer than a file's good data.
type failure struct {
	version uint64
	message string
}

// failures returns the failed extraction recorded for each stale file.
func (s *Store) failures() (map[string]failure, error) {
	rows, err := s.db.Query("SELECT path, failed_version, failure_message FROM files WHERE failed_version > 0")
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()
	out := make(map[string]failure)
	for rows.Next() {
		var path string
		var version int64
		var msg sql.NullString
		if err := rows.Scan(&path, &version, &msg); err != nil {
			return nil, err
		}
		out[path] = failure{version: uint64(version), message: msg.String}
	}
	return out, rows.Err()
}

// Restore applies every stored file to g and returns how many were loaded.
// Files saved while stale are flagged stale again.
func (s *Store) Restore(g *graph.Graph) (int, error) {
	updates, err := s.Load()
	if err != nil {
		return 0, err
	}
	failed, err := s.failures()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range updates {
		if _, err := g.Apply(u); err != nil {
			debug.LogIndexing("skipping persisted %s: %v", u.Path, err)
			continue
		}
		n++
		if f, ok := failed[u.Path]; ok && f.version > u.Version {
			if _, err := g.MarkExtractionFailed(u.Path, f.version, errors.New(f.message)); err != nil {
				debug.LogIndexing("dropping persisted failure of %s: %v", u.Path, err)
			}
		}
	}
	return n, nil
}
