// Package store persists indexed files, their embeddings and cached model
// responses in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/youruser/patchwork/internal/llm"
	"github.com/youruser/patchwork/internal/logging"
	"github.com/youruser/patchwork/internal/retrieval"
	"github.com/youruser/patchwork/internal/types"
)

var log = logging.Get()

//go:embed migrations/*.sql
var migrations embed.FS

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Store is a SQLite-backed retrieval.Index and llm.ResponseStore.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		log.Debug("Applied migration %s", r.Source.Path)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Hashes returns the content hash of every indexed path in scope.
func (s *Store) Hashes(ctx context.Context, scope types.Scope) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, hash FROM files WHERE repo = ? AND branch = ?`, scope.Repo, scope.Branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, err
		}
		out[path] = hash
	}
	return out, rows.Err()
}

// Upsert stores docs in one transaction, replacing rows for the same path.
func (s *Store) Upsert(ctx context.Context, scope types.Scope, docs []retrieval.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (repo, branch, path, content, hash, token_count, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT (repo, branch, path) DO UPDATE SET
			content = excluded.content,
			hash = excluded.hash,
			token_count = excluded.token_count,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range docs {
		if _, err := stmt.ExecContext(ctx, scope.Repo, scope.Branch, d.File.Path, d.File.Content,
			d.File.Hash, d.File.TokenCount, d.Vector.ToBytes()); err != nil {
			return fmt.Errorf("upsert %s: %w", d.File.Path, err)
		}
	}
	return tx.Commit()
}

// Remove deletes paths from scope.
func (s *Store) Remove(ctx context.Context, scope types.Scope, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := []any{scope.Repo, scope.Branch}
	for _, p := range paths {
		args = append(args, p)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(paths)), ",")
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM files WHERE repo = ? AND branch = ? AND path IN (`+placeholders+`)`, args...)
	return err
}

// Similar ranks every embedded file in scope by cosine similarity to query.
func (s *Store) Similar(ctx context.Context, scope types.Scope, query retrieval.Vector, limit int) ([]types.File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, content, hash, token_count, embedding
		FROM files
		WHERE repo = ? AND branch = ? AND embedding IS NOT NULL`, scope.Repo, scope.Branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.File
	for rows.Next() {
		var f types.File
		var blob []byte
		if err := rows.Scan(&f.Path, &f.Content, &f.Hash, &f.TokenCount, &blob); err != nil {
			return nil, err
		}
		f.Similarity = query.Similarity(retrieval.VectorFromBytes(blob))
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return retrieval.Rank(out, limit), nil
}

// Files returns every stored file in scope, by path.
func (s *Store) Files(ctx context.Context, scope types.Scope) ([]types.File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, content, hash, token_count FROM files
		WHERE repo = ? AND branch = ? ORDER BY path`, scope.Repo, scope.Branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.File
	for rows.Next() {
		var f types.File
		if err := rows.Scan(&f.Path, &f.Content, &f.Hash, &f.TokenCount); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetResponse returns a cached response by key.
func (s *Store) GetResponse(ctx context.Context, key string) (*llm.Response, bool, error) {
	var r llm.Response
	err := s.db.QueryRowContext(ctx, `
		SELECT text, input_tokens, output_tokens, finish_reason
		FROM responses WHERE key = ?`, key).
		Scan(&r.Text, &r.InputTokens, &r.OutputTokens, &r.FinishReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

// PutResponse caches resp under key.
func (s *Store) PutResponse(ctx context.Context, key, model string, resp *llm.Response) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO responses (key, model, text, input_tokens, output_tokens, finish_reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			text = excluded.text,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			finish_reason = excluded.finish_reason,
			created_at = datetime('now')`,
		key, model, resp.Text, resp.InputTokens, resp.OutputTokens, resp.FinishReason)
	return err
}

var (
	_ retrieval.Index   = (*Store)(nil)
	_ llm.ResponseStore = (*Store)(nil)
)
