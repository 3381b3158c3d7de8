package postgres

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunMigrations applies the escrow schema files (*.sql) found in dir in
// lexical order. Each file runs in its own transaction and must be safe to
// apply again on every start.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	files, err := schemaFiles(dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read escrow schema %s: %w", filepath.Base(path), err)
		}
		stmts := strings.TrimSpace(string(body))
		if stmts == "" {
			continue
		}
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, stmts)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply escrow schema %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// schemaFiles lists the schema files in dir. A missing dir or one without
// any schema file is an error: the repositories cannot run without tables.
func schemaFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("escrow schema dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("escrow schema dir %s is not a directory", dir)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("escrow schema dir %s: %w", dir, err)
	}
	var files []string
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("escrow schema dir %s has no .sql files", dir)
	}
	sort.Strings(files)
	return files, nil
}
