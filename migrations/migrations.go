// Package migrations holds the SQL schema of the server's tables.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"slices"
)

//go:embed *.sql
var files embed.FS

// Apply runs every embedded migration in file name order. Each file is
// idempotent.
func Apply(ctx context.Context, db *sql.DB) ([]string, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	for _, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return nil, err
		}
	}
	return names, nil
}
