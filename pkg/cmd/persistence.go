// Package cmd holds the shared factories the daemon binaries use to build
// their persistence and event bus from configuration.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dripmail/dripmail/pkg/persistence"
	"github.com/dripmail/dripmail/pkg/persistence/file"
	"github.com/dripmail/dripmail/pkg/persistence/postgresql"
)

// NewPersistence selects the storage backend from the database URL scheme:
// postgres:// and postgresql:// get the postgres backend, anything else gets
// file-based persistence.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseScheme(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parseScheme(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")
	if len(parts) < 2 {
		return "file"
	}

	return parts[0]
}
