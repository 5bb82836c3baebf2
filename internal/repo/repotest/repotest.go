// Package repotest provides throwaway SQLite repositories for tests.
package repotest

import (
	"context"
	"path/filepath"
	"testing"

	"paygate/internal/logging"
	"paygate/internal/repo"
	"paygate/migrations"
)

// NewSQLite opens a migrated SQLite repository in a temporary directory.
func NewSQLite(tb testing.TB) *repo.SQLiteRepository {
	tb.Helper()
	ctx := context.Background()
	r, err := repo.NewSQLite(ctx, filepath.Join(tb.TempDir(), "paygate.db"), logging.Discard())
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	tb.Cleanup(r.Close)
	if err := r.RunMigrations(ctx, migrations.Files); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	return r
}

// SeedUser upserts a user with the given Telegram id.
func SeedUser(tb testing.TB, r repo.Repository, telegramID int64, username string) *repo.User {
	tb.Helper()
	u, err := r.UpsertUser(context.Background(), repo.UserProfile{TelegramID: telegramID, Username: username})
	if err != nil {
		tb.Fatalf("seed user %d: %v", telegramID, err)
	}
	return u
}
