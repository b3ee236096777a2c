package db

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "sql")
	require.NoError(t, err)
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	require.Equal(t, ups, downs)

	up, err := fs.ReadFile(migrationsFS, "sql/0001_queue_dlq.up.sql")
	require.NoError(t, err)
	for _, col := range []string{"kind", "idem_key", "payload", "attempts", "last_error", "created_at"} {
		require.Contains(t, string(up), col)
	}
}

func TestMigrateRequiresDSN(t *testing.T) {
	_, err := Migrate(context.Background(), "", 0)
	require.ErrorContains(t, err, "DATABASE_URL")
}
