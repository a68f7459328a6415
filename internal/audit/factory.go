package audit

import (
	"context"
	"strings"
)

// NewStore picks a backend from the database URL: "postgres://..." or
// "postgresql://..." uses PostgreSQL, "sqlite:<path>" uses a local file,
// and an empty URL keeps history in memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "sqlite:"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(strings.TrimPrefix(url, "sqlite:"), "//"))
	default:
		return NewPostgresStore(ctx, url)
	}
}
