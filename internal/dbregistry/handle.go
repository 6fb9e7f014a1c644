package dbregistry

import (
	"context"
	"fmt"

	"tablekit/internal/catalog"
	"tablekit/internal/storage"
)

// Handle is an open database: its repository and catalog. Table manager and
// join builder calls take a Handle explicitly; there is no process-wide
// current database.
type Handle struct {
	Name    string
	Path    string // empty for DSN-backed databases
	Repo    storage.Repository
	Catalog *catalog.Catalog
}

// Close releases the handle's connections.
func (h *Handle) Close() error {
	if h == nil || h.Repo == nil {
		return nil
	}
	return h.Repo.Close()
}

// OpenDSN opens a server-backed database (postgres, mssql) or an explicit
// sqlite DSN as a Handle named name, creating the catalog tables if needed.
func OpenDSN(ctx context.Context, name string, cfg storage.Config) (*Handle, error) {
	repo, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cat := catalog.New(repo)
	if err := cat.Init(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &Handle{Name: name, Repo: repo, Catalog: cat}, nil
}
