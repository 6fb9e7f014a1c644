package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"tablekit/internal/apperr"
	"tablekit/internal/storage"
)

// SavedConfig is a named, JSON-encoded join configuration.
type SavedConfig struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Configuration json.RawMessage `json:"configuration"`
	CreatedAt     time.Time       `json:"created_date"`
	UpdatedAt     time.Time       `json:"updated_date"`
}

// Configs stores saved join configurations by unique name.
type Configs struct {
	c *Catalog
}

// Configs returns the saved-configuration store of c.
func (c *Catalog) Configs() *Configs { return &Configs{c: c} }

// Save stores v under name, replacing an existing configuration of the same
// name. It reports whether an existing one was updated.
func (s *Configs) Save(ctx context.Context, name string, v any) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("catalog: configuration name is empty")
	}
	body, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("catalog: encode configuration %s: %w", name, err)
	}
	if err := s.c.repo.CreateTable(ctx, ConfigTable, configSchema, true); err != nil {
		return false, fmt.Errorf("catalog: init %s: %w", ConfigTable, err)
	}
	now := s.c.now()
	n, err := s.c.exec(ctx, ConfigTable, []string{"configuration", "updated_date"}, []any{string(body), now}, "name", name)
	if err != nil {
		return false, fmt.Errorf("catalog: save configuration %s: %w", name, err)
	}
	if n > 0 {
		return true, nil
	}
	_, err = s.c.repo.InsertRows(ctx, ConfigTable, configSchema.Names(), [][]any{{name, string(body), now, now}})
	if err != nil {
		return false, fmt.Errorf("catalog: save configuration %s: %w", name, err)
	}
	return false, nil
}

// Load decodes the configuration stored under name into v.
func (s *Configs) Load(ctx context.Context, name string, v any) error {
	recs, err := s.query(ctx, "WHERE "+s.c.ident("name")+" = "+s.c.ph(1), name)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return apperr.New(apperr.NotFound, "catalog.Configs.Load", "configuration %q not found", name)
	}
	if err := json.Unmarshal(recs[0].Configuration, v); err != nil {
		return fmt.Errorf("catalog: decode configuration %s: %w", name, err)
	}
	return nil
}

// List returns every saved configuration, most recently updated first.
func (s *Configs) List(ctx context.Context) ([]SavedConfig, error) {
	return s.query(ctx, "ORDER BY "+s.c.ident("updated_date")+" DESC, "+s.c.ident("id")+" DESC")
}

// Delete removes the configuration stored under name.
func (s *Configs) Delete(ctx context.Context, name string) error {
	ok, err := s.exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotFound, "catalog.Configs.Delete", "configuration %q not found", name)
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", s.c.ident(ConfigTable), s.c.ident("name"), s.c.ph(1))
	n, err := s.c.repo.Exec(ctx, q, name)
	if err != nil {
		return fmt.Errorf("catalog: delete configuration %s: %w", name, err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "catalog.Configs.Delete", "configuration %q not found", name)
	}
	return nil
}

func (s *Configs) exists(ctx context.Context) (bool, error) {
	ok, err := s.c.repo.TableExists(ctx, ConfigTable)
	if err != nil {
		return false, fmt.Errorf("catalog: %w", err)
	}
	return ok, nil
}

// query returns no configurations until the table has been created.
func (s *Configs) query(ctx context.Context, tail string, args ...any) ([]SavedConfig, error) {
	if ok, err := s.exists(ctx); err != nil || !ok {
		return nil, err
	}
	cols := append([]string{"id"}, configSchema.Names()...)
	rs, err := s.c.repo.Query(ctx, s.c.selectSQL(ConfigTable, cols, tail), args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query configurations: %w", err)
	}
	out := make([]SavedConfig, 0, len(rs.Rows))
	for _, r := range rs.Rows {
		created, _ := storage.AsTime(r[3])
		updated, _ := storage.AsTime(r[4])
		out = append(out, SavedConfig{
			ID:            storage.AsInt64(r[0]),
			Name:          storage.AsString(r[1]),
			Configuration: json.RawMessage(storage.AsString(r[2])),
			CreatedAt:     created,
			UpdatedAt:     updated,
		})
	}
	return out, nil
}
