package joinbuilder

import (
	"context"

	"tablekit/internal/catalog"
	"tablekit/internal/dbregistry"
)

// SaveConfig stores spec under name in h's catalog, replacing an existing
// configuration of that name. It reports whether one was replaced.
func (b *Builder) SaveConfig(ctx context.Context, h *dbregistry.Handle, name string, spec Spec) (bool, error) {
	updated, err := h.Catalog.Configs().Save(ctx, name, spec)
	if err != nil {
		return false, err
	}
	b.logf("config: saved name=%q updated=%t", name, updated)
	return updated, nil
}

// LoadConfig returns the spec saved under name. Unknown names are NotFound.
func (b *Builder) LoadConfig(ctx context.Context, h *dbregistry.Handle, name string) (Spec, error) {
	var spec Spec
	err := h.Catalog.Configs().Load(ctx, name, &spec)
	return spec, err
}

func (b *Builder) ListConfigs(ctx context.Context, h *dbregistry.Handle) ([]catalog.SavedConfig, error) {
	return h.Catalog.Configs().List(ctx)
}

func (b *Builder) DeleteConfig(ctx context.Context, h *dbregistry.Handle, name string) error {
	return h.Catalog.Configs().Delete(ctx, name)
}
