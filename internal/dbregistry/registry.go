// Package dbregistry manages a directory of SQLite database files, each
// addressed by name, and opens them as Handles.
package dbregistry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tablekit/internal/apperr"
	"tablekit/internal/catalog"
	"tablekit/internal/sanitize"
	"tablekit/internal/storage"
	_ "tablekit/internal/storage/sqlite"
)

// Ext is the file extension of registry databases.
const Ext = ".db"

// Logger is the minimal logging interface used by the registry.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// DatabaseInfo describes one database file.
type DatabaseInfo struct {
	Name       string    `json:"name"`
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	SizeHuman  string    `json:"size_formatted"`
	Modified   time.Time `json:"modified"`
	TableCount int       `json:"table_count"`
	IsCurrent  bool      `json:"is_current"`
}

// Registry is a directory of databases.
type Registry struct {
	Dir    string
	Logger Logger

	now func() time.Time
}

// New returns a Registry rooted at dir. The directory is created on first use.
func New(dir string, logger Logger) *Registry {
	return &Registry{Dir: dir, Logger: logger, now: time.Now}
}

func (r *Registry) logf(format string, v ...any) {
	if r.Logger == nil {
		log.New(io.Discard, "", 0).Printf(format, v...)
		return
	}
	r.Logger.Printf(format, v...)
}

// Path returns the file path of the database called name (with or without
// the .db suffix).
func (r *Registry) Path(name string) string {
	return filepath.Join(r.Dir, baseName(name)+Ext)
}

func baseName(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), Ext)
}

// Exists reports whether the database file exists.
func (r *Registry) Exists(name string) bool {
	st, err := os.Stat(r.Path(name))
	return err == nil && st.Mode().IsRegular()
}

// List describes every database in the directory, newest first. active marks
// IsCurrent. A database that cannot be opened is listed with a zero table
// count and logged.
func (r *Registry) List(ctx context.Context, active string) ([]DatabaseInfo, error) {
	entries, err := os.ReadDir(r.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: list %s: %w", r.Dir, err)
	}

	var out []DatabaseInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		st, err := e.Info()
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(e.Name(), Ext)
		info := DatabaseInfo{
			Name:      name,
			Filename:  e.Name(),
			Path:      filepath.Join(r.Dir, e.Name()),
			Size:      st.Size(),
			SizeHuman: FormatSize(st.Size()),
			Modified:  st.ModTime(),
			IsCurrent: name == baseName(active),
		}
		n, err := r.countTables(ctx, info.Path)
		if err != nil {
			r.logf("registry: warning count tables db=%s err=%v", name, err)
		}
		info.TableCount = n
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Modified.After(out[j].Modified) })
	return out, nil
}

func (r *Registry) countTables(ctx context.Context, path string) (int, error) {
	repo, err := storage.Open(ctx, storage.Config{Kind: "sqlite", DSN: path})
	if err != nil {
		return 0, err
	}
	defer repo.Close()
	names, err := repo.ListTables(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range names {
		if !catalog.IsCatalogTable(t) {
			n++
		}
	}
	return n, nil
}

// Create makes a new database with initialized catalog tables and returns
// its sanitized name.
func (r *Registry) Create(ctx context.Context, raw string) (string, error) {
	name := sanitize.FileName(raw)
	if r.Exists(name) {
		return "", apperr.New(apperr.NameConflict, "registry.Create", "database %q already exists", name)
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", fmt.Errorf("registry: create dir: %w", err)
	}
	h, err := r.Open(ctx, name, true)
	if err != nil {
		return "", err
	}
	if err := h.Close(); err != nil {
		return "", err
	}
	r.logf("registry: created db=%s", name)
	return name, nil
}

// Open opens the database called name. With create unset, a missing file is
// NotFound.
func (r *Registry) Open(ctx context.Context, name string, create bool) (*Handle, error) {
	name = baseName(name)
	if !create && !r.Exists(name) {
		return nil, apperr.New(apperr.NotFound, "registry.Open", "database %q not found", name)
	}
	if create {
		if err := os.MkdirAll(r.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("registry: create dir: %w", err)
		}
	}
	h, err := OpenDSN(ctx, name, storage.Config{Kind: "sqlite", DSN: r.Path(name)})
	if err != nil {
		return nil, err
	}
	h.Path = r.Path(name)
	return h, nil
}

// Switch opens name and returns it as the new active handle. The previous
// handle is closed once the new one is open; on error it stays usable.
func (r *Registry) Switch(ctx context.Context, current *Handle, name string) (*Handle, error) {
	next, err := r.Open(ctx, name, false)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if err := current.Close(); err != nil {
			r.logf("registry: warning closing db=%s err=%v", current.Name, err)
		}
	}
	return next, nil
}

// Delete removes the database called name after copying it to a timestamped
// backup next to it. It refuses without confirmation and refuses the active
// database. It returns the backup path.
func (r *Registry) Delete(name string, confirmed bool, active string) (string, error) {
	if !confirmed {
		return "", apperr.New(apperr.ConfirmationRequired, "registry.Delete", "database deletion requires confirmation")
	}
	name = baseName(name)
	if !r.Exists(name) {
		return "", apperr.New(apperr.NotFound, "registry.Delete", "database %q not found", name)
	}
	if name == baseName(active) {
		return "", apperr.New(apperr.NameConflict, "registry.Delete", "cannot delete the currently active database %q", name)
	}

	path := r.Path(name)
	backup := path + ".backup_" + r.now().Format("20060102_150405")
	if err := copyFile(path, backup); err != nil {
		return "", fmt.Errorf("registry: backup %s: %w", name, err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("registry: delete %s: %w", name, err)
	}
	r.logf("registry: deleted db=%s backup=%s", name, backup)
	return backup, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, st.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, st.ModTime(), st.ModTime())
}

// FormatSize renders a byte count as "1.5 KB".
func FormatSize(n int64) string {
	if n == 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB"}
	f := float64(n)
	i := 0
	for f >= 1024 && i < len(units)-1 {
		f /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", f, units[i])
}
