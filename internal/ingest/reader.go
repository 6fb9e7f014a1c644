package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"tablekit/internal/dbregistry"
)

// IngestReader spools r into a scratch directory owned by this call, then
// ingests it as filename. The directory is removed on every exit path.
func (e *Engine) IngestReader(ctx context.Context, h *dbregistry.Handle, filename string, r io.Reader, opts Options) (Result, error) {
	data, err := e.spool(filename, r)
	if err != nil {
		return Result{State: StateFailed, Error: err.Error()}, err
	}
	return e.Ingest(ctx, h, Request{Filename: filename, Data: data, Options: opts})
}

func (e *Engine) spool(filename string, r io.Reader) (data []byte, err error) {
	dir, err := os.MkdirTemp(e.ScratchDir, "tablekit-ingest-*")
	if err != nil {
		return nil, fmt.Errorf("ingest: scratch dir: %w", err)
	}
	defer func() {
		if rerr := os.RemoveAll(dir); rerr != nil {
			e.logger()("ingest: warning scratch cleanup dir=%s err=%v", dir, rerr)
		}
	}()

	path := filepath.Join(dir, "upload"+strings.ToLower(filepath.Ext(filename)))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: spool: %w", err)
	}
	src := r
	if e.MaxUploadBytes > 0 {
		src = io.LimitReader(r, e.MaxUploadBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: spool: %w", err)
	}
	if e.MaxUploadBytes > 0 && n > e.MaxUploadBytes {
		return nil, fmt.Errorf("ingest: %s exceeds the %d byte upload limit", filepath.Base(filename), e.MaxUploadBytes)
	}
	return os.ReadFile(path)
}
