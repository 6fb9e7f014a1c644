// Package source reads upload bytes for the command line: a local file, stdin
// ("-") or an http(s) URL.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Input names one upload.
type Input struct {
	// Location is a file path, "-" for stdin, or an http(s) URL.
	Location string

	// Filename overrides the name used for type detection. Required for
	// stdin; URLs default to the last path segment.
	Filename string

	Stdin io.Reader
}

// Upload is a loaded input.
type Upload struct {
	Filename string
	Data     []byte
}

// Loader reads inputs with a consistent timeout and size policy.
type Loader struct {
	client  *http.Client
	timeout time.Duration

	// MaxBytes caps the size of any input; <= 0 means no cap.
	MaxBytes int64
}

// NewLoader creates a Loader. If client is nil, http.DefaultClient is used.
func NewLoader(client *http.Client, timeout time.Duration) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Loader{client: client, timeout: timeout}
}

// IsURL reports whether loc is an http or https URL.
func IsURL(loc string) bool {
	u, err := url.Parse(loc)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Load reads in. On non-2xx HTTP responses the error includes the status
// code and up to 4KB of the response body.
func (l *Loader) Load(ctx context.Context, in Input) (Upload, error) {
	loc := strings.TrimSpace(in.Location)
	switch {
	case loc == "":
		return Upload{}, fmt.Errorf("source: no input given")

	case loc == "-":
		if in.Filename == "" {
			return Upload{}, fmt.Errorf("source: reading stdin needs a filename for type detection")
		}
		if in.Stdin == nil {
			return Upload{Filename: in.Filename}, nil
		}
		b, err := l.readAll(in.Stdin)
		if err != nil {
			return Upload{}, fmt.Errorf("read stdin: %w", err)
		}
		return Upload{Filename: in.Filename, Data: b}, nil

	case IsURL(loc):
		return l.fetch(ctx, loc, in.Filename)
	}

	f, err := os.Open(loc)
	if err != nil {
		return Upload{}, fmt.Errorf("source: %w", err)
	}
	defer f.Close()
	b, err := l.readAll(f)
	if err != nil {
		return Upload{}, fmt.Errorf("read %s: %w", loc, err)
	}
	name := in.Filename
	if name == "" {
		name = filepath.Base(loc)
	}
	return Upload{Filename: name, Data: b}, nil
}

func (l *Loader) fetch(ctx context.Context, loc, name string) (Upload, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return Upload{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", "tablekit/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return Upload{}, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Upload{}, fmt.Errorf("http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	b, err := l.readAll(resp.Body)
	if err != nil {
		return Upload{}, fmt.Errorf("read body: %w", err)
	}
	if name == "" {
		u, _ := url.Parse(loc)
		name = path.Base(u.Path)
		if name == "/" || name == "." {
			name = "download.html"
		}
	}
	return Upload{Filename: name, Data: b}, nil
}

func (l *Loader) readAll(r io.Reader) ([]byte, error) {
	if l.MaxBytes <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, l.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > l.MaxBytes {
		return nil, fmt.Errorf("input exceeds %d bytes", l.MaxBytes)
	}
	return b, nil
}
