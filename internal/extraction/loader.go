package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RefLoader reads inputRefs of the form file:///abs/path, a bare path
// relative to BaseDir, or http(s)://. Local files must resolve inside
// BaseDir; with no BaseDir local inputs are refused.
type RefLoader struct {
	BaseDir string
	Client  *http.Client
	// MaxBytes bounds a single input; zero means 32 MiB.
	MaxBytes int64
}

func NewRefLoader(baseDir string) *RefLoader {
	return &RefLoader{BaseDir: baseDir, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (l *RefLoader) Load(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, Fatalf("missing required inputRef")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, Fatalf("unparseable inputRef %q: %v", ref, err)
	}
	switch u.Scheme {
	case "http", "https":
		return l.fetch(ctx, ref)
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return nil, Fatalf("unsupported file inputRef host %q", u.Host)
		}
		path, err := l.resolve(u.Path, true)
		if err != nil {
			return nil, err
		}
		return l.readFile(path)
	case "":
		path, err := l.resolve(ref, false)
		if err != nil {
			return nil, err
		}
		return l.readFile(path)
	}
	return nil, Fatalf("unsupported inputRef scheme %q", u.Scheme)
}

// resolve maps a local ref to a path inside BaseDir. Absolute paths must
// already lie inside it; relative ones are joined to it. Symlinks are
// followed before the containment check.
func (l *RefLoader) resolve(p string, absolute bool) (string, error) {
	if l.BaseDir == "" {
		return "", Fatalf("local inputRef %q refused: no input directory configured", p)
	}
	base, err := filepath.Abs(l.BaseDir)
	if err != nil {
		return "", Fatal(fmt.Errorf("input directory: %w", err))
	}
	if real, err := filepath.EvalSymlinks(base); err == nil {
		base = real
	}

	full := filepath.Join(base, filepath.Clean("/"+p))
	if absolute {
		full = filepath.Clean(p)
	}
	if real, err := filepath.EvalSymlinks(full); err == nil {
		full = real
	} else if abs, aerr := filepath.Abs(filepath.Dir(full)); aerr == nil {
		// Missing file: check the directory so the error stays "does not exist".
		if realDir, derr := filepath.EvalSymlinks(abs); derr == nil {
			full = filepath.Join(realDir, filepath.Base(full))
		}
	}

	rel, err := filepath.Rel(base, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", Fatalf("inputRef %q is outside the input directory", p)
	}
	return full, nil
}

func (l *RefLoader) limit() int64 {
	if l.MaxBytes > 0 {
		return l.MaxBytes
	}
	return 32 << 20
}

func (l *RefLoader) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Fatalf("input %s does not exist", path)
		}
		return nil, Transient(fmt.Errorf("open input: %w", err))
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, l.limit()))
}

func (l *RefLoader) fetch(ctx context.Context, ref string) ([]byte, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, Fatal(fmt.Errorf("build input request: %w", err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, Classify(fmt.Errorf("fetch input: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, Fatalf("input %s: status %d", ref, resp.StatusCode)
	case resp.StatusCode/100 != 2:
		return nil, classifyStatus(resp.StatusCode, nil)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, l.limit()))
	if err != nil {
		return nil, Transient(fmt.Errorf("read input: %w", err))
	}
	return b, nil
}
