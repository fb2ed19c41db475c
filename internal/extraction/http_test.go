package extraction

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPExtractor_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "jpeg-bytes", string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"device_id":"m-1"}`))
	}))
	defer srv.Close()

	e := NewHTTPExtractor(srv.URL, "secret", time.Second, nil)
	out, err := e.Extract(context.Background(), []byte("jpeg-bytes"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"device_id":"m-1"}`, string(out))
}

func TestHTTPExtractor_ClassifiesByStatus(t *testing.T) {
	cases := map[int]Kind{
		http.StatusTooManyRequests:      KindRateLimited,
		http.StatusServiceUnavailable:   KindTransient,
		http.StatusRequestTimeout:       KindTransient,
		http.StatusUnprocessableEntity:  KindFatal,
		http.StatusUnsupportedMediaType: KindFatal,
		http.StatusBadRequest:           KindFatal,
		http.StatusForbidden:            KindTransient,
	}
	for code, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		e := NewHTTPExtractor(srv.URL, "", time.Second, nil)
		_, err := e.Extract(context.Background(), []byte("img"))
		srv.Close()

		var ce *Error
		require.True(t, errors.As(err, &ce), "status %d", code)
		assert.Equal(t, want, ce.Kind, "status %d", code)
	}
}

func TestHTTPExtractor_NonJSONBodyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := NewHTTPExtractor(srv.URL, "", time.Second, nil).Extract(context.Background(), []byte("img"))
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindFatal, ce.Kind)
}

func TestHTTPExtractor_EmptyImageIsFatal(t *testing.T) {
	_, err := NewHTTPExtractor("http://unused", "", time.Second, nil).Extract(context.Background(), nil)
	assert.Equal(t, KindFatal, Classify(err).Kind)
}

func TestRefLoader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("file-bytes"), 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone.jpg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote-bytes"))
	}))
	defer srv.Close()

	l := NewRefLoader(dir)
	ctx := context.Background()

	b, err := l.Load(ctx, "file://"+filepath.Join(dir, "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "file-bytes", string(b))

	b, err = l.Load(ctx, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "file-bytes", string(b))

	b, err = l.Load(ctx, srv.URL+"/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "remote-bytes", string(b))

	_, err = l.Load(ctx, srv.URL+"/gone.jpg")
	assert.Equal(t, KindFatal, Classify(err).Kind)

	_, err = l.Load(ctx, "file://"+filepath.Join(dir, "missing.jpg"))
	assert.Equal(t, KindFatal, Classify(err).Kind)

	_, err = l.Load(ctx, "s3://bucket/key")
	assert.Equal(t, KindFatal, Classify(err).Kind)
}

func TestRefLoader_RefusesPathsOutsideBaseDir(t *testing.T) {
	parent := t.TempDir()
	base := filepath.Join(parent, "inputs")
	require.NoError(t, os.Mkdir(base, 0o700))
	secret := filepath.Join(parent, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("do-not-read"), 0o600))
	require.NoError(t, os.Symlink(secret, filepath.Join(base, "link.jpg")))

	l := NewRefLoader(base)
	ctx := context.Background()

	for _, ref := range []string{
		"file://" + secret,
		"file://" + filepath.Join(base, "..", "secret.txt"),
		"file:///etc/passwd",
		"file://" + filepath.Join(base, "link.jpg"),
		"link.jpg",
		"../secret.txt",
		"file://otherhost/inputs/a.jpg",
	} {
		b, err := l.Load(ctx, ref)
		require.Error(t, err, ref)
		assert.Equal(t, KindFatal, Classify(err).Kind, ref)
		assert.Empty(t, b, ref)
	}

	_, err := NewRefLoader("").Load(ctx, "file://"+secret)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no input directory")
}
