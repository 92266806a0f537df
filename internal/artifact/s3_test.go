package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Brownie44l1/fruit-api/internal/config"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves path-style PutObject and ranged GetObject requests.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		b, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.objects[key] = b
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		b, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		start, end := 0, len(b)-1
		if rg := r.Header.Get("Range"); rg != "" {
			_, _ = fmt.Sscanf(rg, "bytes=%d-%d", &start, &end)
			if end >= len(b) {
				end = len(b) - 1
			}
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(b)))
		w.Header().Set("Content-Length", fmt.Sprint(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(b[start : end+1])
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3Client(t *testing.T) (*S3Client, *fakeS3) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "credentials"))

	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := NewS3Client(context.Background(), config.S3Config{
		EndpointURL: srv.URL,
		Region:      "us-east-1",
		Bucket:      "models",
	})
	require.NoError(t, err)
	return c, fake
}

func TestS3UploadDownload(t *testing.T) {
	c, fake := newTestS3Client(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "fruitclassifier.zip")
	content := bytes.Repeat([]byte("fruit"), 1000)
	require.NoError(t, os.WriteFile(src, content, 0644))
	require.NoError(t, c.UploadFile(ctx, src, "fruit/fruitclassifier.zip"))
	assert.Equal(t, content, fake.objects["models/fruit/fruitclassifier.zip"])

	dst := filepath.Join(t.TempDir(), "models", "fruitclassifier.zip")
	require.NoError(t, c.DownloadFile(ctx, "fruit/fruitclassifier.zip", dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	err = c.DownloadFile(ctx, "fruit/missing.zip", dst)
	assert.ErrorIs(t, err, ErrNotFound)
	// The previous download is left in place.
	got, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestIsNotFound(t *testing.T) {
	tcs := []struct {
		err  error
		want bool
	}{
		{err: &smithy.GenericAPIError{Code: "NoSuchKey"}, want: true},
		{err: fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "NotFound"}), want: true},
		{err: &smithy.GenericAPIError{Code: "AccessDenied"}},
		{err: io.EOF},
	}
	for _, tc := range tcs {
		assert.Equal(t, tc.want, isNotFound(tc.err), tc.err.Error())
	}
}
