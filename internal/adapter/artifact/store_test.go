package artifact

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paas-control/internal/pkg/config"
)

func newStore(endpoint string) *Store {
	return NewStore(config.ArtifactConfig{
		Endpoint:     endpoint,
		Bucket:       "slugs",
		AccessKey:    "ak",
		SecretKey:    "sk",
		UsePathStyle: true,
		PresignTTL:   "10m",
	}, zap.NewNop())
}

func TestPresign(t *testing.T) {
	s := newStore("http://minio.local:9000")

	raw, err := s.PresignGet(context.Background(), "default/home/demo:main:abc/push", 0)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "minio.local:9000", u.Host)
	assert.True(t, strings.HasPrefix(u.Path, "/slugs/default/home/demo"), u.Path)
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))

	raw, err = s.PresignPut(context.Background(), "s3://sources/app/src.tgz", 5*time.Minute)
	require.NoError(t, err)
	u, err = url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/sources/app/src.tgz", u.Path)
	assert.Equal(t, "300", u.Query().Get("X-Amz-Expires"))
}

func TestDelete(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies = map[string]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies[strings.Trim(r.URL.Path, "/")] = string(body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><DeleteResult></DeleteResult>`)
	}))
	defer srv.Close()

	s := newStore(srv.URL)
	require.NoError(t, s.Delete(context.Background(), "a/push", "s3://other/b/push"))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, bodies["slugs"], "<Key>a/push</Key>")
	assert.Contains(t, bodies["other"], "<Key>b/push</Key>")
}
