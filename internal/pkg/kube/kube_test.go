package kube

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"paas-control/internal/model"
	"paas-control/internal/pkg/config"
	"paas-control/internal/pkg/crypto"
)

const testKubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: c1
  cluster:
    server: https://10.0.0.1:6443
    insecure-skip-tls-verify: true
contexts:
- name: c1
  context:
    cluster: c1
    user: admin
current-context: c1
users:
- name: admin
  user:
    token: secret-token
`

type fakeLoader struct {
	clusters map[string]*model.Cluster
	calls    int
}

func (f *fakeLoader) FindByName(_ context.Context, name string) (*model.Cluster, error) {
	f.calls++
	c, ok := f.clusters[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return c, nil
}

func TestPoolWith(t *testing.T) {
	cipher, err := crypto.NewCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	encrypted, err := cipher.Encrypt(testKubeconfig)
	require.NoError(t, err)

	loader := &fakeLoader{clusters: map[string]*model.Cluster{
		"c1": {Name: "c1", Kubeconfig: encrypted},
	}}
	pool := NewPool(loader, cipher, config.KubeConfig{RequestTimeout: "5s"}, zap.NewNop())

	for i := 0; i < 2; i++ {
		err = pool.With(context.Background(), "c1", func(_ context.Context, c *Clients) error {
			assert.Equal(t, "c1", c.Cluster)
			assert.NotNil(t, c.Typed)
			assert.NotNil(t, c.Dynamic)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, loader.calls, "rest config should be cached")

	pool.Invalidate("c1")
	require.NoError(t, pool.With(context.Background(), "c1", func(context.Context, *Clients) error { return nil }))
	assert.Equal(t, 2, loader.calls)

	err = pool.With(context.Background(), "missing", func(context.Context, *Clients) error { return nil })
	assert.Error(t, err)
}

func TestRetry(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 3, func() error {
		attempts++
		return apierrors.NewServiceUnavailable("busy")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = Retry(context.Background(), 3, func() error {
		attempts++
		return apierrors.NewNotFound(schema.GroupResource{Resource: "pods"}, "p")
	})
	assert.True(t, apierrors.IsNotFound(err))
	assert.Equal(t, 1, attempts)
}

func TestBackoffStepDoubles(t *testing.T) {
	b := Backoff(4)
	base := 200 * time.Millisecond
	for i := 0; i < 4; i++ {
		d := b.Step()
		// jitter 只会加长等待，最多 10%
		assert.GreaterOrEqual(t, d, base, "step %d", i)
		assert.LessOrEqual(t, d, base+base/10, "step %d", i)
		base *= 2
	}
}
