// Package registry 查询镜像仓库中的 manifest
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"go.uber.org/zap"

	"paas-control/internal/pkg/config"
	pkgErrors "paas-control/pkg/errors"
)

// Manifest 镜像 manifest 的大小与 digest
type Manifest struct {
	Size   int64
	Digest string
}

// Client 镜像仓库客户端
type Client struct {
	insecure bool
	auth     authn.Authenticator
	log      *zap.Logger
}

func NewClient(cfg config.RegistryConfig, log *zap.Logger) *Client {
	auth := authn.Anonymous
	if cfg.Username != "" {
		auth = &authn.Basic{Username: cfg.Username, Password: cfg.Password}
	}
	return &Client{insecure: cfg.Insecure, auth: auth, log: log.Named("registry")}
}

// ParseReference 解析镜像引用；既没有 tag 也没有 digest 的引用直接拒绝，不做 latest 补全
func (c *Client) ParseReference(image string) (name.Reference, error) {
	var opts []name.Option
	if c.insecure {
		opts = append(opts, name.Insecure)
	}
	ref, err := name.ParseReference(image, opts...)
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeBadRequest, image, pkgErrors.ErrInvalidImageReference)
	}
	if tag, ok := ref.(name.Tag); ok && !strings.HasSuffix(image, ":"+tag.TagStr()) {
		return nil, pkgErrors.Wrap(pkgErrors.CodeBadRequest, image, pkgErrors.ErrInvalidImageReference)
	}
	return ref, nil
}

// GetManifest HEAD 请求获取 manifest 描述
func (c *Client) GetManifest(ctx context.Context, image string) (Manifest, error) {
	ref, err := c.ParseReference(image)
	if err != nil {
		return Manifest{}, err
	}
	desc, err := remote.Head(ref, remote.WithContext(ctx), remote.WithAuth(c.auth))
	if err != nil {
		return Manifest{}, pkgErrors.WrapStepError(err, "无法获取镜像 %s 的信息", image)
	}
	c.log.Debug("获取镜像 manifest",
		zap.String("image", image),
		zap.String("digest", desc.Digest.String()),
		zap.Int64("size", desc.Size))
	return Manifest{Size: desc.Size, Digest: desc.Digest.String()}, nil
}

func (m Manifest) String() string {
	return fmt.Sprintf("%s (%d bytes)", m.Digest, m.Size)
}
