// Package source 把版本信息解析为构建 Pod 可下载的源码包地址
package source

import (
	"context"
	"fmt"
	"time"

	"paas-control/internal/model"
	pkgErrors "paas-control/pkg/errors"
	"paas-control/pkg/utils"
)

// Presigner 对象存储的临时下载地址
type Presigner interface {
	PresignGet(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}

// Fetcher 源码包位于制品存储 <region>/source/<app>/<branch>-<revision>.tar.gz
type Fetcher struct {
	store Presigner
	ttl   time.Duration
}

func NewFetcher(store Presigner, ttl time.Duration) *Fetcher {
	return &Fetcher{store: store, ttl: ttl}
}

// ObjectKey 源码包在存储中的 key
func ObjectKey(app *model.App, info model.VersionInfo) string {
	branch := utils.SanitizeLabel(info.Branch)
	if branch == "" {
		branch = "default"
	}
	return fmt.Sprintf("%s/source/%s/%s-%s.tar.gz", app.Region, app.Name, branch, info.Revision)
}

// Fetch 返回源码包 key 与临时下载地址
func (f *Fetcher) Fetch(ctx context.Context, app *model.App, info model.VersionInfo) (string, string, error) {
	if info.Revision == "" {
		return "", "", pkgErrors.New(pkgErrors.CodeBadRequest, "版本信息缺少 revision")
	}
	key := ObjectKey(app, info)
	url, err := f.store.PresignGet(ctx, key, f.ttl)
	if err != nil {
		return "", "", err
	}
	return key, url, nil
}
