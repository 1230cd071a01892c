package kres

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"k8s.io/client-go/discovery"

	pkgErrors "paas-control/pkg/errors"
)

const groupCacheTTL = 10 * time.Minute

// pick 按顺序选择：
//  1. 固定 apiVersion 且集群提供该版本的第一个；
//  2. 否则第一个不固定版本的兜底实现，使用集群首选版本；
//  3. 都没有时返回 ErrAPIServerVersionIncompatible。
func pick[T Versioned](candidates []T, available []string, preferred string) (T, string, error) {
	for _, c := range candidates {
		if v := c.APIVersion(); v != "" && slices.Contains(available, v) {
			return c, v, nil
		}
	}
	for _, c := range candidates {
		if c.APIVersion() == "" && preferred != "" {
			return c, preferred, nil
		}
	}
	var zero T
	return zero, "", pkgErrors.Wrap(pkgErrors.CodeClusterError,
		fmt.Sprintf("served versions %v", available), pkgErrors.ErrAPIServerVersionIncompatible)
}

type groupVersions struct {
	available []string
	preferred string
	fetchedAt time.Time
}

// versionCache 各集群 API group 提供的版本
type versionCache struct {
	mu      sync.Mutex
	entries map[string]groupVersions
	now     func() time.Time
}

func newVersionCache() *versionCache {
	return &versionCache{entries: make(map[string]groupVersions), now: time.Now}
}

func (c *versionCache) get(cluster, group string, disc discovery.DiscoveryInterface) (groupVersions, error) {
	key := cluster + "/" + group
	c.mu.Lock()
	gv, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Sub(gv.fetchedAt) < groupCacheTTL {
		return gv, nil
	}

	groups, err := disc.ServerGroups()
	if err != nil {
		return groupVersions{}, fmt.Errorf("discover api groups: %w", err)
	}
	gv = groupVersions{fetchedAt: c.now()}
	for _, g := range groups.Groups {
		if g.Name != group {
			continue
		}
		for _, v := range g.Versions {
			gv.available = append(gv.available, v.GroupVersion)
		}
		gv.preferred = g.PreferredVersion.GroupVersion
		if gv.preferred == "" && len(gv.available) > 0 {
			gv.preferred = gv.available[0]
		}
	}

	c.mu.Lock()
	c.entries[key] = gv
	c.mu.Unlock()
	return gv, nil
}

func (c *versionCache) invalidate(cluster string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) > len(cluster) && k[:len(cluster)+1] == cluster+"/" {
			delete(c.entries, k)
		}
	}
}
