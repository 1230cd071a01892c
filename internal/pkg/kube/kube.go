package kube

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"paas-control/internal/model"
	"paas-control/internal/pkg/config"
	"paas-control/internal/pkg/crypto"
	"paas-control/pkg/constants"
)

// Clients 一次操作内使用的集群客户端集合。
// Typed/Dynamic 受单次请求超时限制；Streaming* 用于 follow 日志与 watch，
// 不设 http 超时，由调用方的 ctx 控制时长
type Clients struct {
	Cluster          string
	Typed            kubernetes.Interface
	Dynamic          dynamic.Interface
	Discovery        discovery.DiscoveryInterface
	Streaming        kubernetes.Interface
	StreamingDynamic dynamic.Interface
}

// StreamTyped 长连接使用的客户端，未单独配置时退回 Typed
func (c *Clients) StreamTyped() kubernetes.Interface {
	if c.Streaming != nil {
		return c.Streaming
	}
	return c.Typed
}

// StreamDynamic 同 StreamTyped
func (c *Clients) StreamDynamic() dynamic.Interface {
	if c.StreamingDynamic != nil {
		return c.StreamingDynamic
	}
	return c.Dynamic
}

// Provider 按集群名提供限定作用域的客户端，fn 返回后客户端不再使用
type Provider interface {
	With(ctx context.Context, cluster string, fn func(ctx context.Context, c *Clients) error) error
}

// ClusterLoader 读取集群连接信息
type ClusterLoader interface {
	FindByName(ctx context.Context, name string) (*model.Cluster, error)
}

// Pool 缓存每个集群的 rest.Config，每次 With 创建短生命周期的客户端
type Pool struct {
	loader  ClusterLoader
	cipher  *crypto.Cipher
	cfg     config.KubeConfig
	timeout time.Duration
	log     *zap.Logger

	mu      sync.RWMutex
	configs map[string]*rest.Config
}

func NewPool(loader ClusterLoader, cipher *crypto.Cipher, cfg config.KubeConfig, log *zap.Logger) *Pool {
	return &Pool{
		loader:  loader,
		cipher:  cipher,
		cfg:     cfg,
		timeout: config.ParseDuration(cfg.RequestTimeout, constants.DefaultKubeRequestTimeout),
		log:     log,
		configs: make(map[string]*rest.Config),
	}
}

// With 获取集群客户端并执行 fn
func (p *Pool) With(ctx context.Context, cluster string, fn func(ctx context.Context, c *Clients) error) error {
	restCfg, err := p.restConfig(ctx, cluster)
	if err != nil {
		return err
	}

	clients, err := NewClients(cluster, restCfg)
	if err != nil {
		return err
	}
	return fn(ctx, clients)
}

// Invalidate 集群配置变更后丢弃缓存
func (p *Pool) Invalidate(cluster string) {
	p.mu.Lock()
	delete(p.configs, cluster)
	p.mu.Unlock()
}

func (p *Pool) restConfig(ctx context.Context, name string) (*rest.Config, error) {
	p.mu.RLock()
	cached, ok := p.configs[name]
	p.mu.RUnlock()
	if ok {
		return rest.CopyConfig(cached), nil
	}

	cluster, err := p.loader.FindByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load cluster %s: %w", name, err)
	}

	var restCfg *rest.Config
	switch {
	case cluster.Kubeconfig != "":
		raw := cluster.Kubeconfig
		if p.cipher != nil {
			if raw, err = p.cipher.Decrypt(raw); err != nil {
				return nil, fmt.Errorf("decrypt kubeconfig of cluster %s: %w", name, err)
			}
		}
		restCfg, err = clientcmd.RESTConfigFromKubeConfig([]byte(raw))
	case p.cfg.InCluster:
		restCfg, err = rest.InClusterConfig()
	default:
		err = fmt.Errorf("cluster %s has no kubeconfig", name)
	}
	if err != nil {
		return nil, err
	}

	restCfg.Timeout = p.timeout
	if p.cfg.QPS > 0 {
		restCfg.QPS = p.cfg.QPS
		restCfg.Burst = p.cfg.Burst
	}

	p.mu.Lock()
	p.configs[name] = restCfg
	p.mu.Unlock()
	p.log.Info("集群客户端配置已加载", zap.String("cluster", name), zap.String("host", restCfg.Host))
	return rest.CopyConfig(restCfg), nil
}

// NewClients 根据 rest.Config 创建客户端集合。
// rest.Config.Timeout 会成为 http.Client.Timeout，连读取响应体一起计时，
// 所以长连接客户端使用 Timeout 为 0 的副本
func NewClients(cluster string, restCfg *rest.Config) (*Clients, error) {
	typed, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, err
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, err
	}

	streamCfg := rest.CopyConfig(restCfg)
	streamCfg.Timeout = 0
	streaming, err := kubernetes.NewForConfig(streamCfg)
	if err != nil {
		return nil, err
	}
	streamingDyn, err := dynamic.NewForConfig(streamCfg)
	if err != nil {
		return nil, err
	}
	return &Clients{
		Cluster:          cluster,
		Typed:            typed,
		Dynamic:          dyn,
		Discovery:        typed.Discovery(),
		Streaming:        streaming,
		StreamingDynamic: streamingDyn,
	}, nil
}

// Static 固定的客户端集合，单元测试中配合 fake clientset 使用
type Static map[string]*Clients

func (s Static) With(ctx context.Context, cluster string, fn func(ctx context.Context, c *Clients) error) error {
	c, ok := s[cluster]
	if !ok {
		return fmt.Errorf("unknown cluster %q", cluster)
	}
	return fn(ctx, c)
}
