package kres

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"paas-control/internal/model"
	"paas-control/internal/pkg/kube"
	pkgErrors "paas-control/pkg/errors"
)

// AppResolver 根据集群对象找到所属应用，找不到时返回 ErrNotAppScoped
type AppResolver func(ctx context.Context, obj *unstructured.Unstructured) (*model.App, error)

// NamespaceScopedReader 读取不属于单个应用命名空间的对象，
// 每个对象通过 resolve 找到所属应用后再反序列化
type NamespaceScopedReader[E Entity] struct {
	m       *Manager[E]
	resolve AppResolver
}

func NewNamespaceScopedReader[E Entity](m *Manager[E], resolve AppResolver) *NamespaceScopedReader[E] {
	return &NamespaceScopedReader[E]{m: m, resolve: resolve}
}

// Get 读取单个对象；对象不属于任何应用时返回 ErrNotAppScoped
func (r *NamespaceScopedReader[E]) Get(ctx context.Context, cluster, namespace, name string) (E, error) {
	var out E
	scope := ClusterScope(cluster, namespace)
	err := r.m.kube.With(ctx, cluster, func(ctx context.Context, c *kube.Clients) error {
		rd, err := r.m.reader(c, scope)
		if err != nil {
			return err
		}
		var obj *unstructured.Unstructured
		err = r.m.retry(ctx, func() error {
			obj, err = rd.ri.Get(ctx, name, metav1.GetOptions{})
			return err
		})
		if apierrors.IsNotFound(err) {
			return r.m.notFound(scope, name, err)
		}
		if err != nil {
			return err
		}
		app, err := r.resolveApp(ctx, obj)
		if err != nil {
			return err
		}
		out, err = r.m.deserialize(rd.impl, app, obj)
		return err
	})
	return out, err
}

// List 列出命名空间内（为空则全部命名空间）的对象，跳过不属于任何应用的对象
func (r *NamespaceScopedReader[E]) List(ctx context.Context, cluster, namespace, labelSelector string) (ListResult[E], error) {
	var out ListResult[E]
	scope := ClusterScope(cluster, namespace)
	err := r.m.kube.With(ctx, cluster, func(ctx context.Context, c *kube.Clients) error {
		rd, err := r.m.reader(c, scope)
		if err != nil {
			return err
		}
		var list *unstructured.UnstructuredList
		err = r.m.retry(ctx, func() error {
			list, err = rd.ri.List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
			return err
		})
		if err != nil {
			return err
		}
		out.ResourceVersion = list.GetResourceVersion()
		for i := range list.Items {
			obj := &list.Items[i]
			app, err := r.resolveApp(ctx, obj)
			if pkgErrors.Is(err, pkgErrors.ErrNotAppScoped) {
				r.m.log.Debug("对象不属于任何应用，跳过",
					zap.String("namespace", obj.GetNamespace()),
					zap.String("name", obj.GetName()))
				continue
			}
			if err != nil {
				return err
			}
			e, err := r.m.deserialize(rd.impl, app, obj)
			if err != nil {
				return err
			}
			out.Items = append(out.Items, e)
		}
		return nil
	})
	return out, err
}

func (r *NamespaceScopedReader[E]) resolveApp(ctx context.Context, obj *unstructured.Unstructured) (*model.App, error) {
	app, err := r.resolve(ctx, obj)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeNotFound,
			fmt.Sprintf("%s/%s", obj.GetNamespace(), obj.GetName()), pkgErrors.ErrNotAppScoped)
	}
	return app, nil
}
