package kres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"

	"paas-control/internal/model"
	"paas-control/internal/pkg/kube"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

// UpdateMethod 更新方式
type UpdateMethod string

const (
	// UpdateReplace 用完整对象替换，基于缓存的原始对象保留未知字段
	UpdateReplace UpdateMethod = "replace"
	// UpdatePatch 以 merge patch 只提交序列化出的字段
	UpdatePatch UpdateMethod = "patch"
)

// ListResult List 的结果
type ListResult[E Entity] struct {
	Items           []E
	ResourceVersion string
}

// Manager 某种实体的读写入口
type Manager[E Entity] struct {
	kind       Kind[E]
	kube       kube.Provider
	retrySteps int
	versions   *versionCache
	log        *zap.Logger
}

func NewManager[E Entity](kind Kind[E], provider kube.Provider, retrySteps int, log *zap.Logger) *Manager[E] {
	if retrySteps <= 0 {
		retrySteps = constants.DefaultKubeRetrySteps
	}
	return &Manager[E]{
		kind:       kind,
		kube:       provider,
		retrySteps: retrySteps,
		versions:   newVersionCache(),
		log:        log.With(zap.String("kind", kind.Kind)),
	}
}

// Kind 实体声明
func (m *Manager[E]) Kind() *Kind[E] {
	return &m.kind
}

type resolved[T Versioned] struct {
	impl       T
	apiVersion string
	gvr        schema.GroupVersionResource
	ri         dynamic.ResourceInterface
}

func resolve[E Entity, T Versioned](m *Manager[E], c *kube.Clients, scope Scope, candidates []T) (resolved[T], error) {
	gv, err := m.versions.get(c.Cluster, m.kind.Group, c.Discovery)
	if err != nil {
		return resolved[T]{}, err
	}
	impl, apiVersion, err := pick(candidates, gv.available, gv.preferred)
	if err != nil {
		return resolved[T]{}, err
	}
	gvr, err := m.kind.gvr(apiVersion)
	if err != nil {
		return resolved[T]{}, err
	}
	return resolved[T]{impl: impl, apiVersion: apiVersion, gvr: gvr, ri: m.resource(c.Dynamic, gvr, scope)}, nil
}

func (m *Manager[E]) resource(dyn dynamic.Interface, gvr schema.GroupVersionResource, scope Scope) dynamic.ResourceInterface {
	if m.kind.ClusterScoped {
		return dyn.Resource(gvr)
	}
	return dyn.Resource(gvr).Namespace(scope.Namespace)
}

func (m *Manager[E]) reader(c *kube.Clients, scope Scope) (resolved[Deserializer[E]], error) {
	return resolve(m, c, scope, m.kind.Deserializers)
}

func (m *Manager[E]) writer(c *kube.Clients, scope Scope) (resolved[Serializer[E]], error) {
	if !m.kind.Writable() {
		return resolved[Serializer[E]]{}, pkgErrors.Wrap(pkgErrors.CodeBadRequest,
			fmt.Sprintf("%s is read-only", m.kind.Kind), pkgErrors.ErrReadOnlyEntity)
	}
	return resolve(m, c, scope, m.kind.Serializers)
}

func (m *Manager[E]) deserialize(d Deserializer[E], app *model.App, obj *unstructured.Unstructured) (E, error) {
	e, err := d.Deserialize(app, obj)
	if err != nil {
		var zero E
		return zero, pkgErrors.Wrap(pkgErrors.CodeClusterError,
			fmt.Sprintf("deserialize %s %s/%s: %v", m.kind.Kind, obj.GetNamespace(), obj.GetName(), err), pkgErrors.ErrDeserialize)
	}
	e.SetOriginal(obj)
	return e, nil
}

func (m *Manager[E]) retry(ctx context.Context, fn func() error) error {
	return kube.Retry(ctx, m.retrySteps, fn)
}

func (m *Manager[E]) notFound(scope Scope, name string, err error) error {
	return pkgErrors.Wrap(pkgErrors.CodeNotFound,
		fmt.Sprintf("%s %s/%s not found in %s: %v", m.kind.Kind, scope.Namespace, name, scope.Cluster, err),
		pkgErrors.ErrEntityNotFound)
}

// Get 按名称读取，不存在时返回 ErrEntityNotFound
func (m *Manager[E]) Get(ctx context.Context, scope Scope, name string) (E, error) {
	var out E
	err := m.kube.With(ctx, scope.Cluster, func(ctx context.Context, c *kube.Clients) error {
		r, err := m.reader(c, scope)
		if err != nil {
			return err
		}
		var obj *unstructured.Unstructured
		err = m.retry(ctx, func() error {
			obj, err = r.ri.Get(ctx, name, metav1.GetOptions{})
			return err
		})
		if apierrors.IsNotFound(err) {
			return m.notFound(scope, name, err)
		}
		if err != nil {
			return err
		}
		out, err = m.deserialize(r.impl, scope.App, obj)
		return err
	})
	return out, err
}

// List 按标签列出
func (m *Manager[E]) List(ctx context.Context, scope Scope, labelSelector string) (ListResult[E], error) {
	var out ListResult[E]
	err := m.kube.With(ctx, scope.Cluster, func(ctx context.Context, c *kube.Clients) error {
		r, err := m.reader(c, scope)
		if err != nil {
			return err
		}
		var list *unstructured.UnstructuredList
		err = m.retry(ctx, func() error {
			list, err = r.ri.List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
			return err
		})
		if err != nil {
			return err
		}
		out.ResourceVersion = list.GetResourceVersion()
		for i := range list.Items {
			e, err := m.deserialize(r.impl, scope.App, &list.Items[i])
			if err != nil {
				return err
			}
			out.Items = append(out.Items, e)
		}
		return nil
	})
	return out, err
}

// Create 新建
func (m *Manager[E]) Create(ctx context.Context, scope Scope, e E) (E, error) {
	var out E
	err := m.kube.With(ctx, scope.Cluster, func(ctx context.Context, c *kube.Clients) error {
		w, err := m.writer(c, scope)
		if err != nil {
			return err
		}
		obj, err := m.serialize(w, e, nil, scope)
		if err != nil {
			return err
		}
		var created *unstructured.Unstructured
		err = m.retry(ctx, func() error {
			created, err = w.ri.Create(ctx, obj, metav1.CreateOptions{})
			return err
		})
		if err != nil {
			return fmt.Errorf("create %s %s: %w", m.kind.Kind, e.EntityName(), err)
		}
		out, err = m.fromServer(c, scope, created)
		return err
	})
	return out, err
}

// Update 更新已存在的对象；replace 需要实体携带原始对象
func (m *Manager[E]) Update(ctx context.Context, scope Scope, e E, method UpdateMethod) (E, error) {
	var out E
	err := m.kube.With(ctx, scope.Cluster, func(ctx context.Context, c *kube.Clients) error {
		w, err := m.writer(c, scope)
		if err != nil {
			return err
		}
		updated, err := m.update(ctx, w, scope, e, method)
		if err != nil {
			return err
		}
		out, err = m.fromServer(c, scope, updated)
		return err
	})
	return out, err
}

func (m *Manager[E]) update(ctx context.Context, w resolved[Serializer[E]], scope Scope, e E, method UpdateMethod) (*unstructured.Unstructured, error) {
	original := e.Original()
	obj, err := m.serialize(w, e, original, scope)
	if err != nil {
		return nil, err
	}

	var updated *unstructured.Unstructured
	switch method {
	case UpdatePatch:
		data, err := obj.MarshalJSON()
		if err != nil {
			return nil, err
		}
		err = m.retry(ctx, func() error {
			updated, err = w.ri.Patch(ctx, e.EntityName(), types.MergePatchType, data, metav1.PatchOptions{})
			return err
		})
		if err != nil {
			return nil, m.writeErr("patch", scope, e, err)
		}
	default:
		if original != nil && obj.GetResourceVersion() == "" {
			obj.SetResourceVersion(original.GetResourceVersion())
		}
		err = m.retry(ctx, func() error {
			updated, err = w.ri.Update(ctx, obj, metav1.UpdateOptions{})
			return err
		})
		if err != nil {
			return nil, m.writeErr("update", scope, e, err)
		}
	}
	return updated, nil
}

func (m *Manager[E]) writeErr(verb string, scope Scope, e E, err error) error {
	if apierrors.IsNotFound(err) {
		return m.notFound(scope, e.EntityName(), err)
	}
	return fmt.Errorf("%s %s %s: %w", verb, m.kind.Kind, e.EntityName(), err)
}

// Upsert 不存在则创建，存在则以集群上的对象为原始对象更新。返回是否新建
func (m *Manager[E]) Upsert(ctx context.Context, scope Scope, e E, method UpdateMethod) (E, bool, error) {
	var (
		out     E
		created bool
	)
	err := m.kube.With(ctx, scope.Cluster, func(ctx context.Context, c *kube.Clients) error {
		w, err := m.writer(c, scope)
		if err != nil {
			return err
		}

		var existing *unstructured.Unstructured
		err = m.retry(ctx, func() error {
			existing, err = w.ri.Get(ctx, e.EntityName(), metav1.GetOptions{})
			return err
		})
		var result *unstructured.Unstructured
		switch {
		case apierrors.IsNotFound(err):
			obj, err := m.serialize(w, e, nil, scope)
			if err != nil {
				return err
			}
			err = m.retry(ctx, func() error {
				result, err = w.ri.Create(ctx, obj, metav1.CreateOptions{})
				return err
			})
			if err != nil {
				return fmt.Errorf("create %s %s: %w", m.kind.Kind, e.EntityName(), err)
			}
			created = true
		case err != nil:
			return err
		default:
			e.SetOriginal(existing)
			if result, err = m.update(ctx, w, scope, e, method); err != nil {
				return err
			}
		}
		out, err = m.fromServer(c, scope, result)
		return err
	})
	return out, created, err
}

// Delete 删除，对象不存在时为空操作。nonGrace 为 true 时立即删除；只读实体返回 ErrReadOnlyEntity
func (m *Manager[E]) Delete(ctx context.Context, scope Scope, name string, nonGrace bool) error {
	return m.kube.With(ctx, scope.Cluster, func(ctx context.Context, c *kube.Clients) error {
		w, err := m.writer(c, scope)
		if err != nil {
			return err
		}
		opts := metav1.DeleteOptions{}
		if nonGrace {
			opts.GracePeriodSeconds = new(int64)
		}
		err = m.retry(ctx, func() error {
			return w.ri.Delete(ctx, name, opts)
		})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("delete %s %s: %w", m.kind.Kind, name, err)
		}
		return nil
	})
}

// WaitDelete 轮询直到对象消失。超时且 raiseTimeout 为 true 时返回 ErrResourceDeleteTimeout
func (m *Manager[E]) WaitDelete(ctx context.Context, scope Scope, name string, timeout time.Duration, raiseTimeout bool) error {
	err := wait.PollUntilContextTimeout(ctx, time.Second, timeout, true, func(ctx context.Context) (bool, error) {
		_, err := m.Get(ctx, scope, name)
		if pkgErrors.Is(err, pkgErrors.ErrEntityNotFound) {
			return true, nil
		}
		return false, err
	})
	if err != nil && ctx.Err() == nil && wait.Interrupted(err) {
		if !raiseTimeout {
			m.log.Warn("等待资源删除超时", zap.String("name", name), zap.Duration("timeout", timeout))
			return nil
		}
		return pkgErrors.Wrap(pkgErrors.CodeTimeout,
			fmt.Sprintf("%s %s/%s still exists after %s", m.kind.Kind, scope.Namespace, name, timeout),
			pkgErrors.ErrResourceDeleteTimeout)
	}
	return err
}

func (m *Manager[E]) serialize(w resolved[Serializer[E]], e E, original *unstructured.Unstructured, scope Scope) (*unstructured.Unstructured, error) {
	apiVersion := w.apiVersion
	obj, err := w.impl.Serialize(e, original, apiVersion)
	if err != nil {
		return nil, fmt.Errorf("serialize %s %s: %w", m.kind.Kind, e.EntityName(), err)
	}
	if obj.GetAPIVersion() == "" {
		obj.SetAPIVersion(apiVersion)
	}
	if obj.GetKind() == "" {
		obj.SetKind(m.kind.Kind)
	}
	if obj.GetName() == "" {
		obj.SetName(e.EntityName())
	}
	if !m.kind.ClusterScoped && obj.GetNamespace() == "" {
		obj.SetNamespace(scope.Namespace)
	}
	return obj, nil
}

// fromServer 写入后用服务端返回的对象重新反序列化，保证缓存的原始对象是最新的
func (m *Manager[E]) fromServer(c *kube.Clients, scope Scope, obj *unstructured.Unstructured) (E, error) {
	r, err := m.reader(c, scope)
	if err != nil {
		var zero E
		return zero, err
	}
	return m.deserialize(r.impl, scope.App, obj)
}
