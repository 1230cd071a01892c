// Package kres 领域实体与集群资源之间的类型化适配层
//
// 每种实体声明对应的 Kind、至少一个 Deserializer，以及可选的 Serializer
// （没有 Serializer 的实体只读）。同一实体可以为不同 apiVersion 提供多个
// (de)serializer，由 pick 按固定规则选择。
package kres

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"paas-control/internal/model"
)

// Entity 可以和集群对象互相转换的实体
type Entity interface {
	EntityName() string
	// Original 反序列化来源的集群对象，新建的实体为 nil
	Original() *unstructured.Unstructured
	SetOriginal(obj *unstructured.Unstructured)
}

// Base 实体公共字段，嵌入即可实现 Entity
type Base struct {
	Name string
	raw  *unstructured.Unstructured
}

func (b *Base) EntityName() string {
	return b.Name
}

func (b *Base) Original() *unstructured.Unstructured {
	return b.raw
}

func (b *Base) SetOriginal(obj *unstructured.Unstructured) {
	b.raw = obj
}

// Versioned 声明固定 apiVersion；返回空串表示不固定版本，作为兜底
type Versioned interface {
	APIVersion() string
}

// Deserializer 集群对象 -> 实体。app 为对象所属应用，集群级对象可能为 nil
type Deserializer[E Entity] interface {
	Versioned
	Deserialize(app *model.App, obj *unstructured.Unstructured) (E, error)
}

// Serializer 实体 -> 集群对象。original 为实体缓存的原始对象，
// 实现应保留自己不负责的字段
type Serializer[E Entity] interface {
	Versioned
	Serialize(e E, original *unstructured.Unstructured, apiVersion string) (*unstructured.Unstructured, error)
}

// Kind 实体与集群资源的映射声明
type Kind[E Entity] struct {
	Group         string
	Resource      string
	Kind          string
	ClusterScoped bool
	Deserializers []Deserializer[E]
	Serializers   []Serializer[E]
}

// Writable 是否声明了 Serializer
func (k *Kind[E]) Writable() bool {
	return len(k.Serializers) > 0
}

func (k *Kind[E]) gvr(apiVersion string) (schema.GroupVersionResource, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return schema.GroupVersionResource{}, err
	}
	return gv.WithResource(k.Resource), nil
}

// Scope 读写发生的集群与命名空间
type Scope struct {
	Cluster   string
	Namespace string
	App       *model.App
}

// AppScope 应用命名空间
func AppScope(cluster string, app *model.App) Scope {
	return Scope{Cluster: cluster, Namespace: app.Namespace, App: app}
}

// ClusterScope 不绑定应用的范围，namespace 为空表示全部命名空间
func ClusterScope(cluster, namespace string) Scope {
	return Scope{Cluster: cluster, Namespace: namespace}
}
