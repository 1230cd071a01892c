package kres

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	"paas-control/internal/pkg/kube"
	"paas-control/pkg/constants"
)

// EventType 与 watch.EventType 对应
type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
	EventError    EventType = "ERROR"
)

// WatchEvent 实体变更事件；ERROR 事件的 Entity 为零值
type WatchEvent[E Entity] struct {
	Type   EventType
	Entity E
	Err    error
	// Gone 为 true 时 resourceVersion 已过期，调用方需要重新 List
	Gone bool
}

// WatchOptions 监听参数
type WatchOptions struct {
	LabelSelector   string
	ResourceVersion string
	// IgnoreUnknownObjs 无法反序列化的对象直接跳过，否则产生 ERROR 事件
	IgnoreUnknownObjs bool
	// TimeoutSeconds 服务端结束 watch 的时间，默认 DefaultWatchTimeoutSeconds；
	// 本地另有 TimeoutSeconds+WatchDeadlineSlack 的 deadline
	TimeoutSeconds int64
}

// Watch 监听实体变化。收到 410 Gone 时发送 ERROR 事件并结束；
// ctx 取消或超过 TimeoutSeconds 时关闭通道，调用方从最后的 resourceVersion 重新 watch
func (m *Manager[E]) Watch(ctx context.Context, scope Scope, opts WatchOptions) (<-chan WatchEvent[E], error) {
	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = constants.DefaultWatchTimeoutSeconds
	}
	out := make(chan WatchEvent[E])
	ready := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second+constants.WatchDeadlineSlack)
		defer cancel()
		err := m.kube.With(ctx, scope.Cluster, func(ctx context.Context, c *kube.Clients) error {
			r, err := m.reader(c, scope)
			if err != nil {
				return err
			}
			timeout := opts.TimeoutSeconds
			ri := m.resource(c.StreamDynamic(), r.gvr, scope)
			w, err := ri.Watch(ctx, metav1.ListOptions{
				LabelSelector:   opts.LabelSelector,
				ResourceVersion: opts.ResourceVersion,
				Watch:           true,
				TimeoutSeconds:  &timeout,
			})
			if err != nil {
				if isGone(err) {
					ready <- nil
					defer close(out)
					send(ctx, out, WatchEvent[E]{Type: EventError, Err: err, Gone: true})
					return nil
				}
				return err
			}
			ready <- nil
			defer close(out)
			defer w.Stop()
			m.pump(ctx, r.impl, scope, w, opts, out)
			return nil
		})
		if err != nil {
			ready <- err
			close(out)
		}
	}()

	if err := <-ready; err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager[E]) pump(ctx context.Context, d Deserializer[E], scope Scope, w watch.Interface, opts WatchOptions, out chan<- WatchEvent[E]) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.ResultChan():
			if !ok {
				return
			}
			if ev.Type == watch.Error {
				status := apierrors.FromObject(ev.Object)
				gone := isGone(status)
				send(ctx, out, WatchEvent[E]{Type: EventError, Err: status, Gone: gone})
				if gone {
					return
				}
				continue
			}
			if ev.Type == watch.Bookmark {
				continue
			}

			obj, ok := ev.Object.(*unstructured.Unstructured)
			if !ok {
				if !opts.IgnoreUnknownObjs {
					send(ctx, out, WatchEvent[E]{Type: EventError, Err: fmt.Errorf("unexpected object %T", ev.Object)})
				}
				continue
			}
			e, err := m.deserialize(d, scope.App, obj)
			if err != nil {
				if opts.IgnoreUnknownObjs {
					m.log.Debug("跳过无法解析的对象", zap.String("name", obj.GetName()), zap.Error(err))
					continue
				}
				send(ctx, out, WatchEvent[E]{Type: EventError, Err: err})
				continue
			}
			if !send(ctx, out, WatchEvent[E]{Type: EventType(ev.Type), Entity: e}) {
				return
			}
		}
	}
}

func isGone(err error) bool {
	if apierrors.IsGone(err) || apierrors.IsResourceExpired(err) {
		return true
	}
	var status apierrors.APIStatus
	return errors.As(err, &status) && status.Status().Code == http.StatusGone
}

func send[E Entity](ctx context.Context, out chan<- WatchEvent[E], ev WatchEvent[E]) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
