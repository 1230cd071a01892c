// Package events 进程内的类型化事件总线，订阅者需要显式注册
package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeployFinished 部署进入终态后发布
type DeployFinished struct {
	DeploymentID string
	EnvID        string
	AppID        string
	AppName      string
	Environment  string
	Operator     string
	Status       string
	ErrDetail    string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// BuildFinished 构建过程进入终态后发布
type BuildFinished struct {
	BuildProcessID string
	BuildID        string
	AppID          string
	Status         string
}

// ReleaseApplied 工作负载已下发到集群
type ReleaseApplied struct {
	ReleaseID string
	AppID     string
	Version   int
	Cluster   string
	Processes []string
}

type subscriber struct {
	name string
	fn   any
}

// Bus 同步调用订阅者；单个订阅者的错误或 panic 不影响其他订阅者
type Bus struct {
	mu   sync.RWMutex
	subs map[reflect.Type][]subscriber
	log  *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{subs: make(map[reflect.Type][]subscriber), log: log}
}

// Subscribe 注册事件 E 的订阅者
func Subscribe[E any](b *Bus, name string, fn func(ctx context.Context, e E) error) {
	t := reflect.TypeOf((*E)(nil)).Elem()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], subscriber{name: name, fn: fn})
}

// Publish 依次通知事件 E 的全部订阅者，返回失败的订阅者数量
func Publish[E any](ctx context.Context, b *Bus, e E) int {
	t := reflect.TypeOf((*E)(nil)).Elem()
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs[t]...)
	b.mu.RUnlock()

	failed := 0
	for _, s := range subs {
		fn := s.fn.(func(context.Context, E) error)
		if err := invoke(ctx, fn, e); err != nil {
			failed++
			b.log.Error("事件订阅者处理失败",
				zap.String("event", t.Name()),
				zap.String("subscriber", s.name),
				zap.Error(err))
		}
	}
	return failed
}

func invoke[E any](ctx context.Context, fn func(context.Context, E) error, e E) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, e)
}
