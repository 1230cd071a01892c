package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	pkgErrors "paas-control/pkg/errors"
)

var errPoolStopped = errors.New("task pool is stopped")

// errShuttingDown 进程退出时取消尚未结束的部署
var errShuttingDown = errors.New("control plane is shutting down")

// TaskRunner 后台执行部署驱动
type TaskRunner interface {
	// Submit 提交任务；fn 返回错误或 panic 时调用 onError
	Submit(ctx context.Context, name string, fn func(ctx context.Context) error, onError func(error)) error
	// Cancel 取消指定任务，任务不在本进程时返回 false
	Cancel(name string, cause error) bool
}

// Pool 进程内的 TaskRunner，信号量限制并发
type Pool struct {
	sem    *semaphore.Weighted
	base   context.Context
	stop   context.CancelCauseFunc
	log    *zap.Logger
	wg     sync.WaitGroup
	mu     sync.Mutex
	tasks  map[string]context.CancelCauseFunc
	closed bool
}

func NewPool(workers int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Pool{
		sem:   semaphore.NewWeighted(int64(workers)),
		base:  base,
		stop:  stop,
		log:   log,
		tasks: make(map[string]context.CancelCauseFunc),
	}
}

// Submit 任务不继承调用方的取消，只在 Cancel 或 Stop 时结束
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context) error, onError func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPoolStopped
	}
	if _, exists := p.tasks[name]; exists {
		return pkgErrors.Wrap(pkgErrors.CodeConflict, fmt.Sprintf("task %s is already running", name), pkgErrors.ErrConflict)
	}

	taskCtx, cancel := context.WithCancelCause(p.base)
	p.tasks[name] = cancel
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.tasks, name)
			p.mu.Unlock()
			cancel(nil)
		}()

		if err := p.sem.Acquire(taskCtx, 1); err != nil {
			p.report(name, context.Cause(taskCtx), onError)
			return
		}
		defer p.sem.Release(1)

		if err := p.call(taskCtx, name, fn); err != nil {
			p.report(name, err, onError)
		}
	}()
	return nil
}

func (p *Pool) call(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("任务 panic", zap.String("task", name), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("task %s panic: %v", name, r)
		}
	}()
	return fn(ctx)
}

func (p *Pool) report(name string, err error, onError func(error)) {
	if onError == nil {
		p.log.Warn("任务失败", zap.String("task", name), zap.Error(err))
		return
	}
	onError(err)
}

func (p *Pool) Cancel(name string, cause error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.tasks[name]
	if ok {
		cancel(cause)
	}
	return ok
}

// Running 当前在跑（含排队）的任务数
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Stop 不再接收新任务并等待已有任务结束；ctx 到期后取消剩余任务
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	p.log.Warn("等待部署任务超时，取消剩余任务", zap.Int("running", p.Running()))
	p.stop(errShuttingDown)
	<-done
}
