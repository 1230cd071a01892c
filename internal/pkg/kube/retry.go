package kube

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
)

// IsTransient 5xx、限流和连接层错误可以重试
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if apierrors.IsInternalError(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsTimeout(err) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Backoff 单次集群调用的指数退避
func Backoff(steps int) wait.Backoff {
	if steps <= 0 {
		steps = 1
	}
	return wait.Backoff{
		Steps:    steps,
		Duration: 200 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
	}
}

// Retry 对瞬时错误做有限次数的重试，ctx 取消后立即返回
func Retry(ctx context.Context, steps int, fn func() error) error {
	return retry.OnError(Backoff(steps), func(err error) bool {
		return ctx.Err() == nil && IsTransient(err)
	}, fn)
}
