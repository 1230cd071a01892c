package builder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"

	"paas-control/internal/pkg/config"
	"paas-control/internal/pkg/kube"
	"paas-control/internal/pkg/metrics"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
	"paas-control/pkg/utils"
)

// Options 构建 Pod 的超时与重试参数
type Options struct {
	MaxBuildDuration   time.Duration
	LogReadyTimeout    time.Duration
	LogReadMaxRetries  int
	WaitSuccessTimeout time.Duration
	DeleteWaitTimeout  time.Duration
	PollInterval       time.Duration
	// RetrySteps 单次 Pod 调用遇到瞬时错误时的最大尝试次数
	RetrySteps int
}

// OptionsFromConfig 从配置读取，缺省值见 constants
func OptionsFromConfig(cfg config.BuilderConfig) Options {
	return Options{
		MaxBuildDuration:   config.ParseDuration(cfg.MaxBuildDuration, constants.DefaultMaxBuildDuration),
		LogReadyTimeout:    config.ParseDuration(cfg.LogReadyTimeout, constants.DefaultLogReadyTimeout),
		LogReadMaxRetries:  cfg.LogReadMaxRetries,
		WaitSuccessTimeout: config.ParseDuration(cfg.WaitSuccessTimeout, constants.DefaultWaitSuccessTimeout),
		DeleteWaitTimeout:  config.ParseDuration(cfg.DeleteWaitTimeout, constants.DefaultDeleteWaitTimeout),
	}
}

func (o *Options) withDefaults() {
	if o.MaxBuildDuration <= 0 {
		o.MaxBuildDuration = constants.DefaultMaxBuildDuration
	}
	if o.LogReadyTimeout <= 0 {
		o.LogReadyTimeout = constants.DefaultLogReadyTimeout
	}
	if o.LogReadMaxRetries <= 0 {
		o.LogReadMaxRetries = constants.DefaultLogReadMaxRetries
	}
	if o.WaitSuccessTimeout <= 0 {
		o.WaitSuccessTimeout = constants.DefaultWaitSuccessTimeout
	}
	if o.DeleteWaitTimeout <= 0 {
		o.DeleteWaitTimeout = constants.DefaultDeleteWaitTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RetrySteps <= 0 {
		o.RetrySteps = constants.DefaultKubeRetrySteps
	}
}

// LineWriter 接收构建日志
type LineWriter interface {
	WriteStdout(ctx context.Context, line string) error
}

// Hooks 构建过程中的回调
type Hooks struct {
	// OnLogsReady Pod 日志可读时调用，此后允许中断
	OnLogsReady func(ctx context.Context) error
}

// Result 构建结果；被中断时 Status 为 interrupted，不返回错误
type Result struct {
	PodName string
	Status  constants.JobStatus
}

// Runner 构建 Pod 驱动
type Runner struct {
	kube kube.Provider
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

func NewRunner(provider kube.Provider, opts Options, log *zap.Logger) *Runner {
	opts.withDefaults()
	return &Runner{kube: provider, opts: opts, log: log, now: time.Now}
}

// SetClock 替换时钟，测试使用
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Run 创建构建 Pod 并跟踪到结束，日志逐行写入 w。
// ctx 以 ErrInterrupted 为 cause 取消时删除 Pod 并返回 interrupted 结果。
func (r *Runner) Run(ctx context.Context, tmpl *Template, w LineWriter, hooks Hooks) (Result, error) {
	result := Result{PodName: tmpl.Name}
	if err := utils.ValidateStruct(tmpl); err != nil {
		return result, pkgErrors.Wrap(pkgErrors.CodeValidationError, utils.FormatValidationError(err), pkgErrors.ErrValidationError)
	}
	pod, err := tmpl.pod()
	if err != nil {
		return result, pkgErrors.Wrap(pkgErrors.CodeValidationError, err.Error(), pkgErrors.ErrValidationError)
	}

	log := r.log.With(
		zap.String("cluster", tmpl.Schedule.ClusterName),
		zap.String("namespace", tmpl.Namespace),
		zap.String("pod", tmpl.Name))

	err = r.kube.With(ctx, tmpl.Schedule.ClusterName, func(ctx context.Context, c *kube.Clients) error {
		pods := c.Typed.CoreV1().Pods(tmpl.Namespace)

		if err := r.prepare(ctx, pods, tmpl.Name); err != nil {
			return err
		}
		if err := r.ensureNamespace(ctx, c, tmpl.Namespace); err != nil {
			return err
		}
		if err := r.create(ctx, pods, pod); err != nil {
			return err
		}
		log.Info("构建 Pod 已创建")
		defer r.cleanup(ctx, pods, tmpl.Name, log)

		if err := r.waitLogReady(ctx, pods, tmpl.Name); err != nil {
			return err
		}
		if hooks.OnLogsReady != nil {
			if err := hooks.OnLogsReady(ctx); err != nil {
				return err
			}
		}
		logPods := c.StreamTyped().CoreV1().Pods(tmpl.Namespace)
		if err := r.followLogs(ctx, logPods, tmpl.Name, w, log); err != nil {
			return err
		}
		return r.waitSucceeded(ctx, pods, tmpl.Name)
	})

	switch {
	case err == nil:
		result.Status = constants.JobStatusSuccessful
	case interrupted(ctx):
		log.Info("构建被用户中断")
		result.Status = constants.JobStatusInterrupted
		err = nil
	default:
		result.Status = constants.JobStatusFailed
	}
	metrics.BuilderPodTotal.WithLabelValues(string(result.Status)).Inc()
	return result, err
}

func interrupted(ctx context.Context) bool {
	return ctx.Err() != nil && errors.Is(context.Cause(ctx), pkgErrors.ErrInterrupted)
}

func (r *Runner) retry(ctx context.Context, fn func() error) error {
	return kube.Retry(ctx, r.opts.RetrySteps, fn)
}

func (r *Runner) getPod(ctx context.Context, pods typedcorev1.PodInterface, name string) (*corev1.Pod, error) {
	var pod *corev1.Pod
	err := r.retry(ctx, func() error {
		var err error
		pod, err = pods.Get(ctx, name, metav1.GetOptions{})
		return err
	})
	return pod, err
}

// create 重试时首次请求可能已在服务端成功，此时的 AlreadyExists 视为创建成功
func (r *Runner) create(ctx context.Context, pods typedcorev1.PodInterface, pod *corev1.Pod) error {
	attempts := 0
	err := r.retry(ctx, func() error {
		attempts++
		_, err := pods.Create(ctx, pod, metav1.CreateOptions{})
		if attempts > 1 && apierrors.IsAlreadyExists(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("create builder pod: %w", err)
	}
	return nil
}

// prepare 处理同名 Pod：运行中且未超时为重复构建；超时或已结束则删除后重建
func (r *Runner) prepare(ctx context.Context, pods typedcorev1.PodInterface, name string) error {
	existing, err := r.getPod(ctx, pods, name)
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get builder pod: %w", err)
	}

	switch existing.Status.Phase {
	case corev1.PodRunning, corev1.PodPending:
		age := r.now().Sub(existing.CreationTimestamp.Time)
		if age < r.opts.MaxBuildDuration {
			return &pkgErrors.DuplicateBuildError{PodName: name, Remaining: r.opts.MaxBuildDuration - age}
		}
		r.log.Warn("构建 Pod 运行超时，强制删除", zap.String("pod", name), zap.Duration("age", age))
	}

	if err := r.deletePod(ctx, pods, name); err != nil {
		return err
	}
	return r.waitDeleted(ctx, pods, name)
}

func (r *Runner) ensureNamespace(ctx context.Context, c *kube.Clients, namespace string) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: namespace}}
	err := r.retry(ctx, func() error {
		_, err := c.Typed.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
		return err
	})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("ensure namespace %s: %w", namespace, err)
	}
	return nil
}

func (r *Runner) deletePod(ctx context.Context, pods typedcorev1.PodInterface, name string) error {
	err := r.retry(ctx, func() error {
		return pods.Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: new(int64)})
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete builder pod: %w", err)
	}
	return nil
}

func (r *Runner) waitDeleted(ctx context.Context, pods typedcorev1.PodInterface, name string) error {
	err := wait.PollUntilContextTimeout(ctx, r.opts.PollInterval, r.opts.DeleteWaitTimeout, true,
		func(ctx context.Context) (bool, error) {
			_, err := r.getPod(ctx, pods, name)
			if apierrors.IsNotFound(err) {
				return true, nil
			}
			return false, err
		})
	if err != nil && ctx.Err() == nil && wait.Interrupted(err) {
		return pkgErrors.Wrap(pkgErrors.CodeTimeout, fmt.Sprintf("pod %s still exists", name), pkgErrors.ErrResourceDeleteTimeout)
	}
	return err
}

// waitLogReady 等待 Pod 进入 Running/Succeeded/Failed
func (r *Runner) waitLogReady(ctx context.Context, pods typedcorev1.PodInterface, name string) error {
	err := wait.PollUntilContextTimeout(ctx, r.opts.PollInterval, r.opts.LogReadyTimeout, true,
		func(ctx context.Context) (bool, error) {
			pod, err := r.getPod(ctx, pods, name)
			if err != nil {
				if apierrors.IsNotFound(err) {
					return false, pkgErrors.Wrap(pkgErrors.CodeClusterError,
						fmt.Sprintf("pod %s disappeared before logs were ready", name), pkgErrors.ErrPodNotSucceededAbsent)
				}
				return false, nil
			}
			switch pod.Status.Phase {
			case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
				return true, nil
			}
			return false, nil
		})
	if err != nil && ctx.Err() == nil && wait.Interrupted(err) {
		return pkgErrors.Wrap(pkgErrors.CodeTimeout,
			fmt.Sprintf("pod %s logs not ready within %s", name, r.opts.LogReadyTimeout), pkgErrors.ErrPodLogsNotReady)
	}
	return err
}

// followLogs 跟踪日志，连接层错误时从最后一行的时间戳续读并去重。
// pods 必须来自不设 http 超时的客户端，整体时长由 MaxBuildDuration 限制
func (r *Runner) followLogs(ctx context.Context, pods typedcorev1.PodInterface, name string, w LineWriter, log *zap.Logger) error {
	followCtx, cancel := context.WithTimeout(ctx, r.opts.MaxBuildDuration)
	defer cancel()

	cur := &logCursor{}
	backoff := kube.Backoff(r.opts.LogReadMaxRetries)
	var lastErr error
	for attempt := 0; attempt <= r.opts.LogReadMaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn("读取构建日志中断，重试", zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-followCtx.Done():
				return r.followErr(ctx, name)
			case <-time.After(backoff.Step()):
			}
		}

		opts := &corev1.PodLogOptions{Follow: true, Timestamps: true}
		if !cur.last.IsZero() {
			opts.SinceTime = &metav1.Time{Time: cur.last}
		}
		stream, err := pods.GetLogs(name, opts).Stream(followCtx)
		if err == nil {
			err = cur.forward(followCtx, stream, w)
			_ = stream.Close()
			if err == nil {
				return nil
			}
		}
		if followCtx.Err() != nil {
			return r.followErr(ctx, name)
		}
		if !kube.IsTransient(err) {
			return fmt.Errorf("read builder logs: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("read builder logs after %d retries: %w", r.opts.LogReadMaxRetries, lastErr)
}

// followErr 区分调用方取消与构建超过 MaxBuildDuration
func (r *Runner) followErr(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return pkgErrors.WrapStepError(pkgErrors.ErrPodNotSucceededTimeout,
		"builder pod %s did not finish within %s", name, r.opts.MaxBuildDuration)
}

// logCursor 记录已转发的最后时间戳，以及该时间戳下已转发的行
type logCursor struct {
	last time.Time
	seen map[string]int
}

func (c *logCursor) forward(ctx context.Context, stream io.Reader, w LineWriter) error {
	replay := make(map[string]int, len(c.seen))
	for k, v := range c.seen {
		replay[k] = v
	}

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ts, line := splitTimestamp(scanner.Text())
		if !ts.IsZero() {
			if ts.Before(c.last) {
				continue
			}
			if ts.Equal(c.last) && replay[line] > 0 {
				replay[line]--
				continue
			}
			if ts.After(c.last) {
				c.last = ts
				c.seen = map[string]int{}
			}
			c.seen[line]++
		}
		if err := w.WriteStdout(ctx, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// splitTimestamp 拆分 Timestamps=true 时每行开头的 RFC3339Nano 时间
func splitTimestamp(raw string) (time.Time, string) {
	head, rest, ok := strings.Cut(raw, " ")
	if !ok {
		return time.Time{}, raw
	}
	ts, err := time.Parse(time.RFC3339Nano, head)
	if err != nil {
		return time.Time{}, raw
	}
	return ts, rest
}

// waitSucceeded 日志结束后等待 Pod 成功
func (r *Runner) waitSucceeded(ctx context.Context, pods typedcorev1.PodInterface, name string) error {
	var lastPhase corev1.PodPhase
	err := wait.PollUntilContextTimeout(ctx, r.opts.PollInterval, r.opts.WaitSuccessTimeout, true,
		func(ctx context.Context) (bool, error) {
			pod, err := r.getPod(ctx, pods, name)
			if apierrors.IsNotFound(err) {
				return false, pkgErrors.ErrPodNotSucceededAbsent
			}
			if err != nil {
				return false, nil
			}
			lastPhase = pod.Status.Phase
			switch lastPhase {
			case corev1.PodSucceeded:
				return true, nil
			case corev1.PodFailed, corev1.PodUnknown:
				return false, pkgErrors.NewStepError("builder pod finished with phase %s: %s", lastPhase, pod.Status.Message)
			}
			return false, nil
		})
	switch {
	case err == nil:
		return nil
	case pkgErrors.Is(err, pkgErrors.ErrPodNotSucceededAbsent):
		return pkgErrors.WrapStepError(err, "builder pod %s disappeared before it succeeded", name)
	case ctx.Err() == nil && wait.Interrupted(err):
		return pkgErrors.WrapStepError(pkgErrors.ErrPodNotSucceededTimeout,
			"builder pod %s did not succeed within %s (phase=%s)", name, r.opts.WaitSuccessTimeout, lastPhase)
	}
	if se, ok := pkgErrors.AsStepError(err); ok {
		return pkgErrors.WrapStepError(pkgErrors.ErrPodNotSucceeded, "%s", se.Message)
	}
	return err
}

// cleanup 删除已结束或被中断的 Pod，失败只记日志
func (r *Runner) cleanup(ctx context.Context, pods typedcorev1.PodInterface, name string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.DeleteWaitTimeout)
	defer cancel()

	pod, err := r.getPod(ctx, pods, name)
	if err != nil {
		if !apierrors.IsNotFound(err) {
			log.Warn("清理构建 Pod 失败", zap.Error(err))
		}
		return
	}
	log.Info("删除构建 Pod", zap.String("phase", string(pod.Status.Phase)))
	if err := r.deletePod(ctx, pods, name); err != nil {
		log.Warn("清理构建 Pod 失败", zap.Error(err))
	}
}

// DeleteTerminalPods 删除集群内超过 age 的已结束构建 Pod，返回删除数量
func (r *Runner) DeleteTerminalPods(ctx context.Context, cluster string, age time.Duration) (int, error) {
	deleted := 0
	err := r.kube.With(ctx, cluster, func(ctx context.Context, c *kube.Clients) error {
		var list *corev1.PodList
		err := r.retry(ctx, func() error {
			var err error
			list, err = c.Typed.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
				LabelSelector: fmt.Sprintf("%s=%s", constants.LabelCategory, constants.CategoryBuilder),
			})
			return err
		})
		if err != nil {
			return err
		}
		for i := range list.Items {
			pod := &list.Items[i]
			if pod.Status.Phase != corev1.PodSucceeded && pod.Status.Phase != corev1.PodFailed {
				continue
			}
			if r.now().Sub(pod.CreationTimestamp.Time) < age {
				continue
			}
			if err := r.deletePod(ctx, c.Typed.CoreV1().Pods(pod.Namespace), pod.Name); err != nil {
				r.log.Warn("回收构建 Pod 失败", zap.String("pod", pod.Name), zap.Error(err))
				continue
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
