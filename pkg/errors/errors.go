package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// 错误码
const (
	CodeSuccess         = 200
	CodeBadRequest      = 400
	CodeNotFound        = 404
	CodeConflict        = 409
	CodeInternalError   = 500
	CodeDatabaseError   = 501
	CodeClusterError    = 502
	CodeValidationError = 503
	CodeTimeout         = 504
)

// AppError 应用错误
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 预定义错误按 Code+Message 比较，Wrap 出来的错误也能匹配到对应的哨兵
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Err == nil && e.Code == t.Code && e.Message == t.Message
}

// New 创建新错误
func New(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装错误
func Wrap(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// 通用错误
var (
	ErrBadRequest      = New(CodeBadRequest, "请求参数错误")
	ErrNotFound        = New(CodeNotFound, "资源不存在")
	ErrConflict        = New(CodeConflict, "资源冲突")
	ErrInternalError   = New(CodeInternalError, "内部服务器错误")
	ErrDatabaseError   = New(CodeDatabaseError, "数据库错误")
	ErrValidationError = New(CodeValidationError, "数据验证失败")

	ErrRecordNotFound = New(CodeNotFound, "记录不存在")
	ErrRecordExists   = New(CodeConflict, "记录已存在")
)

// 部署锁
var (
	ErrLockHeld                  = New(CodeConflict, "deploy already running")
	ErrLockHolderMismatch        = New(CodeConflict, "deploy lock is held by another deployment")
	ErrCannotDeployOngoingExists = New(CodeConflict, "an ongoing deployment exists")
	ErrNotInterruptible          = New(CodeBadRequest, "deployment can not be interrupted now")
	ErrLockLost                  = New(CodeConflict, "deploy lock expired or was reclaimed")
	ErrInterrupted               = New(CodeConflict, "deployment interrupted by user")
)

// 构建 Pod
var (
	ErrDuplicateBuild         = New(CodeConflict, "builder pod is still running")
	ErrPodNotSucceeded        = New(CodeInternalError, "builder pod did not succeed")
	ErrPodNotSucceededAbsent  = New(CodeInternalError, "builder pod is absent")
	ErrPodNotSucceededTimeout = New(CodeTimeout, "timed out waiting for builder pod to succeed")
	ErrPodLogsNotReady        = New(CodeTimeout, "timed out waiting for builder pod logs")
)

// 集群资源
var (
	ErrResourceMissing              = New(CodeNotFound, "resource missing in cluster")
	ErrEntityNotFound               = New(CodeNotFound, "entity not found")
	ErrResourceDeleteTimeout        = New(CodeTimeout, "timed out waiting for resource deletion")
	ErrAPIServerVersionIncompatible = New(CodeClusterError, "no serializer matches apiVersions served by the cluster")
	ErrDeserialize                  = New(CodeClusterError, "failed to deserialize cluster object")
	ErrNotAppScoped                 = New(CodeNotFound, "cluster object does not belong to any app")
	ErrReadOnlyEntity               = New(CodeBadRequest, "entity type is not writable")
)

// 阶段/步骤
var (
	ErrStepOutOfOrder        = New(CodeConflict, "step can not run before previous steps succeed")
	ErrInvalidTransition     = New(CodeConflict, "invalid status transition")
	ErrInvalidImageReference = New(CodeBadRequest, "image reference must carry a tag or digest")
)

// DuplicateBuildError 构建 Pod 仍在运行时返回，携带剩余时间
type DuplicateBuildError struct {
	PodName   string
	Remaining time.Duration
}

func (e *DuplicateBuildError) Error() string {
	return fmt.Sprintf("builder pod %s is still running, retry after %s", e.PodName, HumanizeDuration(e.Remaining))
}

func (e *DuplicateBuildError) Unwrap() error {
	return ErrDuplicateBuild
}

// StepError 步骤内部的业务失败，消息会原样写入输出流
type StepError struct {
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError 创建可展示给用户的步骤错误
func NewStepError(format string, args ...any) *StepError {
	return &StepError{Message: fmt.Sprintf(format, args...)}
}

// WrapStepError 用可展示的消息包装底层错误
func WrapStepError(err error, format string, args ...any) *StepError {
	return &StepError{Message: fmt.Sprintf(format, args...), Err: err}
}

// AsStepError 判断 err 链中是否有 StepError
func AsStepError(err error) (*StepError, bool) {
	var se *StepError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Is / As 的转发，避免调用方同时引入两个 errors 包
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// HumanizeDuration 把剩余时间格式化为 "12m30s" 这样的人类可读形式
func HumanizeDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
