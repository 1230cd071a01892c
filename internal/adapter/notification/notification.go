package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"paas-control/internal/core/events"
	"paas-control/internal/pkg/config"
	"paas-control/pkg/constants"
)

// NotificationType 通知类型
type NotificationType string

const (
	NotifyDeploySuccess     NotificationType = "deploy_success"     // 部署成功
	NotifyDeployFailed      NotificationType = "deploy_failed"      // 部署失败
	NotifyDeployInterrupted NotificationType = "deploy_interrupted" // 部署被中断
	NotifyReleaseApplied    NotificationType = "release_applied"    // 工作负载已下发
)

// NotificationMessage 通知消息
type NotificationMessage struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Extra     map[string]interface{} `json:"extra,omitempty"` // 额外信息
}

// Notifier 通知器接口
type Notifier interface {
	// Send 发送通知
	Send(ctx context.Context, msg *NotificationMessage) error
}

// DeployMessage 部署结束事件转换为通知
func DeployMessage(e events.DeployFinished) *NotificationMessage {
	var (
		notifyType NotificationType
		title      string
		color      string
	)
	switch constants.JobStatus(e.Status) {
	case constants.JobStatusSuccessful:
		notifyType, title, color = NotifyDeploySuccess, "✅ 部署成功", "green"
	case constants.JobStatusInterrupted:
		notifyType, title, color = NotifyDeployInterrupted, "⏹ 部署已中断", "orange"
	default:
		notifyType, title, color = NotifyDeployFailed, "❌ 部署失败", "red"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**应用**: %s\n**环境**: %s\n**操作人**: %s\n**耗时**: %s",
		e.AppName, e.Environment, e.Operator, e.FinishedAt.Sub(e.StartedAt).Round(time.Second))
	if e.ErrDetail != "" {
		fmt.Fprintf(&b, "\n**原因**: %s", e.ErrDetail)
	}

	return &NotificationMessage{
		Type:      notifyType,
		Title:     title,
		Content:   b.String(),
		Timestamp: e.FinishedAt,
		Extra: map[string]interface{}{
			"deployment_id": e.DeploymentID,
			"app_id":        e.AppID,
			"color":         color,
		},
	}
}

// ReleaseMessage 工作负载下发事件转换为通知
func ReleaseMessage(e events.ReleaseApplied) *NotificationMessage {
	return &NotificationMessage{
		Type:      NotifyReleaseApplied,
		Title:     "🚀 新版本已下发",
		Content:   fmt.Sprintf("**版本**: v%d\n**集群**: %s\n**进程**: %s", e.Version, e.Cluster, strings.Join(e.Processes, ", ")),
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"release_id": e.ReleaseID,
			"app_id":     e.AppID,
			"color":      "blue",
		},
	}
}

// New 按配置组装通知器
func New(cfg config.NotificationConfig, logger *zap.Logger) Notifier {
	logNotifier := NewLogNotifier(logger)
	if !cfg.Enabled {
		return logNotifier
	}
	switch cfg.Provider {
	case "lark":
		return NewLarkNotifier(cfg.LarkWebhook, true, logger)
	case "all":
		return NewMultiNotifier(logger, logNotifier, NewLarkNotifier(cfg.LarkWebhook, true, logger))
	default:
		return logNotifier
	}
}

// Register 把通知器注册为部署事件的订阅者
func Register(bus *events.Bus, n Notifier) {
	events.Subscribe(bus, "notification.deploy", func(ctx context.Context, e events.DeployFinished) error {
		return n.Send(ctx, DeployMessage(e))
	})
	events.Subscribe(bus, "notification.release", func(ctx context.Context, e events.ReleaseApplied) error {
		return n.Send(ctx, ReleaseMessage(e))
	})
}

// RegisterAudit 每次部署结束输出一条结构化审计日志
func RegisterAudit(bus *events.Bus, logger *zap.Logger) {
	audit := logger.Named("audit")
	events.Subscribe(bus, "audit.deploy", func(_ context.Context, e events.DeployFinished) error {
		audit.Info("deployment finished",
			zap.String("deployment_id", e.DeploymentID),
			zap.String("env_id", e.EnvID),
			zap.String("app", e.AppName),
			zap.String("environment", e.Environment),
			zap.String("operator", e.Operator),
			zap.String("status", e.Status),
			zap.Duration("duration", e.FinishedAt.Sub(e.StartedAt)))
		return nil
	})
}

// ============= Lark 通知适配器 =============

// LarkNotifier Lark通知器
type LarkNotifier struct {
	webhookURL string
	enabled    bool
	logger     *zap.Logger
	client     *http.Client
}

// NewLarkNotifier 创建Lark通知器
func NewLarkNotifier(webhookURL string, enabled bool, logger *zap.Logger) *LarkNotifier {
	return &LarkNotifier{
		webhookURL: webhookURL,
		enabled:    enabled,
		logger:     logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send 发送通知
func (n *LarkNotifier) Send(ctx context.Context, msg *NotificationMessage) error {
	if !n.enabled {
		n.logger.Debug("通知已禁用,跳过发送")
		return nil
	}

	if n.webhookURL == "" {
		n.logger.Warn("Lark Webhook URL未配置")
		return nil
	}

	jsonData, err := json.Marshal(n.buildLarkMessage(msg))
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Lark API返回错误状态码: %d", resp.StatusCode)
	}

	n.logger.Info("Lark通知发送成功",
		zap.String("type", string(msg.Type)),
		zap.String("title", msg.Title))
	return nil
}

// buildLarkMessage 构建Lark消息格式
func (n *LarkNotifier) buildLarkMessage(msg *NotificationMessage) map[string]interface{} {
	color := "grey"
	if c, ok := msg.Extra["color"].(string); ok {
		color = c
	}

	return map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"title": map[string]interface{}{
					"tag":     "plain_text",
					"content": msg.Title,
				},
				"template": color,
			},
			"elements": []interface{}{
				map[string]interface{}{
					"tag": "div",
					"text": map[string]interface{}{
						"tag":     "lark_md",
						"content": msg.Content,
					},
				},
				map[string]interface{}{
					"tag": "div",
					"text": map[string]interface{}{
						"tag":     "plain_text",
						"content": fmt.Sprintf("时间: %s", msg.Timestamp.Format("2006-01-02 15:04:05")),
					},
				},
			},
		},
	}
}

// ============= 多通知器 =============

// MultiNotifier 多通知器(支持同时发送到多个渠道)
type MultiNotifier struct {
	notifiers []Notifier
	logger    *zap.Logger
}

// NewMultiNotifier 创建多通知器
func NewMultiNotifier(logger *zap.Logger, notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{
		notifiers: notifiers,
		logger:    logger,
	}
}

// Send 发送到所有通知器，单个失败不影响其他渠道
func (m *MultiNotifier) Send(ctx context.Context, msg *NotificationMessage) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, msg); err != nil {
			m.logger.Error("发送通知失败", zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

// ============= 日志通知器(仅记录日志,不发送实际通知) =============

// LogNotifier 日志通知器
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知器
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{
		logger: logger,
	}
}

// Send 记录通知到日志
func (n *LogNotifier) Send(_ context.Context, msg *NotificationMessage) error {
	n.logger.Info("📢 通知",
		zap.String("type", string(msg.Type)),
		zap.String("title", msg.Title),
		zap.String("content", msg.Content),
		zap.Any("extra", msg.Extra))
	return nil
}
