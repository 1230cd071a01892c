package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

var GlobalConfig *Config

// Config 全局配置
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Crypto       CryptoConfig       `mapstructure:"crypto"`
	Kube         KubeConfig         `mapstructure:"kube"`
	Deploy       DeployConfig       `mapstructure:"deploy"`
	Builder      BuilderConfig      `mapstructure:"builder"`
	Release      ReleaseConfig      `mapstructure:"release"`
	Artifact     ArtifactConfig     `mapstructure:"artifact"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Stream       StreamConfig       `mapstructure:"stream"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Notification NotificationConfig `mapstructure:"notification"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	Name string `mapstructure:"name"`
	Mode string `mapstructure:"mode"` // debug, release
}

// LogConfig 日志配置
type LogConfig struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error
	Format   string `mapstructure:"format"` // json, console
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
	// 以下仅 output=file 时生效
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // mysql, postgres
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"` // 仅 postgres
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	LogLevel        string `mapstructure:"log_level"`         // SQL日志级别: silent/error/warn/info
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// RedisConfig 共享 KV 存储（部署锁、输出流广播）
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// CryptoConfig 加密配置
type CryptoConfig struct {
	AESKey string `mapstructure:"aes_key"` // 32字节，用于加密集群 kubeconfig
}

// KubeConfig 集群 API 访问配置
type KubeConfig struct {
	RequestTimeout string  `mapstructure:"request_timeout"`
	RetrySteps     int     `mapstructure:"retry_steps"`
	QPS            float32 `mapstructure:"qps"`
	Burst          int     `mapstructure:"burst"`
	// InCluster 为 true 且集群未配置 kubeconfig 时使用 Pod 内 ServiceAccount
	InCluster bool `mapstructure:"in_cluster"`
}

// DeployConfig 部署配置
type DeployConfig struct {
	LockTTL                string `mapstructure:"lock_ttl"`
	PollInterval           string `mapstructure:"poll_interval"`
	PollTimeout            string `mapstructure:"poll_timeout"`
	InterruptCheckInterval string `mapstructure:"interrupt_check_interval"`
	Workers                int    `mapstructure:"workers"`  // 并发部署数
	LogsURL                string `mapstructure:"logs_url"` // 输出流地址模板，%s 为 stream id
}

// BuilderConfig 构建 Pod 配置
type BuilderConfig struct {
	Image              string            `mapstructure:"image"`
	Namespace          string            `mapstructure:"namespace"` // 为空时使用应用命名空间
	ImagePullPolicy    string            `mapstructure:"image_pull_policy"`
	ImagePullSecrets   []string          `mapstructure:"image_pull_secrets"`
	Privileged         bool              `mapstructure:"privileged"`
	Resources          map[string]string `mapstructure:"resources"`
	MaxBuildDuration   string            `mapstructure:"max_build_duration"`
	LogReadyTimeout    string            `mapstructure:"log_ready_timeout"`
	LogReadMaxRetries  int               `mapstructure:"log_read_max_retries"`
	WaitSuccessTimeout string            `mapstructure:"wait_success_timeout"`
	DeleteWaitTimeout  string            `mapstructure:"delete_wait_timeout"`
	PodGCAge           string            `mapstructure:"pod_gc_age"`
}

// ReleaseConfig 发布配置
type ReleaseConfig struct {
	KeepReleases int    `mapstructure:"keep_releases"`
	WebPort      int    `mapstructure:"web_port"`
	IngressHost  string `mapstructure:"ingress_host"` // 形如 "%s.apps.example.com"
}

// ArtifactConfig 制品存储（S3 兼容）
type ArtifactConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	PresignTTL   string `mapstructure:"presign_ttl"`
}

// RegistryConfig 镜像仓库
type RegistryConfig struct {
	Insecure bool   `mapstructure:"insecure"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// StreamConfig 输出流配置
type StreamConfig struct {
	Broker           string `mapstructure:"broker"` // local, redis
	SubscriberBuffer int    `mapstructure:"subscriber_buffer"`
}

// SchedulerConfig 定时任务 Cron 表达式，为空表示不启用
type SchedulerConfig struct {
	StaleSweepCron     string `mapstructure:"stale_sweep_cron"`
	PodGCCron          string `mapstructure:"pod_gc_cron"`
	AbnormalReportCron string `mapstructure:"abnormal_report_cron"`
	ArtifactGCCron     string `mapstructure:"artifact_gc_cron"`
}

// MetricsConfig 指标
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// NotificationConfig 通知配置
type NotificationConfig struct {
	Enabled     bool   `mapstructure:"enabled"`      // 是否启用
	Provider    string `mapstructure:"provider"`     // 通知渠道: log, lark, all
	LarkWebhook string `mapstructure:"lark_webhook"` // Lark Webhook
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "paas-control")
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("database.log_level", "silent")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("kube.request_timeout", "30s")
	v.SetDefault("kube.retry_steps", 3)
	v.SetDefault("kube.qps", 20)
	v.SetDefault("kube.burst", 40)

	v.SetDefault("deploy.lock_ttl", "900s")
	v.SetDefault("deploy.poll_interval", "10s")
	v.SetDefault("deploy.poll_timeout", "90s")
	v.SetDefault("deploy.interrupt_check_interval", "2s")
	v.SetDefault("deploy.workers", 8)
	v.SetDefault("deploy.logs_url", "/streams/%s/lines")

	v.SetDefault("builder.image", "bkpaas/slugbuilder:latest")
	v.SetDefault("builder.image_pull_policy", "IfNotPresent")
	v.SetDefault("builder.max_build_duration", "1800s")
	v.SetDefault("builder.log_ready_timeout", "300s")
	v.SetDefault("builder.log_read_max_retries", 3)
	v.SetDefault("builder.wait_success_timeout", "60s")
	v.SetDefault("builder.delete_wait_timeout", "60s")
	v.SetDefault("builder.pod_gc_age", "1h")

	v.SetDefault("release.keep_releases", 5)
	v.SetDefault("release.web_port", 5000)

	v.SetDefault("artifact.region", "us-east-1")
	v.SetDefault("artifact.use_path_style", true)
	v.SetDefault("artifact.presign_ttl", "1h")

	v.SetDefault("stream.broker", "redis")
	v.SetDefault("stream.subscriber_buffer", 256)

	v.SetDefault("scheduler.stale_sweep_cron", "*/5 * * * *")
	v.SetDefault("scheduler.pod_gc_cron", "*/30 * * * *")
	v.SetDefault("scheduler.abnormal_report_cron", "0 * * * *")
	v.SetDefault("scheduler.artifact_gc_cron", "0 3 * * *")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9090")

	v.SetDefault("notification.provider", "log")
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// 读取环境变量
	v.AutomaticEnv()

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = config
	return config, nil
}

// Default 仅包含默认值的配置，测试和本地调试使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	config := &Config{}
	_ = v.Unmarshal(config)
	return config
}

// Validate 校验所有时长字段可以解析
func (c *Config) Validate() error {
	durations := map[string]string{
		"kube.request_timeout":            c.Kube.RequestTimeout,
		"deploy.lock_ttl":                 c.Deploy.LockTTL,
		"deploy.poll_interval":            c.Deploy.PollInterval,
		"deploy.poll_timeout":             c.Deploy.PollTimeout,
		"deploy.interrupt_check_interval": c.Deploy.InterruptCheckInterval,
		"builder.max_build_duration":      c.Builder.MaxBuildDuration,
		"builder.log_ready_timeout":       c.Builder.LogReadyTimeout,
		"builder.wait_success_timeout":    c.Builder.WaitSuccessTimeout,
		"builder.delete_wait_timeout":     c.Builder.DeleteWaitTimeout,
		"builder.pod_gc_age":              c.Builder.PodGCAge,
		"artifact.presign_ttl":            c.Artifact.PresignTTL,
	}
	for key, raw := range durations {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("配置项 %s 不是合法的时长: %w", key, err)
		}
	}
	if c.Database.Driver != "mysql" && c.Database.Driver != "postgres" {
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	return nil
}

// GetDSN 获取数据库DSN
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Username,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// ParseDuration 解析时长配置，空值或非法值返回 fallback
func ParseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
