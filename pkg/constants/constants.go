package constants

import "time"

// JobStatus BuildProcess / Deployment / Phase / Step 共用的状态
type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusRunning     JobStatus = "running"
	JobStatusSuccessful  JobStatus = "successful"
	JobStatusFailed      JobStatus = "failed"
	JobStatusInterrupted JobStatus = "interrupted"
)

// IsTerminal 终态不可再变更
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccessful, JobStatusFailed, JobStatusInterrupted:
		return true
	default:
		return false
	}
}

// JobStatusBuilding BuildProcess 在 Pod 运行后的状态
const JobStatusBuilding JobStatus = "building"

// PhaseType 部署阶段
type PhaseType string

const (
	PhasePreparation PhaseType = "preparation"
	PhaseBuild       PhaseType = "build"
	PhaseRelease     PhaseType = "release"
)

// ArtifactType 构建产物类型
type ArtifactType string

const (
	ArtifactTypeSlug  ArtifactType = "slug"
	ArtifactTypeImage ArtifactType = "image"
)

// SourceOrigin 模块的源码来源
type SourceOrigin string

const (
	SourceOriginSource SourceOrigin = "source"
	SourceOriginImage  SourceOrigin = "image"
	SourceOriginCNB    SourceOrigin = "cnb"
)

// AppType 应用类型
const (
	AppTypeDefault     = "default"
	AppTypeCloudNative = "cloud_native"
)

// 环境类型
const (
	EnvStag = "stag"
	EnvProd = "prod"
)

// StreamKind 输出流行类型
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
	StreamTitle  StreamKind = "title"
)

// 集群资源 label
const (
	LabelPodSelector    = "pod_selector"
	LabelCategory       = "category"
	LabelEnv            = "env"
	LabelReleaseVersion = "release_version"
	LabelRegion         = "region"
	LabelProcessType    = "process_id"
	LabelAppName        = "app_code"

	CategoryBuilder = "builder"
	CategoryBkApp   = "bkapp"
)

// ProcWeb web 进程名
const ProcWeb = "web"

// 核心默认值，均可通过配置覆盖
const (
	DefaultLockTTL               = 900 * time.Second
	DefaultPollInterval          = 10 * time.Second
	DefaultPollTimeout           = 90 * time.Second
	DefaultInterruptPollInterval = 2 * time.Second
	DefaultMaxBuildDuration      = 1800 * time.Second
	DefaultLogReadyTimeout       = 300 * time.Second
	DefaultLogReadMaxRetries     = 3
	DefaultWaitSuccessTimeout    = 60 * time.Second
	DefaultDeleteWaitTimeout     = 60 * time.Second
	DefaultKubeRequestTimeout    = 30 * time.Second
	DefaultKubeRetrySteps        = 3
	DefaultSubscriberBuffer      = 256
	DefaultWebPort               = 5000
	DefaultKeepReleases          = 5
	DefaultWatchTimeoutSeconds   = 300
	// watch 外层 deadline 在 timeoutSeconds 之上的余量
	WatchDeadlineSlack = 30 * time.Second
)

// 运行时默认值
var (
	DefaultSlugEntrypoint = []string{"bash", "/runner/init"}
	CNBEntrypoint         = []string{"launcher"}
	ImageEntrypoint       = []string{"env"}
)
