package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"paas-control/internal/pkg/config"
	"paas-control/internal/pkg/metrics"
)

// jobTimeout 单次维护任务的最长执行时间
const jobTimeout = 10 * time.Minute

// Scheduler 调度器
type Scheduler struct {
	cron          *cron.Cron
	logger        *zap.Logger
	maintenance   *Maintenance
	cronSchedules map[string]cron.EntryID // 存储任务ID，便于管理
}

// NewScheduler 创建调度器
func NewScheduler(maintenance *Maintenance, logger *zap.Logger) *Scheduler {
	// 上一轮未结束时跳过本轮
	cronLog := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))

	return &Scheduler{
		cron:          c,
		logger:        logger,
		maintenance:   maintenance,
		cronSchedules: make(map[string]cron.EntryID),
	}
}

// Start 注册维护任务并启动调度器
func (s *Scheduler) Start(cfg *config.SchedulerConfig) error {
	log := s.logger.Sugar()

	log.Info("启动定时任务调度器...")

	// cron 表达式格式: 分 时 日 月 周
	jobs := []struct {
		name string
		expr string
		fn   func(ctx context.Context) error
	}{
		{"stale_build_sweep", cfg.StaleSweepCron, s.maintenance.SweepStaleBuildProcesses},
		{"zombie_deployment_reap", cfg.StaleSweepCron, s.maintenance.ReapZombieDeployments},
		{"builder_pod_gc", cfg.PodGCCron, s.maintenance.CollectBuilderPods},
		{"abnormal_report", cfg.AbnormalReportCron, s.maintenance.ReportAbnormal},
		{"artifact_gc", cfg.ArtifactGCCron, s.maintenance.CollectArtifacts},
	}
	for _, job := range jobs {
		if job.expr == "" {
			log.Infof("任务 %s 未配置 cron，跳过", job.name)
			continue
		}
		name, fn := job.name, job.fn
		entryID, err := s.cron.AddFunc(job.expr, func() { s.run(name, fn) })
		if err != nil {
			log.Errorf("注册任务 %s: %v 失败: %v", name, job.expr, err)
			return err
		}
		s.cronSchedules[name] = entryID
		log.Infof("任务 %s 已注册: %s entry_id=%d", name, job.expr, entryID)
	}

	s.cron.Start()
	log.Info("定时任务调度器启动成功")

	return nil
}

// Stop 停止调度器
func (s *Scheduler) Stop() {
	s.logger.Info("正在停止定时任务调度器...")

	// 停止 cron（等待正在执行的任务完成）
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.logger.Info("定时任务调度器已停止")
}

// Trigger 手动触发一次任务，name 未注册时返回 false
func (s *Scheduler) Trigger(name string) bool {
	id, ok := s.cronSchedules[name]
	if !ok {
		return false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return false
	}
	entry.Job.Run()
	return true
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		metrics.MaintenanceRuns.WithLabelValues(name, "failed").Inc()
		s.logger.Error("定时任务执行失败", zap.String("job", name), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	metrics.MaintenanceRuns.WithLabelValues(name, "successful").Inc()
	s.logger.Debug("定时任务执行完成", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
}
