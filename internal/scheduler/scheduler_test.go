package scheduler

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paas-control/internal/pkg/config"
	"paas-control/internal/pkg/metrics"
)

func TestSchedulerRegistersConfiguredJobs(t *testing.T) {
	f := newFixture(t, nil)
	s := NewScheduler(f.m, zap.NewNop())
	require.NoError(t, s.Start(&config.SchedulerConfig{
		StaleSweepCron: "*/5 * * * *",
		ArtifactGCCron: "0 3 * * *",
	}))
	defer s.Stop()

	assert.Contains(t, s.cronSchedules, "stale_build_sweep")
	assert.Contains(t, s.cronSchedules, "zombie_deployment_reap")
	assert.Contains(t, s.cronSchedules, "artifact_gc")
	assert.NotContains(t, s.cronSchedules, "builder_pod_gc")

	before := testutil.ToFloat64(metrics.MaintenanceRuns.WithLabelValues("artifact_gc", "successful"))
	assert.True(t, s.Trigger("artifact_gc"))
	assert.False(t, s.Trigger("builder_pod_gc"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MaintenanceRuns.WithLabelValues("artifact_gc", "successful")))
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	f := newFixture(t, nil)
	s := NewScheduler(f.m, zap.NewNop())
	assert.Error(t, s.Start(&config.SchedulerConfig{PodGCCron: "every minute"}))
}
