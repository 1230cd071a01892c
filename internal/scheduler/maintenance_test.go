package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paas-control/internal/core/deploylock"
	"paas-control/internal/core/events"
	"paas-control/internal/core/outputstream"
	"paas-control/internal/core/release"
	"paas-control/internal/model"
	"paas-control/internal/pkg/config"
	"paas-control/internal/pkg/database/dbtest"
	"paas-control/internal/pkg/metrics"
	"paas-control/internal/repository"
	"paas-control/pkg/constants"
)

type fakePods struct {
	mu    sync.Mutex
	calls map[string]time.Duration
	fail  map[string]bool
}

func (f *fakePods) DeleteTerminalPods(_ context.Context, cluster string, age time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]time.Duration{}
	}
	f.calls[cluster] = age
	if f.fail[cluster] {
		return 0, errors.New("apiserver unavailable")
	}
	return 2, nil
}

type fakeDetector map[string][]release.Abnormal

func (f fakeDetector) DetectAbnormal(_ context.Context, cluster, _ string) ([]release.Abnormal, error) {
	return f[cluster], nil
}

type fakeStore struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeStore) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, keys...)
	return nil
}

type fixture struct {
	db       *gorm.DB
	m        *Maintenance
	lock     *deploylock.Coordinator
	hub      *outputstream.Hub
	pods     *fakePods
	store    *fakeStore
	finished chan events.DeployFinished
	builds   chan events.BuildFinished
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()
	db := dbtest.New(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	lock := deploylock.New(rdb, deploylock.Options{LockTTL: 900 * time.Second, PollTimeout: 90 * time.Second}, zap.NewNop())

	hub := outputstream.NewHub(repository.NewOutputStreamRepository(db), outputstream.NewLocalBroker(), 64, zap.NewNop())
	bus := events.NewBus(zap.NewNop())
	finished := make(chan events.DeployFinished, 8)
	builds := make(chan events.BuildFinished, 8)
	events.Subscribe(bus, "test.deploy", func(_ context.Context, e events.DeployFinished) error {
		finished <- e
		return nil
	})
	events.Subscribe(bus, "test.build", func(_ context.Context, e events.BuildFinished) error {
		builds <- e
		return nil
	})

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	pods := &fakePods{}
	store := &fakeStore{}
	m := NewMaintenance(MaintenanceDeps{
		DB:    db,
		Hub:   hub,
		Lock:  lock,
		Pods:  pods,
		Store: store,
		Bus:   bus,
		Detector: fakeDetector{
			"main": {{AppName: "demo", ProcType: "web", Desired: 2, Available: 0, Expected: 2, Reason: "CrashLoopBackOff"}},
		},
	}, cfg, zap.NewNop())

	return &fixture{db: db, m: m, lock: lock, hub: hub, pods: pods, store: store, finished: finished, builds: builds}
}

func (f *fixture) later(d time.Duration) {
	now := time.Now().Add(d)
	f.m.SetClock(func() time.Time { return now })
}

func (f *fixture) createDeployment(t *testing.T, envID string, bpID *string) *model.Deployment {
	t.Helper()
	ctx := context.Background()
	stream, err := f.hub.Open(ctx, "t1")
	require.NoError(t, err)
	d := &model.Deployment{
		EnvID:          envID,
		AppID:          "app-1",
		Status:         string(constants.JobStatusRunning),
		Operator:       "alice",
		OutputStreamID: stream.ID(),
		BuildProcessID: bpID,
	}
	require.NoError(t, repository.NewDeploymentRepository(f.db).Create(ctx, d))
	return d
}

func TestReapZombieDeployments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	zombie := f.createDeployment(t, "env-zombie", nil)
	alive := f.createDeployment(t, "env-alive", nil)
	ok, err := f.lock.Acquire(ctx, "env-alive")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.lock.SetDeployment(ctx, "env-alive", alive.ID))

	f.later(5 * time.Minute)
	require.NoError(t, f.m.ReapZombieDeployments(ctx))

	deployments := repository.NewDeploymentRepository(f.db)
	got, err := deployments.FindByID(ctx, zombie.ID)
	require.NoError(t, err)
	assert.Equal(t, string(constants.JobStatusFailed), got.Status)
	assert.Contains(t, got.ErrDetail, "失去响应")
	assert.NotNil(t, got.CompleteTime)

	select {
	case e := <-f.finished:
		assert.Equal(t, zombie.ID, e.DeploymentID)
		assert.Equal(t, string(constants.JobStatusFailed), e.Status)
	case <-time.After(time.Second):
		t.Fatal("DeployFinished was not published")
	}

	got, err = deployments.FindByID(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, string(constants.JobStatusRunning), got.Status)
	id, err := f.lock.CurrentDeploymentID(ctx, "env-alive")
	require.NoError(t, err)
	assert.Equal(t, alive.ID, id)
}

func TestReapSkipsRecentDeployments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	d := f.createDeployment(t, "env-1", nil)
	require.NoError(t, f.m.ReapZombieDeployments(ctx))

	got, err := repository.NewDeploymentRepository(f.db).FindByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, string(constants.JobStatusRunning), got.Status)
}

func TestSweepStaleBuildProcesses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	apps := repository.NewAppRepository(f.db)
	app := &model.App{Region: "default", Name: "busy", Type: constants.AppTypeDefault}
	require.NoError(t, apps.CreateApp(ctx, app))
	module := &model.Module{ApplicationID: "application-1", Name: "default", SourceOrigin: string(constants.SourceOriginSource)}
	require.NoError(t, apps.CreateModule(ctx, module))
	env := &model.ModuleEnv{ModuleID: module.ID, Environment: constants.EnvStag, AppID: app.ID}
	require.NoError(t, apps.CreateEnv(ctx, env))

	bpRepo := repository.NewBuildProcessRepository(f.db)
	orphan := &model.BuildProcess{AppID: "app-gone", ApplicationID: "a", ModuleID: "m", Generation: 1,
		Status: string(constants.JobStatusBuilding), OutputStreamID: "s1"}
	active := &model.BuildProcess{AppID: app.ID, ApplicationID: "a", ModuleID: "m", Generation: 2,
		Status: string(constants.JobStatusBuilding), OutputStreamID: "s2"}
	require.NoError(t, bpRepo.Create(ctx, orphan))
	require.NoError(t, bpRepo.Create(ctx, active))

	d := f.createDeployment(t, env.ID, &active.ID)
	ok, err := f.lock.Acquire(ctx, env.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.lock.SetDeployment(ctx, env.ID, d.ID))

	f.later(time.Hour)
	require.NoError(t, f.m.SweepStaleBuildProcesses(ctx))

	got, err := bpRepo.FindByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, string(constants.JobStatusFailed), got.Status)
	assert.NotNil(t, got.CompletedAt)

	got, err = bpRepo.FindByID(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, string(constants.JobStatusBuilding), got.Status)

	select {
	case e := <-f.builds:
		assert.Equal(t, orphan.ID, e.BuildProcessID)
		assert.Equal(t, string(constants.JobStatusFailed), e.Status)
	case <-time.After(time.Second):
		t.Fatal("BuildFinished was not published")
	}
}

func TestCollectArtifacts(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Release.KeepReleases = 2 })
	ctx := context.Background()

	app := &model.App{Region: "default", Name: "demo", Type: constants.AppTypeDefault}
	require.NoError(t, repository.NewAppRepository(f.db).CreateApp(ctx, app))

	base := time.Now().Add(-24 * time.Hour)
	builds := repository.NewBuildRepository(f.db)
	slug := func(name string, at time.Time) *model.Build {
		path := "slugs/" + name + ".tgz"
		b := &model.Build{AppID: app.ID, ModuleID: "m", ArtifactType: string(constants.ArtifactTypeSlug), SlugPath: &path}
		b.CreatedAt = at
		require.NoError(t, builds.Create(ctx, b))
		return b
	}
	unreferenced := slug("b0", base)
	b1 := slug("b1", base.Add(time.Hour))
	b2 := slug("b2", base.Add(2*time.Hour))
	b3 := slug("b3", base.Add(3*time.Hour))
	pending := slug("b4", base.Add(5*time.Hour))
	image := "registry.example.com/demo:v1"
	old := &model.Build{AppID: app.ID, ModuleID: "m", ArtifactType: string(constants.ArtifactTypeImage), Image: &image}
	old.CreatedAt = base
	require.NoError(t, builds.Create(ctx, old))

	releases := repository.NewReleaseRepository(f.db)
	for i, b := range []*model.Build{b1, b2, b3} {
		r := &model.Release{AppID: app.ID, Version: i + 1, BuildID: &b.ID, ConfigID: "cfg-1"}
		r.CreatedAt = b.CreatedAt.Add(time.Minute)
		require.NoError(t, releases.Create(ctx, r))
	}

	require.NoError(t, f.m.CollectArtifacts(ctx))
	assert.ElementsMatch(t, []string{*unreferenced.SlugPath, *b1.SlugPath}, f.store.deleted)

	for _, b := range []*model.Build{unreferenced, b1} {
		got, err := builds.FindByID(ctx, b.ID)
		require.NoError(t, err)
		assert.True(t, got.ArtifactDeleted, b.ID)
	}
	for _, b := range []*model.Build{b2, b3, pending, old} {
		got, err := builds.FindByID(ctx, b.ID)
		require.NoError(t, err)
		assert.False(t, got.ArtifactDeleted, b.ID)
	}

	// 再次执行不会重复删除
	f.store.deleted = nil
	require.NoError(t, f.m.CollectArtifacts(ctx))
	assert.Empty(t, f.store.deleted)
}

func TestCollectArtifactsKeepsShortHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	app := &model.App{Region: "default", Name: "young", Type: constants.AppTypeDefault}
	require.NoError(t, repository.NewAppRepository(f.db).CreateApp(ctx, app))
	path := "slugs/only.tgz"
	b := &model.Build{AppID: app.ID, ModuleID: "m", ArtifactType: string(constants.ArtifactTypeSlug), SlugPath: &path}
	b.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, repository.NewBuildRepository(f.db).Create(ctx, b))

	require.NoError(t, f.m.CollectArtifacts(ctx))
	assert.Empty(t, f.store.deleted)
}

func TestClusterJobs(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Builder.PodGCAge = "30m" })
	ctx := context.Background()

	clusters := repository.NewClusterRepository(f.db)
	require.NoError(t, clusters.Create(ctx, &model.Cluster{Name: "main", Region: "default", Enabled: true}))
	require.NoError(t, clusters.Create(ctx, &model.Cluster{Name: "edge", Region: "default", Enabled: true}))
	f.pods.fail = map[string]bool{"edge": true}

	err := f.m.CollectBuilderPods(ctx)
	assert.Error(t, err)
	assert.Equal(t, map[string]time.Duration{"main": 30 * time.Minute, "edge": 30 * time.Minute}, f.pods.calls)

	require.NoError(t, f.m.ReportAbnormal(ctx))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AbnormalProcesses.WithLabelValues("main")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.AbnormalProcesses.WithLabelValues("edge")))
}
