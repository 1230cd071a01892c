package deploy

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"paas-control/internal/adapter/registry"
	"paas-control/internal/core/builder"
	"paas-control/internal/core/deploylock"
	"paas-control/internal/core/events"
	"paas-control/internal/core/outputstream"
	"paas-control/internal/core/release"
	"paas-control/internal/model"
	"paas-control/internal/pkg/config"
	"paas-control/internal/pkg/database/dbtest"
	"paas-control/internal/repository"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

type runFunc func(ctx context.Context, tmpl *builder.Template, w builder.LineWriter, hooks builder.Hooks) (builder.Result, error)

type fakeBuilder struct {
	mu    sync.Mutex
	tmpls []*builder.Template
	run   runFunc
}

func (f *fakeBuilder) Run(ctx context.Context, tmpl *builder.Template, w builder.LineWriter, hooks builder.Hooks) (builder.Result, error) {
	f.mu.Lock()
	f.tmpls = append(f.tmpls, tmpl)
	run := f.run
	f.mu.Unlock()
	if run != nil {
		return run(ctx, tmpl, w, hooks)
	}
	if err := hooks.OnLogsReady(ctx); err != nil {
		return builder.Result{}, err
	}
	if err := w.WriteStdout(ctx, "-----> Compiling"); err != nil {
		return builder.Result{}, err
	}
	return builder.Result{PodName: tmpl.Name, Status: constants.JobStatusSuccessful}, nil
}

func (f *fakeBuilder) calls() []*builder.Template {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*builder.Template(nil), f.tmpls...)
}

type fakeApplier struct {
	mu      sync.Mutex
	targets []release.Target
	err     error
}

func (f *fakeApplier) Apply(_ context.Context, t release.Target) ([]release.Applied, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, t)
	if f.err != nil {
		return nil, f.err
	}
	var applied []release.Applied
	for proc := range t.Release.Procfile.Data() {
		applied = append(applied, release.Applied{ProcType: proc, Deployment: "demo--" + proc, Replicas: 1})
	}
	return applied, nil
}

func (f *fakeApplier) last() release.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[len(f.targets)-1]
}

type fakeSource struct{}

func (fakeSource) Fetch(_ context.Context, app *model.App, info model.VersionInfo) (string, string, error) {
	key := "sources/" + app.Name + "/" + info.Revision + ".tar.gz"
	return key, "https://s3.example.com/" + key + "?get", nil
}

type fakeStore struct{}

func (fakeStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://s3.example.com/" + key + "?get", nil
}

func (fakeStore) PresignPut(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://s3.example.com/" + key + "?put", nil
}

type fakeRegistry struct{}

func (fakeRegistry) GetManifest(_ context.Context, _ string) (registry.Manifest, error) {
	return registry.Manifest{Size: 42, Digest: "sha256:abc"}, nil
}

// remoteTasks 模拟驱动运行在其他进程：本进程无法直接取消
type remoteTasks struct {
	*Pool
}

func (remoteTasks) Cancel(string, error) bool { return false }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc      *Service
	lock     *deploylock.Coordinator
	mr       *miniredis.Miniredis
	hub      *outputstream.Hub
	builder  *fakeBuilder
	applier  *fakeApplier
	clock    *clock
	app      *model.App
	env      *model.ModuleEnv
	finished chan events.DeployFinished
}

type harnessOption func(*Deps)

func withRemoteTasks() harnessOption {
	return func(d *Deps) { d.Tasks = remoteTasks{d.Tasks.(*Pool)} }
}

// heldTasks 保存提交的任务，由测试决定何时执行，模拟在 worker 上排队
type heldTasks struct {
	mu  sync.Mutex
	fns map[string]func(ctx context.Context) error
}

func (h *heldTasks) Submit(_ context.Context, name string, fn func(ctx context.Context) error, _ func(error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fns == nil {
		h.fns = make(map[string]func(ctx context.Context) error)
	}
	h.fns[name] = fn
	return nil
}

func (h *heldTasks) Cancel(string, error) bool { return false }

func (h *heldTasks) run(name string) error {
	h.mu.Lock()
	fn := h.fns[name]
	h.mu.Unlock()
	return fn(context.Background())
}

func withTasks(tasks TaskRunner) harnessOption {
	return func(d *Deps) { d.Tasks = tasks }
}

func newHarness(t *testing.T, origin constants.SourceOrigin, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)

	apps := repository.NewAppRepository(db)
	app := &model.App{Region: "default", Name: "demo", Type: constants.AppTypeDefault, TenantID: "t1"}
	require.NoError(t, apps.CreateApp(ctx, app))
	module := &model.Module{ApplicationID: "application-1", Name: "default", SourceOrigin: string(origin)}
	require.NoError(t, apps.CreateModule(ctx, module))
	env := &model.ModuleEnv{ModuleID: module.ID, Environment: constants.EnvStag, AppID: app.ID}
	require.NoError(t, apps.CreateEnv(ctx, env))

	require.NoError(t, repository.NewClusterRepository(db).Create(ctx,
		&model.Cluster{Name: "main", Region: "default", Enabled: true, DefaultForBuild: true}))
	require.NoError(t, repository.NewConfigRepository(db).Create(ctx, &model.Config{
		AppID: app.ID, Cluster: "main", Values: datatypes.NewJSONType(map[string]string{"DEBUG": "false"}),
	}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	lock := deploylock.New(rdb, deploylock.Options{LockTTL: 900 * time.Second, PollTimeout: 90 * time.Second}, zap.NewNop())
	lock.SetClock(clk.Now)

	hub := outputstream.NewHub(repository.NewOutputStreamRepository(db), outputstream.NewLocalBroker(), 64, zap.NewNop())
	bus := events.NewBus(zap.NewNop())
	finished := make(chan events.DeployFinished, 8)
	events.Subscribe(bus, "test.deploy", func(_ context.Context, e events.DeployFinished) error {
		finished <- e
		return nil
	})

	pool := NewPool(2, zap.NewNop())
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(stopCtx)
	})

	fb := &fakeBuilder{}
	fa := &fakeApplier{}
	deps := Deps{
		DB:       db,
		Lock:     lock,
		Hub:      hub,
		Builder:  fb,
		Applier:  fa,
		Source:   fakeSource{},
		Store:    fakeStore{},
		Registry: fakeRegistry{},
		Tasks:    pool,
		Bus:      bus,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc := NewService(deps, Options{
		PollInterval:           20 * time.Millisecond,
		InterruptCheckInterval: 20 * time.Millisecond,
		LogsURL:                "/streams/%s/lines",
		Builder:                config.BuilderConfig{Image: "builder:heroku-22"},
	}, zap.NewNop())

	env.App = app
	env.Module = module
	return &harness{
		svc:      svc,
		lock:     lock,
		mr:       mr,
		hub:      hub,
		builder:  fb,
		applier:  fa,
		clock:    clk,
		app:      app,
		env:      env,
		finished: finished,
	}
}

func (h *harness) wait(t *testing.T, id string) *model.Deployment {
	t.Helper()
	var d *model.Deployment
	require.Eventually(t, func() bool {
		var err error
		d, err = h.svc.deployments.FindByID(context.Background(), id)
		return err == nil && d.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case e := <-h.finished:
		assert.Equal(t, id, e.DeploymentID)
		assert.Equal(t, d.Status, e.Status)
	case <-time.After(time.Second):
		t.Fatal("DeployFinished was not published")
	}

	locked, err := h.lock.IsLocked(context.Background(), h.env.ID)
	require.NoError(t, err)
	assert.False(t, locked, "lock must be released once the deployment is terminal")
	return d
}

func (h *harness) phases(t *testing.T, id string) map[constants.PhaseType]*model.DeployPhase {
	t.Helper()
	phases, err := h.svc.deployments.ListPhases(context.Background(), id)
	require.NoError(t, err)
	out := make(map[constants.PhaseType]*model.DeployPhase, len(phases))
	for _, p := range phases {
		out[constants.PhaseType(p.PhaseType)] = p
	}
	return out
}

func (h *harness) lines(t *testing.T, streamID string) []string {
	t.Helper()
	history, err := h.hub.History(context.Background(), streamID, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(history))
	for _, l := range history {
		out = append(out, l.Line)
	}
	return out
}

var gitInfo = model.VersionInfo{SourceType: "git", Branch: "main", Revision: "abc123"}

func TestDeploySourceSucceeds(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)
	ctx := context.Background()

	id, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{
		Operator:     "alice",
		ProcfileText: "web: gunicorn app:wsgi\nworker: celery worker",
	})
	require.NoError(t, err)

	d := h.wait(t, id)
	assert.Equal(t, string(constants.JobStatusSuccessful), d.Status)
	assert.Empty(t, d.ErrDetail)
	require.NotNil(t, d.BuildProcessID)
	require.NotNil(t, d.BuildID)
	require.NotNil(t, d.ReleaseID)

	phases := h.phases(t, id)
	require.Len(t, phases, 3)
	for _, p := range phases {
		assert.Equal(t, string(constants.JobStatusSuccessful), p.Status, p.PhaseType)
		for _, s := range p.Steps {
			assert.Equal(t, string(constants.JobStatusSuccessful), s.Status, s.Name)
		}
	}

	bp, err := h.svc.bpRepo.FindByID(ctx, *d.BuildProcessID)
	require.NoError(t, err)
	assert.Equal(t, string(constants.JobStatusSuccessful), bp.Status)
	assert.NotNil(t, bp.LogsReadyAt)
	assert.Equal(t, "builder:heroku-22", bp.BuilderImage)

	tmpls := h.builder.calls()
	require.Len(t, tmpls, 1)
	tmpl := tmpls[0]
	assert.Equal(t, "main", tmpl.Schedule.ClusterName)
	assert.Equal(t, h.app.Namespace, tmpl.Namespace)
	assert.Equal(t, "https://s3.example.com/sources/demo/abc123.tar.gz?get", tmpl.Runtime.Envs["SOURCE_GET_URL"])
	assert.True(t, strings.HasSuffix(tmpl.Runtime.Envs["SLUG_SET_URL"], "?put"))
	assert.Equal(t, "false", tmpl.Runtime.Envs["DEBUG"])

	rel, err := h.svc.releases.Get(ctx, *d.ReleaseID)
	require.NoError(t, err)
	assert.Equal(t, 1, rel.Version)
	assert.Equal(t, map[string]string{"web": "gunicorn app:wsgi", "worker": "celery worker"}, rel.Procfile.Data())

	target := h.applier.last()
	assert.Equal(t, "main", target.Cluster.Name)
	assert.Equal(t, constants.EnvStag, target.Environment)
	assert.True(t, strings.HasSuffix(target.Envs["SLUG_GET_URL"], "?get"))

	assert.Contains(t, h.lines(t, d.OutputStreamID), "-----> Compiling")
	assert.Contains(t, h.lines(t, bp.OutputStreamID), "-----> Compiling")

	st, err := h.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusSuccessful, st.Status)
	assert.Equal(t, "/streams/"+d.OutputStreamID+"/lines", st.LogsURL)
	assert.Len(t, st.Phases, 3)
}

func TestDeployReusesLatestProcfile(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)
	ctx := context.Background()

	first, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{
		Operator: "alice",
		Procfile: map[string]string{"web": "gunicorn app:wsgi"},
	})
	require.NoError(t, err)
	h.wait(t, first)

	next := gitInfo
	next.Revision = "def456"
	second, err := h.svc.Create(ctx, h.env.ID, next, DeployOptions{Operator: "bob"})
	require.NoError(t, err)
	d := h.wait(t, second)
	require.Equal(t, string(constants.JobStatusSuccessful), d.Status, d.ErrDetail)
	assert.Equal(t, map[string]string{"web": "gunicorn app:wsgi"}, d.Procfile.Data())

	rel, err := h.svc.releases.Get(ctx, *d.ReleaseID)
	require.NoError(t, err)
	assert.Equal(t, 2, rel.Version)
}

func TestDeployWithoutProcfileFails(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)

	id, err := h.svc.Create(context.Background(), h.env.ID, gitInfo, DeployOptions{Operator: "alice"})
	require.NoError(t, err)

	d := h.wait(t, id)
	assert.Equal(t, string(constants.JobStatusFailed), d.Status)
	assert.Contains(t, d.ErrDetail, "Procfile")
	assert.Nil(t, d.BuildProcessID)

	phases := h.phases(t, id)
	assert.Equal(t, string(constants.JobStatusFailed), phases[constants.PhasePreparation].Status)
	assert.Equal(t, string(constants.JobStatusPending), phases[constants.PhaseBuild].Status)
	assert.Empty(t, h.builder.calls())
}

func TestCreateValidates(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, h.env.ID, model.VersionInfo{SourceType: "git"}, DeployOptions{Operator: "alice"})
	assert.ErrorIs(t, err, pkgErrors.ErrValidationError)

	_, err = h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{})
	assert.ErrorIs(t, err, pkgErrors.ErrValidationError)

	_, err = h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice", ProcfileText: "Web_Proc: run"})
	assert.ErrorIs(t, err, pkgErrors.ErrValidationError)

	locked, err := h.lock.IsLocked(ctx, h.env.ID)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestConcurrentDeployIsRejected(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)
	ctx := context.Background()

	started := make(chan struct{})
	proceed := make(chan struct{})
	h.builder.run = func(ctx context.Context, tmpl *builder.Template, w builder.LineWriter, hooks builder.Hooks) (builder.Result, error) {
		close(started)
		<-proceed
		return builder.Result{PodName: tmpl.Name, Status: constants.JobStatusSuccessful}, hooks.OnLogsReady(ctx)
	}

	opts := DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}}
	id, err := h.svc.Create(ctx, h.env.ID, gitInfo, opts)
	require.NoError(t, err)
	<-started

	_, err = h.svc.Create(ctx, h.env.ID, gitInfo, opts)
	assert.ErrorIs(t, err, pkgErrors.ErrCannotDeployOngoingExists)

	other := gitInfo
	other.Revision = "def456"
	reuse := opts
	reuse.ReuseOngoing = true
	_, err = h.svc.Create(ctx, h.env.ID, other, reuse)
	assert.ErrorIs(t, err, pkgErrors.ErrCannotDeployOngoingExists, "a different version is never reused")

	reused, err := h.svc.Create(ctx, h.env.ID, gitInfo, reuse)
	require.NoError(t, err)
	assert.Equal(t, id, reused)

	current, err := h.svc.CurrentDeployment(ctx, h.env.ID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, id, current.ID)

	close(proceed)
	d := h.wait(t, id)
	assert.Equal(t, string(constants.JobStatusSuccessful), d.Status)

	current, err = h.svc.CurrentDeployment(ctx, h.env.ID)
	require.NoError(t, err)
	assert.Nil(t, current)
}

// blockingBuild 日志就绪前等待 proceed，之后一直运行直到被取消
func blockingBuild(started, proceed, ready chan struct{}) runFunc {
	return func(ctx context.Context, tmpl *builder.Template, w builder.LineWriter, hooks builder.Hooks) (builder.Result, error) {
		close(started)
		<-proceed
		if err := hooks.OnLogsReady(ctx); err != nil {
			return builder.Result{}, err
		}
		_ = w.WriteStdout(ctx, "-----> Installing dependencies")
		close(ready)
		<-ctx.Done()
		if pkgErrors.Is(context.Cause(ctx), pkgErrors.ErrInterrupted) {
			return builder.Result{PodName: tmpl.Name, Status: constants.JobStatusInterrupted}, nil
		}
		return builder.Result{PodName: tmpl.Name, Status: constants.JobStatusFailed}, ctx.Err()
	}
}

func TestInterruptRequiresLogsReady(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)
	ctx := context.Background()

	started, proceed, ready := make(chan struct{}), make(chan struct{}), make(chan struct{})
	h.builder.run = blockingBuild(started, proceed, ready)

	id, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	require.NoError(t, err)
	<-started

	err = h.svc.Interrupt(ctx, id, "alice")
	assert.ErrorIs(t, err, pkgErrors.ErrNotInterruptible)

	close(proceed)
	<-ready
	require.NoError(t, h.svc.Interrupt(ctx, id, "alice"))

	d := h.wait(t, id)
	assert.Equal(t, string(constants.JobStatusInterrupted), d.Status)
	assert.NotNil(t, d.IntRequestedAt)

	phases := h.phases(t, id)
	assert.Equal(t, string(constants.JobStatusSuccessful), phases[constants.PhasePreparation].Status)
	assert.Equal(t, string(constants.JobStatusInterrupted), phases[constants.PhaseBuild].Status)
	assert.Equal(t, string(constants.JobStatusInterrupted), phases[constants.PhaseRelease].Status)

	bp, err := h.svc.bpRepo.FindByID(ctx, *d.BuildProcessID)
	require.NoError(t, err)
	assert.Equal(t, string(constants.JobStatusInterrupted), bp.Status)
	assert.NotNil(t, bp.IntRequestedAt)

	err = h.svc.Interrupt(ctx, id, "alice")
	assert.ErrorIs(t, err, pkgErrors.ErrNotInterruptible, "terminal deployments can not be interrupted")
}

func TestInterruptDetectedByPolling(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource, withRemoteTasks())
	ctx := context.Background()

	started, proceed, ready := make(chan struct{}), make(chan struct{}), make(chan struct{})
	h.builder.run = blockingBuild(started, proceed, ready)
	close(proceed)

	id, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	require.NoError(t, err)
	<-ready

	require.NoError(t, h.svc.Interrupt(ctx, id, "bob"))
	d := h.wait(t, id)
	assert.Equal(t, string(constants.JobStatusInterrupted), d.Status)
}

func TestLockLossFailsDeployment(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)
	ctx := context.Background()

	started, proceed, ready := make(chan struct{}), make(chan struct{}), make(chan struct{})
	h.builder.run = blockingBuild(started, proceed, ready)
	close(proceed)

	id, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	require.NoError(t, err)
	<-ready

	require.NoError(t, h.lock.ForceRelease(ctx, h.env.ID))
	d := h.wait(t, id)
	assert.Equal(t, string(constants.JobStatusFailed), d.Status)
	assert.Empty(t, h.applier.targets)
}

func TestStaleLockIsRecovered(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)
	ctx := context.Background()

	ok, err := h.lock.Acquire(ctx, h.env.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.lock.SetDeployment(ctx, h.env.ID, "ghost"))

	_, err = h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	assert.ErrorIs(t, err, pkgErrors.ErrCannotDeployOngoingExists)

	h.clock.Advance(2 * time.Minute)
	id, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	require.NoError(t, err)
	d := h.wait(t, id)
	assert.Equal(t, string(constants.JobStatusSuccessful), d.Status)
}

func TestApplyFailureMarksReleaseFailed(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)
	ctx := context.Background()
	h.applier.err = pkgErrors.NewStepError("进程 web 的副本未能就绪")

	id, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	require.NoError(t, err)

	d := h.wait(t, id)
	assert.Equal(t, string(constants.JobStatusFailed), d.Status)
	assert.Equal(t, "进程 web 的副本未能就绪", d.ErrDetail)
	require.NotNil(t, d.ReleaseID)

	rel, err := h.svc.releases.Get(ctx, *d.ReleaseID)
	require.NoError(t, err)
	assert.True(t, rel.Failed)

	phases := h.phases(t, id)
	assert.Equal(t, string(constants.JobStatusSuccessful), phases[constants.PhaseBuild].Status)
	assert.Equal(t, string(constants.JobStatusFailed), phases[constants.PhaseRelease].Status)
}

func TestBuilderPanicFailsDeployment(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)
	h.builder.run = func(context.Context, *builder.Template, builder.LineWriter, builder.Hooks) (builder.Result, error) {
		panic("builder exploded")
	}

	id, err := h.svc.Create(context.Background(), h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	require.NoError(t, err)

	d := h.wait(t, id)
	assert.Equal(t, string(constants.JobStatusFailed), d.Status)
	assert.NotContains(t, d.ErrDetail, "exploded")
	assert.Equal(t, string(constants.JobStatusFailed), h.phases(t, id)[constants.PhaseBuild].Status)
}

func TestDuplicateBuildIsReported(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)
	h.builder.run = func(_ context.Context, tmpl *builder.Template, _ builder.LineWriter, _ builder.Hooks) (builder.Result, error) {
		return builder.Result{PodName: tmpl.Name, Status: constants.JobStatusFailed},
			&pkgErrors.DuplicateBuildError{PodName: tmpl.Name, Remaining: 90 * time.Second}
	}

	id, err := h.svc.Create(context.Background(), h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	require.NoError(t, err)

	d := h.wait(t, id)
	assert.Equal(t, string(constants.JobStatusFailed), d.Status)
	assert.Contains(t, d.ErrDetail, "still running")
}

func TestDeployImage(t *testing.T) {
	h := newHarness(t, constants.SourceOriginImage)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice"})
	assert.ErrorIs(t, err, pkgErrors.ErrValidationError, "image modules need an image")

	info := model.VersionInfo{SourceType: "image", Revision: "v1", Image: "registry.example.com/demo:v1"}
	id, err := h.svc.Create(ctx, h.env.ID, info, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "nginx"}})
	require.NoError(t, err)

	d := h.wait(t, id)
	require.Equal(t, string(constants.JobStatusSuccessful), d.Status, d.ErrDetail)
	assert.Nil(t, d.BuildProcessID)
	require.NotNil(t, d.BuildID)
	assert.Empty(t, h.builder.calls())

	phases := h.phases(t, id)
	assert.Len(t, phases, 2)
	assert.NotContains(t, phases, constants.PhaseBuild)

	target := h.applier.last()
	require.NotNil(t, target.Release.Build)
	assert.Equal(t, string(constants.ArtifactTypeImage), target.Release.Build.ArtifactType)
	assert.Equal(t, "sha256:abc", target.Release.Build.ArtifactDetail.Data().Digest)
	assert.NotContains(t, target.Envs, "SLUG_GET_URL")
}

func TestDeployUntaggedImageFails(t *testing.T) {
	h := newHarness(t, constants.SourceOriginImage)

	info := model.VersionInfo{SourceType: "image", Revision: "latest", Image: "registry.example.com/demo"}
	id, err := h.svc.Create(context.Background(), h.env.ID, info, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "nginx"}})
	require.NoError(t, err)

	d := h.wait(t, id)
	assert.Equal(t, string(constants.JobStatusFailed), d.Status)
	assert.Contains(t, d.ErrDetail, "tag")
	assert.Empty(t, h.applier.targets)
}

func TestInitializeFailureFinalizesDeployment(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)
	ctx := context.Background()
	require.NoError(t, h.svc.db.Migrator().DropTable(&model.DeployPhase{}))

	_, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	require.Error(t, err)

	var e events.DeployFinished
	select {
	case e = <-h.finished:
	case <-time.After(time.Second):
		t.Fatal("DeployFinished was not published")
	}
	assert.Equal(t, string(constants.JobStatusFailed), e.Status)

	d, err := h.svc.deployments.FindByID(ctx, e.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, string(constants.JobStatusFailed), d.Status)
	assert.NotNil(t, d.CompleteTime)

	stream, err := repository.NewOutputStreamRepository(h.svc.db).FindByID(ctx, d.OutputStreamID)
	require.NoError(t, err)
	assert.NotNil(t, stream.ClosedAt, "output stream is closed")

	locked, err := h.lock.IsLocked(ctx, h.env.ID)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestSubmitFailureFinalizesDeployment(t *testing.T) {
	pool := NewPool(1, zap.NewNop())
	pool.Stop(context.Background())
	h := newHarness(t, constants.SourceOriginSource, withTasks(pool))
	ctx := context.Background()

	_, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	assert.ErrorIs(t, err, errPoolStopped)

	select {
	case e := <-h.finished:
		assert.Equal(t, string(constants.JobStatusFailed), e.Status)
	case <-time.After(time.Second):
		t.Fatal("DeployFinished was not published")
	}
	locked, err := h.lock.IsLocked(ctx, h.env.ID)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestQueuedDeploymentKeepsHeartbeat(t *testing.T) {
	tasks := &heldTasks{}
	h := newHarness(t, constants.SourceOriginSource, withTasks(tasks))
	ctx := context.Background()

	id, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	require.NoError(t, err)

	// 任务还在排队，心跳仍需跟上时钟
	h.clock.Advance(100 * time.Second)
	want := strconv.FormatInt(h.clock.Now().Unix(), 10)
	require.Eventually(t, func() bool {
		v, err := h.mr.Get("env:" + h.env.ID + ":deploy:latest_polling_time")
		return err == nil && v == want
	}, 2*time.Second, 10*time.Millisecond)

	current, err := h.lock.CurrentDeploymentID(ctx, h.env.ID)
	require.NoError(t, err)
	assert.Equal(t, id, current)

	_, err = h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "bob", Procfile: map[string]string{"web": "run"}})
	assert.ErrorIs(t, err, pkgErrors.ErrCannotDeployOngoingExists)

	require.NoError(t, tasks.run(id))
	d := h.wait(t, id)
	assert.Equal(t, string(constants.JobStatusSuccessful), d.Status)
}

func TestQueuedDeploymentFinalizedWhileWaiting(t *testing.T) {
	tasks := &heldTasks{}
	h := newHarness(t, constants.SourceOriginSource, withTasks(tasks))
	ctx := context.Background()

	id, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	require.NoError(t, err)

	// 排队期间被系统回收
	d, err := h.svc.deployments.FindByID(ctx, id)
	require.NoError(t, err)
	h.svc.abort(ctx, d, h.env, pkgErrors.WrapStepError(pkgErrors.ErrLockLost, "部署驱动已失去响应，部署被系统终止"))
	select {
	case e := <-h.finished:
		assert.Equal(t, string(constants.JobStatusFailed), e.Status)
	case <-time.After(time.Second):
		t.Fatal("DeployFinished was not published")
	}

	err = tasks.run(id)
	assert.ErrorIs(t, err, errAlreadyTerminal)

	got, err := h.svc.deployments.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(constants.JobStatusFailed), got.Status)
	assert.Contains(t, got.ErrDetail, "失去响应")
	assert.Empty(t, h.builder.calls())
	select {
	case e := <-h.finished:
		t.Fatalf("deployment finished twice: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDriverStopsWhenLockIsTakenOver(t *testing.T) {
	h := newHarness(t, constants.SourceOriginSource)
	ctx := context.Background()

	started, proceed, ready := make(chan struct{}), make(chan struct{}), make(chan struct{})
	h.builder.run = blockingBuild(started, proceed, ready)
	close(proceed)

	id, err := h.svc.Create(ctx, h.env.ID, gitInfo, DeployOptions{Operator: "alice", Procfile: map[string]string{"web": "run"}})
	require.NoError(t, err)
	<-ready

	// 其他部署接管了锁，但锁的 key 仍然存在
	require.NoError(t, h.lock.SetDeployment(ctx, h.env.ID, "other"))

	require.Eventually(t, func() bool {
		d, err := h.svc.deployments.FindByID(ctx, id)
		return err == nil && d.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	d, err := h.svc.deployments.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(constants.JobStatusFailed), d.Status)
	assert.Empty(t, h.applier.targets)

	current, err := h.lock.CurrentDeploymentID(ctx, h.env.ID)
	require.NoError(t, err)
	assert.Equal(t, "other", current, "the new holder keeps its lock")
}
