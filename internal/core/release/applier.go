// Package release 把 Release 渲染为集群中的工作负载
package release

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/shlex"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"paas-control/internal/core/kres"
	"paas-control/internal/model"
	"paas-control/internal/pkg/config"
	"paas-control/internal/pkg/kube"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
	"paas-control/pkg/utils"
)

// Target 一次发布需要的全部输入，由调用方预先加载
type Target struct {
	App         *model.App
	Cluster     *model.Cluster
	Environment string
	// Release 需要预加载 Build 与 Config
	Release *model.Release
	Specs   []*model.ProcessSpec
	// Envs Config 与 Build 环境变量合并后的结果
	Envs map[string]string
}

// Applied 单个进程的发布结果
type Applied struct {
	ProcType   string
	Deployment string
	Replicas   int32
	Created    bool
	Service    string
	Host       string
}

// Applier 发布器
type Applier struct {
	processes *kres.Manager[*Process]
	services  *kres.Manager[*ProcService]
	ingresses *kres.Manager[*ProcIngress]
	kube      kube.Provider
	apps      AppFinder
	specs     SpecLister
	cfg       config.ReleaseConfig
	log       *zap.Logger

	concurrency int
}

// AppFinder 异常检测时根据 label 找回应用
type AppFinder interface {
	FindAppByName(ctx context.Context, region, name string) (*model.App, error)
}

type SpecLister interface {
	ListProcessSpecs(ctx context.Context, appID string) ([]*model.ProcessSpec, error)
}

func NewApplier(provider kube.Provider, apps AppFinder, specs SpecLister, cfg config.ReleaseConfig, retrySteps int, log *zap.Logger) *Applier {
	if cfg.WebPort <= 0 {
		cfg.WebPort = constants.DefaultWebPort
	}
	return &Applier{
		processes:   kres.NewManager(ProcessKind(), provider, retrySteps, log),
		services:    kres.NewManager(ServiceKind(), provider, retrySteps, log),
		ingresses:   kres.NewManager(IngressKind(), provider, retrySteps, log),
		kube:        provider,
		apps:        apps,
		specs:       specs,
		cfg:         cfg,
		log:         log.Named("release"),
		concurrency: 4,
	}
}

// DeploymentName 进程对应的 Deployment 名称
func DeploymentName(app *model.App, procType string) string {
	return utils.SanitizeLabel(fmt.Sprintf("%s--%s", app.ScopedName(), procType))
}

// Apply 对 procfile 中的每个进程渲染并写入 Deployment，web 进程额外保证 Service 与 Ingress
func (a *Applier) Apply(ctx context.Context, t Target) ([]Applied, error) {
	if t.Release == nil || t.Release.Build == nil {
		return nil, pkgErrors.NewStepError("发布缺少构建产物")
	}
	procfile := t.Release.Procfile.Data()
	if len(procfile) == 0 {
		return nil, pkgErrors.NewStepError("Procfile 为空，没有可发布的进程")
	}
	if err := a.ensureNamespace(ctx, t); err != nil {
		return nil, err
	}

	procTypes := lo.Keys(procfile)
	slices.Sort(procTypes)
	specs := lo.SliceToMap(t.Specs, func(s *model.ProcessSpec) (string, *model.ProcessSpec) { return s.Name, s })

	results := make([]Applied, len(procTypes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, procType := range procTypes {
		i, procType := i, procType
		g.Go(func() error {
			res, err := a.applyProcess(gctx, t, procType, procfile[procType], specs[procType])
			if err != nil {
				return fmt.Errorf("process %s: %w", procType, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (a *Applier) applyProcess(ctx context.Context, t Target, procType, procCommand string, spec *model.ProcessSpec) (Applied, error) {
	scope := kres.AppScope(t.Cluster.Name, t.App)
	proc, err := a.renderProcess(t, procType, procCommand, spec)
	if err != nil {
		return Applied{}, err
	}

	saved, created, err := a.processes.Upsert(ctx, scope, proc, kres.UpdateReplace)
	if err != nil {
		return Applied{}, err
	}
	a.dump("deployment applied", saved)
	res := Applied{ProcType: procType, Deployment: saved.Name, Replicas: proc.Replicas, Created: created}

	if procType != constants.ProcWeb && proc.Port == 0 {
		return res, nil
	}
	svc, err := a.ensureService(ctx, scope, proc)
	if err != nil {
		return res, err
	}
	res.Service = svc.Name

	if procType != constants.ProcWeb || a.cfg.IngressHost == "" {
		return res, nil
	}
	ing := &ProcIngress{
		Base:         kres.Base{Name: proc.Name},
		Host:         fmt.Sprintf(a.cfg.IngressHost, utils.SanitizeLabel(t.App.ScopedName())),
		ServiceName:  svc.Name,
		ServicePort:  svc.Port,
		IngressClass: t.Cluster.IngressClass,
	}
	if _, _, err := a.ingresses.Upsert(ctx, scope, ing, kres.UpdateReplace); err != nil {
		return res, err
	}
	res.Host = ing.Host
	return res, nil
}

// ensureService 已存在的 Service 保持不动
func (a *Applier) ensureService(ctx context.Context, scope kres.Scope, proc *Process) (*ProcService, error) {
	existing, err := a.services.Get(ctx, scope, proc.Name)
	if err == nil {
		return existing, nil
	}
	if !pkgErrors.Is(err, pkgErrors.ErrEntityNotFound) {
		return nil, err
	}
	port := proc.Port
	if port == 0 {
		port = int32(a.cfg.WebPort)
	}
	svc := &ProcService{
		Base:       kres.Base{Name: proc.Name},
		ProcType:   proc.ProcType,
		Selector:   map[string]string{constants.LabelPodSelector: proc.Name},
		Port:       80,
		TargetPort: port,
	}
	return a.services.Create(ctx, scope, svc)
}

func (a *Applier) renderProcess(t Target, procType, procCommand string, spec *model.ProcessSpec) (*Process, error) {
	build := t.Release.Build
	metadata := build.ArtifactMetadata.Data()
	name := DeploymentName(t.App, procType)

	p := &Process{
		Base:     kres.Base{Name: name},
		ProcType: procType,
		Replicas: 1,
		Envs:     lo.Assign(t.Envs),
		Labels: map[string]string{
			constants.LabelEnv:            t.Environment,
			constants.LabelReleaseVersion: fmt.Sprint(t.Release.Version),
			constants.LabelRegion:         t.App.Region,
			constants.LabelCategory:       constants.CategoryBkApp,
			constants.LabelPodSelector:    name,
			constants.LabelProcessType:    procType,
			constants.LabelAppName:        t.App.Name,
		},
	}
	if spec != nil {
		p.Replicas = spec.ComputedReplicas()
		if spec.Port != nil {
			p.Port = int32(*spec.Port)
		}
		if spec.ProcCommand != "" {
			procCommand = spec.ProcCommand
		}
	}
	if procType == constants.ProcWeb && p.Port == 0 {
		p.Port = int32(a.cfg.WebPort)
	}

	if cfg := t.Release.Config; cfg != nil {
		p.Resources = cfg.ResourceRequirements.Data()
		p.NodeSelector = cfg.NodeSelector.Data()
		p.Tolerations = []model.Toleration(cfg.Tolerations)
		p.PullPolicy = cfg.Runtime.Data().ImagePullPolicy
	}
	if p.PullPolicy == "" {
		p.PullPolicy = string(corev1.PullIfNotPresent)
	}

	switch {
	case metadata.UseCNB:
		p.Image = lo.FromPtr(build.Image)
		p.Entrypoint = constants.CNBEntrypoint
		p.Command = []string{}
		p.Envs["CNB_PROCESS_TYPE"] = procType
	case build.ArtifactType == string(constants.ArtifactTypeImage):
		p.Image = lo.FromPtr(build.Image)
		p.Entrypoint = constants.ImageEntrypoint
		if ep, ok := metadata.ProcEntrypoints[procType]; ok {
			p.Entrypoint = ep
		}
		args, err := shlex.Split(procCommand)
		if err != nil {
			return nil, pkgErrors.WrapStepError(err, "进程 %s 的启动命令无法解析", procType)
		}
		p.Command = args
	default:
		p.Image = lo.FromPtr(build.Image)
		if cfg := t.Release.Config; p.Image == "" && cfg != nil {
			p.Image = lo.FromPtr(cfg.Image)
		}
		p.Entrypoint = lo.Ternary(len(metadata.Entrypoint) > 0, metadata.Entrypoint, constants.DefaultSlugEntrypoint)
		p.Command = []string{"start", procType}
		if build.SlugPath != nil {
			p.Envs["SLUG_URL"] = *build.SlugPath
		}
	}
	if p.Image == "" {
		return nil, pkgErrors.NewStepError("进程 %s 缺少运行镜像", procType)
	}
	return p, nil
}

// Shutdown 把进程副本数置 0，不删除 Service 与 Ingress
func (a *Applier) Shutdown(ctx context.Context, cluster string, app *model.App, procType string) error {
	scope := kres.AppScope(cluster, app)
	proc, err := a.processes.Get(ctx, scope, DeploymentName(app, procType))
	if err != nil {
		return err
	}
	proc.Replicas = 0
	if _, err := a.processes.Update(ctx, scope, proc, kres.UpdatePatch); err != nil {
		return err
	}
	a.log.Info("进程已停止", zap.String("app", app.Name), zap.String("process", procType))
	return nil
}

func (a *Applier) ensureNamespace(ctx context.Context, t Target) error {
	return a.kube.With(ctx, t.Cluster.Name, func(ctx context.Context, c *kube.Clients) error {
		ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: t.App.Namespace}}
		_, err := c.Typed.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("ensure namespace %s: %w", t.App.Namespace, err)
		}
		return nil
	})
}

func (a *Applier) dump(msg string, e kres.Entity) {
	ce := a.log.Check(zapcore.DebugLevel, msg)
	if ce == nil || e.Original() == nil {
		return
	}
	out, err := yaml.Marshal(e.Original().Object)
	if err != nil {
		return
	}
	ce.Write(zap.String("name", e.EntityName()), zap.ByteString("manifest", out))
}
