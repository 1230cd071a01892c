package release

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"paas-control/internal/core/kres"
	"paas-control/internal/model"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

// Abnormal 期望副本、可用副本与进程规格不一致的进程
type Abnormal struct {
	AppName    string
	ProcType   string
	Namespace  string
	Deployment string
	Desired    int32
	Available  int32
	Expected   int32
	Reason     string
}

func (a Abnormal) String() string {
	return fmt.Sprintf("%s/%s desired=%d available=%d expected=%d: %s",
		a.AppName, a.ProcType, a.Desired, a.Available, a.Expected, a.Reason)
}

// DetectAbnormal 列出区域内全部 bkapp Deployment，返回副本数不一致的集合
func (a *Applier) DetectAbnormal(ctx context.Context, cluster, region string) ([]Abnormal, error) {
	var (
		mu   sync.Mutex
		seen = map[string]*model.App{}
	)
	resolve := func(ctx context.Context, obj *unstructured.Unstructured) (*model.App, error) {
		name := obj.GetLabels()[constants.LabelAppName]
		if name == "" {
			return nil, nil
		}
		mu.Lock()
		app, ok := seen[name]
		mu.Unlock()
		if ok {
			return app, nil
		}
		app, err := a.apps.FindAppByName(ctx, region, name)
		if pkgErrors.Is(err, pkgErrors.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		mu.Lock()
		seen[name] = app
		mu.Unlock()
		return app, nil
	}

	selector := labels.SelectorFromSet(labels.Set{
		constants.LabelCategory: constants.CategoryBkApp,
		constants.LabelRegion:   region,
	}).String()
	reader := kres.NewNamespaceScopedReader(a.processes, resolve)
	list, err := reader.List(ctx, cluster, "", selector)
	if err != nil {
		return nil, err
	}

	specCache := map[string]map[string]*model.ProcessSpec{}
	var out []Abnormal
	for _, p := range list.Items {
		app := seen[p.Labels[constants.LabelAppName]]
		specs, ok := specCache[app.ID]
		if !ok {
			items, err := a.specs.ListProcessSpecs(ctx, app.ID)
			if err != nil {
				return nil, err
			}
			specs = make(map[string]*model.ProcessSpec, len(items))
			for _, s := range items {
				specs[s.Name] = s
			}
			specCache[app.ID] = specs
		}

		item := Abnormal{
			AppName:    app.Name,
			ProcType:   p.ProcType,
			Namespace:  app.Namespace,
			Deployment: p.Name,
			Desired:    p.Replicas,
			Available:  p.Available,
			Expected:   p.Replicas,
		}
		spec, ok := specs[p.ProcType]
		switch {
		case !ok:
			item.Reason = "process spec missing"
		case spec.ComputedReplicas() != p.Replicas:
			item.Expected = spec.ComputedReplicas()
			item.Reason = "replicas differ from process spec"
		case p.Available != p.Replicas:
			item.Reason = "available replicas behind desired"
		default:
			continue
		}
		out = append(out, item)
	}
	a.log.Info("异常进程检测完成",
		zap.String("cluster", cluster),
		zap.String("region", region),
		zap.Int("total", len(list.Items)),
		zap.Int("abnormal", len(out)))
	return out, nil
}
