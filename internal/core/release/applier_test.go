package release

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	fakediscovery "k8s.io/client-go/discovery/fake"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"paas-control/internal/model"
	"paas-control/internal/pkg/config"
	"paas-control/internal/pkg/kube"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

var (
	deploymentsGVR = schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}
	servicesGVR    = schema.GroupVersionResource{Version: "v1", Resource: "services"}
	ingressesGVR   = schema.GroupVersionResource{Group: "networking.k8s.io", Version: "v1", Resource: "ingresses"}
)

type fakeDirectory struct {
	apps  map[string]*model.App
	specs map[string][]*model.ProcessSpec
}

func (f *fakeDirectory) FindAppByName(_ context.Context, _ string, name string) (*model.App, error) {
	if app, ok := f.apps[name]; ok {
		return app, nil
	}
	return nil, pkgErrors.ErrRecordNotFound
}

func (f *fakeDirectory) ListProcessSpecs(_ context.Context, appID string) ([]*model.ProcessSpec, error) {
	return f.specs[appID], nil
}

func newApplier(t *testing.T, dir *fakeDirectory, objects ...runtime.Object) (*Applier, *dynamicfake.FakeDynamicClient) {
	t.Helper()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{
			deploymentsGVR: "DeploymentList",
			servicesGVR:    "ServiceList",
			ingressesGVR:   "IngressList",
		}, objects...)
	disc := &fakediscovery.FakeDiscovery{Fake: &k8stesting.Fake{}}
	disc.Resources = []*metav1.APIResourceList{
		{GroupVersion: "v1", APIResources: []metav1.APIResource{{Name: "services", Kind: "Service", Namespaced: true}}},
		{GroupVersion: "apps/v1", APIResources: []metav1.APIResource{{Name: "deployments", Kind: "Deployment", Namespaced: true}}},
		{GroupVersion: "networking.k8s.io/v1", APIResources: []metav1.APIResource{{Name: "ingresses", Kind: "Ingress", Namespaced: true}}},
	}
	clients := &kube.Clients{Cluster: "main", Typed: fake.NewSimpleClientset(), Dynamic: dyn, Discovery: disc}
	if dir == nil {
		dir = &fakeDirectory{}
	}
	a := NewApplier(kube.Static{"main": clients}, dir, dir, config.ReleaseConfig{
		WebPort:     5000,
		IngressHost: "%s.apps.example.com",
	}, 1, zap.NewNop())
	return a, dyn
}

var demoApp = &model.App{BaseModel: model.BaseModel{ID: "app-1"}, Name: "demo", Region: "default", Namespace: "bkapp-demo"}

func slugTarget() Target {
	image := "runner:1"
	slug := "default/home/demo:main:abc/push"
	return Target{
		App:         demoApp,
		Cluster:     &model.Cluster{Name: "main", IngressClass: "nginx"},
		Environment: constants.EnvStag,
		Release: &model.Release{
			Version:  3,
			Procfile: datatypes.NewJSONType(map[string]string{"web": "gunicorn app", "worker": "celery worker"}),
			Build: &model.Build{
				ArtifactType: string(constants.ArtifactTypeSlug),
				SlugPath:     &slug,
			},
			Config: &model.Config{
				Image: &image,
				ResourceRequirements: datatypes.NewJSONType(model.ResourceRequirements{
					Limits: map[string]string{"cpu": "1", "memory": "512Mi"},
				}),
				Tolerations: datatypes.NewJSONSlice([]model.Toleration{{Key: "dedicated", Operator: "Exists"}}),
			},
		},
		Specs: []*model.ProcessSpec{{Name: "web", TargetReplicas: 2}},
		Envs:  map[string]string{"FOO": "bar"},
	}
}

func getObj(t *testing.T, dyn *dynamicfake.FakeDynamicClient, gvr schema.GroupVersionResource, name string) *unstructured.Unstructured {
	t.Helper()
	obj, err := dyn.Resource(gvr).Namespace("bkapp-demo").Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	return obj
}

func asDeployment(t *testing.T, obj *unstructured.Unstructured) *appsv1.Deployment {
	t.Helper()
	var d appsv1.Deployment
	require.NoError(t, runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &d))
	return &d
}

func TestApplySlugRelease(t *testing.T) {
	a, dyn := newApplier(t, nil)

	applied, err := a.Apply(context.Background(), slugTarget())
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "web", applied[0].ProcType)
	assert.True(t, applied[0].Created)
	assert.Equal(t, "demo--web", applied[0].Service)
	assert.Equal(t, "demo.apps.example.com", applied[0].Host)
	assert.Equal(t, "worker", applied[1].ProcType)
	assert.Empty(t, applied[1].Service)

	web := asDeployment(t, getObj(t, dyn, deploymentsGVR, "demo--web"))
	assert.Equal(t, int32(2), *web.Spec.Replicas)
	assert.Equal(t, map[string]string{"pod_selector": "demo--web"}, web.Spec.Selector.MatchLabels)
	assert.Equal(t, "3", web.Labels["release_version"])
	assert.Equal(t, "bkapp", web.Labels["category"])
	assert.Equal(t, "stag", web.Labels["env"])
	c := web.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "runner:1", c.Image)
	assert.Equal(t, []string{"bash", "/runner/init"}, c.Command)
	assert.Equal(t, []string{"start", "web"}, c.Args)
	assert.Equal(t, int32(5000), c.Ports[0].ContainerPort)
	assert.Equal(t, "512Mi", c.Resources.Limits.Memory().String())
	assert.Contains(t, c.Env, corev1.EnvVar{Name: "FOO", Value: "bar"})
	assert.Equal(t, "dedicated", web.Spec.Template.Spec.Tolerations[0].Key)

	worker := asDeployment(t, getObj(t, dyn, deploymentsGVR, "demo--worker"))
	assert.Equal(t, int32(1), *worker.Spec.Replicas)

	svc := getObj(t, dyn, servicesGVR, "demo--web")
	port, _, _ := unstructured.NestedSlice(svc.Object, "spec", "ports")
	require.Len(t, port, 1)
	assert.EqualValues(t, 5000, port[0].(map[string]interface{})["targetPort"])

	ing := getObj(t, dyn, ingressesGVR, "demo--web")
	class, _, _ := unstructured.NestedString(ing.Object, "spec", "ingressClassName")
	assert.Equal(t, "nginx", class)

	_, err = dyn.Resource(servicesGVR).Namespace("bkapp-demo").Get(context.Background(), "demo--worker", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestApplyKeepsExistingServiceAndForeignIngressRules(t *testing.T) {
	svc := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   map[string]interface{}{"name": "demo--web", "namespace": "bkapp-demo"},
		"spec": map[string]interface{}{
			"selector": map[string]interface{}{"pod_selector": "demo--web"},
			"ports":    []interface{}{map[string]interface{}{"port": int64(8080), "targetPort": int64(8080)}},
		},
	}}
	ing := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "networking.k8s.io/v1",
		"kind":       "Ingress",
		"metadata": map[string]interface{}{
			"name":        "demo--web",
			"namespace":   "bkapp-demo",
			"annotations": map[string]interface{}{"owner": "ops"},
		},
		"spec": map[string]interface{}{
			"rules": []interface{}{map[string]interface{}{"host": "legacy.example.com"}},
		},
	}}
	a, dyn := newApplier(t, nil, svc, ing)

	_, err := a.Apply(context.Background(), slugTarget())
	require.NoError(t, err)

	got := getObj(t, dyn, servicesGVR, "demo--web")
	ports, _, _ := unstructured.NestedSlice(got.Object, "spec", "ports")
	assert.EqualValues(t, 8080, ports[0].(map[string]interface{})["port"])

	gotIng := getObj(t, dyn, ingressesGVR, "demo--web")
	assert.Equal(t, "ops", gotIng.GetAnnotations()["owner"])
	rules, _, _ := unstructured.NestedSlice(gotIng.Object, "spec", "rules")
	require.Len(t, rules, 2)
	assert.Equal(t, "legacy.example.com", rules[0].(map[string]interface{})["host"])
	assert.Equal(t, "demo.apps.example.com", rules[1].(map[string]interface{})["host"])
}

func TestApplyEntrypoints(t *testing.T) {
	image := "registry.example.com/demo:v1"

	t.Run("image", func(t *testing.T) {
		a, dyn := newApplier(t, nil)
		target := slugTarget()
		target.Release.Procfile = datatypes.NewJSONType(map[string]string{"worker": `python -m "http.server" 8000`})
		target.Release.Build = &model.Build{ArtifactType: string(constants.ArtifactTypeImage), Image: &image}

		_, err := a.Apply(context.Background(), target)
		require.NoError(t, err)
		c := asDeployment(t, getObj(t, dyn, deploymentsGVR, "demo--worker")).Spec.Template.Spec.Containers[0]
		assert.Equal(t, image, c.Image)
		assert.Equal(t, []string{"env"}, c.Command)
		assert.Equal(t, []string{"python", "-m", "http.server", "8000"}, c.Args)
	})

	t.Run("cnb", func(t *testing.T) {
		a, dyn := newApplier(t, nil)
		target := slugTarget()
		target.Release.Procfile = datatypes.NewJSONType(map[string]string{"worker": "celery worker"})
		target.Release.Build = &model.Build{
			ArtifactType:     string(constants.ArtifactTypeImage),
			Image:            &image,
			ArtifactMetadata: datatypes.NewJSONType(model.ArtifactMetadata{UseCNB: true}),
		}

		_, err := a.Apply(context.Background(), target)
		require.NoError(t, err)
		c := asDeployment(t, getObj(t, dyn, deploymentsGVR, "demo--worker")).Spec.Template.Spec.Containers[0]
		assert.Equal(t, []string{"launcher"}, c.Command)
		assert.Empty(t, c.Args)
		assert.Contains(t, c.Env, corev1.EnvVar{Name: "CNB_PROCESS_TYPE", Value: "worker"})
	})

	t.Run("unbalanced quotes", func(t *testing.T) {
		a, _ := newApplier(t, nil)
		target := slugTarget()
		target.Release.Procfile = datatypes.NewJSONType(map[string]string{"worker": `echo "oops`})
		target.Release.Build = &model.Build{ArtifactType: string(constants.ArtifactTypeImage), Image: &image}

		_, err := a.Apply(context.Background(), target)
		_, ok := pkgErrors.AsStepError(err)
		assert.True(t, ok)
	})
}

func TestApplyRejectsEmptyRelease(t *testing.T) {
	a, _ := newApplier(t, nil)

	target := slugTarget()
	target.Release.Build = nil
	_, err := a.Apply(context.Background(), target)
	_, ok := pkgErrors.AsStepError(err)
	assert.True(t, ok)

	target = slugTarget()
	target.Release.Procfile = datatypes.NewJSONType(map[string]string{})
	_, err = a.Apply(context.Background(), target)
	_, ok = pkgErrors.AsStepError(err)
	assert.True(t, ok)
}

func TestReapplyReplacesDeployment(t *testing.T) {
	a, dyn := newApplier(t, nil)
	target := slugTarget()
	_, err := a.Apply(context.Background(), target)
	require.NoError(t, err)

	target.Release.Version = 4
	applied, err := a.Apply(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, applied[0].Created)
	web := asDeployment(t, getObj(t, dyn, deploymentsGVR, "demo--web"))
	assert.Equal(t, "4", web.Labels["release_version"])
}

func TestShutdownKeepsServiceAndIngress(t *testing.T) {
	a, dyn := newApplier(t, nil)
	_, err := a.Apply(context.Background(), slugTarget())
	require.NoError(t, err)

	require.NoError(t, a.Shutdown(context.Background(), "main", demoApp, "web"))

	web := asDeployment(t, getObj(t, dyn, deploymentsGVR, "demo--web"))
	assert.Equal(t, int32(0), *web.Spec.Replicas)
	getObj(t, dyn, servicesGVR, "demo--web")
	getObj(t, dyn, ingressesGVR, "demo--web")

	err = a.Shutdown(context.Background(), "main", demoApp, "missing")
	assert.ErrorIs(t, err, pkgErrors.ErrEntityNotFound)
}

func deploymentObj(t *testing.T, app, proc string, replicas, available int32) *unstructured.Unstructured {
	t.Helper()
	d := &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      app + "--" + proc,
			Namespace: "bkapp-" + app,
			Labels: map[string]string{
				constants.LabelCategory:    constants.CategoryBkApp,
				constants.LabelRegion:      "default",
				constants.LabelAppName:     app,
				constants.LabelProcessType: proc,
			},
		},
		Spec:   appsv1.DeploymentSpec{Replicas: &replicas},
		Status: appsv1.DeploymentStatus{AvailableReplicas: available},
	}
	obj, err := toUnstructured(d)
	require.NoError(t, err)
	return obj
}

func TestDetectAbnormal(t *testing.T) {
	dir := &fakeDirectory{
		apps: map[string]*model.App{"demo": demoApp},
		specs: map[string][]*model.ProcessSpec{"app-1": {
			{Name: "web", TargetReplicas: 2},
			{Name: "worker", TargetReplicas: 3},
			{Name: "beat", TargetReplicas: 1},
		}},
	}
	a, _ := newApplier(t, dir,
		deploymentObj(t, "demo", "web", 2, 2),
		deploymentObj(t, "demo", "worker", 1, 1),
		deploymentObj(t, "demo", "beat", 1, 0),
		deploymentObj(t, "demo", "cron", 1, 1),
		deploymentObj(t, "ghost", "web", 1, 0),
	)

	got, err := a.DetectAbnormal(context.Background(), "main", "default")
	require.NoError(t, err)

	reasons := map[string]string{}
	for _, item := range got {
		reasons[item.ProcType] = item.Reason
	}
	assert.Equal(t, map[string]string{
		"worker": "replicas differ from process spec",
		"beat":   "available replicas behind desired",
		"cron":   "process spec missing",
	}, reasons)
}
