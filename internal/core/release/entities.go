package release

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/samber/lo"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"

	"paas-control/internal/core/kres"
	"paas-control/internal/model"
	"paas-control/pkg/constants"
)

// Process 一个进程类型对应的 Deployment
type Process struct {
	kres.Base
	ProcType     string
	Replicas     int32
	Available    int32
	Image        string
	PullPolicy   string
	Entrypoint   []string
	Command      []string
	Envs         map[string]string
	Resources    model.ResourceRequirements
	NodeSelector map[string]string
	Tolerations  []model.Toleration
	Labels       map[string]string
	Port         int32
}

// ProcService 进程的 Service
type ProcService struct {
	kres.Base
	ProcType   string
	Selector   map[string]string
	Port       int32
	TargetPort int32
}

// ProcIngress web 进程的访问入口
type ProcIngress struct {
	kres.Base
	Host         string
	ServiceName  string
	ServicePort  int32
	IngressClass string
}

func toUnstructured(obj runtime.Object) (*unstructured.Unstructured, error) {
	m, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, err
	}
	return &unstructured.Unstructured{Object: m}, nil
}

func fromUnstructured(u *unstructured.Unstructured, obj any) error {
	return runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, obj)
}

func quantities(raw map[string]string) (corev1.ResourceList, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	list := corev1.ResourceList{}
	for k, v := range raw {
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return nil, fmt.Errorf("invalid resource %s=%q: %w", k, v, err)
		}
		list[corev1.ResourceName(k)] = q
	}
	return list, nil
}

func quantityStrings(list corev1.ResourceList) map[string]string {
	if len(list) == 0 {
		return nil
	}
	out := make(map[string]string, len(list))
	for k, v := range list {
		out[string(k)] = v.String()
	}
	return out
}

// processDeserializer 不固定版本，apps/v1 的 Deployment 结构多年未变
type processDeserializer struct{}

func (processDeserializer) APIVersion() string { return "" }

func (processDeserializer) Deserialize(_ *model.App, obj *unstructured.Unstructured) (*Process, error) {
	var d appsv1.Deployment
	if err := fromUnstructured(obj, &d); err != nil {
		return nil, err
	}
	p := &Process{
		Base:      kres.Base{Name: d.Name},
		ProcType:  d.Labels[constants.LabelProcessType],
		Replicas:  lo.FromPtrOr(d.Spec.Replicas, 1),
		Available: d.Status.AvailableReplicas,
		Labels:    d.Labels,
	}
	spec := d.Spec.Template.Spec
	p.NodeSelector = spec.NodeSelector
	for _, t := range spec.Tolerations {
		p.Tolerations = append(p.Tolerations, model.Toleration{
			Key:               t.Key,
			Operator:          string(t.Operator),
			Value:             t.Value,
			Effect:            string(t.Effect),
			TolerationSeconds: t.TolerationSeconds,
		})
	}
	if len(spec.Containers) > 0 {
		c := spec.Containers[0]
		p.Image = c.Image
		p.PullPolicy = string(c.ImagePullPolicy)
		p.Entrypoint = c.Command
		p.Command = c.Args
		p.Envs = lo.SliceToMap(c.Env, func(e corev1.EnvVar) (string, string) { return e.Name, e.Value })
		p.Resources = model.ResourceRequirements{
			Limits:   quantityStrings(c.Resources.Limits),
			Requests: quantityStrings(c.Resources.Requests),
		}
		if len(c.Ports) > 0 {
			p.Port = c.Ports[0].ContainerPort
		}
	}
	return p, nil
}

type processSerializer struct{}

func (processSerializer) APIVersion() string { return "apps/v1" }

func (processSerializer) Serialize(p *Process, original *unstructured.Unstructured, apiVersion string) (*unstructured.Unstructured, error) {
	var d appsv1.Deployment
	if original != nil {
		if err := fromUnstructured(original, &d); err != nil {
			return nil, err
		}
	}
	d.APIVersion = apiVersion
	d.Kind = "Deployment"
	d.Name = p.Name
	d.Labels = lo.Assign(d.Labels, p.Labels)
	d.Spec.Replicas = lo.ToPtr(p.Replicas)
	// selector 不可变，已存在时保持原值
	if d.Spec.Selector == nil {
		d.Spec.Selector = &metav1.LabelSelector{
			MatchLabels: map[string]string{constants.LabelPodSelector: p.Name},
		}
	}

	limits, err := quantities(p.Resources.Limits)
	if err != nil {
		return nil, err
	}
	requests, err := quantities(p.Resources.Requests)
	if err != nil {
		return nil, err
	}

	keys := lo.Keys(p.Envs)
	slices.Sort(keys)
	container := corev1.Container{
		Name:            p.ProcType,
		Image:           p.Image,
		ImagePullPolicy: corev1.PullPolicy(p.PullPolicy),
		Command:         p.Entrypoint,
		Args:            p.Command,
		Env: lo.Map(keys, func(k string, _ int) corev1.EnvVar {
			return corev1.EnvVar{Name: k, Value: p.Envs[k]}
		}),
		Resources: corev1.ResourceRequirements{Limits: limits, Requests: requests},
	}
	if p.Port > 0 {
		container.Ports = []corev1.ContainerPort{{Name: "http", ContainerPort: p.Port, Protocol: corev1.ProtocolTCP}}
	}

	d.Spec.Template.Labels = lo.Assign(p.Labels, d.Spec.Selector.MatchLabels)
	d.Spec.Template.Spec.Containers = []corev1.Container{container}
	d.Spec.Template.Spec.NodeSelector = p.NodeSelector
	d.Spec.Template.Spec.Tolerations = lo.Map(p.Tolerations, func(t model.Toleration, _ int) corev1.Toleration {
		return corev1.Toleration{
			Key:               t.Key,
			Operator:          corev1.TolerationOperator(t.Operator),
			Value:             t.Value,
			Effect:            corev1.TaintEffect(t.Effect),
			TolerationSeconds: t.TolerationSeconds,
		}
	})
	d.Status = appsv1.DeploymentStatus{}
	return toUnstructured(&d)
}

type serviceDeserializer struct{}

func (serviceDeserializer) APIVersion() string { return "" }

func (serviceDeserializer) Deserialize(_ *model.App, obj *unstructured.Unstructured) (*ProcService, error) {
	var svc corev1.Service
	if err := fromUnstructured(obj, &svc); err != nil {
		return nil, err
	}
	s := &ProcService{
		Base:     kres.Base{Name: svc.Name},
		ProcType: svc.Labels[constants.LabelProcessType],
		Selector: svc.Spec.Selector,
	}
	if len(svc.Spec.Ports) > 0 {
		s.Port = svc.Spec.Ports[0].Port
		s.TargetPort = svc.Spec.Ports[0].TargetPort.IntVal
	}
	return s, nil
}

type serviceSerializer struct{}

func (serviceSerializer) APIVersion() string { return "v1" }

func (serviceSerializer) Serialize(s *ProcService, original *unstructured.Unstructured, apiVersion string) (*unstructured.Unstructured, error) {
	var svc corev1.Service
	if original != nil {
		if err := fromUnstructured(original, &svc); err != nil {
			return nil, err
		}
	}
	svc.APIVersion = apiVersion
	svc.Kind = "Service"
	svc.Name = s.Name
	svc.Labels = lo.Assign(svc.Labels, map[string]string{
		constants.LabelProcessType: s.ProcType,
		constants.LabelCategory:    constants.CategoryBkApp,
	})
	svc.Spec.Selector = s.Selector
	svc.Spec.Ports = []corev1.ServicePort{{
		Name:       "http",
		Port:       s.Port,
		TargetPort: intstr.FromInt32(s.TargetPort),
		Protocol:   corev1.ProtocolTCP,
	}}
	svc.Status = corev1.ServiceStatus{}
	return toUnstructured(&svc)
}

// ingressV1 networking.k8s.io/v1
type ingressV1 struct{}

func (ingressV1) APIVersion() string { return "networking.k8s.io/v1" }

func (ingressV1) Deserialize(_ *model.App, obj *unstructured.Unstructured) (*ProcIngress, error) {
	var ing networkingv1.Ingress
	if err := fromUnstructured(obj, &ing); err != nil {
		return nil, err
	}
	i := &ProcIngress{Base: kres.Base{Name: ing.Name}, IngressClass: lo.FromPtr(ing.Spec.IngressClassName)}
	for _, rule := range ing.Spec.Rules {
		if rule.HTTP == nil || len(rule.HTTP.Paths) == 0 || rule.HTTP.Paths[0].Backend.Service == nil {
			continue
		}
		i.Host = rule.Host
		i.ServiceName = rule.HTTP.Paths[0].Backend.Service.Name
		i.ServicePort = rule.HTTP.Paths[0].Backend.Service.Port.Number
		break
	}
	return i, nil
}

// Serialize 只替换本实体负责的 host 规则，其余规则、TLS 与注解保持不变
func (ingressV1) Serialize(i *ProcIngress, original *unstructured.Unstructured, apiVersion string) (*unstructured.Unstructured, error) {
	var ing networkingv1.Ingress
	if original != nil {
		if err := fromUnstructured(original, &ing); err != nil {
			return nil, err
		}
	}
	ing.APIVersion = apiVersion
	ing.Kind = "Ingress"
	ing.Name = i.Name
	if i.IngressClass != "" && ing.Spec.IngressClassName == nil {
		ing.Spec.IngressClassName = lo.ToPtr(i.IngressClass)
	}

	rule := networkingv1.IngressRule{
		Host: i.Host,
		IngressRuleValue: networkingv1.IngressRuleValue{HTTP: &networkingv1.HTTPIngressRuleValue{
			Paths: []networkingv1.HTTPIngressPath{{
				Path:     "/",
				PathType: lo.ToPtr(networkingv1.PathTypePrefix),
				Backend: networkingv1.IngressBackend{Service: &networkingv1.IngressServiceBackend{
					Name: i.ServiceName,
					Port: networkingv1.ServiceBackendPort{Number: i.ServicePort},
				}},
			}},
		}},
	}
	idx := slices.IndexFunc(ing.Spec.Rules, func(r networkingv1.IngressRule) bool { return r.Host == i.Host })
	if idx >= 0 {
		ing.Spec.Rules[idx] = rule
	} else {
		ing.Spec.Rules = append(ing.Spec.Rules, rule)
	}
	ing.Status = networkingv1.IngressStatus{}
	return toUnstructured(&ing)
}

// ingressV1beta1 旧集群的 networking.k8s.io/v1beta1，backend 结构不同
type ingressV1beta1 struct{}

func (ingressV1beta1) APIVersion() string { return "networking.k8s.io/v1beta1" }

func (ingressV1beta1) Deserialize(_ *model.App, obj *unstructured.Unstructured) (*ProcIngress, error) {
	i := &ProcIngress{Base: kres.Base{Name: obj.GetName()}}
	i.IngressClass = obj.GetAnnotations()["kubernetes.io/ingress.class"]
	rules, _, err := unstructured.NestedSlice(obj.Object, "spec", "rules")
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		rule, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		paths, _, _ := unstructured.NestedSlice(rule, "http", "paths")
		if len(paths) == 0 {
			continue
		}
		path, ok := paths[0].(map[string]interface{})
		if !ok {
			continue
		}
		i.Host, _, _ = unstructured.NestedString(rule, "host")
		i.ServiceName, _, _ = unstructured.NestedString(path, "backend", "serviceName")
		if port, found, _ := unstructured.NestedFieldNoCopy(path, "backend", "servicePort"); found {
			i.ServicePort = toInt32(port)
		}
		break
	}
	return i, nil
}

func (ingressV1beta1) Serialize(i *ProcIngress, original *unstructured.Unstructured, apiVersion string) (*unstructured.Unstructured, error) {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{}}
	if original != nil {
		obj = original.DeepCopy()
		unstructured.RemoveNestedField(obj.Object, "status")
	}
	obj.SetAPIVersion(apiVersion)
	obj.SetKind("Ingress")
	obj.SetName(i.Name)
	if i.IngressClass != "" {
		obj.SetAnnotations(lo.Assign(obj.GetAnnotations(), map[string]string{"kubernetes.io/ingress.class": i.IngressClass}))
	}

	rule := map[string]interface{}{
		"host": i.Host,
		"http": map[string]interface{}{
			"paths": []interface{}{map[string]interface{}{
				"path": "/",
				"backend": map[string]interface{}{
					"serviceName": i.ServiceName,
					"servicePort": int64(i.ServicePort),
				},
			}},
		},
	}
	rules, _, _ := unstructured.NestedSlice(obj.Object, "spec", "rules")
	replaced := false
	for idx, r := range rules {
		if m, ok := r.(map[string]interface{}); ok && m["host"] == i.Host {
			rules[idx] = rule
			replaced = true
		}
	}
	if !replaced {
		rules = append(rules, rule)
	}
	if err := unstructured.SetNestedSlice(obj.Object, rules, "spec", "rules"); err != nil {
		return nil, err
	}
	return obj, nil
}

func toInt32(v interface{}) int32 {
	switch n := v.(type) {
	case int64:
		return int32(n)
	case float64:
		return int32(n)
	case string:
		i, _ := strconv.Atoi(n)
		return int32(i)
	}
	return 0
}

// ProcessKind Deployment 映射
func ProcessKind() kres.Kind[*Process] {
	return kres.Kind[*Process]{
		Group:         "apps",
		Resource:      "deployments",
		Kind:          "Deployment",
		Deserializers: []kres.Deserializer[*Process]{processDeserializer{}},
		Serializers:   []kres.Serializer[*Process]{processSerializer{}},
	}
}

// ServiceKind Service 映射
func ServiceKind() kres.Kind[*ProcService] {
	return kres.Kind[*ProcService]{
		Resource:      "services",
		Kind:          "Service",
		Deserializers: []kres.Deserializer[*ProcService]{serviceDeserializer{}},
		Serializers:   []kres.Serializer[*ProcService]{serviceSerializer{}},
	}
}

// IngressKind Ingress 映射，优先 v1
func IngressKind() kres.Kind[*ProcIngress] {
	return kres.Kind[*ProcIngress]{
		Group:         "networking.k8s.io",
		Resource:      "ingresses",
		Kind:          "Ingress",
		Deserializers: []kres.Deserializer[*ProcIngress]{ingressV1{}, ingressV1beta1{}},
		Serializers:   []kres.Serializer[*ProcIngress]{ingressV1{}, ingressV1beta1{}},
	}
}
