// Package builder 驱动单个构建 Pod 从创建到结束
package builder

import (
	"fmt"
	"slices"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"paas-control/internal/model"
	"paas-control/pkg/constants"
	"paas-control/pkg/utils"
)

// Runtime 构建容器的运行参数
type Runtime struct {
	Image           string `validate:"required"`
	ImagePullPolicy string `validate:"omitempty,oneof=Always IfNotPresent Never"`

	Envs             map[string]string
	ImagePullSecrets []string
	Privileged       bool
	Resources        map[string]string // limits，例如 {"cpu": "2", "memory": "4Gi"}
	Secrets          map[string]string // secret 名称 -> 挂载路径
}

// Schedule 调度参数
type Schedule struct {
	ClusterName  string `validate:"required"`
	NodeSelector map[string]string
	Tolerations  []model.Toleration
}

// Template 构建 Pod 的声明式描述
type Template struct {
	Name      string `validate:"required,dns1123"`
	Namespace string `validate:"required,dns1123"`
	Runtime   Runtime
	Schedule  Schedule
}

// PodName 同一应用、同一操作人的构建复用固定的 Pod 名称，用来识别重复构建
func PodName(appName, operator string) string {
	return utils.SanitizeLabel(fmt.Sprintf("builder-%s-%s", utils.EscapeUnderscore(appName), operator))
}

func (t *Template) pod() (*corev1.Pod, error) {
	limits := corev1.ResourceList{}
	for name, raw := range t.Runtime.Resources {
		q, err := resource.ParseQuantity(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid builder resource %s=%q: %w", name, raw, err)
		}
		limits[corev1.ResourceName(name)] = q
	}

	keys := lo.Keys(t.Runtime.Envs)
	slices.Sort(keys)
	env := lo.Map(keys, func(k string, _ int) corev1.EnvVar {
		return corev1.EnvVar{Name: k, Value: t.Runtime.Envs[k]}
	})

	container := corev1.Container{
		Name:            t.Name,
		Image:           t.Runtime.Image,
		Env:             env,
		ImagePullPolicy: corev1.PullPolicy(lo.Ternary(t.Runtime.ImagePullPolicy == "", "IfNotPresent", t.Runtime.ImagePullPolicy)),
		Resources:       corev1.ResourceRequirements{Limits: limits},
	}
	if t.Runtime.Privileged {
		container.SecurityContext = &corev1.SecurityContext{Privileged: lo.ToPtr(true)}
	}

	spec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		NodeSelector:  t.Schedule.NodeSelector,
		ImagePullSecrets: lo.Map(t.Runtime.ImagePullSecrets, func(name string, _ int) corev1.LocalObjectReference {
			return corev1.LocalObjectReference{Name: name}
		}),
	}

	secretNames := lo.Keys(t.Runtime.Secrets)
	slices.Sort(secretNames)
	for i, secret := range secretNames {
		volume := fmt.Sprintf("secret-%d", i)
		spec.Volumes = append(spec.Volumes, corev1.Volume{
			Name:         volume,
			VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{SecretName: secret}},
		})
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{
			Name:      volume,
			MountPath: t.Runtime.Secrets[secret],
			ReadOnly:  true,
		})
	}
	spec.Containers = []corev1.Container{container}

	for _, tol := range t.Schedule.Tolerations {
		spec.Tolerations = append(spec.Tolerations, corev1.Toleration{
			Key:               tol.Key,
			Operator:          corev1.TolerationOperator(tol.Operator),
			Value:             tol.Value,
			Effect:            corev1.TaintEffect(tol.Effect),
			TolerationSeconds: tol.TolerationSeconds,
		})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      t.Name,
			Namespace: t.Namespace,
			Labels: map[string]string{
				constants.LabelPodSelector: t.Name,
				constants.LabelCategory:    constants.CategoryBuilder,
			},
		},
		Spec: spec,
	}, nil
}
