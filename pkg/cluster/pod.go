package cluster

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Annotations understood by the secrets broker's agent injector. The sidecar
// they summon renders short-lived database credentials into a file the main
// container sources before exec'ing the user program.
const (
	annotationAgentInject         = "vault.hashicorp.com/agent-inject"
	annotationAgentRole           = "vault.hashicorp.com/role"
	annotationAgentInjectSecret   = "vault.hashicorp.com/agent-inject-secret-dbcreds"
	annotationAgentInjectTemplate = "vault.hashicorp.com/agent-inject-template-dbcreds"
)

// PodSpec describes one analyst pod. The two database variants differ only in
// what the spec carries: file-backed runs set DatasetPVC, relational runs set
// InjectCredentials (which implies the service account and the sourcing
// entrypoint).
type PodSpec struct {
	Namespace    string
	RunID        string
	Image        string
	DatabaseName string
	Env          map[string]string
	GPU          bool

	// OutputPVC is mounted read-write at /output.
	OutputPVC string

	// DatasetPVC, when set, is mounted read-only at /data.
	DatasetPVC string

	// CachePVC, when set, is mounted read-write at CacheMountPath.
	CachePVC       string
	CacheMountPath string

	// InjectCredentials engages the broker sidecar contract.
	InjectCredentials bool
}

func (s PodSpec) podName() string {
	return fmt.Sprintf("secd-%s", s.RunID)
}

func (s PodSpec) labels() map[string]string {
	labels := map[string]string{
		"name":   s.DatabaseName,
		"run_id": s.RunID,
	}
	if s.GPU {
		labels["gpu"] = "true"
	}

	return labels
}

func (s PodSpec) annotations() map[string]string {
	if !s.InjectCredentials {
		return nil
	}

	role := fmt.Sprintf("role-%s", s.DatabaseName)
	credsPath := fmt.Sprintf("database/creds/%s", role)

	return map[string]string{
		annotationAgentInject:       "true",
		annotationAgentRole:         fmt.Sprintf("%s-%s", role, s.Namespace),
		annotationAgentInjectSecret: credsPath,
		annotationAgentInjectTemplate: fmt.Sprintf(`{{- with secret "%s" -}}
export DB_USER="{{ .Data.username }}"
export DB_PASS="{{ .Data.password }}"
{{- end -}}`, credsPath),
	}
}

func (s PodSpec) env() []corev1.EnvVar {
	keys := make([]string, 0, len(s.Env))
	for key := range s.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]corev1.EnvVar, 0, len(keys))
	for _, key := range keys {
		env = append(env, corev1.EnvVar{Name: key, Value: s.Env[key]})
	}

	return env
}

func (s PodSpec) resources() corev1.ResourceRequirements {
	if !s.GPU {
		return corev1.ResourceRequirements{}
	}

	gpu := corev1.ResourceList{
		corev1.ResourceName("nvidia.com/gpu"): resource.MustParse("1"),
	}

	return corev1.ResourceRequirements{Limits: gpu, Requests: gpu}
}

func (s PodSpec) volumes() ([]corev1.Volume, []corev1.VolumeMount) {
	claimVolume := func(name, claim string, readOnly bool) corev1.Volume {
		return corev1.Volume{
			Name: name,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: claim,
					ReadOnly:  readOnly,
				},
			},
		}
	}

	outputName := fmt.Sprintf("vol-%s-output", s.RunID)
	volumes := []corev1.Volume{claimVolume(outputName, s.OutputPVC, false)}
	mounts := []corev1.VolumeMount{{Name: outputName, MountPath: "/output"}}

	if s.DatasetPVC != "" {
		volumes = append(volumes, claimVolume(s.DatasetPVC, s.DatasetPVC, true))
		mounts = append(mounts, corev1.VolumeMount{Name: s.DatasetPVC, MountPath: "/data", ReadOnly: true})
	}

	if s.CachePVC != "" {
		cacheName := fmt.Sprintf("vol-%s-cache", s.RunID)
		volumes = append(volumes, claimVolume(cacheName, s.CachePVC, false))
		mounts = append(mounts, corev1.VolumeMount{Name: cacheName, MountPath: s.CacheMountPath})
	}

	return volumes, mounts
}

// Build renders the pod object. The main container carries the pod's own name
// so the reaper can tell it apart from the injected sidecar.
func (s PodSpec) Build() *corev1.Pod {
	volumes, mounts := s.volumes()

	container := corev1.Container{
		Name:         s.podName(),
		Image:        s.Image,
		Env:          s.env(),
		VolumeMounts: mounts,
		Resources:    s.resources(),
	}

	var serviceAccount string
	if s.InjectCredentials {
		container.Command = []string{"/bin/sh", "-c"}
		container.Args = []string{". /vault/secrets/dbcreds && env | grep DB_ && python /app/app.py"}
		serviceAccount = fmt.Sprintf("sa-%s", s.DatabaseName)
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        s.podName(),
			Namespace:   s.Namespace,
			Labels:      s.labels(),
			Annotations: s.annotations(),
		},
		Spec: corev1.PodSpec{
			ServiceAccountName: serviceAccount,
			Volumes:            volumes,
			Containers:         []corev1.Container{container},
			RestartPolicy:      corev1.RestartPolicyNever,
		},
	}
}

// CreateRunPod launches the analyst pod described by spec.
func (c *Client) CreateRunPod(ctx context.Context, spec PodSpec) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(spec.Namespace).Create(ctx, spec.Build(), metav1.CreateOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create pod %s/%s", spec.Namespace, spec.podName())
	}

	c.logger.Info("created pod", "event", "pod.create", "namespace", spec.Namespace, "name", pod.Name)
	return pod, nil
}

func (c *Client) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get pod %s/%s", namespace, name)
	}

	return pod, nil
}

func (c *Client) ListPods(ctx context.Context, namespace string) ([]corev1.Pod, error) {
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list pods in %s", namespace)
	}

	return pods.Items, nil
}

func (c *Client) PodsByLabel(ctx context.Context, namespace, selector string) ([]corev1.Pod, error) {
	pods, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list pods in %s with selector %s", namespace, selector)
	}

	return pods.Items, nil
}

// PodLogs fetches the logs of one container. Container may be empty for
// single-container pods.
func (c *Client) PodLogs(ctx context.Context, namespace, name, container string) (string, error) {
	raw, err := c.clientset.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{Container: container}).Do(ctx).Raw()
	if err != nil {
		return "", errors.Wrapf(err, "failed to read logs of pod %s/%s", namespace, name)
	}

	return string(raw), nil
}

// DatasetPVCName discovers the shared dataset claim for a database by
// inspecting the dataset pod in the storage namespace: the pod labeled
// name=<database> holds the claim, and the volume behind the claim must
// exist before we hand its name to a run.
func (c *Client) DatasetPVCName(ctx context.Context, database string) (string, error) {
	pods, err := c.PodsByLabel(ctx, StorageNamespace, fmt.Sprintf("name=%s", database))
	if err != nil {
		return "", err
	}
	if len(pods) == 0 {
		return "", errors.Errorf("no dataset pod labeled name=%s in namespace %s", database, StorageNamespace)
	}

	var claimName string
	for _, volume := range pods[0].Spec.Volumes {
		if volume.PersistentVolumeClaim != nil {
			claimName = volume.PersistentVolumeClaim.ClaimName
			break
		}
	}
	if claimName == "" {
		return "", errors.Errorf("dataset pod for %s mounts no claim", database)
	}

	claim, err := c.GetClaim(ctx, StorageNamespace, claimName)
	if err != nil {
		return "", err
	}
	if claim.Spec.VolumeName == "" {
		return "", errors.Errorf("dataset claim %s is not bound", claimName)
	}
	if _, err := c.GetVolume(ctx, claim.Spec.VolumeName); err != nil {
		return "", err
	}

	return claimName, nil
}
