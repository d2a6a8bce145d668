package cluster

import (
	"context"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

var _ = Describe("PodSpec", func() {
	var spec PodSpec

	BeforeEach(func() {
		spec = PodSpec{
			Namespace:    "secd-abc123",
			RunID:        "abc123",
			Image:        "registry.example/secd/abc123",
			DatabaseName: "mysql-1",
			Env: map[string]string{
				"SECD":        "PRODUCTION",
				"OUTPUT_PATH": "/output",
				"NFS_PATH":    "/data",
				"DB_HOST":     "service-mysql-1.storage.svc.cluster.local",
			},
			OutputPVC: "secd-pvc-abc123-output",
		}
	})

	Describe("Build", func() {
		It("names the pod and main container with the secd- prefix", func() {
			pod := spec.Build()
			Expect(pod.Name).To(Equal("secd-abc123"))
			Expect(pod.Spec.Containers).To(HaveLen(1))
			Expect(pod.Spec.Containers[0].Name).To(Equal("secd-abc123"))
		})

		It("never restarts", func() {
			Expect(spec.Build().Spec.RestartPolicy).To(Equal(corev1.RestartPolicyNever))
		})

		It("labels the pod for discovery", func() {
			pod := spec.Build()
			Expect(pod.Labels).To(Equal(map[string]string{
				"name":   "mysql-1",
				"run_id": "abc123",
			}))
		})

		It("renders env sorted by name", func() {
			env := spec.Build().Spec.Containers[0].Env
			names := make([]string, 0, len(env))
			for _, variable := range env {
				names = append(names, variable.Name)
			}
			Expect(names).To(Equal([]string{"DB_HOST", "NFS_PATH", "OUTPUT_PATH", "SECD"}))
		})

		It("mounts the output claim read-write at /output", func() {
			pod := spec.Build()
			Expect(pod.Spec.Volumes).To(HaveLen(1))
			Expect(pod.Spec.Volumes[0].PersistentVolumeClaim.ClaimName).To(Equal("secd-pvc-abc123-output"))
			Expect(pod.Spec.Containers[0].VolumeMounts[0].MountPath).To(Equal("/output"))
			Expect(pod.Spec.Containers[0].VolumeMounts[0].ReadOnly).To(BeFalse())
		})

		Context("with credential injection", func() {
			BeforeEach(func() {
				spec.InjectCredentials = true
			})

			It("carries the broker sidecar annotations", func() {
				annotations := spec.Build().Annotations
				Expect(annotations).To(HaveKeyWithValue("vault.hashicorp.com/agent-inject", "true"))
				Expect(annotations).To(HaveKeyWithValue("vault.hashicorp.com/role", "role-mysql-1-secd-abc123"))
				Expect(annotations).To(HaveKeyWithValue("vault.hashicorp.com/agent-inject-secret-dbcreds", "database/creds/role-mysql-1"))
				Expect(annotations["vault.hashicorp.com/agent-inject-template-dbcreds"]).To(ContainSubstring(`export DB_USER="{{ .Data.username }}"`))
				Expect(annotations["vault.hashicorp.com/agent-inject-template-dbcreds"]).To(ContainSubstring(`export DB_PASS="{{ .Data.password }}"`))
			})

			It("sources the rendered credentials before the user program", func() {
				container := spec.Build().Spec.Containers[0]
				Expect(container.Command).To(Equal([]string{"/bin/sh", "-c"}))
				Expect(container.Args).To(Equal([]string{". /vault/secrets/dbcreds && env | grep DB_ && python /app/app.py"}))
			})

			It("runs as the per-database service account", func() {
				Expect(spec.Build().Spec.ServiceAccountName).To(Equal("sa-mysql-1"))
			})
		})

		Context("with a dataset claim", func() {
			BeforeEach(func() {
				spec.DatasetPVC = "pvc-storage-karolinska-1"
			})

			It("mounts the dataset read-only at /data", func() {
				pod := spec.Build()
				Expect(pod.Spec.Volumes).To(HaveLen(2))
				Expect(pod.Spec.Volumes[1].PersistentVolumeClaim.ClaimName).To(Equal("pvc-storage-karolinska-1"))
				Expect(pod.Spec.Volumes[1].PersistentVolumeClaim.ReadOnly).To(BeTrue())

				mounts := pod.Spec.Containers[0].VolumeMounts
				Expect(mounts[1].MountPath).To(Equal("/data"))
				Expect(mounts[1].ReadOnly).To(BeTrue())
			})

			It("keeps the image entrypoint and default service account", func() {
				pod := spec.Build()
				Expect(pod.Spec.Containers[0].Command).To(BeNil())
				Expect(pod.Spec.ServiceAccountName).To(BeEmpty())
				Expect(pod.Annotations).To(BeNil())
			})
		})

		Context("with a cache claim", func() {
			BeforeEach(func() {
				spec.CachePVC = "secd-pvc-abc123-cache"
				spec.CacheMountPath = "/models"
			})

			It("mounts the cache at the chosen path", func() {
				mounts := spec.Build().Spec.Containers[0].VolumeMounts
				Expect(mounts).To(HaveLen(2))
				Expect(mounts[1].MountPath).To(Equal("/models"))
			})
		})

		Context("with a GPU", func() {
			BeforeEach(func() {
				spec.GPU = true
			})

			It("labels the pod and requests exactly one device", func() {
				pod := spec.Build()
				Expect(pod.Labels).To(HaveKeyWithValue("gpu", "true"))

				resources := pod.Spec.Containers[0].Resources
				gpu := corev1.ResourceName("nvidia.com/gpu")
				limit := resources.Limits[gpu]
				request := resources.Requests[gpu]
				Expect(limit.Value()).To(Equal(int64(1)))
				Expect(request.Value()).To(Equal(int64(1)))
			})
		})
	})
})

var _ = Describe("Client pods", func() {
	var (
		client *Client
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("DatasetPVCName", func() {
		datasetPod := func(claim string) *corev1.Pod {
			return &corev1.Pod{
				ObjectMeta: metav1.ObjectMeta{
					Name:      "karolinska-1-0",
					Namespace: StorageNamespace,
					Labels:    map[string]string{"name": "karolinska-1"},
				},
				Spec: corev1.PodSpec{
					Volumes: []corev1.Volume{
						{
							Name: "dataset",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: claim,
								},
							},
						},
					},
				},
			}
		}

		It("returns the claim behind the dataset pod", func() {
			clientset := fake.NewSimpleClientset(
				datasetPod("pvc-storage-karolinska-1"),
				&corev1.PersistentVolumeClaim{
					ObjectMeta: metav1.ObjectMeta{Name: "pvc-storage-karolinska-1", Namespace: StorageNamespace},
					Spec:       corev1.PersistentVolumeClaimSpec{VolumeName: "pv-storage-karolinska-1"},
				},
				&corev1.PersistentVolume{
					ObjectMeta: metav1.ObjectMeta{Name: "pv-storage-karolinska-1"},
				},
			)
			client = NewClient(clientset, logr.Discard())

			claim, err := client.DatasetPVCName(ctx, "karolinska-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claim).To(Equal("pvc-storage-karolinska-1"))
		})

		It("fails when no dataset pod exists", func() {
			client = NewClient(fake.NewSimpleClientset(), logr.Discard())

			_, err := client.DatasetPVCName(ctx, "karolinska-1")
			Expect(err).To(MatchError(ContainSubstring("no dataset pod")))
		})

		It("fails when the claim is unbound", func() {
			clientset := fake.NewSimpleClientset(
				datasetPod("pvc-storage-karolinska-1"),
				&corev1.PersistentVolumeClaim{
					ObjectMeta: metav1.ObjectMeta{Name: "pvc-storage-karolinska-1", Namespace: StorageNamespace},
				},
			)
			client = NewClient(clientset, logr.Discard())

			_, err := client.DatasetPVCName(ctx, "karolinska-1")
			Expect(err).To(MatchError(ContainSubstring("not bound")))
		})
	})

	Describe("CreateRunPod", func() {
		It("creates the pod in the run namespace", func() {
			clientset := fake.NewSimpleClientset()
			client = NewClient(clientset, logr.Discard())

			_, err := client.CreateRunPod(ctx, PodSpec{
				Namespace: "secd-abc123",
				RunID:     "abc123",
				Image:     "registry.example/secd/abc123",
				OutputPVC: "secd-pvc-abc123-output",
			})
			Expect(err).NotTo(HaveOccurred())

			pod, err := clientset.CoreV1().Pods("secd-abc123").Get(ctx, "secd-abc123", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(pod.Spec.Containers[0].Image).To(Equal("registry.example/secd/abc123"))
		})
	})
})
