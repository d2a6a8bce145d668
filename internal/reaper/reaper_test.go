package reaper

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/secd-project/secd/pkg/cluster"
)

type fakePublisher struct {
	published []string
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, runID string) error {
	f.published = append(f.published, runID)
	return f.err
}

func runNamespace(runID string, runUntil time.Time) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   "secd-" + runID,
			Labels: map[string]string{"access": "database-access"},
			Annotations: map[string]string{
				"userid":   "kc-42",
				"rununtil": runUntil.Format(time.RFC3339),
			},
		},
	}
}

func runPod(runID string, statuses ...corev1.ContainerStatus) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "secd-" + runID,
			Namespace: "secd-" + runID,
		},
		Status: corev1.PodStatus{ContainerStatuses: statuses},
	}
}

func terminated(name string) corev1.ContainerStatus {
	return corev1.ContainerStatus{
		Name:  name,
		State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 0}},
	}
}

func running(name string) corev1.ContainerStatus {
	return corev1.ContainerStatus{
		Name:  name,
		State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
	}
}

var _ = Describe("Reaper", func() {
	var (
		clientset *fake.Clientset
		publisher *fakePublisher
		reaper    *Reaper
	)

	newReaper := func(seed ...runtime.Object) {
		clientset = fake.NewSimpleClientset(seed...)
		publisher = &fakePublisher{}
		reaper = New(cluster.NewClient(clientset, logr.Discard()), publisher, logr.Discard())
	}

	namespaceExists := func(name string) bool {
		_, err := clientset.CoreV1().Namespaces().Get(context.Background(), name, metav1.GetOptions{})
		return err == nil
	}

	Context("expired run with a running pod", func() {
		BeforeEach(func() {
			newReaper(
				runNamespace("x1", time.Now().Add(-time.Hour)),
				runPod("x1", running("secd-x1")),
				&corev1.PersistentVolumeClaim{
					ObjectMeta: metav1.ObjectMeta{Name: "secd-pvc-x1-output", Namespace: "secd-x1"},
					Spec:       corev1.PersistentVolumeClaimSpec{VolumeName: "secd-pv-x1-output"},
				},
				&corev1.PersistentVolume{
					ObjectMeta: metav1.ObjectMeta{Name: "secd-pv-x1-output"},
				},
				&corev1.ServiceAccount{ObjectMeta: metav1.ObjectMeta{Name: "sa-mysql-1", Namespace: "secd-x1"}},
				&corev1.ServiceAccount{ObjectMeta: metav1.ObjectMeta{Name: "default", Namespace: "secd-x1"}},
			)
		})

		It("publishes before tearing everything down", func() {
			reaper.Sweep(context.Background())

			Expect(publisher.published).To(Equal([]string{"x1"}))
			Expect(namespaceExists("secd-x1")).To(BeFalse())

			claims, err := clientset.CoreV1().PersistentVolumeClaims("secd-x1").List(context.Background(), metav1.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(claims.Items).To(BeEmpty())

			_, err = clientset.CoreV1().PersistentVolumes().Get(context.Background(), "secd-pv-x1-output", metav1.GetOptions{})
			Expect(err).To(HaveOccurred())
		})

		It("removes run service accounts but never default", func() {
			reaper.Sweep(context.Background())

			_, err := clientset.CoreV1().ServiceAccounts("secd-x1").Get(context.Background(), "sa-mysql-1", metav1.GetOptions{})
			Expect(err).To(HaveOccurred())
			_, err = clientset.CoreV1().ServiceAccounts("secd-x1").Get(context.Background(), "default", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Context("terminated main container before the deadline", func() {
		It("reaps on success", func() {
			newReaper(
				runNamespace("x2", time.Now().Add(time.Hour)),
				runPod("x2", terminated("secd-x2")),
			)

			reaper.Sweep(context.Background())
			Expect(publisher.published).To(Equal([]string{"x2"}))
			Expect(namespaceExists("secd-x2")).To(BeFalse())
		})

		It("reaps on failure too", func() {
			pod := runPod("x2", corev1.ContainerStatus{
				Name:  "secd-x2",
				State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 1}},
			})
			newReaper(runNamespace("x2", time.Now().Add(time.Hour)), pod)

			reaper.Sweep(context.Background())
			Expect(namespaceExists("secd-x2")).To(BeFalse())
		})

		It("reaps even when the rununtil annotation is unreadable", func() {
			namespace := runNamespace("x2", time.Now())
			namespace.Annotations["rununtil"] = "not-a-timestamp"
			newReaper(namespace, runPod("x2", terminated("secd-x2")))

			reaper.Sweep(context.Background())
			Expect(namespaceExists("secd-x2")).To(BeFalse())
		})
	})

	Context("runs that must be left alone", func() {
		It("ignores a running pod before the deadline", func() {
			newReaper(
				runNamespace("x3", time.Now().Add(time.Hour)),
				runPod("x3", running("secd-x3")),
			)

			reaper.Sweep(context.Background())
			Expect(publisher.published).To(BeEmpty())
			Expect(namespaceExists("secd-x3")).To(BeTrue())
		})

		It("treats a namespace with no pods yet as not terminated", func() {
			newReaper(runNamespace("x4", time.Now().Add(time.Hour)))

			reaper.Sweep(context.Background())
			Expect(namespaceExists("secd-x4")).To(BeTrue())
		})

		It("never counts the credential sidecar as the main container", func() {
			newReaper(
				runNamespace("x5", time.Now().Add(time.Hour)),
				runPod("x5", terminated("vault-agent"), running("secd-x5")),
			)

			reaper.Sweep(context.Background())
			Expect(namespaceExists("secd-x5")).To(BeTrue())
		})

		It("never expires a namespace over an unreadable rununtil annotation", func() {
			namespace := runNamespace("x9", time.Now())
			namespace.Annotations["rununtil"] = "not-a-timestamp"
			newReaper(namespace, runPod("x9", running("secd-x9")))

			reaper.Sweep(context.Background())
			Expect(publisher.published).To(BeEmpty())
			Expect(namespaceExists("secd-x9")).To(BeTrue())
		})

		It("ignores namespaces outside the secd- prefix", func() {
			newReaper(&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "kube-system"}})

			reaper.Sweep(context.Background())
			Expect(publisher.published).To(BeEmpty())
			Expect(namespaceExists("kube-system")).To(BeTrue())
		})
	})

	Context("volume release", func() {
		It("returns Released dataset volumes to Available", func() {
			newReaper(
				runNamespace("x6", time.Now().Add(-time.Hour)),
				&corev1.PersistentVolumeClaim{
					ObjectMeta: metav1.ObjectMeta{Name: "pvc-storage-karolinska-1", Namespace: "secd-x6"},
					Spec:       corev1.PersistentVolumeClaimSpec{VolumeName: "pv-storage-karolinska-1"},
				},
				&corev1.PersistentVolume{
					ObjectMeta: metav1.ObjectMeta{Name: "pv-storage-karolinska-1"},
					Spec: corev1.PersistentVolumeSpec{
						ClaimRef: &corev1.ObjectReference{Namespace: "secd-x6", Name: "pvc-storage-karolinska-1"},
					},
					Status: corev1.PersistentVolumeStatus{Phase: corev1.VolumeReleased},
				},
			)

			reaper.Sweep(context.Background())

			volume, err := clientset.CoreV1().PersistentVolumes().Get(context.Background(), "pv-storage-karolinska-1", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(volume.Spec.ClaimRef).To(BeNil())
		})
	})

	Context("resilience", func() {
		It("keeps sweeping when one namespace fails", func() {
			newReaper(
				runNamespace("bad", time.Now().Add(-time.Hour)),
				runNamespace("good", time.Now().Add(-time.Hour)),
			)
			publisher.err = errors.New("remote rejected")

			reaper.Sweep(context.Background())

			// Publishing failed for both, but teardown still completed and the
			// second namespace was still attempted.
			Expect(publisher.published).To(ConsistOf("bad", "good"))
			Expect(namespaceExists("secd-bad")).To(BeFalse())
			Expect(namespaceExists("secd-good")).To(BeFalse())
		})

		It("is a no-op on a cluster with no run namespaces", func() {
			newReaper()
			reaper.Sweep(context.Background())
			Expect(publisher.published).To(BeEmpty())
		})
	})
})
