package cluster

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

var _ = Describe("Client namespaces", func() {
	var (
		clientset *fake.Clientset
		client    *Client
		ctx       context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		clientset = fake.NewSimpleClientset()
		client = NewClient(clientset, logr.Discard())
	})

	Describe("CreateRunNamespace", func() {
		It("stamps ownership annotations and the access label", func() {
			deadline := time.Date(2024, 3, 9, 16, 30, 5, 0, time.UTC)
			Expect(client.CreateRunNamespace(ctx, "secd-abc123", "temp_u42", deadline)).To(Succeed())

			namespace, err := clientset.CoreV1().Namespaces().Get(ctx, "secd-abc123", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(namespace.Annotations).To(HaveKeyWithValue("userid", "temp_u42"))
			Expect(namespace.Annotations).To(HaveKeyWithValue("rununtil", "2024-03-09T16:30:05Z"))
			Expect(namespace.Labels).To(HaveKeyWithValue("access", "database-access"))
		})
	})

	Describe("ListRunNamespaces", func() {
		BeforeEach(func() {
			for _, name := range []string{"secd-one", "secd-two", "kube-system", "storage"} {
				_, err := clientset.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
					ObjectMeta: metav1.ObjectMeta{Name: name},
				}, metav1.CreateOptions{})
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("returns only secd- prefixed namespaces", func() {
			namespaces, err := client.ListRunNamespaces(ctx)
			Expect(err).NotTo(HaveOccurred())

			names := []string{}
			for _, namespace := range namespaces {
				names = append(names, namespace.Name)
			}
			Expect(names).To(ConsistOf("secd-one", "secd-two"))
		})
	})

	Describe("RunUntil", func() {
		It("round-trips the deadline through the annotation", func() {
			deadline := time.Date(2024, 3, 9, 16, 30, 5, 0, time.UTC)
			Expect(client.CreateRunNamespace(ctx, "secd-abc123", "temp_u42", deadline)).To(Succeed())

			namespace, err := clientset.CoreV1().Namespaces().Get(ctx, "secd-abc123", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())

			parsed, err := RunUntil(namespace)
			Expect(err).NotTo(HaveOccurred())
			Expect(parsed.Equal(deadline)).To(BeTrue())
		})

		It("fails on a namespace without the annotation", func() {
			_, err := RunUntil(&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "secd-x"}})
			Expect(err).To(MatchError(ContainSubstring("no rununtil annotation")))
		})

		It("fails on garbage", func() {
			_, err := RunUntil(&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
				Name:        "secd-x",
				Annotations: map[string]string{"rununtil": "whenever"},
			}})
			Expect(err).To(MatchError(ContainSubstring("unparseable")))
		})
	})

	Describe("DeleteNonDefaultServiceAccounts", func() {
		BeforeEach(func() {
			for _, name := range []string{"default", "sa-mysql-1"} {
				_, err := clientset.CoreV1().ServiceAccounts("secd-abc123").Create(ctx, &corev1.ServiceAccount{
					ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "secd-abc123"},
				}, metav1.CreateOptions{})
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("deletes everything except default", func() {
			Expect(client.DeleteNonDefaultServiceAccounts(ctx, "secd-abc123")).To(Succeed())

			remaining, err := clientset.CoreV1().ServiceAccounts("secd-abc123").List(ctx, metav1.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(remaining.Items).To(HaveLen(1))
			Expect(remaining.Items[0].Name).To(Equal("default"))
		})
	})
})
