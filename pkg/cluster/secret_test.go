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

var _ = Describe("Client secrets", func() {
	var (
		clientset *fake.Clientset
		client    *Client
		ctx       context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		clientset = fake.NewSimpleClientset(&corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "registry-auth", Namespace: "storage"},
			Data: map[string][]byte{
				"password": []byte("hunter2"),
			},
		})
		client = NewClient(clientset, logr.Discard())
	})

	Describe("SecretKey", func() {
		It("returns the decoded value of one key", func() {
			value, err := client.SecretKey(ctx, "storage", "registry-auth", "password")
			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(Equal("hunter2"))
		})

		It("fails on a key the secret does not carry", func() {
			_, err := client.SecretKey(ctx, "storage", "registry-auth", "token")
			Expect(err).To(MatchError(ContainSubstring("has no key token")))
		})

		It("fails on a missing secret", func() {
			_, err := client.SecretKey(ctx, "storage", "nope", "password")
			Expect(err).To(MatchError(ContainSubstring("failed to get secret storage/nope")))
		})
	})
})
