package cluster

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ServiceFQDNByRelease resolves the in-cluster DNS name of the database
// service deployed for the given release in the storage namespace. The result
// is what analyst pods see as DB_HOST.
func (c *Client) ServiceFQDNByRelease(ctx context.Context, release string) (string, error) {
	services, err := c.clientset.CoreV1().Services(StorageNamespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("release=%s", release),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to list services for release %s", release)
	}

	if len(services.Items) == 0 {
		return "", errors.Errorf("no service found for release %s in namespace %s", release, StorageNamespace)
	}

	service := services.Items[0]
	return fmt.Sprintf("%s.%s.svc.cluster.local", service.Name, service.Namespace), nil
}
