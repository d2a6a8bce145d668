package cluster

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func (c *Client) CreateServiceAccount(ctx context.Context, namespace, name string) error {
	serviceAccount := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
	}

	if _, err := c.clientset.CoreV1().ServiceAccounts(namespace).Create(ctx, serviceAccount, metav1.CreateOptions{}); err != nil {
		return errors.Wrapf(err, "failed to create service account %s/%s", namespace, name)
	}

	c.logger.Info("created service account", "event", "serviceaccount.create", "namespace", namespace, "name", name)
	return nil
}

// DeleteNonDefaultServiceAccounts removes every service account in the
// namespace except default, which the cluster owns.
func (c *Client) DeleteNonDefaultServiceAccounts(ctx context.Context, namespace string) error {
	serviceAccounts, err := c.clientset.CoreV1().ServiceAccounts(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return errors.Wrapf(err, "failed to list service accounts in %s", namespace)
	}

	var result *multierror.Error
	for _, serviceAccount := range serviceAccounts.Items {
		if serviceAccount.Name == "default" {
			continue
		}

		if err := c.clientset.CoreV1().ServiceAccounts(namespace).Delete(ctx, serviceAccount.Name, metav1.DeleteOptions{}); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to delete service account %s/%s", namespace, serviceAccount.Name))
			continue
		}

		c.logger.Info("deleted service account", "event", "serviceaccount.delete", "namespace", namespace, "name", serviceAccount.Name)
	}

	return result.ErrorOrNil()
}
