package cluster

import (
	"context"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// SecretKey reads one key of a named secret. The API server hands the data
// back already base64-decoded.
func (c *Client) SecretKey(ctx context.Context, namespace, name, key string) (string, error) {
	secret, err := c.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get secret %s/%s", namespace, name)
	}

	value, ok := secret.Data[key]
	if !ok {
		return "", errors.Errorf("secret %s/%s has no key %s", namespace, name, key)
	}

	return string(value), nil
}
