package cluster

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/secd-project/secd/pkg/run"
)

const (
	// AnnotationUserID records which external identity launched the run, for
	// per-user bulk cleanup.
	AnnotationUserID = "userid"

	// AnnotationRunUntil carries the deadline past which the reaper tears the
	// run down even if the pod is still running. The value must round-trip
	// through RFC3339.
	AnnotationRunUntil = "rununtil"

	// LabelAccess marks run namespaces for the network policy restricting
	// egress from analyst pods.
	LabelAccess      = "access"
	LabelAccessValue = "database-access"
)

// CreateRunNamespace creates the namespace owning every per-run object,
// annotated with the durable orchestrator/reaper contract.
func (c *Client) CreateRunNamespace(ctx context.Context, name, userID string, runUntil time.Time) error {
	namespace := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{LabelAccess: LabelAccessValue},
			Annotations: map[string]string{
				AnnotationUserID:   userID,
				AnnotationRunUntil: runUntil.Format(time.RFC3339),
			},
		},
	}

	if _, err := c.clientset.CoreV1().Namespaces().Create(ctx, namespace, metav1.CreateOptions{}); err != nil {
		return errors.Wrapf(err, "failed to create namespace %s", name)
	}

	c.logger.Info("created namespace", "event", "namespace.create", "namespace", name, "rununtil", runUntil.Format(time.RFC3339))
	return nil
}

// ListRunNamespaces lists every namespace owned by a run, identified by the
// secd- name prefix.
func (c *Client) ListRunNamespaces(ctx context.Context) ([]corev1.Namespace, error) {
	namespaces, err := c.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list namespaces")
	}

	owned := []corev1.Namespace{}
	for _, namespace := range namespaces.Items {
		if strings.HasPrefix(namespace.Name, run.NamespacePrefix) {
			owned = append(owned, namespace)
		}
	}

	return owned, nil
}

func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	if err := c.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		return errors.Wrapf(err, "failed to delete namespace %s", name)
	}

	c.logger.Info("deleted namespace", "event", "namespace.delete", "namespace", name)
	return nil
}

// RunUntil parses the reap deadline from a run namespace's annotations.
func RunUntil(namespace *corev1.Namespace) (time.Time, error) {
	value, ok := namespace.Annotations[AnnotationRunUntil]
	if !ok {
		return time.Time{}, errors.Errorf("namespace %s has no %s annotation", namespace.Name, AnnotationRunUntil)
	}

	deadline, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "namespace %s has unparseable %s annotation", namespace.Name, AnnotationRunUntil)
	}

	return deadline, nil
}
