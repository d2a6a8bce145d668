package cluster

import (
	"context"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	// claimDeletionTimeout bounds how long the reaper waits for a PVC to
	// disappear before moving on; claimDeletionInterval is the poll cadence.
	claimDeletionTimeout  = 60 * time.Second
	claimDeletionInterval = 5 * time.Second
)

// CreateNFSVolume creates a Retain-reclaimed, nfs-class PV serving path from
// the shared NFS export. The deterministic names mean a leaked volume from a
// crashed run is adopted by the next reaper sweep.
func (c *Client) CreateNFSVolume(ctx context.Context, name, path, capacity string, accessModes []corev1.PersistentVolumeAccessMode, readOnly bool) error {
	volumeMode := corev1.PersistentVolumeFilesystem

	volume := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: corev1.PersistentVolumeSpec{
			AccessModes: accessModes,
			Capacity: corev1.ResourceList{
				corev1.ResourceStorage: resource.MustParse(capacity),
			},
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				NFS: &corev1.NFSVolumeSource{
					Server:   NFSServer,
					Path:     path,
					ReadOnly: readOnly,
				},
			},
			StorageClassName:              StorageClassNFS,
			PersistentVolumeReclaimPolicy: corev1.PersistentVolumeReclaimRetain,
			VolumeMode:                    &volumeMode,
		},
	}

	if _, err := c.clientset.CoreV1().PersistentVolumes().Create(ctx, volume, metav1.CreateOptions{}); err != nil {
		return errors.Wrapf(err, "failed to create persistent volume %s", name)
	}

	c.logger.Info("created persistent volume", "event", "pv.create", "name", name, "path", path)
	return nil
}

func (c *Client) GetVolume(ctx context.Context, name string) (*corev1.PersistentVolume, error) {
	volume, err := c.clientset.CoreV1().PersistentVolumes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get persistent volume %s", name)
	}

	return volume, nil
}

func (c *Client) DeleteVolume(ctx context.Context, name string) error {
	if err := c.clientset.CoreV1().PersistentVolumes().Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		return errors.Wrapf(err, "failed to delete persistent volume %s", name)
	}

	c.logger.Info("deleted persistent volume", "event", "pv.delete", "name", name)
	return nil
}

// ReleaseVolume clears the claimRef of a Released PV so the retained volume
// becomes Available for the next claim. Volumes in any other phase are left
// alone.
func (c *Client) ReleaseVolume(ctx context.Context, name string) error {
	volume, err := c.clientset.CoreV1().PersistentVolumes().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to get persistent volume %s", name)
	}

	if volume.Status.Phase != corev1.VolumeReleased {
		return nil
	}

	volume.Spec.ClaimRef = nil
	if _, err := c.clientset.CoreV1().PersistentVolumes().Update(ctx, volume, metav1.UpdateOptions{}); err != nil {
		return errors.Wrapf(err, "failed to clear claimRef of persistent volume %s", name)
	}

	c.logger.Info("released persistent volume", "event", "pv.release", "name", name)
	return nil
}

// CreateClaim creates a PVC bound to an explicit volume name; binding is
// never left to the storage class.
func (c *Client) CreateClaim(ctx context.Context, namespace, name, volumeName, capacity string, accessModes []corev1.PersistentVolumeAccessMode) error {
	storageClass := StorageClassNFS

	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: accessModes,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(capacity),
				},
			},
			StorageClassName: &storageClass,
			VolumeName:       volumeName,
		},
	}

	if _, err := c.clientset.CoreV1().PersistentVolumeClaims(namespace).Create(ctx, claim, metav1.CreateOptions{}); err != nil {
		return errors.Wrapf(err, "failed to create claim %s/%s", namespace, name)
	}

	c.logger.Info("created claim", "event", "pvc.create", "namespace", namespace, "name", name, "volume", volumeName)
	return nil
}

func (c *Client) ListClaims(ctx context.Context, namespace string) ([]corev1.PersistentVolumeClaim, error) {
	claims, err := c.clientset.CoreV1().PersistentVolumeClaims(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list claims in %s", namespace)
	}

	return claims.Items, nil
}

func (c *Client) GetClaim(ctx context.Context, namespace, name string) (*corev1.PersistentVolumeClaim, error) {
	claim, err := c.clientset.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get claim %s/%s", namespace, name)
	}

	return claim, nil
}

func (c *Client) DeleteClaim(ctx context.Context, namespace, name string) error {
	if err := c.clientset.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		return errors.Wrapf(err, "failed to delete claim %s/%s", namespace, name)
	}

	c.logger.Info("deleted claim", "event", "pvc.delete", "namespace", namespace, "name", name)
	return nil
}

// WaitForClaimDeletion polls until the claim is gone, for at most a minute.
// Finalizer-stuck claims are reported as an error and left for the namespace
// delete to cascade.
func (c *Client) WaitForClaimDeletion(ctx context.Context, namespace, name string) error {
	err := wait.PollUntilContextTimeout(ctx, claimDeletionInterval, claimDeletionTimeout, true, func(ctx context.Context) (bool, error) {
		_, err := c.clientset.CoreV1().PersistentVolumeClaims(namespace).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}

		return false, nil
	})
	if err != nil {
		return errors.Wrapf(err, "claim %s/%s was not deleted in time", namespace, name)
	}

	return nil
}
