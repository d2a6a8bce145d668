package reaper

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/secd-project/secd/pkg/cluster"
	"github.com/secd-project/secd/pkg/run"
)

// interval is how often the reaper sweeps all run namespaces.
const interval = 5 * time.Second

var (
	sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secd_reaper_sweeps_total",
		Help: "Completed reaper sweeps",
	})
	reapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secd_reaper_reaped_total",
		Help: "Run namespaces torn down by the reaper",
	})
	errorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secd_reaper_errors_total",
		Help: "Per-namespace reap attempts that failed",
	})
)

func init() {
	prometheus.MustRegister(sweepsTotal, reapedTotal, errorsTotal)
}

// Publisher pushes a run's outputs back to its origin repository. Publishing
// happens before any cluster teardown, while the output files are still on
// the host export.
type Publisher interface {
	Publish(ctx context.Context, runID string) error
}

// Reaper is the teardown control loop: it finds runs that are past their
// deadline or whose main container has terminated, publishes their outputs
// and reclaims their whole cluster footprint.
type Reaper struct {
	cluster   *cluster.Client
	publisher Publisher
	logger    logr.Logger
	now       func() time.Time
}

func New(clusterClient *cluster.Client, publisher Publisher, logger logr.Logger) *Reaper {
	return &Reaper{
		cluster:   clusterClient,
		publisher: publisher,
		logger:    logger.WithValues("component", "reaper"),
		now:       time.Now,
	}
}

// Run loops until the context is cancelled. A failure anywhere in one sweep
// never stops the loop.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("starting reaper", "event", "reaper.start", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping reaper", "event", "reaper.stop")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep inspects every run namespace once and reaps the eligible ones. One
// bad namespace only costs that namespace.
func (r *Reaper) Sweep(ctx context.Context) {
	defer sweepsTotal.Inc()

	namespaces, err := r.cluster.ListRunNamespaces(ctx)
	if err != nil {
		r.logger.Error(err, "failed to list run namespaces", "event", "reaper.list")
		return
	}

	for i := range namespaces {
		namespace := &namespaces[i]

		eligible, err := r.shouldReap(ctx, namespace)
		if err != nil {
			errorsTotal.Inc()
			r.logger.Error(err, "failed to inspect namespace", "event", "reaper.inspect", "namespace", namespace.Name)
			continue
		}
		if !eligible {
			continue
		}

		if err := r.reap(ctx, namespace.Name); err != nil {
			errorsTotal.Inc()
			r.logger.Error(err, "failed to reap namespace", "event", "reaper.reap", "namespace", namespace.Name)
			continue
		}

		reapedTotal.Inc()
	}
}

// shouldReap is expired OR main-container-terminated. A namespace whose pod
// has not been scheduled yet is not eligible: a brand-new run must not be
// reaped in the window between namespace creation and pod creation.
func (r *Reaper) shouldReap(ctx context.Context, namespace *corev1.Namespace) (bool, error) {
	deadline, err := cluster.RunUntil(namespace)
	if err != nil {
		// A namespace with an unreadable annotation is never expired: a running
		// pod must not lose its run to a mangled timestamp. Its termination
		// still reaps it below.
		r.logger.Error(err, "unreadable rununtil annotation", "event", "reaper.rununtil", "namespace", namespace.Name)
	} else if deadline.Before(r.now()) {
		return true, nil
	}

	pods, err := r.cluster.ListPods(ctx, namespace.Name)
	if err != nil {
		return false, err
	}
	if len(pods) == 0 {
		return false, nil
	}

	return mainContainerTerminated(&pods[0]), nil
}

// mainContainerTerminated inspects the first pod's main container, identified
// by the secd- name prefix so the credential sidecar never counts. Both
// successful and failed terminations are terminal.
func mainContainerTerminated(pod *corev1.Pod) bool {
	for _, status := range pod.Status.ContainerStatuses {
		if !strings.HasPrefix(status.Name, run.NamespacePrefix) {
			continue
		}

		if status.State.Terminated != nil {
			return true
		}
	}

	return false
}

// reap publishes and then tears down one run namespace. Steps run in a fixed
// order; later steps are attempted even when earlier ones fail, and all
// failures are reported together.
func (r *Reaper) reap(ctx context.Context, namespaceName string) error {
	runID, ok := run.IDFromNamespace(namespaceName)
	if !ok {
		return errors.Errorf("namespace %s is not run-owned", namespaceName)
	}

	logger := r.logger.WithValues("namespace", namespaceName, "run_id", runID)
	logger.Info("reaping run", "event", "reaper.reap.start")

	r.logRunOutput(ctx, namespaceName, runID, logger)

	var result *multierror.Error

	// Outputs must leave the host before the namespace (and with it the pod
	// writing to the export) goes away.
	if err := r.publisher.Publish(ctx, runID); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to publish results"))
	}

	if err := r.releaseClaims(ctx, namespaceName, logger); err != nil {
		result = multierror.Append(result, err)
	}

	if err := r.cluster.DeleteNonDefaultServiceAccounts(ctx, namespaceName); err != nil {
		result = multierror.Append(result, err)
	}

	if err := r.cluster.DeleteNamespace(ctx, namespaceName); err != nil {
		result = multierror.Append(result, err)
	}

	// The output volume is cluster-scoped, so the namespace cascade never
	// touches it. Deleting it here keeps Retain volumes from accumulating.
	outputPV := "secd-pv-" + runID + "-output"
	if err := r.cluster.DeleteVolume(ctx, outputPV); err != nil && !apierrors.IsNotFound(errors.Cause(err)) {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	logger.Info("reaped run", "event", "reaper.reap.done")
	return nil
}

// logRunOutput records the main container's output before teardown destroys
// it. Best effort only; a pod that never scheduled has no logs to keep.
func (r *Reaper) logRunOutput(ctx context.Context, namespaceName, runID string, logger logr.Logger) {
	podName := run.NamespacePrefix + runID
	logs, err := r.cluster.PodLogs(ctx, namespaceName, podName, podName)
	if err != nil {
		logger.Info("no run output to record", "event", "reaper.logs.none")
		return
	}

	logger.Info("run output", "event", "reaper.logs", "logs", logs)
}

// releaseClaims deletes every claim in the namespace, waits for each to
// disappear, and returns any volume left Released back to Available so
// retained dataset volumes can be claimed again.
func (r *Reaper) releaseClaims(ctx context.Context, namespaceName string, logger logr.Logger) error {
	claims, err := r.cluster.ListClaims(ctx, namespaceName)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, claim := range claims {
		volumeName := claim.Spec.VolumeName

		if err := r.cluster.DeleteClaim(ctx, namespaceName, claim.Name); err != nil {
			result = multierror.Append(result, err)
			continue
		}

		if err := r.cluster.WaitForClaimDeletion(ctx, namespaceName, claim.Name); err != nil {
			// A stuck claim is logged and left for the namespace cascade; the
			// volume will be released by name-match on a later sweep.
			logger.Error(err, "claim not deleted in time", "event", "reaper.claim.wait", "claim", claim.Name)
		}

		if volumeName == "" {
			continue
		}
		if err := r.cluster.ReleaseVolume(ctx, volumeName); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
