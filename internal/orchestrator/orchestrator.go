package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	corev1 "k8s.io/api/core/v1"

	"github.com/secd-project/secd/pkg/cluster"
	"github.com/secd-project/secd/pkg/config"
	"github.com/secd-project/secd/pkg/gitlab"
	"github.com/secd-project/secd/pkg/run"
	"github.com/secd-project/secd/pkg/vault"
)

const (
	// gateGroup is the identity-provider group a user must belong to before
	// anything is cloned or built on their behalf.
	gateGroup = "secd"

	// roleClientID is the identity-provider client whose roles gate access to
	// individual databases: to run against database X the user needs role X
	// on this client.
	roleClientID = "database-service"

	outputCapacity = "50Gi"
	cacheCapacity  = "50Gi"
)

var (
	runsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secd_runs_started_total",
		Help: "Accepted pushes that began orchestration",
	})
	runsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secd_runs_skipped_total",
		Help: "Pushes skipped because they came from a result branch",
	})
	runsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secd_runs_failed_total",
		Help: "Runs abandoned before pod launch, by pipeline stage",
	}, []string{"stage"})
	runsLaunched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secd_runs_launched_total",
		Help: "Runs whose pod was created",
	})
)

func init() {
	prometheus.MustRegister(runsStarted, runsSkipped, runsFailed, runsLaunched)
}

// RepoClient is the provider surface the pipeline drives.
type RepoClient interface {
	Validate(ctx context.Context, payload gitlab.Payload) error
	IdentityUserID(ctx context.Context, userID int) (string, error)
	Clone(ctx context.Context, httpURL, dest string) error
}

// IdentityClient gates runs and manages the per-run temporary user.
type IdentityClient interface {
	IsInGroup(ctx context.Context, userID, group string) (bool, error)
	HasClientRole(ctx context.Context, userID, clientID, role string) (bool, error)
	CreateTempUser(ctx context.Context, externalUserID string) (string, error)
	DeleteUser(ctx context.Context, userID string) error
}

// ImageBuilder produces the run's container image.
type ImageBuilder interface {
	BuildAndPush(ctx context.Context, repoPath, runID string) (string, error)
	Cleanup(ctx context.Context, tag string) error
}

// SecretsBroker provisions dynamic database credentials for relational runs.
type SecretsBroker interface {
	Setup(ctx context.Context, db vault.Database) error
}

// Orchestrator is the per-push pipeline: validate, authorize, materialize,
// launch. It owns the Run value and drives every collaborator in order.
type Orchestrator struct {
	repo     RepoClient
	identity IdentityClient
	builder  ImageBuilder
	broker   SecretsBroker
	cluster  *cluster.Client

	repoRoot  string
	cacheRoot string
	pvcRoot   string
	database  config.Database

	logger logr.Logger
	now    func() time.Time
}

type Options struct {
	RepoRoot  string
	CacheRoot string
	PVCRoot   string
	Database  config.Database
}

func New(repo RepoClient, identity IdentityClient, builder ImageBuilder, broker SecretsBroker, clusterClient *cluster.Client, opts Options, logger logr.Logger) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		identity:  identity,
		builder:   builder,
		broker:    broker,
		cluster:   clusterClient,
		repoRoot:  opts.RepoRoot,
		cacheRoot: opts.CacheRoot,
		pvcRoot:   opts.PVCRoot,
		database:  opts.Database,
		logger:    logger.WithValues("component", "orchestrator"),
		now:       time.Now,
	}
}

// Create runs the whole pipeline for one accepted webhook. It is called on a
// detached goroutine: every failure is terminal for the run but not for the
// service, and resources created before a failure are reclaimed by the reaper
// once the run's deadline passes.
func (o *Orchestrator) Create(ctx context.Context, payload gitlab.Payload) error {
	if err := o.repo.Validate(ctx, payload); err != nil {
		if gitlab.IsResultBranch(err) {
			runsSkipped.Inc()
			o.logger.Info("skipping result-branch push", "event", "run.skip", "ref", payload.Ref)
			return nil
		}

		return fail("validate", err)
	}

	r := run.NewAt(o.now(), o.repoRoot)
	runsStarted.Inc()

	logger := o.logger.WithValues("run_id", r.ID, "project", payload.Project.PathWithNamespace)
	logger.Info("starting run", "event", "run.start", "ref", payload.Ref)

	externalID, err := o.repo.IdentityUserID(ctx, payload.UserID)
	if err != nil {
		return fail("identity", err)
	}
	r.UserID = externalID

	member, err := o.identity.IsInGroup(ctx, externalID, gateGroup)
	if err != nil {
		return fail("identity", err)
	}
	if !member {
		return fail("authorize", errors.Errorf("user %s is not in group %s", externalID, gateGroup))
	}

	if err := o.repo.Clone(ctx, payload.Project.HTTPURL, r.RepoPath); err != nil {
		return fail("clone", err)
	}
	if err := os.MkdirAll(r.OutputPath, 0o755); err != nil {
		return fail("clone", errors.Wrap(err, "failed to create output directory"))
	}

	meta, err := run.LoadMeta(filepath.Join(r.RepoPath, "secd.yml"))
	if err != nil {
		return fail("metadata", err)
	}
	r.Meta = meta

	backend, err := backendFor(meta.DatabaseType)
	if err != nil {
		return fail("metadata", err)
	}

	if meta.DatabaseName != "" {
		authorized, err := o.identity.HasClientRole(ctx, externalID, roleClientID, meta.DatabaseName)
		if err != nil {
			return fail("identity", err)
		}
		if !authorized {
			return fail("authorize", errors.Errorf("user %s has no role %s on client %s", externalID, meta.DatabaseName, roleClientID))
		}
	}

	// The temporary user exists strictly for the duration of this pipeline;
	// deleting it is the control, so deletion is unconditional.
	tempUserID, err := o.identity.CreateTempUser(ctx, externalID)
	if err != nil {
		return fail("identity", err)
	}
	defer func() {
		if err := o.identity.DeleteUser(ctx, tempUserID); err != nil {
			logger.Error(err, "failed to delete temporary user", "event", "run.tempuser.delete", "user_id", tempUserID)
		}
	}()

	image, err := o.builder.BuildAndPush(ctx, r.RepoPath, r.ID)
	if err != nil {
		return fail("build", err)
	}
	r.Image = image

	if err := o.builder.Cleanup(ctx, image); err != nil {
		logger.Error(err, "image cleanup incomplete", "event", "run.image.cleanup")
	}

	if err := o.compose(ctx, r, backend); err != nil {
		return err
	}

	runsLaunched.Inc()
	logger.Info("launched run", "event", "run.launched", "namespace", r.Namespace, "rununtil", r.RunUntil.Format(time.RFC3339))
	return nil
}

// compose materializes the run's cluster footprint: namespace, volumes,
// credentials and finally the pod.
func (o *Orchestrator) compose(ctx context.Context, r *run.Run, backend backend) error {
	// The deadline starts counting here, after clone and build, so the pod
	// gets its full runfor hours.
	r.RunUntil = r.Deadline(o.now())

	if err := o.cluster.CreateRunNamespace(ctx, r.Namespace, r.UserID, r.RunUntil); err != nil {
		return fail("cluster", err)
	}

	if err := o.cluster.CreateNFSVolume(ctx, r.OutputPVName, r.OutputVolumePath(o.pvcRoot), outputCapacity,
		[]corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}, false); err != nil {
		return fail("cluster", err)
	}

	datasetPVC, err := o.cluster.DatasetPVCName(ctx, r.Meta.DatabaseName)
	if err != nil {
		return fail("cluster", err)
	}
	if backend.mountsDataset() {
		r.DatasetPVCName = datasetPVC
	}

	if err := o.cluster.CreateClaim(ctx, r.Namespace, r.OutputPVCName, r.OutputPVName, outputCapacity,
		[]corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}); err != nil {
		return fail("cluster", err)
	}

	// Both variants see DB_HOST; file-backed runs may use it to locate the
	// dataset service even though no credentials are brokered for them.
	fqdn, err := o.cluster.ServiceFQDNByRelease(ctx, r.Meta.DatabaseName)
	if err != nil {
		return fail("cluster", err)
	}
	r.ServiceFQDN = fqdn

	r.Env["OUTPUT_PATH"] = "/output"
	r.Env["SECD"] = "PRODUCTION"
	r.Env["NFS_PATH"] = "/data"
	r.Env["DB_HOST"] = fqdn

	spec := cluster.PodSpec{
		Namespace:    r.Namespace,
		RunID:        r.ID,
		Image:        r.Image,
		DatabaseName: r.Meta.DatabaseName,
		Env:          r.Env,
		GPU:          r.Meta.GPU,
		OutputPVC:    r.OutputPVCName,
		DatasetPVC:   r.DatasetPVCName,
	}

	if err := backend.compose(ctx, o, r, &spec); err != nil {
		return err
	}

	if err := o.composeCache(ctx, r, &spec); err != nil {
		return err
	}

	if _, err := o.cluster.CreateRunPod(ctx, spec); err != nil {
		return fail("cluster", err)
	}

	return nil
}

// composeCache provisions the optional per-user cache volume. The host
// directory survives the run, so a later run with the same cache_dir finds it
// warm; concurrent runs may race to create it, which mkdir tolerates.
func (o *Orchestrator) composeCache(ctx context.Context, r *run.Run, spec *cluster.PodSpec) error {
	if r.Meta.CacheDir == "" {
		return nil
	}

	hostPath := filepath.Join(o.cacheRoot, r.UserID, r.Meta.CacheDir)
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return fail("cluster", errors.Wrap(err, "failed to create cache directory"))
	}

	r.CachePVName = "secd-pv-" + r.ID + "-cache"
	r.CachePVCName = "secd-pvc-" + r.ID + "-cache"

	nfsPath := filepath.Join(o.pvcRoot, "cache", r.UserID, r.Meta.CacheDir)
	if err := o.cluster.CreateNFSVolume(ctx, r.CachePVName, nfsPath, cacheCapacity,
		[]corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}, false); err != nil {
		return fail("cluster", err)
	}

	if err := o.cluster.CreateClaim(ctx, r.Namespace, r.CachePVCName, r.CachePVName, cacheCapacity,
		[]corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce}); err != nil {
		return fail("cluster", err)
	}

	spec.CachePVC = r.CachePVCName
	spec.CacheMountPath = r.Meta.MountPath
	return nil
}

func fail(stage string, err error) error {
	runsFailed.WithLabelValues(stage).Inc()
	return errors.Wrapf(err, "run failed at %s", stage)
}
