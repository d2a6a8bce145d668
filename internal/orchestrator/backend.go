package orchestrator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/secd-project/secd/pkg/cluster"
	"github.com/secd-project/secd/pkg/run"
	"github.com/secd-project/secd/pkg/vault"
)

// backend is the database_type variant. The variant decides whether the
// dataset claim is mounted, whether the secrets broker is engaged, and what
// the pod template carries. Adding a backend means adding a variant here, not
// editing the pipeline.
type backend interface {
	// mountsDataset reports whether the analyst pod sees the dataset claim at
	// /data. Both variants discover the claim; only file-backed runs mount it.
	mountsDataset() bool

	compose(ctx context.Context, o *Orchestrator, r *run.Run, spec *cluster.PodSpec) error
}

func backendFor(databaseType string) (backend, error) {
	switch databaseType {
	case run.DatabaseFile:
		return fileBackend{}, nil
	case run.DatabaseMySQL:
		return mysqlBackend{}, nil
	default:
		return nil, errors.Errorf("no backend for database_type %q", databaseType)
	}
}

// fileBackend serves runs that read a shared dataset directly: the dataset
// claim is mounted read-only and no credentials exist to broker.
type fileBackend struct{}

func (fileBackend) mountsDataset() bool { return true }

func (fileBackend) compose(ctx context.Context, o *Orchestrator, r *run.Run, spec *cluster.PodSpec) error {
	return nil
}

// mysqlBackend serves relational runs: the pod never mounts the dataset and
// never sees long-lived credentials. Instead the broker binds a per-run
// service account to a dynamic-credentials role, and a sidecar renders the
// short-lived credentials into a file the entrypoint sources.
type mysqlBackend struct{}

func (mysqlBackend) mountsDataset() bool { return false }

func (mysqlBackend) compose(ctx context.Context, o *Orchestrator, r *run.Run, spec *cluster.PodSpec) error {
	if err := o.broker.Setup(ctx, vault.Database{
		Name:          r.Meta.DatabaseName,
		Type:          r.Meta.DatabaseType,
		Namespace:     r.Namespace,
		AdminUsername: o.database.AdminUsername,
		AdminPassword: o.database.AdminPassword,
	}); err != nil {
		return fail("vault", err)
	}

	if err := o.cluster.CreateServiceAccount(ctx, r.Namespace, r.ServiceAccount()); err != nil {
		return fail("cluster", err)
	}

	spec.InjectCredentials = true
	return nil
}
