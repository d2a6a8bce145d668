package run

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// NamespacePrefix marks every namespace owned by a run. The reaper only ever
	// touches namespaces carrying this prefix.
	NamespacePrefix = "secd-"

	// DateFormat is the wall-clock stamp baked into output paths and PV paths.
	DateFormat = "2006-01-02-15-04-05"
)

// Run carries the identity and derived names of one end-to-end execution, from
// webhook acceptance until the pod is launched. Everything the reaper later
// needs is recoverable from the namespace name and its annotations.
type Run struct {
	// ID is 32 lowercase hex characters, a UUIDv4 with the dashes stripped.
	ID        string
	Date      string
	StartedAt time.Time

	// RunUntil is the stamped rununtil annotation, set when the namespace is
	// created. The full runfor budget starts then, not at webhook acceptance:
	// clone and build time never eat into the run's hours.
	RunUntil time.Time

	Namespace     string
	RepoPath      string
	OutputPath    string
	OutputPVName  string
	OutputPVCName string

	// UserID is the external identity (resolved at the identity provider) of
	// whoever pushed.
	UserID string

	Meta Meta

	// Image is <registry>/<project>/<run id>, filled after the build.
	Image string

	// DatasetPVCName names the shared read-only claim exposing the dataset for
	// file-backed databases; empty otherwise.
	DatasetPVCName string

	CachePVName  string
	CachePVCName string

	// ServiceFQDN is the in-cluster DNS name of the database service, exported
	// to the pod as DB_HOST.
	ServiceFQDN string

	// Env is the environment the execution container will see.
	Env map[string]string
}

// New constructs a Run rooted at repoRoot with a fresh identity.
func New(repoRoot string) *Run {
	return NewAt(time.Now(), repoRoot)
}

// NewAt is New with an explicit clock, for tests.
func NewAt(now time.Time, repoRoot string) *Run {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	date := now.Format(DateFormat)
	repoPath := fmt.Sprintf("%s/%s", repoRoot, id)

	return &Run{
		ID:            id,
		Date:          date,
		StartedAt:     now,
		Namespace:     NamespacePrefix + id,
		RepoPath:      repoPath,
		OutputPath:    fmt.Sprintf("%s/outputs/%s-%s", repoPath, date, id),
		OutputPVName:  fmt.Sprintf("secd-pv-%s-output", id),
		OutputPVCName: fmt.Sprintf("secd-pvc-%s-output", id),
		Env:           map[string]string{},
	}
}

// Deadline computes the rununtil annotation value: the moment after which the
// reaper tears the run down regardless of pod state.
func (r *Run) Deadline(from time.Time) time.Time {
	return from.Add(time.Duration(r.Meta.RunFor) * time.Hour)
}

// PodName doubles as the main container name; the reaper relies on the secd-
// prefix to tell the main container apart from the credential sidecar.
func (r *Run) PodName() string {
	return NamespacePrefix + r.ID
}

// VaultRole names the dynamic-credentials role at the secrets broker.
func (r *Run) VaultRole() string {
	return "role-" + r.Meta.DatabaseName
}

// ServiceAccount names the per-database service account bound to the broker
// policy.
func (r *Run) ServiceAccount() string {
	return "sa-" + r.Meta.DatabaseName
}

// OutputVolumePath is the path the output PV serves from the NFS export, as
// opposed to OutputPath which is where the orchestrator sees the same
// directory on the host.
func (r *Run) OutputVolumePath(pvcRoot string) string {
	return fmt.Sprintf("%s/repos/%s/outputs/%s-%s", pvcRoot, r.ID, r.Date, r.ID)
}

// IDFromNamespace recovers a run id from its namespace name. The second return
// is false for namespaces the orchestrator does not own.
func IDFromNamespace(namespace string) (string, bool) {
	if !strings.HasPrefix(namespace, NamespacePrefix) {
		return "", false
	}

	return strings.TrimPrefix(namespace, NamespacePrefix), true
}
