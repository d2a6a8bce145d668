package docker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/secd-project/secd/pkg/config"
)

// engineAPI is the slice of the Docker Engine API the builder needs. The
// concrete client satisfies it; tests substitute a fake.
type engineAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	ImageRemove(ctx context.Context, ref string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ImagesPrune(ctx context.Context, pruneFilter filters.Args) (types.ImagesPruneReport, error)
}

// Builder turns a run's checkout into a pushed OCI image tagged with the run
// id.
type Builder struct {
	engine   engineAPI
	registry config.Registry
	logger   logr.Logger
}

func NewBuilder(cfg config.Registry, logger logr.Logger) (*Builder, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	if cfg.CAPath != "" {
		pem, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read registry CA certificate")
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", cfg.CAPath)
		}

		opts = append(opts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
		}))
	}

	engine, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create docker client")
	}

	return NewBuilderWithEngine(engine, cfg, logger), nil
}

func NewBuilderWithEngine(engine engineAPI, cfg config.Registry, logger logr.Logger) *Builder {
	return &Builder{
		engine:   engine,
		registry: cfg,
		logger:   logger.WithValues("component", "docker"),
	}
}

// BuildAndPush builds an image from the checkout, authenticates to the
// registry and pushes the tag. Both failures are fatal to the run.
func (b *Builder) BuildAndPush(ctx context.Context, repoPath, runID string) (string, error) {
	tag := fmt.Sprintf("%s/%s/%s", b.registry.URL, b.registry.Project, runID)
	logger := b.logger.WithValues("run_id", runID, "image", tag)

	buildContext, err := archive.TarWithOptions(repoPath, &archive.TarOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "failed to tar build context %s", repoPath)
	}
	defer buildContext.Close()

	response, err := b.engine.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to build image %s", tag)
	}
	if err := drainStream(response.Body); err != nil {
		return "", errors.Wrapf(err, "image build of %s failed", tag)
	}
	logger.Info("built image", "event", "image.build")

	auth := registry.AuthConfig{
		Username:      b.registry.Username,
		Password:      b.registry.Password,
		ServerAddress: b.registry.URL,
	}
	if _, err := b.engine.RegistryLogin(ctx, auth); err != nil {
		return "", errors.Wrapf(err, "failed to authenticate to registry %s", b.registry.URL)
	}

	encoded, err := registry.EncodeAuthConfig(auth)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode registry auth")
	}

	pushResponse, err := b.engine.ImagePush(ctx, tag, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return "", errors.Wrapf(err, "failed to push image %s", tag)
	}
	if err := drainStream(pushResponse); err != nil {
		return "", errors.Wrapf(err, "image push of %s failed", tag)
	}
	logger.Info("pushed image", "event", "image.push")

	return tag, nil
}

// Cleanup removes the local image and prunes dangling layers. Failures here
// never fail a run; the daemon's disk is not the run's problem.
func (b *Builder) Cleanup(ctx context.Context, tag string) error {
	var result *multierror.Error

	if _, err := b.engine.ImageRemove(ctx, tag, image.RemoveOptions{PruneChildren: true}); err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "failed to remove image %s", tag))
	}

	if _, err := b.engine.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true"))); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to prune dangling images"))
	}

	if err := result.ErrorOrNil(); err != nil {
		b.logger.Error(err, "image cleanup incomplete", "event", "image.cleanup", "image", tag)
		return err
	}

	b.logger.Info("cleaned up image", "event", "image.cleanup", "image", tag)
	return nil
}

// drainStream consumes a build or push progress stream and surfaces the error
// frame, if any. The daemon reports failures mid-stream, not via the HTTP
// status.
func drainStream(stream io.ReadCloser) error {
	defer stream.Close()

	decoder := json.NewDecoder(stream)
	for {
		var message jsonmessage.JSONMessage
		if err := decoder.Decode(&message); err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "failed to decode daemon stream")
		}

		if message.Error != nil {
			return errors.New(message.Error.Message)
		}
	}
}
