package launcher

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
)

// containerSpec carries everything needed to create a backup worker
// container.
type containerSpec struct {
	Name    string
	Image   string
	Env     []string
	Labels  map[string]string
	Network string

	ShmSize  int64
	Memory   int64
	CPUCount int64
}

// runtimeClient abstracts the container runtime. The SDK-backed
// implementation talks to a Docker-compatible daemon; tests substitute
// a fake.
type runtimeClient interface {
	Ping(ctx context.Context) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	ImagePull(ctx context.Context, ref string) error
	ContainerCreate(ctx context.Context, spec containerSpec) (string, error)
	ContainerStart(ctx context.Context, id string) error
	ContainerStop(ctx context.Context, id string, grace time.Duration) error
	ContainerRemove(ctx context.Context, id string, force bool) error
	Close() error
}

// sdkRuntimeClient implements runtimeClient using the official Docker SDK.
type sdkRuntimeClient struct {
	cli *dockerclient.Client
}

// newSDKRuntimeClient connects to the daemon over the given unix socket,
// or honors the environment's DOCKER_HOST when socketPath is empty.
func newSDKRuntimeClient(socketPath string) (*sdkRuntimeClient, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithAPIVersionNegotiation(),
	}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	} else {
		opts = append(opts, dockerclient.FromEnv)
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &sdkRuntimeClient{cli: cli}, nil
}

func (c *sdkRuntimeClient) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

func (c *sdkRuntimeClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := c.cli.ImageInspect(ctx, ref)
	if dockerclient.IsErrNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("image inspect: %w", err)
	}
	return true, nil
}

func (c *sdkRuntimeClient) ImagePull(ctx context.Context, ref string) error {
	body, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer body.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, body)
	return err
}

func (c *sdkRuntimeClient) ContainerCreate(ctx context.Context, spec containerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		// Auto-remove stays off so a failed backup can be inspected.
		AutoRemove:    false,
		NetworkMode:   container.NetworkMode(spec.Network),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		ShmSize:       spec.ShmSize,
		Resources: container.Resources{
			Memory:   spec.Memory,
			CPUCount: spec.CPUCount,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return resp.ID, nil
}

func (c *sdkRuntimeClient) ContainerStart(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

func (c *sdkRuntimeClient) ContainerStop(ctx context.Context, id string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

func (c *sdkRuntimeClient) ContainerRemove(ctx context.Context, id string, force bool) error {
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (c *sdkRuntimeClient) Close() error {
	return c.cli.Close()
}
