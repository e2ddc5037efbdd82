package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/go-logr/logr"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/registry"
	"github.com/moby/moby/client"
)

// ProbeContainerName is the fixed name of the GPU probe container, so a probe
// left behind by a crashed agent is replaced on the next run.
const ProbeContainerName = "nodegate-gpu-probe"

var probeCmd = []string{"nvidia-smi", "--query-gpu=name,driver_version", "--format=csv,noheader"}

// Client is a wrapper around the official Docker client.
type Client struct {
	cli *client.Client
	log logr.Logger
}

// NewClient creates a new Docker client from the environment.
func NewClient(log logr.Logger, opts ...client.Opt) (*Client, error) {
	if len(opts) == 0 {
		opts = []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	}
	cli, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &Client{cli: cli, log: log.WithName("docker")}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// RuntimeInfo is what the container runtime reports about itself and the host.
type RuntimeInfo struct {
	ServerVersion  string
	DefaultRuntime string
	Runtimes       []string
	Architecture   string
	KernelVersion  string
	CPUs           int
	MemoryBytes    int64
}

// HasRuntime reports whether the named OCI runtime is registered.
func (r RuntimeInfo) HasRuntime(name string) bool {
	for _, rt := range r.Runtimes {
		if rt == name {
			return true
		}
	}
	return false
}

// Inspect queries the daemon for its version and registered runtimes.
func (c *Client) Inspect(ctx context.Context) (RuntimeInfo, error) {
	res, err := c.cli.Info(ctx, client.InfoOptions{})
	if err != nil {
		return RuntimeInfo{}, fmt.Errorf("could not query docker daemon: %w", err)
	}
	info := res.Info
	out := RuntimeInfo{
		ServerVersion:  info.ServerVersion,
		DefaultRuntime: info.DefaultRuntime,
		Architecture:   info.Architecture,
		KernelVersion:  info.KernelVersion,
		CPUs:           info.NCPU,
		MemoryBytes:    info.MemTotal,
	}
	for name := range info.Runtimes {
		out.Runtimes = append(out.Runtimes, name)
	}
	sort.Strings(out.Runtimes)
	return out, nil
}

// GPU is one device line reported by the probe container.
type GPU struct {
	Model         string
	DriverVersion string
}

// RegistryAuth holds optional credentials for pulling the probe image.
type RegistryAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ProbeOptions configures a GPU probe run.
type ProbeOptions struct {
	Image    string
	Runtime  string
	Registry RegistryAuth
}

// ProbeGPUs pulls the probe image, runs nvidia-smi inside a container with
// every GPU attached and returns the devices it lists. The container is
// removed afterwards.
func (c *Client) ProbeGPUs(ctx context.Context, opts ProbeOptions) ([]GPU, error) {
	// 1. Pull Image
	authStr, err := getAuthString(opts.Registry.Username, opts.Registry.Password)
	if err != nil {
		return nil, fmt.Errorf("could not get auth string: %w", err)
	}
	pull, err := c.cli.ImagePull(ctx, opts.Image, client.ImagePullOptions{RegistryAuth: authStr})
	if err != nil {
		return nil, fmt.Errorf("could not pull image '%s': %w", opts.Image, err)
	}
	err = pull.Wait(ctx)
	pull.Close()
	if err != nil {
		return nil, fmt.Errorf("could not pull image '%s': %w", opts.Image, err)
	}

	// 2. Create Container
	if err := c.removeContainerIfExists(ctx, ProbeContainerName); err != nil {
		return nil, fmt.Errorf("could not prepare container name '%s': %w", ProbeContainerName, err)
	}
	hostConfig := &container.HostConfig{
		Runtime: opts.Runtime,
		Resources: container.Resources{
			DeviceRequests: []container.DeviceRequest{{Count: -1, Capabilities: [][]string{{"gpu"}}}},
		},
	}
	created, err := c.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     &container.Config{Image: opts.Image, Cmd: probeCmd, Tty: true},
		HostConfig: hostConfig,
		Name:       ProbeContainerName,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create probe container: %w", err)
	}
	defer func() {
		if _, err := c.cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, client.ContainerRemoveOptions{Force: true}); err != nil {
			c.log.Error(err, "could not remove probe container", "id", created.ID)
		}
	}()

	// 3. Start and wait for exit
	if _, err := c.cli.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("could not start probe container: %w", err)
	}
	wait := c.cli.ContainerWait(ctx, created.ID, client.ContainerWaitOptions{Condition: container.WaitConditionNotRunning})
	var exitCode int64
	select {
	case res := <-wait.Result:
		exitCode = res.StatusCode
	case err := <-wait.Error:
		return nil, fmt.Errorf("probe container did not finish: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// 4. Collect output
	logs, err := c.cli.ContainerLogs(ctx, created.ID, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("could not read probe output: %w", err)
	}
	defer logs.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, logs); err != nil {
		return nil, fmt.Errorf("could not read probe output: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("nvidia-smi exited with %d: %s", exitCode, strings.TrimSpace(buf.String()))
	}
	gpus := parseProbeOutput(buf.String())
	c.log.V(1).Info("GPU probe finished", "image", opts.Image, "gpus", len(gpus))
	return gpus, nil
}

// parseProbeOutput reads "name, driver_version" CSV lines.
func parseProbeOutput(out string) []GPU {
	var gpus []GPU
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		model, driver, ok := strings.Cut(line, ",")
		if !ok {
			continue
		}
		gpus = append(gpus, GPU{Model: strings.TrimSpace(model), DriverVersion: strings.TrimSpace(driver)})
	}
	return gpus
}

func getAuthString(username, password string) (string, error) {
	if username == "" && password == "" {
		return "", nil
	}
	authConfig := registry.AuthConfig{
		Username: username,
		Password: password,
	}
	encodedJSON, err := json.Marshal(authConfig)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(encodedJSON), nil
}

func (c *Client) removeContainerIfExists(ctx context.Context, containerName string) error {
	if containerName == "" {
		return nil
	}

	_, err := c.cli.ContainerInspect(ctx, containerName, client.ContainerInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	c.log.Info("stale container found, removing", "name", containerName)
	_, err = c.cli.ContainerRemove(ctx, containerName, client.ContainerRemoveOptions{Force: true, RemoveVolumes: false})
	return err
}
