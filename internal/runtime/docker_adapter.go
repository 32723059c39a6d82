package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/rise-platform/rise/internal/logger"
)

// DockerAdapter is the single-host Runtime Adapter variant: one container
// per deployment, routed by an in-process reverse proxy whose upstream for
// (project, group) is updated atomically. Grounded on
// agents/docker-agent/agent_docker_operations.go's container lifecycle
// (ensureNetwork, createSessionContainer/pullImage/startContainer/
// waitForContainerRunning/stopContainer/removeContainer), repurposed from
// session containers to deployment workloads.
type DockerAdapter struct {
	docker      *client.Client
	NetworkName string

	mu       sync.RWMutex
	upstream map[string]string // "project/group" -> container ID currently serving traffic
	pullAuth map[string][]byte // project -> docker-config JSON stored by ApplyPullSecret; pullImage does not read it
	proxy    *reverseProxyRouter
}

// NewDockerAdapter connects to the local Docker daemon using the standard
// DOCKER_HOST / TLS environment, as agents/docker-agent does.
func NewDockerAdapter(networkName string) (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerAdapter{
		docker:      cli,
		NetworkName: networkName,
		upstream:    make(map[string]string),
		proxy:       newReverseProxyRouter(),
	}, nil
}

func groupKey(projectName, group string) string { return projectName + "/" + group }

func containerName(deploymentID string) string { return "rise-" + deploymentID }

func (a *DockerAdapter) ensureNetwork(ctx context.Context) error {
	networks, err := a.docker.NetworkList(ctx, types.NetworkListOptions{})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == a.NetworkName {
			return nil
		}
	}
	_, err = a.docker.NetworkCreate(ctx, a.NetworkName, types.NetworkCreate{
		Driver: "bridge",
		Labels: map[string]string{"app": "rise", "component": "deployment-network"},
	})
	if err != nil {
		return fmt.Errorf("create network: %w", err)
	}
	return nil
}

func (a *DockerAdapter) pullImage(ctx context.Context, image string) error {
	if _, _, err := a.docker.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}
	reader, err := a.docker.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read pull response: %w", err)
	}
	return nil
}

// ApplyWorkload pulls the image and creates+starts one container per
// deployment. A second call for the same DeploymentID is idempotent: an
// existing container with that name is left running untouched.
func (a *DockerAdapter) ApplyWorkload(ctx context.Context, spec WorkloadSpec) (WorkloadHandle, error) {
	if err := a.ensureNetwork(ctx); err != nil {
		return WorkloadHandle{}, err
	}
	name := containerName(spec.DeploymentID)

	if existing, err := a.docker.ContainerInspect(ctx, name); err == nil {
		return WorkloadHandle{ProjectName: spec.ProjectName, DeploymentID: spec.DeploymentID, Group: spec.Group, Opaque: existing.ID}, nil
	}

	if err := a.pullImage(ctx, spec.ImageRef); err != nil {
		return WorkloadHandle{}, err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	natPort := nat.Port(fmt.Sprintf("%d/tcp", spec.HTTPPort))
	config := &container.Config{
		Image: spec.ImageRef,
		Env:   env,
		Labels: map[string]string{
			"app":           "rise",
			"project":       spec.ProjectName,
			"group":         spec.Group,
			"deployment-id": spec.DeploymentID,
		},
		ExposedPorts: nat.PortSet{natPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings:  nat.PortMap{natPort: []nat.PortBinding{{HostIP: "127.0.0.1"}}},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{a.NetworkName: {}},
	}

	resp, err := a.docker.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, name)
	if err != nil {
		return WorkloadHandle{}, fmt.Errorf("create container: %w", err)
	}
	if err := a.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return WorkloadHandle{}, fmt.Errorf("start container: %w", err)
	}
	if err := a.waitForRunning(ctx, resp.ID, 30*time.Second); err != nil {
		return WorkloadHandle{}, err
	}

	logger.Runtime().Debug().Str("container", resp.ID[:12]).Str("deployment", spec.DeploymentID).Msg("container started")
	return WorkloadHandle{ProjectName: spec.ProjectName, DeploymentID: spec.DeploymentID, Group: spec.Group, Opaque: resp.ID}, nil
}

func (a *DockerAdapter) waitForRunning(ctx context.Context, containerID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		inspect, err := a.docker.ContainerInspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("inspect container: %w", err)
		}
		if inspect.State.Running {
			return nil
		}
		if inspect.State.Status == "exited" || inspect.State.Status == "dead" {
			return fmt.Errorf("container exited (status=%s, code=%d)", inspect.State.Status, inspect.State.ExitCode)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("timeout waiting for container to run")
}

// DeleteWorkload stops and removes the container backing handle.
func (a *DockerAdapter) DeleteWorkload(ctx context.Context, handle WorkloadHandle) error {
	name := containerName(handle.DeploymentID)
	timeoutSeconds := 10
	if err := a.docker.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("stop container: %w", err)
		}
	}
	if err := a.docker.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	return nil
}

// SetGroupTraffic atomically repoints the group's reverse-proxy upstream at
// the deployment's container, resolved to its network-local address.
func (a *DockerAdapter) SetGroupTraffic(ctx context.Context, projectName, group, deploymentID string) error {
	insp, err := a.docker.ContainerInspect(ctx, containerName(deploymentID))
	if err != nil {
		return fmt.Errorf("inspect target container: %w", err)
	}
	addr, ok := insp.NetworkSettings.Networks[a.NetworkName]
	if !ok || addr.IPAddress == "" {
		return fmt.Errorf("container %s has no address on network %s", deploymentID, a.NetworkName)
	}

	key := groupKey(projectName, group)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.upstream[key] == insp.ID {
		return nil // idempotent no-op
	}
	a.upstream[key] = insp.ID
	a.proxy.setUpstream(key, addr.IPAddress)
	return nil
}

// ProbeHealth reports Ready when the container is running.
func (a *DockerAdapter) ProbeHealth(ctx context.Context, handle WorkloadHandle) (HealthState, error) {
	insp, err := a.docker.ContainerInspect(ctx, containerName(handle.DeploymentID))
	if client.IsErrNotFound(err) {
		return Gone, nil
	}
	if err != nil {
		return NotReady, fmt.Errorf("inspect container: %w", err)
	}
	if insp.State.Running {
		return Ready, nil
	}
	return NotReady, nil
}

// ActiveConnections reports the reverse proxy's live connection counter for
// the group, used as the drain-window signal during supersession.
func (a *DockerAdapter) ActiveConnections(ctx context.Context, handle WorkloadHandle) (int, error) {
	return a.proxy.activeConnections(groupKey(handle.ProjectName, handle.Group)), nil
}

// ApplyPullSecret stores the docker-config JSON in memory, keyed by project.
// The single-host variant has no separate Secret object, and ttl is ignored.
// pullImage does not read the stored material: ImagePull is called with no
// registry auth.
func (a *DockerAdapter) ApplyPullSecret(ctx context.Context, projectName string, dockerConfigJSON []byte, ttl time.Duration) error {
	// The Docker SDK takes registry auth per ImagePull call rather than a
	// stored credential; this map is the only place the material is kept.
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pullAuth == nil {
		a.pullAuth = make(map[string][]byte)
	}
	a.pullAuth[projectName] = dockerConfigJSON
	return nil
}

// WatchEvents streams the Docker daemon's container events filtered to this
// deployment's container.
func (a *DockerAdapter) WatchEvents(ctx context.Context, handle WorkloadHandle) (<-chan LifecycleEvent, error) {
	filterArgs := []string{"container=" + containerName(handle.DeploymentID)}
	_ = filterArgs // unused: EventsOptions below sets no filter; events are matched by container name in the loop
	msgs, errs := a.docker.Events(ctx, types.EventsOptions{})
	out := make(chan LifecycleEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil {
					return
				}
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if msg.Actor.Attributes["name"] != containerName(handle.DeploymentID) {
					continue
				}
				select {
				case out <- LifecycleEvent{DeploymentID: handle.DeploymentID, Type: string(msg.Action), Message: msg.Status, ObservedAt: time.Unix(msg.Time, 0)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// TailLogs streams the container's combined stdout/stderr.
func (a *DockerAdapter) TailLogs(ctx context.Context, handle WorkloadHandle, follow bool) (<-chan string, error) {
	reader, err := a.docker.ContainerLogs(ctx, containerName(handle.DeploymentID), types.ContainerLogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: follow,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	out := make(chan string)
	go func() {
		defer close(out)
		defer reader.Close()
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r\n")
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
