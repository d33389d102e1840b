// ABOUTME: Local-container backend driving the host docker CLI.
// ABOUTME: Manifest travels via environment variable; the public IP is loopback.

package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DockerName is the registry name of the local-container backend.
const DockerName = "docker-local"

// Docker provisions workers as containers on the host runtime. The worker's
// gateway port is published on an ephemeral host port.
type Docker struct {
	binary string
	logger *slog.Logger
}

// gatewayPort is the fixed port the worker runtime binds inside a container.
const gatewayPort = 18789

// NewDocker creates the local-container backend.
func NewDocker(logger *slog.Logger) *Docker {
	return &Docker{binary: "docker", logger: logger}
}

// Name implements Provider.
func (d *Docker) Name() string { return DockerName }

// Create implements Provider. The bootstrap script is not used here; the
// manifest is passed base64-encoded through the environment instead of
// user-data, and the image is expected to carry the worker runtime.
func (d *Docker) Create(ctx context.Context, req CreateRequest) (*Instance, error) {
	m := req.Manifest
	manifestJSON, err := m.JSON()
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(manifestJSON)

	args := []string{
		"run", "-d",
		"--name", "moltagent-" + m.ShortID(),
		"--label", LabelSelector + "=true",
		"--label", "agent-id=" + m.Identity.ID,
		"--label", "owner-id=" + m.Identity.OwnerID,
		"-e", "MOLTAGENT_MANIFEST_B64=" + encoded,
		"-e", "MOLTAGENT_ID=" + m.Identity.ID,
		"-p", fmt.Sprintf("0:%d", gatewayPort),
		m.Resources.DockerImage,
	}

	out, err := d.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	containerID := strings.TrimSpace(out)

	inst := &Instance{
		ID:         containerID,
		Provider:   DockerName,
		Status:     StatusCreating,
		PublicIPv4: "127.0.0.1",
		ServerType: "container",
		Region:     "local",
		CreatedAt:  time.Now().UTC(),
		AgentID:    m.Identity.ID,
		Metadata: map[string]any{
			"image": m.Resources.DockerImage,
		},
	}

	if port, err := d.hostPort(ctx, containerID); err == nil {
		inst.Metadata["hostPort"] = port
	}

	d.logger.Info("container created",
		"instance_id", shortContainerID(containerID),
		"agent_id", m.Identity.ID,
		"image", m.Resources.DockerImage,
	)
	return inst, nil
}

// Destroy implements Provider.
func (d *Docker) Destroy(ctx context.Context, instanceID string) error {
	if _, err := d.run(ctx, "rm", "-f", instanceID); err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return ErrInstanceNotFound
		}
		return err
	}
	d.logger.Info("container destroyed", "instance_id", shortContainerID(instanceID))
	return nil
}

// dockerInspect is the subset of `docker inspect` output this system reads.
type dockerInspect struct {
	ID      string `json:"Id"`
	Created string `json:"Created"`
	State   struct {
		Status string `json:"Status"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

// Status implements Provider.
func (d *Docker) Status(ctx context.Context, instanceID string) (*Instance, error) {
	out, err := d.run(ctx, "inspect", instanceID)
	if err != nil {
		if strings.Contains(err.Error(), "No such object") || strings.Contains(err.Error(), "No such container") {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}

	var containers []dockerInspect
	if err := json.Unmarshal([]byte(out), &containers); err != nil {
		return nil, fmt.Errorf("decoding inspect output: %w", err)
	}
	if len(containers) == 0 {
		return nil, ErrInstanceNotFound
	}
	return d.toInstance(&containers[0]), nil
}

// List implements Provider, filtering on the system label.
func (d *Docker) List(ctx context.Context) ([]*Instance, error) {
	out, err := d.run(ctx, "ps", "-a", "--filter", "label="+LabelSelector+"=true", "--format", "{{.ID}}")
	if err != nil {
		return nil, err
	}

	var instances []*Instance
	for _, id := range strings.Fields(out) {
		inst, err := d.Status(ctx, id)
		if err != nil {
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// toInstance maps inspect output into the common shape.
func (d *Docker) toInstance(c *dockerInspect) *Instance {
	created, _ := time.Parse(time.RFC3339Nano, c.Created)
	return &Instance{
		ID:         c.ID,
		Provider:   DockerName,
		Status:     mapContainerState(c.State.Status),
		PublicIPv4: "127.0.0.1",
		ServerType: "container",
		Region:     "local",
		CreatedAt:  created,
		AgentID:    c.Config.Labels["agent-id"],
		Metadata: map[string]any{
			"image":  c.Config.Image,
			"labels": c.Config.Labels,
		},
	}
}

// mapContainerState folds container runtime states into the common variant.
func mapContainerState(s string) Status {
	switch s {
	case "created", "restarting":
		return StatusCreating
	case "running":
		return StatusRunning
	case "removing", "paused":
		return StatusStopping
	case "exited":
		return StatusStopped
	default:
		return StatusError
	}
}

// hostPort resolves the ephemeral host port published for the gateway port.
func (d *Docker) hostPort(ctx context.Context, containerID string) (int, error) {
	out, err := d.run(ctx, "port", containerID, strconv.Itoa(gatewayPort))
	if err != nil {
		return 0, err
	}
	// Output looks like "0.0.0.0:49153".
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected port output %q", out)
	}
	return strconv.Atoi(line[idx+1:])
}

// run executes one docker CLI invocation and returns stdout.
func (d *Docker) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// shortContainerID truncates a container id for logging.
func shortContainerID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
