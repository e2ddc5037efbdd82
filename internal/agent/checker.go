package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/atvirokodosprendimai/nodegate/internal/agent/docker"
	"github.com/atvirokodosprendimai/nodegate/internal/messaging"
	"github.com/atvirokodosprendimai/nodegate/internal/node"
	"github.com/go-logr/logr"
)

// ContainerRuntime is the part of the docker client the checks need.
type ContainerRuntime interface {
	Inspect(ctx context.Context) (docker.RuntimeInfo, error)
	ProbeGPUs(ctx context.Context, opts docker.ProbeOptions) ([]docker.GPU, error)
}

// Checker runs the environment checks for one node.
type Checker struct {
	runtime   ContainerRuntime
	profile   Profile
	minDriver *semver.Version
	log       logr.Logger
}

// NewChecker creates a Checker for profile.
func NewChecker(rt ContainerRuntime, profile Profile, log logr.Logger) (*Checker, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	c := &Checker{runtime: rt, profile: profile, log: log.WithName("checker")}
	if profile.MinDriverVersion != "" {
		c.minDriver, _ = semver.NewVersion(profile.MinDriverVersion)
	}
	return c, nil
}

// Check verifies the local environment against what the control plane
// expects of the node. Every failed check adds to the reply message.
func (c *Checker) Check(ctx context.Context, req messaging.VerifyRequest) messaging.VerifyReply {
	reply := messaging.VerifyReply{NodeName: req.NodeName}

	info, err := c.runtime.Inspect(ctx)
	if err != nil {
		reply.Message = fmt.Sprintf("container runtime unreachable: %v", err)
		return reply
	}
	env := &node.Environment{
		ContainerRuntime: "docker",
		RuntimeVersion:   info.ServerVersion,
		Architecture:     info.Architecture,
		NetworkFabric:    c.profile.NetworkFabric,
	}
	reply.Environment = env

	var problems []string
	if rt := c.profile.RequiredRuntime; rt != "" && !info.HasRuntime(rt) {
		problems = append(problems, fmt.Sprintf("runtime %q is not registered (have %s)", rt, strings.Join(info.Runtimes, ", ")))
	}

	var gpus []docker.GPU
	if req.AcceleratorCount > 0 {
		gpus, err = c.runtime.ProbeGPUs(ctx, docker.ProbeOptions{
			Image:    c.profile.ProbeImage,
			Runtime:  c.profile.RequiredRuntime,
			Registry: c.profile.Registry,
		})
		if err != nil {
			problems = append(problems, fmt.Sprintf("GPU probe failed: %v", err))
		} else {
			problems = append(problems, c.checkGPUs(req, gpus, env)...)
		}
	}

	if len(problems) > 0 {
		reply.Message = strings.Join(problems, "; ")
		c.log.Info("environment check failed", "node", req.NodeName, "problems", len(problems))
		return reply
	}

	reply.Pass = true
	reply.Message = fmt.Sprintf("docker %s", info.ServerVersion)
	if len(gpus) > 0 {
		reply.Message += fmt.Sprintf(", %dx %s, driver %s", len(gpus), env.AcceleratorGeneration, env.DriverVersion)
	}
	return reply
}

func (c *Checker) checkGPUs(req messaging.VerifyRequest, gpus []docker.GPU, env *node.Environment) []string {
	if len(gpus) == 0 {
		return []string{"GPU probe found no devices"}
	}
	env.AcceleratorGeneration = gpus[0].Model
	env.DriverVersion = gpus[0].DriverVersion

	var problems []string
	if len(gpus) < req.AcceleratorCount {
		problems = append(problems, fmt.Sprintf("found %d GPUs, expected %d", len(gpus), req.AcceleratorCount))
	}
	if req.AcceleratorModel != "" && !sameModel(gpus[0].Model, req.AcceleratorModel) {
		problems = append(problems, fmt.Sprintf("GPU model %q does not match %q", gpus[0].Model, req.AcceleratorModel))
	}
	if c.minDriver != nil {
		v, err := semver.NewVersion(gpus[0].DriverVersion)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("unreadable driver version %q", gpus[0].DriverVersion))
		case v.LessThan(c.minDriver):
			problems = append(problems, fmt.Sprintf("driver %s is older than %s", gpus[0].DriverVersion, c.profile.MinDriverVersion))
		}
	}
	return problems
}

// sameModel compares a device name from nvidia-smi with a node label value.
// Labels replace spaces with dashes, so both are reduced to letters and digits.
func sameModel(probed, labelled string) bool {
	a, b := squash(probed), squash(labelled)
	if a == "" || b == "" {
		return a == b
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

func squash(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
