// Package agent implements the node-side environment checks and answers
// verification requests coming from the control plane.
package agent

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/atvirokodosprendimai/nodegate/internal/agent/docker"
	"gopkg.in/yaml.v3"
)

// Profile describes what a node must provide to pass verification.
type Profile struct {
	// ProbeImage is run with every GPU attached to execute nvidia-smi.
	ProbeImage string `yaml:"probeImage"`
	// RequiredRuntime must be registered with the container runtime. Empty skips the check.
	RequiredRuntime string `yaml:"requiredRuntime"`
	// MinDriverVersion is the oldest acceptable GPU driver.
	MinDriverVersion string `yaml:"minDriverVersion"`
	// NetworkFabric is reported as-is; the agent cannot observe it.
	NetworkFabric string              `yaml:"networkFabric"`
	Registry      docker.RegistryAuth `yaml:"registry"`
}

// DefaultProfile is used when no profile file is given.
func DefaultProfile() Profile {
	return Profile{
		ProbeImage:       "nvidia/cuda:12.4.1-base-ubuntu22.04",
		RequiredRuntime:  "nvidia",
		MinDriverVersion: "535.0.0",
		NetworkFabric:    "ethernet",
	}
}

// LoadProfile reads a YAML profile. Fields missing from the file keep their
// defaults. An empty path returns the default profile.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("invalid profile %s: %w", path, err)
	}
	return p, nil
}

// Validate checks that the profile can be used for verification.
func (p Profile) Validate() error {
	if p.ProbeImage == "" {
		return fmt.Errorf("probeImage is required")
	}
	if p.MinDriverVersion != "" {
		if _, err := semver.NewVersion(p.MinDriverVersion); err != nil {
			return fmt.Errorf("minDriverVersion %q: %w", p.MinDriverVersion, err)
		}
	}
	return nil
}
