package controlplane

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Runtime is a container runtime named by a container ID scheme.
type Runtime string

const (
	RuntimeDocker     Runtime = "docker"
	RuntimeContainerd Runtime = "containerd"
	RuntimeCRIO       Runtime = "cri-o"
)

// hostRoot is where the agent mounts the node's root filesystem.
const hostRoot = "/host"

// ParseContainerID splits a status container ID such as
// "containerd://0af3..." into its runtime and bare ID.
func ParseContainerID(containerID string) (Runtime, string, error) {
	scheme, id, ok := strings.Cut(containerID, "://")
	if !ok || id == "" {
		return "", "", fmt.Errorf("container ID %q has no runtime scheme", containerID)
	}
	switch rt := Runtime(scheme); rt {
	case RuntimeDocker, RuntimeContainerd, RuntimeCRIO:
		return rt, id, nil
	}
	return "", "", fmt.Errorf("unsupported container runtime %q", scheme)
}

// InspectCommand returns the command that prints the runtime's view of the
// container, run from the agent against the host's runtime socket.
func InspectCommand(rt Runtime, id string) []string {
	if rt == RuntimeDocker {
		return []string{"chroot", hostRoot, "docker", "inspect", id}
	}
	return []string{"chroot", hostRoot, "crictl", "inspect", id}
}

type dockerInspect []struct {
	State struct {
		Pid int `json:"Pid"`
	} `json:"State"`
}

type crictlInspect struct {
	Info struct {
		Pid int `json:"pid"`
	} `json:"info"`
}

// ParsePID extracts the host PID of the container's main process from the
// inspect output of rt.
func ParsePID(rt Runtime, output string) (int, error) {
	var pid int
	switch rt {
	case RuntimeDocker:
		var out dockerInspect
		if err := json.Unmarshal([]byte(output), &out); err != nil {
			return 0, fmt.Errorf("decoding docker inspect output: %w", err)
		}
		if len(out) == 0 {
			return 0, fmt.Errorf("docker inspect returned no containers")
		}
		pid = out[0].State.Pid
	default:
		var out crictlInspect
		if err := json.Unmarshal([]byte(output), &out); err != nil {
			return 0, fmt.Errorf("decoding crictl inspect output: %w", err)
		}
		pid = out.Info.Pid
	}
	if pid <= 0 {
		return 0, fmt.Errorf("container is not running (pid %d)", pid)
	}
	return pid, nil
}
